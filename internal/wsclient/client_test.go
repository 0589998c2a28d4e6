package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakeup/audiostudio/internal/protocol"
)

// echoServer accepts the token "good", answers auth events, and echoes
// any other event back with an increasing seq.
func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") == "reject" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var seq uint64
		reply := func(ev protocol.Event, data any) error {
			seq++
			raw, _ := json.Marshal(data)
			return conn.WriteJSON(protocol.Envelope{Event: ev, Data: raw, Seq: seq})
		}
		if r.Header.Get("Authorization") == "Bearer good" {
			reply(protocol.EvAuthOK, protocol.AuthOK{UserID: "header-user"})
		}
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == protocol.EvAuth {
				var p protocol.AuthPayload
				json.Unmarshal(env.Data, &p)
				if p.Token != "good" {
					reply(protocol.EvAuthError, protocol.ErrorPayload{Message: "bad token", Code: protocol.CodeUnauthorized})
					return
				}
				reply(protocol.EvAuthOK, protocol.AuthOK{UserID: "alice"})
				continue
			}
			if err := conn.WriteJSON(protocol.Envelope{Event: env.Event, Data: env.Data, Seq: seq + 1}); err != nil {
				return
			}
			seq++
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAuthenticate(t *testing.T) {
	_, url := echoServer(t)
	ctx := testCtx(t)

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	user, err := c.Authenticate(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, uint64(1), c.Seq())
}

func TestAuthenticateRejected(t *testing.T) {
	_, url := echoServer(t)
	ctx := testCtx(t)

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Authenticate(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")

	// The server hangs up after rejecting.
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestBearerHeader(t *testing.T) {
	_, url := echoServer(t)
	ctx := testCtx(t)

	c, err := Dial(ctx, url, WithBearer("good"))
	require.NoError(t, err)
	defer c.Close()

	env, err := c.Expect(ctx, protocol.EvAuthOK)
	require.NoError(t, err)
	ok, err := Decode[protocol.AuthOK](env)
	require.NoError(t, err)
	assert.Equal(t, "header-user", ok.UserID)
}

func TestDialFailureIncludesStatus(t *testing.T) {
	_, url := echoServer(t)

	_, err := Dial(testCtx(t), url, WithHeader("X-Test", "reject"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestSendAndExpect(t *testing.T) {
	_, url := echoServer(t)
	ctx := testCtx(t)

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(protocol.EvStudioClose, protocol.SessionRef{SessionID: "s1"}))
	require.NoError(t, c.Send(protocol.EvSyncGetState, protocol.SessionRef{SessionID: "s2"}))

	// Expect skips the first echo.
	env, err := c.Expect(ctx, protocol.EvSyncGetState)
	require.NoError(t, err)
	ref, err := Decode[protocol.SessionRef](env)
	require.NoError(t, err)
	assert.Equal(t, "s2", ref.SessionID)
	assert.Equal(t, uint64(2), c.Seq())
}

func TestSendRaw(t *testing.T) {
	_, url := echoServer(t)
	ctx := testCtx(t)

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendRaw([]byte(`{"event":"studio:close","data":{"sessionId":"raw"}}`)))
	env, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvStudioClose, env.Event)
	assert.JSONEq(t, `{"sessionId":"raw"}`, string(env.Data))
}

func TestNextHonoursContext(t *testing.T) {
	_, url := echoServer(t)

	c, err := Dial(testCtx(t), url)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeEmptyData(t *testing.T) {
	v, err := Decode[protocol.SessionRef](protocol.Envelope{Event: protocol.EvAuthError})
	require.NoError(t, err)
	assert.Empty(t, v.SessionID)

	_, err = Decode[protocol.SessionRef](protocol.Envelope{Event: protocol.EvAuthError, Data: json.RawMessage(`[1]`)})
	assert.Error(t, err)
}
