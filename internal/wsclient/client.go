// Package wsclient is a small client for the studio websocket gateway,
// used by integration tests and tooling.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wakeup/audiostudio/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	inboxSize    = 256
)

// ErrClosed is returned once the connection has gone away.
var ErrClosed = errors.New("connection closed")

// Client is one connection to the gateway. Frames are read on a background
// goroutine and handed out in arrival order by Next.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serialises all conn writes (ping, events)

	mu  sync.Mutex
	seq uint64
	err error

	inbox  chan protocol.Envelope
	cancel context.CancelFunc
}

type options struct {
	token  string
	header http.Header
	dialer *websocket.Dialer
}

type Option func(*options)

// WithBearer sends token in the Authorization header of the upgrade request.
func WithBearer(token string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Set("Authorization", "Bearer "+token)
	}
}

// WithHeader adds a header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Add(key, value)
	}
}

// Dial connects to url and starts reading.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	conn, resp, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		inbox:  make(chan protocol.Envelope, inboxSize),
		cancel: cancel,
	}
	go c.readLoop()
	go c.pingLoop(loopCtx)
	return c, nil
}

// Send writes one event.
func (c *Client) Send(event protocol.Event, data any) error {
	frame := struct {
		Event protocol.Event `json:"event"`
		Data  any            `json:"data,omitempty"`
	}{event, data}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

// SendRaw writes a frame as is.
func (c *Client) SendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Authenticate sends an auth event and waits for the answer.
func (c *Client) Authenticate(ctx context.Context, token string) (string, error) {
	if err := c.Send(protocol.EvAuth, protocol.AuthPayload{Token: token}); err != nil {
		return "", err
	}
	for {
		env, err := c.Next(ctx)
		if err != nil {
			return "", err
		}
		switch env.Event {
		case protocol.EvAuthOK:
			ok, err := Decode[protocol.AuthOK](env)
			return ok.UserID, err
		case protocol.EvAuthError:
			p, _ := Decode[protocol.ErrorPayload](env)
			return "", fmt.Errorf("authentication rejected: %s", p.Message)
		}
	}
}

// Next returns the next frame from the server.
func (c *Client) Next(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env, ok := <-c.inbox:
		if !ok {
			return protocol.Envelope{}, c.Err()
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Expect skips frames until one carrying event arrives.
func (c *Client) Expect(ctx context.Context, event protocol.Event) (protocol.Envelope, error) {
	for {
		env, err := c.Next(ctx)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("waiting for %s: %w", event, err)
		}
		if env.Event == event {
			return env, nil
		}
	}
}

// Seq returns the last seen sequence number.
func (c *Client) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.cancel()
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.inbox)

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.cancel()
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.seq = env.Seq
		c.mu.Unlock()

		c.inbox <- env
	}
}

// pingLoop sends periodic pings until ctx is cancelled.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Decode unmarshals the data of env into a T.
func Decode[T any](env protocol.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return v, nil
}
