package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakeup/audiostudio/internal/logging"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/protocol"
	"github.com/wakeup/audiostudio/internal/serial"
)

// connection is the server side of one websocket. It moves from
// unauthenticated to authenticated at most once; disconnect is terminal.
type connection struct {
	s   *Server
	c   *client
	log zerolog.Logger

	// ctx ends when the socket goes away and cancels in-flight studio runs.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	user      string
	authTimer *time.Timer
	lanes     map[string]*lane
	studios   map[string]struct{} // studio sessions opened through this socket
}

// lane serializes the events naming one session. It is dropped once no
// event for it is queued or running.
type lane struct {
	q       *serial.Queue
	pending int
}

func newConnection(s *Server, c *client) *connection {
	ctx, cancel := context.WithCancel(s.ctx)
	cs := &connection{
		s:       s,
		c:       c,
		log:     s.log.With().Str(logging.FieldConn, c.id).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
		studios: make(map[string]struct{}),
	}
	cs.authTimer = time.AfterFunc(s.cfg.AuthTimeout, cs.authExpired)
	return cs
}

func (cs *connection) readLoop() {
	defer cs.disconnect()

	conn := cs.c.conn
	conn.SetReadLimit(cs.s.cfg.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(cs.s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cs.s.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(cs.s.cfg.PongWait))
		cs.handleFrame(data)
	}
}

func (cs *connection) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		cs.s.metrics.ObserveEvent("invalid", err)
		cs.send(errorMessage(protocol.EvError, "", "malformed message", err))
		return
	}
	if !env.Event.Inbound() {
		err := fmt.Errorf("unknown event %q", env.Event)
		cs.s.metrics.ObserveEvent("unknown", err)
		cs.send(errorMessage(protocol.EvError, "", "unknown event", &protocol.DecodeError{Reason: err.Error()}))
		return
	}
	if env.Event == protocol.EvAuth {
		cs.handleAuth(env)
		return
	}

	if cs.identity() == "" {
		err := errors.New("authenticate first")
		cs.s.metrics.ObserveEvent(string(env.Event), err)
		cs.send(protocol.Message{
			Event: env.Event.Family().ErrorEvent(),
			Data: protocol.ErrorPayload{
				Message: "not authenticated",
				Error:   err.Error(),
				Code:    protocol.CodeUnauthorized,
			},
		})
		return
	}

	h, ok := cs.s.handlers[env.Event]
	if !ok {
		return
	}
	id := sessionOf(env)
	l := cs.acquire(id)
	if l == nil {
		return
	}
	l.q.Do(func() {
		defer cs.release(id, l)
		cs.dispatch(env, h)
	})
}

// acquire returns the lane for events about sessionID. Events for one
// session run in arrival order; different sessions do not wait for each
// other.
func (cs *connection) acquire(sessionID string) *lane {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.lanes == nil {
		return nil
	}
	l, ok := cs.lanes[sessionID]
	if !ok {
		l = &lane{q: serial.New()}
		cs.lanes[sessionID] = l
	}
	l.pending++
	return l
}

func (cs *connection) release(sessionID string, l *lane) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	l.pending--
	if l.pending == 0 && cs.lanes[sessionID] == l {
		delete(cs.lanes, sessionID)
	}
}

func (cs *connection) dispatch(env protocol.Envelope, h handler) {
	if cs.ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := cs.invoke(env, h)
	cs.s.metrics.ObserveEvent(string(env.Event), err)

	ev := cs.log.Debug()
	if err != nil {
		ev = cs.log.Info().Err(err)
	}
	ev.Str(logging.FieldUser, cs.identity()).Str(logging.FieldEvent, string(env.Event)).Dur("elapsed", time.Since(start)).Msg("event handled")

	var rep reported
	if err == nil || errors.As(err, &rep) || cs.ctx.Err() != nil {
		return
	}
	cs.send(failure(env, err))
}

func (cs *connection) invoke(env protocol.Envelope, h handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Error().
				Str(logging.FieldEvent, string(env.Event)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(cs.ctx, cs, env)
}

func (cs *connection) handleAuth(env protocol.Envelope) {
	var p protocol.AuthPayload
	err := protocol.DecodeData(env, &p)
	var userID string
	if err == nil {
		ctx, cancel := context.WithTimeout(cs.ctx, cs.s.cfg.AuthTimeout)
		userID, err = cs.s.verifier.Verify(ctx, p.Token)
		cancel()
	}
	if err == nil {
		if current := cs.identity(); current != "" && current != userID {
			err = errors.New("connection already authenticated as another user")
		}
	}
	cs.s.metrics.ObserveEvent(string(env.Event), err)
	if err != nil {
		cs.log.Info().Err(err).Msg("authentication failed")
		cs.s.metrics.Rejected.WithLabelValues("unauthorized").Inc()
		cs.send(protocol.Message{
			Event: protocol.EvAuthError,
			Data: protocol.ErrorPayload{
				Message: "authentication failed",
				Error:   err.Error(),
				Code:    protocol.CodeUnauthorized,
			},
		})
		cs.s.hub.Unregister(cs.c)
		return
	}
	cs.authenticate(userID)
}

func (cs *connection) authenticate(userID string) {
	cs.mu.Lock()
	first := cs.user == ""
	if first {
		cs.user = userID
		cs.authTimer.Stop()
	}
	cs.mu.Unlock()

	if first {
		cs.s.hub.Bind(cs.c, userID)
		cs.log.Info().Str(logging.FieldUser, userID).Msg("client authenticated")
	}
	cs.send(protocol.Message{Event: protocol.EvAuthOK, Data: protocol.AuthOK{UserID: userID}})
}

func (cs *connection) authExpired() {
	if cs.identity() != "" {
		return
	}
	cs.s.metrics.Rejected.WithLabelValues("auth_timeout").Inc()
	cs.send(protocol.Message{
		Event: protocol.EvAuthError,
		Data: protocol.ErrorPayload{
			Message: "authentication timed out",
			Code:    protocol.CodeUnauthorized,
		},
	})
	cs.s.hub.Unregister(cs.c)
}

func (cs *connection) identity() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.user
}

func (cs *connection) send(m protocol.Message) {
	cs.s.hub.Send(cs.c, m)
}

// progress streams pipeline updates for this connection's requests.
func (cs *connection) progress(u pipeline.JobUpdate) {
	cs.send(protocol.Message{Event: protocol.EvProcessingStatus, Data: protocol.NewProcessingStatus(u)})
}

func (cs *connection) trackSync(sessionID string) {
	cs.s.follows.add(cs.identity(), sessionID, cs)
}

func (cs *connection) trackStudio(sessionID string) {
	cs.mu.Lock()
	cs.studios[sessionID] = struct{}{}
	cs.mu.Unlock()
}

func (cs *connection) untrackStudio(sessionID string) {
	cs.mu.Lock()
	delete(cs.studios, sessionID)
	cs.mu.Unlock()
}

// disconnect runs once the read loop ends. It leaves the sync sessions this
// socket joined unless another socket of the same user joined them too, and
// closes the studio sessions it opened. When the user has no connection
// left, every studio session they still own is closed.
func (cs *connection) disconnect() {
	cs.authTimer.Stop()
	cs.cancel()
	cs.s.hub.Unregister(cs.c)

	cs.mu.Lock()
	lanes := cs.lanes
	cs.lanes = nil
	cs.mu.Unlock()
	for _, l := range lanes {
		l.q.Close()
	}
	for _, l := range lanes {
		l.q.Wait(cs.s.ctx)
	}

	cs.mu.Lock()
	user := cs.user
	studios := keys(cs.studios)
	cs.mu.Unlock()

	cs.log.Debug().Str(logging.FieldUser, user).Msg("ws client disconnected")
	if user == "" {
		return
	}
	log := cs.log.With().Str(logging.FieldUser, user).Logger()

	ctx := cs.s.ctx
	for _, id := range cs.s.follows.drop(user, cs) {
		if err := cs.s.coord.Leave(ctx, id, user); err != nil {
			log.Debug().Err(err).Str(logging.FieldSession, id).Msg("leave on disconnect")
			continue
		}
		log.Info().Str(logging.FieldSession, id).Msg("left sync session on disconnect")
	}
	for _, id := range studios {
		if err := cs.s.studio.Close(ctx, id, user); err != nil {
			log.Debug().Err(err).Str(logging.FieldSession, id).Msg("close studio on disconnect")
		}
	}
	if !cs.s.hub.UserConnected(user) {
		for _, id := range cs.s.studio.CloseOwnedBy(ctx, user) {
			log.Info().Str(logging.FieldSession, id).Msg("closed studio session of departed owner")
		}
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// sessionOf peeks at the sessionId an inbound payload names, if any.
func sessionOf(env protocol.Envelope) string {
	var ref struct {
		SessionID string `json:"sessionId"`
	}
	if len(env.Data) > 0 {
		json.Unmarshal(env.Data, &ref)
	}
	return ref.SessionID
}
