package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wakeup/audiostudio/internal/config"
	"github.com/wakeup/audiostudio/internal/logging"
	"github.com/wakeup/audiostudio/internal/metrics"
	"github.com/wakeup/audiostudio/internal/protocol"
)

var (
	// ErrTooManyConnections is returned by Register when the hub is full.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrHubClosed is returned by Register once Close has been called.
	ErrHubClosed = errors.New("hub closed")
)

type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	closed bool   // guarded by hub.sendMu
	user   string // guarded by hub.mu
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c)
				return
			}
		}
	}
}

type clientSet map[*client]struct{}

// Hub tracks live connections and routes outbound messages to a user's
// connections or to every connection subscribed to a session.
//
// Session membership is recorded per user, so a connection that
// authenticates after its user joined a session is subscribed too.
type Hub struct {
	mu       sync.RWMutex
	clients  clientSet
	users    map[string]clientSet           // user id -> connections
	sessions map[string]clientSet           // session id -> connections
	joined   map[string]map[string]struct{} // user id -> session ids
	roster   map[string]map[string]struct{} // session id -> user ids
	closed   bool

	// sendMu orders seq stamping with enqueueing so every connection sees
	// increasing seq values.
	sendMu sync.Mutex
	seq    uint64

	maxConns     int
	sendBuffer   int
	pingInterval time.Duration
	writeWait    time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

func NewHub(cfg config.ServerConfig, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		clients:      make(clientSet),
		users:        make(map[string]clientSet),
		sessions:     make(map[string]clientSet),
		joined:       make(map[string]map[string]struct{}),
		roster:       make(map[string]map[string]struct{}),
		maxConns:     cfg.MaxConnections,
		sendBuffer:   cfg.SendBuffer,
		pingInterval: cfg.PingInterval,
		writeWait:    cfg.WriteWait,
		metrics:      m,
		log:          logging.Component(log, "hub"),
	}
}

// Register adds an unauthenticated connection and starts its write pump.
func (h *Hub) Register(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		h.metrics.Rejected.WithLabelValues("capacity").Inc()
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.sendBuffer),
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.Connections.Inc()
	h.metrics.ConnectionsTotal.Inc()
	go c.writePump()
	return c, nil
}

// Unregister removes c from every routing table and closes its send queue.
// It is safe to call more than once.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if c.user != "" {
		removeFrom(h.users, c.user, c)
		for sessionID := range h.joined[c.user] {
			removeFrom(h.sessions, sessionID, c)
		}
	}
	h.mu.Unlock()

	h.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	h.sendMu.Unlock()
	h.metrics.Connections.Dec()
}

// Bind attaches an authenticated identity to c and subscribes it to every
// session its user belongs to.
func (h *Hub) Bind(c *client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok || c.user != "" {
		return
	}
	c.user = userID
	addTo(h.users, userID, c)
	for sessionID := range h.joined[userID] {
		addTo(h.sessions, sessionID, c)
	}
}

func (h *Hub) JoinSession(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addMember(h.joined, userID, sessionID)
	addMember(h.roster, sessionID, userID)
	for c := range h.users[userID] {
		addTo(h.sessions, sessionID, c)
	}
}

func (h *Hub) LeaveSession(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, userID)
}

func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID := range h.roster[sessionID] {
		h.leaveLocked(sessionID, userID)
	}
	delete(h.sessions, sessionID)
}

func (h *Hub) leaveLocked(sessionID, userID string) {
	removeMember(h.joined, userID, sessionID)
	removeMember(h.roster, sessionID, userID)
	for c := range h.users[userID] {
		removeFrom(h.sessions, sessionID, c)
	}
}

// UserConnected reports whether userID has any authenticated connection.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) SendToUser(userID string, m protocol.Message) {
	h.deliver(m, func() []*client { return members(h.users[userID]) })
}

func (h *Hub) SendToSession(sessionID string, m protocol.Message) {
	h.deliver(m, func() []*client { return members(h.sessions[sessionID]) })
}

// Send queues m for a single connection.
func (h *Hub) Send(c *client, m protocol.Message) {
	h.deliver(m, func() []*client { return []*client{c} })
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unregisters every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := members(h.clients)
	h.mu.Unlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

func (h *Hub) deliver(m protocol.Message, targets func() []*client) {
	frame, err := protocol.NewFrame(m)
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldEvent, string(m.Event)).Msg("encode outbound message")
		return
	}

	h.sendMu.Lock()
	h.mu.RLock()
	cs := targets()
	h.mu.RUnlock()
	if len(cs) == 0 {
		h.sendMu.Unlock()
		return
	}
	h.seq++
	data := frame.Stamp(h.seq)

	var slow []*client
	for _, c := range cs {
		if c.closed {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			c.closed = true
			close(c.send)
			slow = append(slow, c)
		}
	}
	h.sendMu.Unlock()

	for _, c := range slow {
		h.metrics.SlowClients.Inc()
		h.log.Warn().Str(logging.FieldConn, c.id).Msg("ws client too slow, disconnecting")
		h.Unregister(c)
	}
}

func members(set clientSet) []*client {
	out := make([]*client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func addTo(m map[string]clientSet, key string, c *client) {
	set, ok := m[key]
	if !ok {
		set = make(clientSet)
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(m map[string]clientSet, key string, c *client) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}

func addMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}
