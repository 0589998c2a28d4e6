package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wakeup/audiostudio/internal/auth"
	"github.com/wakeup/audiostudio/internal/collab"
	"github.com/wakeup/audiostudio/internal/config"
	"github.com/wakeup/audiostudio/internal/logging"
	"github.com/wakeup/audiostudio/internal/metrics"
	"github.com/wakeup/audiostudio/internal/protocol"
)

var _ collab.Router = (*Hub)(nil)

type Server struct {
	cfg            config.ServerConfig
	hub            *Hub
	coord          *collab.Coordinator
	studio         *collab.Studio
	verifier       auth.Verifier
	metrics        *metrics.Metrics
	log            zerolog.Logger
	health         http.Handler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	handlers       map[protocol.Event]handler
	follows        *follows

	// ctx outlives individual connections and bounds disconnect cleanup.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders conns.Add against closing so Close never races a new
	// connection.
	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, hub *Hub, coord *collab.Coordinator, studio *collab.Studio, verifier auth.Verifier, m *metrics.Metrics, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		hub:            hub,
		coord:          coord,
		studio:         studio,
		verifier:       verifier,
		metrics:        m,
		log:            logging.Component(log, "gateway"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		follows:        newFollows(),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.handlers = s.routes()
	return s
}

// SetHealth configures the handler served on /api/health.
// Must be called before SetupRoutes.
func (s *Server) SetHealth(h http.Handler) {
	s.health = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	if s.health != nil {
		mux.Handle("/api/health", s.health)
	}
	mux.Handle("/metrics", s.metrics.Handler())
}

// Handler returns every route wrapped with the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

// Close refuses new connections, drops every open one and waits for their
// cleanup to finish or ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.hub.Close()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		s.metrics.Rejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	userID, err := s.authorize(r)
	if err != nil {
		s.metrics.Rejected.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Rejected.WithLabelValues("upgrade").Inc()
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	c, err := s.hub.Register(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws connection refused")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.hub.Unregister(c)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()

	cs := newConnection(s, c)
	s.log.Debug().Str(logging.FieldConn, c.id).Str("remote", r.RemoteAddr).Msg("ws client connected")
	if userID != "" {
		cs.authenticate(userID)
	}

	go func() {
		defer s.conns.Done()
		cs.readLoop()
	}()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// authorize verifies a token carried on the upgrade request. It returns an
// empty identity when the request carries none, leaving authentication to
// the first message.
func (s *Server) authorize(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AuthTimeout)
	defer cancel()
	return s.verifier.Verify(ctx, token)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h on addr until ctx ends, then shuts down within
// the configured timeout.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
