package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wakeup/audiostudio/internal/metrics"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "studio.local:8080", "", true},
		{"same host", nil, "studio.local:8080", "http://studio.local:8080", true},
		{"localhost", nil, "studio.local:8080", "http://localhost:3000", true},
		{"loopback v4", nil, "studio.local:8080", "http://127.0.0.1:5173", true},
		{"loopback v6", nil, "studio.local:8080", "http://[::1]:5173", true},
		{"foreign host", nil, "studio.local:8080", "https://evil.example", false},
		{"allowed origin", []string{"https://app.example"}, "api.example", "https://app.example", true},
		{"allowed host other scheme", []string{"https://app.example"}, "api.example", "http://app.example", true},
		{"not in allow list", []string{"https://app.example"}, "api.example", "http://localhost:3000", false},
		{"blank entries ignored", []string{" ", "https://app.example"}, "api.example", "https://other.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			cfg.AllowedOrigins = tt.allowed
			s := NewServer(cfg, newTestHub(0), nil, nil, nil, metrics.New(), zerolog.Nop())

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	s := NewServer(testServerConfig(), newTestHub(0), nil, nil, nil, m, zerolog.Nop())
	m.ConnectionsTotal.Inc()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "audiostudio_gateway_connections_total 1") {
		t.Errorf("metrics body missing connection counter:\n%s", body)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers not applied to routes")
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	g := newGateway(t)

	resp, err := http.Get(g.httpURL + "/ws?token=wrong")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
