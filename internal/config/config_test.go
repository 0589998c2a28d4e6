package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - https://studio.example.com
  max_connections: 500
pipeline:
  max_concurrent: 8
  job_timeout: 45s
  sample_rate: 48000
auth:
  static_tokens:
    devtoken: alice
music:
  backend: dir
  dir: /srv/music
log:
  level: debug
  format: json
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://studio.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxConnections != 500 {
		t.Errorf("Server.MaxConnections = %d, want 500", cfg.Server.MaxConnections)
	}
	if cfg.Pipeline.MaxConcurrent != 8 || cfg.Pipeline.JobTimeout != 45*time.Second || cfg.Pipeline.SampleRate != 48000 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	// Unset keys keep their defaults.
	if cfg.Pipeline.Codec != "libmp3lame" || cfg.Pipeline.Bitrate != "128k" {
		t.Errorf("Pipeline encoding defaults lost: %+v", cfg.Pipeline)
	}
	if cfg.Auth.StaticTokens["devtoken"] != "alice" || !cfg.Auth.Enabled() {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.Music.Backend != MusicDir || cfg.Music.Dir != "/srv/music" {
		t.Errorf("Music = %+v", cfg.Music)
	}
	if cfg.Music.Prefix != "background-music/" {
		t.Errorf("Music.Prefix = %q, want default", cfg.Music.Prefix)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Pipeline.MaxConcurrent != 4 {
		t.Errorf("Pipeline.MaxConcurrent = %d, want default 4", cfg.Pipeline.MaxConcurrent)
	}
	if cfg.Auth.Enabled() {
		t.Error("Auth enabled by default")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STUDIO_SERVER_PORT", "7070")
	t.Setenv("STUDIO_PIPELINE_JOB_TIMEOUT", "5s")
	t.Setenv("STUDIO_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("STUDIO_SERVER_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, env should win over file", cfg.Server.Port)
	}
	if cfg.Pipeline.JobTimeout != 5*time.Second {
		t.Errorf("Pipeline.JobTimeout = %v, want 5s", cfg.Pipeline.JobTimeout)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("Server.AllowedOrigins = %v, want two entries", cfg.Server.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }, "max_concurrent"},
		{"limiter above one", func(c *Config) { c.Pipeline.Limiter = 2 }, "limiter"},
		{"dir backend without dir", func(c *Config) { c.Music.Backend = MusicDir }, "music.dir"},
		{"s3 backend without bucket", func(c *Config) { c.Music.Backend = MusicS3 }, "music.bucket"},
		{"unknown backend", func(c *Config) { c.Music.Backend = "ftp" }, "music.backend"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"pong before ping", func(c *Config) { c.Server.PongWait = time.Second }, "pong_wait"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() returned nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("token length = %d, want 32", len(tok))
	}

	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}
