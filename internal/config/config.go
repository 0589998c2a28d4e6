package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STUDIO_"

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Pipeline PipelineConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Music    MusicConfig    `yaml:"music" envPrefix:"MUSIC_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	Host            string        `yaml:"host" env:"HOST"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	SendBuffer      int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	ReadLimit       int64         `yaml:"read_limit" env:"READ_LIMIT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongWait        time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
	AuthTimeout     time.Duration `yaml:"auth_timeout" env:"AUTH_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AuthConfig selects how connection identity is verified. JWTSecret
// enables HS256 bearer tokens; StaticTokens maps fixed tokens to user ids
// for development.
type AuthConfig struct {
	JWTSecret    string            `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer       string            `yaml:"issuer" env:"ISSUER"`
	Audience     string            `yaml:"audience" env:"AUDIENCE"`
	StaticTokens map[string]string `yaml:"static_tokens" env:"STATIC_TOKENS"`
}

// Enabled reports whether any verification method is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || len(a.StaticTokens) > 0
}

type PipelineConfig struct {
	FFmpegPath    string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	WorkDir       string        `yaml:"work_dir" env:"WORK_DIR"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	JobTimeout    time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	SampleRate    int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Codec         string        `yaml:"codec" env:"CODEC"`
	Bitrate       string        `yaml:"bitrate" env:"BITRATE"`
	Format        string        `yaml:"format" env:"FORMAT"`
	Limiter       float64       `yaml:"limiter" env:"LIMITER"`
	// FailureThreshold is the number of consecutive failed runs after which
	// the pipeline reports itself failed.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
}

// Music backends.
const (
	MusicNone = "none"
	MusicDir  = "dir"
	MusicS3   = "s3"
)

type MusicConfig struct {
	Backend         string `yaml:"backend" env:"BACKEND"`
	Dir             string `yaml:"dir" env:"DIR"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	MaxBytes        int64  `yaml:"max_bytes" env:"MAX_BYTES"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			MaxConnections:  0,
			SendBuffer:      64,
			ReadLimit:       32 << 20,
			PingInterval:    25 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			AuthTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			FFmpegPath:       "ffmpeg",
			WorkDir:          defaultWorkDir(),
			MaxConcurrent:    4,
			JobTimeout:       2 * time.Minute,
			SampleRate:       44100,
			Codec:            "libmp3lame",
			Bitrate:          "128k",
			Format:           "mp3",
			Limiter:          0.95,
			FailureThreshold: 3,
		},
		Music: MusicConfig{
			Backend:  MusicNone,
			Prefix:   "background-music/",
			MaxBytes: 50 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultWorkDir() string {
	return strings.TrimRight(os.TempDir(), string(os.PathSeparator)) + string(os.PathSeparator) + "audiostudio"
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	return nil
}

var (
	logLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true, "disabled": true}
	logFormats = map[string]bool{"console": true, "json": true}
)

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.PingInterval <= 0 || c.Server.PongWait <= c.Server.PingInterval {
		errs = append(errs, errors.New("server.pong_wait must exceed a positive server.ping_interval"))
	}
	if strings.TrimSpace(c.Pipeline.FFmpegPath) == "" {
		errs = append(errs, errors.New("pipeline.ffmpeg_path is required"))
	}
	if strings.TrimSpace(c.Pipeline.WorkDir) == "" {
		errs = append(errs, errors.New("pipeline.work_dir is required"))
	}
	if c.Pipeline.MaxConcurrent < 1 {
		errs = append(errs, errors.New("pipeline.max_concurrent must be at least 1"))
	}
	if c.Pipeline.SampleRate <= 0 {
		errs = append(errs, errors.New("pipeline.sample_rate must be positive"))
	}
	if c.Pipeline.Limiter <= 0 || c.Pipeline.Limiter > 1 {
		errs = append(errs, errors.New("pipeline.limiter must be within (0, 1]"))
	}
	switch c.Music.Backend {
	case "", MusicNone:
	case MusicDir:
		if strings.TrimSpace(c.Music.Dir) == "" {
			errs = append(errs, errors.New("music.dir is required for the dir backend"))
		}
	case MusicS3:
		if strings.TrimSpace(c.Music.Bucket) == "" {
			errs = append(errs, errors.New("music.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("music.backend %q unknown", c.Music.Backend))
	}
	if !logLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	if !logFormats[c.Log.Format] {
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random 16-byte token encoded as hex.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
