package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wakeup/audiostudio/internal/auth"
	"github.com/wakeup/audiostudio/internal/collab"
	"github.com/wakeup/audiostudio/internal/config"
	"github.com/wakeup/audiostudio/internal/deps"
	"github.com/wakeup/audiostudio/internal/health"
	"github.com/wakeup/audiostudio/internal/logging"
	"github.com/wakeup/audiostudio/internal/metrics"
	"github.com/wakeup/audiostudio/internal/mock"
	"github.com/wakeup/audiostudio/internal/music"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/session"
	"github.com/wakeup/audiostudio/internal/ws"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var mockMode bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, mockMode)
		},
	}
	cmd.Flags().BoolVar(&mockMode, "mock", false, "Use the built-in ffmpeg stand-in instead of the real binary")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, mockMode bool) error {
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	m := metrics.New()
	tracker := health.NewTracker(cfg.Pipeline.FailureThreshold)
	store := session.NewStore(session.WithObserver(m.ObserveSession))

	workspace, err := pipeline.OpenWorkspace(cfg.Pipeline.WorkDir)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer workspace.Close()

	execOpts := []pipeline.Option{
		pipeline.WithBinary(cfg.Pipeline.FFmpegPath),
		pipeline.WithConcurrency(cfg.Pipeline.MaxConcurrent),
		pipeline.WithTimeout(cfg.Pipeline.JobTimeout),
		pipeline.WithSampleRate(cfg.Pipeline.SampleRate),
		pipeline.WithEncoding(pipeline.Encoding{
			Codec:     cfg.Pipeline.Codec,
			Bitrate:   cfg.Pipeline.Bitrate,
			Format:    cfg.Pipeline.Format,
			Extension: "." + cfg.Pipeline.Format,
		}),
		pipeline.WithLimiter(cfg.Pipeline.Limiter),
		pipeline.WithObserver(m.ObserveRun),
		pipeline.WithObserver(tracker.ObserveRun),
		pipeline.WithLogger(logging.Component(log, "pipeline")),
	}
	if mockMode {
		log.Info().Msg("starting in mock mode")
		execOpts = append(execOpts, pipeline.WithRunner(mock.New()))
	} else if st := deps.CheckFFmpeg(ctx, cfg.Pipeline.FFmpegPath); !st.Available {
		log.Warn().Str("detail", st.Detail).Msg("ffmpeg unavailable; processing requests will fail")
	} else {
		log.Info().Str("version", st.Version).Str("path", st.Command).Msg("ffmpeg found")
	}
	executor := pipeline.New(workspace, execOpts...)

	lib, err := musicLibrary(ctx, cfg.Music, log)
	if err != nil {
		return err
	}
	verifier, err := verifierFor(cfg.Auth, log)
	if err != nil {
		return err
	}

	hub := ws.NewHub(cfg.Server, m, log)
	coord := collab.NewCoordinator(store, executor, hub, collab.WithLogger(log))
	defer coord.Close()
	studio := collab.NewStudio(store, executor, lib, log)

	server := ws.NewServer(cfg.Server, hub, coord, studio, verifier, m, log)
	server.SetHealth(health.NewReporter(tracker, health.Sources{
		Sessions:    store.Count,
		Connections: hub.ConnectionCount,
		Workspace: func() health.WorkspaceStats {
			return health.WorkspaceStats{Root: workspace.Root(), Residual: workspace.Residual()}
		},
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.ListenAndServe(gctx, cfg.Addr(), server.Handler(), cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Close(shutdownCtx)
	})
	return g.Wait()
}

func musicLibrary(ctx context.Context, cfg config.MusicConfig, log zerolog.Logger) (music.Library, error) {
	switch cfg.Backend {
	case config.MusicDir:
		log.Info().Str("dir", cfg.Dir).Msg("background music from directory")
		return music.NewDir(cfg.Dir, cfg.MaxBytes), nil
	case config.MusicS3:
		lib, err := music.NewS3(ctx, music.S3Options{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
			MaxBytes:        cfg.MaxBytes,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("music library: %w", err)
		}
		return lib, nil
	default:
		log.Info().Msg("background music disabled")
		return music.Disabled{}, nil
	}
}

// verifierFor builds the token verifier. Without configured auth a random
// development token is generated and logged.
func verifierFor(cfg config.AuthConfig, log zerolog.Logger) (auth.Verifier, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWT(cfg.JWTSecret, cfg.Issuer, cfg.Audience))
	}
	if len(cfg.StaticTokens) > 0 {
		chain = append(chain, auth.Static(cfg.StaticTokens))
	}
	if !cfg.Enabled() {
		token, err := config.GenerateToken()
		if err != nil {
			return nil, err
		}
		log.Warn().Str("token", token).Str(logging.FieldUser, "dev").Msg("no auth configured; using a generated development token")
		chain = append(chain, auth.Static{token: "dev"})
	}
	return chain, nil
}
