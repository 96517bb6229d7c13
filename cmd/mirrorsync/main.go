package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/mirrorsync/internal/config"
	"github.com/agentworkforce/mirrorsync/internal/httpapi"
	"github.com/agentworkforce/mirrorsync/internal/logging"
	"github.com/agentworkforce/mirrorsync/internal/metrics"
	"github.com/agentworkforce/mirrorsync/internal/mirror"
	"github.com/agentworkforce/mirrorsync/internal/scheduler"
	"github.com/agentworkforce/mirrorsync/internal/sources"
	"github.com/agentworkforce/mirrorsync/internal/store"
)

const shutdownTimeout = 15 * time.Second

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "mirrorsync",
		Short:         "Mirror external systems of record into a local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath, getenv, cmd.ErrOrStderr())
		},
	}
	cmd.Version = Version
	cmd.Flags().StringVarP(&configPath, "config", "c", getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")
	return cmd
}

// app is the fully wired server.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	engine    *mirror.Engine
	scheduler *scheduler.Scheduler
	handler   http.Handler
}

func serve(ctx context.Context, configPath string, getenv func(string) string, stderr io.Writer) error {
	bootstrap := zerolog.New(stderr).With().Timestamp().Logger()
	cfg, err := config.LoadWithEnv(configPath, getenv, bootstrap)
	if err != nil {
		return err
	}
	if err := applyBackendProfile(cfg, getenv); err != nil {
		return err
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	a, err := buildApp(ctx, cfg, logger, getenv)
	if err != nil {
		return err
	}
	defer a.Close()

	if strings.TrimSpace(configPath) != "" {
		err := config.Watch(ctx, configPath, config.WatchOptions{Getenv: getenv, Logger: logger}, a.applyReload)
		if err != nil {
			logger.Warn().Err(err).Msg("config watch disabled")
		}
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Strs("sources", a.engine.Sources()).Msg("mirrorsync listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	<-schedDone
	return nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, getenv func(string) string) (*app, error) {
	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	queue, err := mirror.BuildWritebackQueueFromDSN(cfg.Writeback.QueueDSN, cfg.Writeback.QueueSize)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build writeback queue: %w", err)
	}
	adapters, err := sources.Build(cfg.SourceOptions())
	if err != nil {
		_ = st.Close()
		if queue != nil {
			_ = queue.Close()
		}
		return nil, fmt.Errorf("build sources: %w", err)
	}

	recorder := metrics.New()
	notifier := mirror.NewBroadcaster()
	engine := mirror.NewEngine(mirror.EngineOptions{
		Store:               st,
		Adapters:            adapters,
		WritebackQueue:      queue,
		WritebackQueueSize:  cfg.Writeback.QueueSize,
		WritebackWorkers:    cfg.Writeback.Workers,
		WritebackTimeout:    cfg.Writeback.Timeout,
		SyncTimeout:         cfg.Schedule.SyncTimeout,
		SnapshotGranularity: cfg.Schedule.SnapshotGranularity,
		Logger:              &logger,
		Recorder:            recorder,
		Notifier:            notifier,
	})
	recorder.TrackQueueDepth(engine.WritebackQueueDepth)

	if err := seedWorkspaces(ctx, engine.Store(), cfg.Workspaces, getenv, time.Now().UTC()); err != nil {
		engine.Close()
		return nil, err
	}

	sched := scheduler.New(engine, scheduler.Options{
		SyncInterval:     cfg.Schedule.SyncInterval,
		SnapshotInterval: cfg.Schedule.SnapshotInterval,
		SyncOnStart:      cfg.Schedule.SyncOnStart,
		Logger:           logger,
	})
	handler := httpapi.NewServer(engine, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		WebhookSecret:   cfg.Auth.WebhookSecret,
		WebhookMaxSkew:  cfg.Auth.WebhookMaxSkew,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		Metrics:         recorder.Handler(),
		Notifier:        notifier,
		Logger:          logger,
	})
	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("jwt_secret is not set; using the development secret")
	}
	return &app{
		cfg:       cfg,
		log:       logger,
		engine:    engine,
		scheduler: sched,
		handler:   handler,
	}, nil
}

// applyReload pushes the reloadable settings of a changed config file into
// the running server. Everything else needs a restart.
func (a *app) applyReload(next *config.Config) {
	if next.Logging.Level != a.cfg.Logging.Level {
		if err := logging.SetLevel(next.Logging.Level); err != nil {
			a.log.Warn().Err(err).Msg("log level not applied")
		} else {
			a.log.Info().Str("level", next.Logging.Level).Msg("log level changed")
		}
	}
	a.scheduler.UpdateIntervals(next.Schedule.SyncInterval, next.Schedule.SnapshotInterval)
	a.cfg = next
}

func (a *app) Close() {
	a.engine.Close()
}

// seedWorkspaces stores configured workspaces that the store does not know
// yet. Existing rows are left alone so admin toggles survive restarts.
func seedWorkspaces(ctx context.Context, st mirror.Store, seeds []config.WorkspaceSeed, getenv func(string) string, now time.Time) error {
	for _, seed := range seeds {
		_, err := st.GetWorkspace(ctx, seed.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, mirror.ErrNotFound) {
			return fmt.Errorf("load workspace %s: %w", seed.ID, err)
		}
		cfg := mirror.WorkspaceConfig{
			ID:                  seed.ID,
			Source:              strings.ToLower(strings.TrimSpace(seed.Source)),
			Label:               seed.Label,
			Credential:          seed.ResolvedCredential(getenv),
			ExternalWorkspaceID: strings.TrimSpace(seed.ExternalWorkspaceID),
			OwnerFilter:         strings.TrimSpace(seed.OwnerFilter),
			Active:              seed.IsActive(),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := st.SaveWorkspace(ctx, cfg); err != nil {
			return fmt.Errorf("seed workspace %s: %w", seed.ID, err)
		}
	}
	return nil
}

// applyBackendProfile fills the store and queue DSNs from
// MIRRORSYNC_BACKEND_PROFILE. Unset or "custom" keeps the configured DSNs.
func applyBackendProfile(cfg *config.Config, getenv func(string) string) error {
	profile := strings.ToLower(strings.TrimSpace(getenv(config.EnvPrefix + "BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(getenv(config.EnvPrefix + "DATA_DIR"))
	if dataDir == "" {
		dataDir = ".mirrorsync"
	}
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		cfg.Store.DSN = "memory://"
		cfg.Writeback.QueueDSN = "memory://"
	case "production", "prod":
		dsn := strings.TrimSpace(getenv(config.EnvPrefix + "POSTGRES_DSN"))
		if dsn == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required when %sBACKEND_PROFILE=%s", config.EnvPrefix, config.EnvPrefix, profile)
		}
		cfg.Store.DSN = dsn
		cfg.Writeback.QueueDSN = dsn
	case "durable-local", "local-durable":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		cfg.Store.DSN = "sqlite://" + filepath.Join(dataDir, "mirror.db")
		cfg.Writeback.QueueDSN = "file://" + filepath.Join(dataDir, "writeback-queue.json")
	default:
		return fmt.Errorf("unsupported %sBACKEND_PROFILE: %s", config.EnvPrefix, profile)
	}
	return nil
}
