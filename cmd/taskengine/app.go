package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskengine/internal/config"
	"github.com/phrazzld/taskengine/internal/events"
	"github.com/phrazzld/taskengine/internal/platform/logger"
	pebblestore "github.com/phrazzld/taskengine/internal/platform/pebble"
	"github.com/phrazzld/taskengine/internal/platform/postgres"
	"github.com/phrazzld/taskengine/internal/redact"
	"github.com/phrazzld/taskengine/internal/store"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/spf13/cobra"
)

// application holds the components shared by the subcommands and ensures
// they are released on exit.
type application struct {
	config *config.Config
	logger *slog.Logger

	store    store.Store
	emitter  *events.InMemoryEventEmitter
	engine   *task.Engine
	registry *task.WorkerRegistry
	metrics  *task.MetricsCollector
}

// loadConfig reads configuration for cmd and installs the process logger.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Debug("configuration loaded",
		"backend", cfg.Store.Backend,
		"strategy", cfg.Queue.DefaultStrategy,
		"log_level", cfg.Server.LogLevel)
	return cfg, l, nil
}

// newApplication loads configuration, opens the configured store and builds
// the engine components on top of it.
func newApplication(cmd *cobra.Command, opts *globalOptions) (*application, error) {
	cfg, l, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	s, err := openStore(cmd.Context(), cfg.Store, l)
	if err != nil {
		return nil, err
	}

	engineCfg, err := task.ConfigFrom(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	emitter := events.NewInMemoryEventEmitter(l)
	engine, err := task.NewEngine(s, engineCfg,
		task.WithEmitter(emitter),
		task.WithLogger(l))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &application{
		config:   cfg,
		logger:   l,
		store:    s,
		emitter:  emitter,
		engine:   engine,
		registry: task.NewWorkerRegistry(s, cfg.Workers.StaleThreshold, task.WithLogger(l)),
		metrics:  task.NewMetricsCollector(s, cfg.Workers.StaleThreshold, task.WithLogger(l)),
	}, nil
}

// cleanup releases the store. Safe to call more than once.
func (app *application) cleanup() {
	if app.store == nil {
		return
	}
	if err := app.store.Close(); err != nil {
		app.logger.Error("failed to close store", "error", err)
	}
	app.store = nil
}

// withApplication builds the application for cmd, runs fn and cleans up.
func withApplication(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, app *application) error) error {
	app, err := newApplication(cmd, opts)
	if err != nil {
		return err
	}
	defer app.cleanup()

	ctx := logger.WithLogger(cmd.Context(), app.logger)
	return fn(ctx, app)
}

// openStore connects to the backend selected by cfg.
func openStore(ctx context.Context, cfg config.StoreConfig, l *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		l.Info("opening pebble store", "data_dir", cfg.DataDir)
		s, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Logger: l})
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		return s, nil

	case config.BackendPostgres:
		l.Info("connecting to postgres", "database_url", redact.DatabaseURL(cfg.DatabaseURL))
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return postgres.New(db, l), nil

	default:
		return nil, errors.New("unsupported store backend: " + cfg.Backend)
	}
}
