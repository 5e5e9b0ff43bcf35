package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/taskengine/internal/api"
	"github.com/phrazzld/taskengine/internal/config"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful shutdown of the admin server.
const shutdownTimeout = 10 * time.Second

type workOptions struct {
	workerID     string
	capabilities map[string]string
	lease        time.Duration
	migrate      bool
	noAdmin      bool
}

func newWorkCmd(opts *globalOptions) *cobra.Command {
	o := &workOptions{}

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run a worker and the admin HTTP server",
		Long: `Runs a worker that claims tasks and executes the built-in handlers
(echo, sleep), together with an admin HTTP server exposing the task API,
/healthz and Prometheus /metrics. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return runWork(cmd, opts, o)
		},
	}

	f := cmd.Flags()
	f.String("admin-addr", "", "admin HTTP listen address (default from config)")
	f.Int("concurrency", 0, "number of tasks processed at once (default from config)")
	f.StringVar(&o.workerID, "worker-id", "", "worker identity (default hostname-pid)")
	f.StringToStringVar(&o.capabilities, "capability", nil, "capability as key=value, repeatable")
	f.DurationVar(&o.lease, "lease", 0, "lease duration (default from config)")
	f.BoolVar(&o.migrate, "migrate", false, "apply postgres migrations before starting")
	f.BoolVar(&o.noAdmin, "no-admin", false, "do not start the admin HTTP server")
	return cmd
}

func runWork(cmd *cobra.Command, opts *globalOptions, o *workOptions) error {
	if o.migrate {
		cfg, _, err := loadConfig(cmd, opts)
		if err != nil {
			return err
		}
		if cfg.Store.Backend == config.BackendPostgres {
			if err := runMigrations(cmd, cfg.Store, "up"); err != nil {
				return err
			}
		}
	}

	return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err := task.NewPrometheusExporter(app.metrics, reg, app.logger)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		app.emitter.RegisterHandler(exporter)

		runner, err := task.NewRunner(app.engine, app.registry, app.runnerConfig(o), app.logger)
		if err != nil {
			return err
		}
		runner.SetObserver(exporter)
		registerBuiltinHandlers(runner)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return runner.Run(gctx)
		})
		if !o.noAdmin {
			router := api.NewRouter(api.Dependencies{
				Engine:   app.engine,
				Registry: app.registry,
				Metrics:  app.metrics,
				Store:    app.store,
				Gatherer: reg,
				Logger:   app.logger,
			})
			g.Go(func() error {
				return app.serveAdmin(gctx, router)
			})
		}

		err = g.Wait()
		app.logger.Info("worker shutdown completed")
		return err
	})
}

// runnerConfig derives the runner settings from configuration and flags.
func (app *application) runnerConfig(o *workOptions) task.RunnerConfig {
	id := o.workerID
	if id == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	lease := o.lease
	if lease <= 0 {
		lease = app.engine.Config().LeaseDuration
	}

	return task.RunnerConfig{
		WorkerID:          id,
		Capabilities:      o.capabilities,
		Concurrency:       app.config.Runner.Concurrency,
		Strategy:          app.engine.Config().DefaultStrategy,
		LeaseDuration:     lease,
		PollInterval:      app.config.Runner.PollInterval,
		MaxPollInterval:   app.config.Runner.MaxPollInterval,
		RenewFraction:     app.config.Runner.RenewFraction,
		HeartbeatInterval: app.config.Workers.HeartbeatInterval,
	}
}

// serveAdmin runs the admin HTTP server until ctx is cancelled, then shuts
// it down gracefully. A listener failure is returned so the errgroup stops
// the runner as well.
func (app *application) serveAdmin(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:              app.config.Server.AdminAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("starting admin server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			app.logger.Error("admin server failed", "error", err)
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		app.logger.Info("shutting down admin server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("admin server shutdown failed", "error", err)
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}
