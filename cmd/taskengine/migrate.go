package main

import (
	"fmt"

	"github.com/phrazzld/taskengine/internal/config"
	"github.com/phrazzld/taskengine/internal/platform/logger"
	"github.com/phrazzld/taskengine/internal/platform/postgres"
	"github.com/phrazzld/taskengine/internal/redact"
	"github.com/spf13/cobra"
)

var migrateCommands = []string{"up", "down", "reset", "status", "version"}

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down|reset|status|version>",
		Short:     "Apply or inspect the postgres schema migrations",
		Long:      "Runs the embedded schema migrations. The pebble backend has no schema and needs none.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrateCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.BackendPostgres {
				l.Info("backend has no schema migrations", "backend", cfg.Store.Backend)
				return nil
			}
			return runMigrations(cmd, cfg.Store, args[0])
		},
	}
}

// runMigrations opens a dedicated connection and runs one goose command.
func runMigrations(cmd *cobra.Command, cfg config.StoreConfig, command string) error {
	ctx := cmd.Context()
	l := logger.FromContext(ctx)

	l.Info("running migrations",
		"command", command,
		"database_url", redact.DatabaseURL(cfg.DatabaseURL))

	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.Error("failed to close migration connection", "error", err)
		}
	}()

	return postgres.Migrate(ctx, db, command)
}
