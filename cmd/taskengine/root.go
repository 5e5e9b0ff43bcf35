package main

import (
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand that are
// not bound to configuration keys.
type globalOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "taskengine",
		Short: "Durable task queue with leases, retries and worker tracking",
		Long: `taskengine stores background tasks, hands them to workers under
time-bounded leases, retries failures with exponential backoff and
dead-letters tasks that exhaust their attempts.

Configuration is read from, in increasing precedence: built-in defaults, the
file given by --config, TASKENGINE_* environment variables and flags.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "path to a config file (yaml, toml or json)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("backend", "", "storage backend: postgres or pebble")
	pf.String("database-url", "", "postgres connection string")
	pf.String("data-dir", "", "pebble data directory")
	pf.String("strategy", "", "default claim strategy: fifo, lifo, priority or weighted")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newEnqueueCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
		newClaimCmd(opts),
		newCompleteCmd(opts),
		newFailCmd(opts),
		newRenewCmd(opts),
		newWorkersCmd(opts),
		newMetricsCmd(opts),
		newWorkCmd(opts),
	)
	return cmd
}
