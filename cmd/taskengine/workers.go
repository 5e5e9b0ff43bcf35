package main

import (
	"context"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/spf13/cobra"
)

func newWorkersCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Register workers and inspect their liveness",
	}
	cmd.AddCommand(
		newWorkersRegisterCmd(opts),
		newWorkersHeartbeatCmd(opts),
		newWorkersGetCmd(opts),
		newWorkersRemoveCmd(opts),
		newWorkersListCmd(opts, "active", "List workers whose last heartbeat is within the threshold"),
		newWorkersListCmd(opts, "stale", "List workers whose last heartbeat is older than the threshold"),
	)
	return cmd
}

func newWorkersRegisterCmd(opts *globalOptions) *cobra.Command {
	var capabilities map[string]string

	cmd := &cobra.Command{
		Use:   "register <worker-id>",
		Short: "Register a worker or refresh its registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				w, err := app.registry.Register(ctx, args[0], capabilities)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}
	cmd.Flags().StringToStringVar(&capabilities, "capability", nil, "capability as key=value, repeatable")
	return cmd
}

func newWorkersHeartbeatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <worker-id>",
		Short: "Record a heartbeat for a registered worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				return app.registry.Heartbeat(ctx, args[0])
			})
		},
	}
}

func newWorkersGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <worker-id>",
		Short: "Show a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				w, err := app.registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}
}

func newWorkersRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <worker-id>",
		Short: "Deregister a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				return app.registry.Remove(ctx, args[0])
			})
		},
	}
}

// newWorkersListCmd builds the active and stale listings, which differ only
// in which side of the heartbeat cutoff they return.
func newWorkersListCmd(opts *globalOptions, state, short string) *cobra.Command {
	var threshold time.Duration

	cmd := &cobra.Command{
		Use:   state,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				list := app.registry.ActiveWorkers
				if state == "stale" {
					list = app.registry.StaleWorkers
				}
				workers, err := list(ctx, threshold)
				if err != nil {
					return err
				}
				if workers == nil {
					workers = []*domain.Worker{}
				}
				return printJSON(cmd.OutOrStdout(), workers)
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "heartbeat age cutoff (default workers.stale_threshold)")
	return cmd
}

func newMetricsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print a snapshot of queue health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				snap, err := app.metrics.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
}
