package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/spf13/cobra"
)

type enqueueOptions struct {
	taskType    string
	payload     string
	payloadFile string
	priority    int
	dedupeKey   string
	maxAttempts int
	delay       time.Duration
	runAfter    string

	retryInitial    time.Duration
	retryMultiplier float64
	retryMax        time.Duration
	retryJitter     float64
}

func newEnqueueCmd(opts *globalOptions) *cobra.Command {
	o := &enqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a task to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				req, err := o.request(cmd, app)
				if err != nil {
					return err
				}
				res, err := app.engine.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					Task     *domain.Task `json:"task"`
					Existing bool         `json:"existing"`
				}{res.Task, res.Existing})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.taskType, "type", "", "handler identifier (required)")
	f.StringVar(&o.payload, "payload", "", "task payload")
	f.StringVar(&o.payloadFile, "payload-file", "", "read the payload from a file")
	f.IntVar(&o.priority, "priority", 0, "priority, lower runs first (default from config)")
	f.StringVar(&o.dedupeKey, "dedupe-key", "", "reject or return an earlier task enqueued with the same key")
	f.IntVar(&o.maxAttempts, "max-attempts", 0, "attempts before dead-lettering (default from config)")
	f.DurationVar(&o.delay, "delay", 0, "postpone eligibility by this long")
	f.StringVar(&o.runAfter, "run-after", "", "earliest eligibility as an RFC 3339 timestamp")
	f.DurationVar(&o.retryInitial, "retry-initial-delay", 0, "override the first retry delay")
	f.Float64Var(&o.retryMultiplier, "retry-multiplier", 0, "override the retry backoff multiplier")
	f.DurationVar(&o.retryMax, "retry-max-delay", 0, "override the retry delay cap")
	f.Float64Var(&o.retryJitter, "retry-jitter", 0, "override the retry jitter factor")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsMutuallyExclusive("delay", "run-after")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// request converts the flags into an EnqueueRequest. Unset flags leave the
// engine defaults in place.
func (o *enqueueOptions) request(cmd *cobra.Command, app *application) (task.EnqueueRequest, error) {
	req := task.EnqueueRequest{
		Type:        o.taskType,
		DedupeKey:   o.dedupeKey,
		MaxAttempts: o.maxAttempts,
		Delay:       o.delay,
	}

	switch {
	case o.payloadFile != "":
		b, err := os.ReadFile(o.payloadFile)
		if err != nil {
			return req, fmt.Errorf("failed to read payload file: %w", err)
		}
		req.Payload = b
	case o.payload != "":
		req.Payload = []byte(o.payload)
	}

	f := cmd.Flags()
	if f.Changed("priority") {
		p := o.priority
		req.Priority = &p
	}

	if o.runAfter != "" {
		t, err := time.Parse(time.RFC3339, o.runAfter)
		if err != nil {
			return req, fmt.Errorf("%w: run-after must be RFC 3339: %v", domain.ErrInvalidTask, err)
		}
		req.RunAfter = t
	}

	if f.Changed("retry-initial-delay") || f.Changed("retry-multiplier") ||
		f.Changed("retry-max-delay") || f.Changed("retry-jitter") {
		p := app.engine.Config().Retry
		if f.Changed("retry-initial-delay") {
			p.InitialDelay = o.retryInitial
		}
		if f.Changed("retry-multiplier") {
			p.Multiplier = o.retryMultiplier
		}
		if f.Changed("retry-max-delay") {
			p.MaxDelay = o.retryMax
		}
		if f.Changed("retry-jitter") {
			p.JitterFactor = o.retryJitter
		}
		req.Retry = &p
	}
	return req, nil
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				t, err := app.engine.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		status   string
		taskType string
		lockedBy string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.TaskFilter{Type: taskType, LockedBy: lockedBy, Limit: limit}
			if status != "" {
				s, err := domain.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				tasks, err := app.engine.List(ctx, filter)
				if err != nil {
					return err
				}
				if tasks == nil {
					tasks = []*domain.Task{}
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only tasks in this status: queued, leased, completed or failed")
	f.StringVar(&taskType, "type", "", "only tasks of this type")
	f.StringVar(&lockedBy, "worker", "", "only tasks leased by this worker")
	f.IntVar(&limit, "limit", 100, "maximum number of tasks, 0 for all")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Move a task that has not finished to failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				t, err := app.engine.Cancel(ctx, id, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded in the task's error message")
	return cmd
}

func newClaimCmd(opts *globalOptions) *cobra.Command {
	var (
		workerID string
		lease    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Lease the next eligible task to a worker",
		Long: `Leases the next eligible task using the strategy set by --strategy or the
configured default. Prints nothing when no task is eligible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				s := app.engine.Config().DefaultStrategy
				t, err := app.engine.Claim(ctx, workerID, s, lease)
				if err != nil {
					return err
				}
				if t == nil {
					app.logger.Info("no eligible task", "worker_id", workerID, "strategy", s.String())
					return nil
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&workerID, "worker", "", "claiming worker id (required)")
	f.DurationVar(&lease, "lease", 0, "lease duration (default from config)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newCompleteCmd(opts *globalOptions) *cobra.Command {
	var (
		workerID string
		result   string
	)

	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a leased task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				var res []byte
				if result != "" {
					res = []byte(result)
				}
				t, err := app.engine.Complete(ctx, id, workerID, res)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&workerID, "worker", "", "worker holding the lease (required)")
	f.StringVar(&result, "result", "", "result stored with the task")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newFailCmd(opts *globalOptions) *cobra.Command {
	var (
		workerID  string
		message   string
		permanent bool
	)

	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Record a failed attempt, retrying or dead-lettering the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				t, err := app.engine.Fail(ctx, id, workerID, message, !permanent)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&workerID, "worker", "", "worker holding the lease (required)")
	f.StringVar(&message, "error", "", "error message stored with the task")
	f.BoolVar(&permanent, "permanent", false, "dead-letter immediately instead of retrying")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newRenewCmd(opts *globalOptions) *cobra.Command {
	var (
		workerID string
		extend   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "renew <task-id>",
		Short: "Extend the lease of a task held by a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, opts, func(ctx context.Context, app *application) error {
				t, err := app.engine.RenewLease(ctx, id, workerID, extend)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&workerID, "worker", "", "worker holding the lease (required)")
	f.DurationVar(&extend, "extend", 0, "new lease length from now (default from config)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}
