package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/config"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/events"
	"github.com/phrazzld/taskengine/internal/store"
)

// DedupePolicy decides what a second enqueue with a known dedupe key does.
type DedupePolicy string

const (
	// DedupeReturnExisting returns the task that already owns the key.
	DedupeReturnExisting DedupePolicy = "return_existing"
	// DedupeReject fails with domain.ErrDuplicateDedupeKey.
	DedupeReject DedupePolicy = "reject"
)

// Config holds engine-wide defaults.
type Config struct {
	DefaultStrategy    Strategy
	LeaseDuration      time.Duration
	ClaimRetries       uint64
	ClaimRetryBase     time.Duration
	WeightedWindow     int
	DedupePolicy       DedupePolicy
	DefaultPriority    int
	DefaultMaxAttempts int
	Retry              domain.RetryPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:    StrategyFIFO,
		LeaseDuration:      30 * time.Second,
		ClaimRetries:       5,
		ClaimRetryBase:     10 * time.Millisecond,
		WeightedWindow:     64,
		DedupePolicy:       DedupeReturnExisting,
		DefaultPriority:    domain.DefaultPriority,
		DefaultMaxAttempts: domain.DefaultMaxAttempts,
		Retry:              domain.DefaultRetryPolicy(),
	}
}

// ConfigFrom derives the engine configuration from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	strategy, err := ParseStrategy(cfg.Queue.DefaultStrategy)
	if err != nil {
		return Config{}, err
	}

	c := Config{
		DefaultStrategy:    strategy,
		LeaseDuration:      cfg.Queue.LeaseDuration,
		ClaimRetries:       cfg.Queue.ClaimRetries,
		ClaimRetryBase:     cfg.Queue.ClaimRetryBase,
		WeightedWindow:     cfg.Queue.WeightedWindow,
		DedupePolicy:       DedupePolicy(cfg.Queue.DedupePolicy),
		DefaultPriority:    cfg.Queue.DefaultPriority,
		DefaultMaxAttempts: cfg.Retry.MaxAttempts,
		Retry: domain.RetryPolicy{
			InitialDelay: cfg.Retry.InitialDelay,
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay,
			JitterFactor: cfg.Retry.JitterFactor,
		},
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that the configuration can drive an engine.
func (c Config) Validate() error {
	if c.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if c.ClaimRetryBase <= 0 {
		return errors.New("claim retry base must be positive")
	}
	if c.WeightedWindow < 1 {
		return errors.New("weighted window must be at least 1")
	}
	if c.DedupePolicy != DedupeReturnExisting && c.DedupePolicy != DedupeReject {
		return fmt.Errorf("unknown dedupe policy %q", c.DedupePolicy)
	}
	if c.DefaultPriority < 0 {
		return errors.New("default priority must be >= 0")
	}
	if c.DefaultMaxAttempts < 1 {
		return errors.New("default max attempts must be >= 1")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("default retry policy: %w", err)
	}
	return nil
}

// EnqueueRequest describes a task to create.
type EnqueueRequest struct {
	Type    string `validate:"required,max=255"`
	Payload []byte

	// Priority defaults to Config.DefaultPriority when nil. Lower runs first.
	Priority *int `validate:"omitempty,gte=0"`

	// DedupeKey, when set, is unique across every task ever enqueued.
	DedupeKey string `validate:"max=255"`

	// MaxAttempts defaults to Config.DefaultMaxAttempts when zero.
	MaxAttempts int `validate:"gte=0"`

	// Delay postpones eligibility relative to now. RunAfter, when set, wins.
	Delay    time.Duration `validate:"gte=0"`
	RunAfter time.Time

	// Retry overrides the engine's default retry policy for this task.
	Retry *domain.RetryPolicy
}

// EnqueueResult is the outcome of Enqueue.
type EnqueueResult struct {
	Task *domain.Task
	// Existing is true when the dedupe key matched a task created earlier.
	Existing bool
}

var validate = validator.New()

// Engine implements enqueue, claim, lease renewal, completion, failure and
// cancellation on top of a task store. It is safe for concurrent use; every
// state change is a single store transaction on one task row.
type Engine struct {
	store   store.TaskStore
	cfg     Config
	now     func() time.Time
	rng     *lockedRand
	emitter events.EventEmitter
	logger  *slog.Logger
}

// NewEngine creates an engine over s. It returns an error when cfg is
// invalid.
func NewEngine(s store.TaskStore, cfg Config, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	o := buildOptions(opts)
	return &Engine{
		store:   s,
		cfg:     cfg,
		now:     o.now,
		rng:     newLockedRand(o.rng),
		emitter: o.emitter,
		logger:  o.logger.With("component", "engine"),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Enqueue validates req and stores a new queued task. With a dedupe key that
// already exists, the configured DedupePolicy decides between returning the
// existing task and failing with domain.ErrDuplicateDedupeKey.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, fmt.Errorf("%w: type cannot be blank", domain.ErrInvalidTask)
	}

	if req.DedupeKey != "" {
		existing, err := e.store.GetByDedupeKey(ctx, req.DedupeKey)
		switch {
		case err == nil:
			return e.deduplicated(ctx, existing)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to look up dedupe key: %w", err)
		}
	}

	now := e.now()
	t, err := domain.NewTask(req.Type, req.Payload, now)
	if err != nil {
		return nil, err
	}
	t.Priority = e.cfg.DefaultPriority
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	t.DedupeKey = req.DedupeKey
	t.MaxAttempts = e.cfg.DefaultMaxAttempts
	if req.MaxAttempts > 0 {
		t.MaxAttempts = req.MaxAttempts
	}
	if req.Retry != nil {
		r := *req.Retry
		t.Retry = &r
	}
	switch {
	case !req.RunAfter.IsZero():
		t.RunAfter = req.RunAfter.UTC()
	case req.Delay > 0:
		t.RunAfter = now.Add(req.Delay).UTC()
	}

	if err := e.store.Insert(ctx, t); err != nil {
		if errors.Is(err, domain.ErrDuplicateDedupeKey) {
			// Lost a race with a concurrent enqueue of the same key.
			existing, getErr := e.store.GetByDedupeKey(ctx, req.DedupeKey)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load task for dedupe key after conflict: %w", getErr)
			}
			return e.deduplicated(ctx, existing)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	e.logger.DebugContext(ctx, "task enqueued",
		"task_id", t.ID,
		"task_type", t.Type,
		"priority", t.Priority,
		"run_after", t.RunAfter)
	e.emit(ctx, events.KindEnqueued, t, "")
	return &EnqueueResult{Task: t}, nil
}

func (e *Engine) deduplicated(ctx context.Context, existing *domain.Task) (*EnqueueResult, error) {
	if e.cfg.DedupePolicy == DedupeReject {
		return nil, fmt.Errorf("%w: %q belongs to task %s",
			domain.ErrDuplicateDedupeKey, existing.DedupeKey, existing.ID)
	}
	e.emit(ctx, events.KindDeduplicated, existing, "")
	return &EnqueueResult{Task: existing, Existing: true}, nil
}

// Get returns a task by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return e.store.Get(ctx, id)
}

// List returns tasks matching filter ordered by creation time.
func (e *Engine) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	return e.store.List(ctx, filter)
}

// Cancel fails a queued task with a "cancelled" error message. Cancelling a
// task that was already cancelled succeeds without change; any other
// non-queued task yields domain.ErrInvalidTransition.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string) (*domain.Task, error) {
	var cancelled bool
	t, err := e.store.Transition(ctx, id, func(t *domain.Task) (bool, error) {
		if t.IsCancelled() {
			return false, nil
		}
		if err := t.Cancel(reason, e.now()); err != nil {
			return false, err
		}
		cancelled = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		e.logger.InfoContext(ctx, "task cancelled", "task_id", t.ID, "task_type", t.Type, "reason", reason)
		e.emit(ctx, events.KindCancelled, t, "")
	}
	return t, nil
}

// emit publishes a committed change. Handler failures are logged and never
// undo the change.
func (e *Engine) emit(ctx context.Context, kind events.Kind, t *domain.Task, workerID string) {
	ev := events.NewTaskEvent(kind, t.ID, t.Type, e.now())
	ev.WorkerID = workerID
	ev.Attempts = t.Attempts
	if kind == events.KindRetried || kind == events.KindDeadLettered {
		ev.Error = t.ErrorMessage
	}
	if kind == events.KindRetried {
		runAfter := t.RunAfter
		ev.RunAfter = &runAfter
	}

	if err := e.emitter.EmitEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "event handler failed",
			"event_kind", kind,
			"task_id", t.ID,
			"error", err)
	}
}
