package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/platform/logger"
	"github.com/phrazzld/taskengine/internal/redact"
	"github.com/phrazzld/taskengine/internal/store"
	"golang.org/x/sync/errgroup"
)

// ackTimeout bounds the completion or failure write after a handler returns,
// including during shutdown.
const ackTimeout = 10 * time.Second

// Handler executes tasks of one type. The returned bytes are stored as the
// task result on success.
type Handler interface {
	Handle(ctx context.Context, t *domain.Task) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *domain.Task) ([]byte, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, t *domain.Task) ([]byte, error) {
	return f(ctx, t)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the task is
// dead-lettered on the first such failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// HandlerObserver receives the duration and outcome of each handler run.
type HandlerObserver interface {
	ObserveHandler(taskType, outcome string, d time.Duration)
}

// Handler outcomes reported to a HandlerObserver.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomePermanent = "permanent"
	OutcomePanic     = "panic"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerID is the lease owner and registry identity of this runner.
	WorkerID string

	// Capabilities are stored with the worker registration.
	Capabilities map[string]string

	// Concurrency is the number of poll loops, and so the maximum number of
	// tasks processed at once.
	Concurrency int

	Strategy      Strategy
	LeaseDuration time.Duration

	// PollInterval is the wait after the first empty claim. Consecutive
	// empty claims double it up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// RenewFraction of LeaseDuration elapses between lease renewals while a
	// handler runs.
	RenewFraction float64

	HeartbeatInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:       2,
		Strategy:          StrategyFIFO,
		LeaseDuration:     30 * time.Second,
		PollInterval:      500 * time.Millisecond,
		MaxPollInterval:   5 * time.Second,
		RenewFraction:     0.5,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Runner polls the engine for tasks, executes the handler registered for
// each task's type, and acknowledges the outcome. While a handler runs its
// lease is renewed in the background.
type Runner struct {
	engine   *Engine
	registry *WorkerRegistry
	config   RunnerConfig
	logger   *slog.Logger
	observer HandlerObserver

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRunner creates a Runner. Zero-valued config fields take their defaults.
func NewRunner(engine *Engine, registry *WorkerRegistry, config RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if engine == nil || registry == nil {
		return nil, errors.New("runner requires an engine and a worker registry")
	}
	if err := (&domain.Worker{ID: config.WorkerID}).Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultRunnerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = engine.cfg.LeaseDuration
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.RenewFraction <= 0 || config.RenewFraction >= 1 {
		config.RenewFraction = defaults.RenewFraction
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	return &Runner{
		engine:   engine,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "runner", "worker_id", config.WorkerID),
		handlers: make(map[string]Handler),
	}, nil
}

// SetObserver installs an observer for handler executions.
func (r *Runner) SetObserver(o HandlerObserver) {
	r.observer = o
}

// Handle registers h for tasks of taskType, replacing any earlier handler.
func (r *Runner) Handle(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// HandleFunc registers a function handler for taskType.
func (r *Runner) HandleFunc(taskType string, fn func(ctx context.Context, t *domain.Task) ([]byte, error)) {
	r.Handle(taskType, HandlerFunc(fn))
}

func (r *Runner) handler(taskType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}

// Start registers the worker and launches the poll loops and the heartbeat
// loop. It returns once they are running; Stop shuts them down.
func (r *Runner) Start(ctx context.Context) error {
	if r.cancel != nil {
		return errors.New("runner already started")
	}
	if _, err := r.registry.Register(ctx, r.config.WorkerID, r.config.Capabilities); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logger.WithLogger(runCtx, r.logger)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		r.heartbeatLoop(gctx)
		return nil
	})
	for i := 0; i < r.config.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			r.pollLoop(gctx, slot)
			return nil
		})
	}

	r.cancel = cancel
	r.group = g
	r.logger.Info("runner started",
		"concurrency", r.config.Concurrency,
		"strategy", r.config.Strategy.String())
	return nil
}

// Stop cancels the loops, waits for in-flight tasks to be acknowledged or
// abandoned, and deregisters the worker.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	r.cancel = nil
	r.group = nil

	if rmErr := r.registry.Remove(ctx, r.config.WorkerID); rmErr != nil && !errors.Is(rmErr, domain.ErrUnknownWorker) {
		r.logger.Error("failed to deregister worker", "error", rmErr)
		if err == nil {
			err = rmErr
		}
	}
	r.logger.Info("runner stopped")
	return err
}

// Run starts the runner and blocks until ctx is cancelled, then stops it.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

func (r *Runner) pollLoop(ctx context.Context, slot int) {
	log := r.logger.With("slot", slot)
	wait := r.config.PollInterval

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			if store.IsRetryable(err) {
				log.Warn("claim failed, backing off", "error", redact.Error(err))
			} else {
				log.Error("claim failed", "error", redact.Error(err))
			}
		}
		if processed {
			wait = r.config.PollInterval
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		wait *= 2
		if wait > r.config.MaxPollInterval {
			wait = r.config.MaxPollInterval
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.registry.Heartbeat(ctx, r.config.WorkerID)
			if errors.Is(err, domain.ErrUnknownWorker) {
				r.logger.Warn("worker registration missing, registering again")
				_, err = r.registry.Register(ctx, r.config.WorkerID, r.config.Capabilities)
			}
			if err != nil && ctx.Err() == nil {
				r.logger.Error("heartbeat failed", "error", redact.Error(err))
			}
		}
	}
}

// RunOnce claims at most one task and processes it to acknowledgement. It
// reports whether a task was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	t, err := r.engine.Claim(ctx, r.config.WorkerID, r.config.Strategy, r.config.LeaseDuration)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	r.process(ctx, t)
	return true, nil
}

func (r *Runner) process(ctx context.Context, t *domain.Task) {
	log := r.logger.With(
		"task_id", t.ID,
		"task_type", t.Type,
		"attempt", t.Attempts+1)
	ctx = logger.WithLogger(ctx, log)

	h := r.handler(t.Type)
	if h == nil {
		log.Error("no handler registered for task type")
		r.fail(ctx, t, fmt.Sprintf("no handler registered for task type %q", t.Type), false)
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	var leaseLost bool
	go func() {
		defer close(renewDone)
		if r.renewLoop(handlerCtx, t) {
			leaseLost = true
			cancel()
		}
	}()

	start := time.Now()
	// The handler gets its own copy; renewals and acks keep using t.
	result, err := r.invoke(handlerCtx, h, t.Clone())
	elapsed := time.Since(start)
	cancel()
	<-renewDone

	// The lease is gone, so the outcome belongs to whoever reclaims the task.
	if leaseLost {
		log.Warn("lease lost while handler ran, abandoning task", "duration", elapsed)
		return
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Warn("handler interrupted by shutdown, task will be reclaimed after its lease expires")
		return
	}

	switch {
	case err == nil:
		r.observe(t.Type, OutcomeSuccess, elapsed)
		r.complete(ctx, t, result)
	case IsPermanent(err):
		r.observe(t.Type, OutcomePermanent, elapsed)
		log.Warn("task failed permanently", "error", redact.Error(err), "duration", elapsed)
		r.fail(ctx, t, redact.Error(err), false)
	default:
		outcome := OutcomeError
		var p *panicError
		if errors.As(err, &p) {
			outcome = OutcomePanic
		}
		r.observe(t.Type, outcome, elapsed)
		log.Warn("task failed", "error", redact.Error(err), "duration", elapsed)
		r.fail(ctx, t, redact.Error(err), true)
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.value) }

// invoke runs the handler, turning a panic into a retryable error.
func (r *Runner) invoke(ctx context.Context, h Handler, t *domain.Task) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).Error("handler panicked",
				"panic", p,
				"stack", string(debug.Stack()))
			result, err = nil, &panicError{value: p}
		}
	}()
	return h.Handle(ctx, t)
}

// renewLoop extends the lease until ctx ends. It reports true when the lease
// was lost, in which case the caller must not acknowledge the task.
func (r *Runner) renewLoop(ctx context.Context, t *domain.Task) bool {
	interval := time.Duration(float64(r.config.LeaseDuration) * r.config.RenewFraction)
	if interval <= 0 {
		return false
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			_, err := r.engine.RenewLease(ctx, t.ID, r.config.WorkerID, r.config.LeaseDuration)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLeaseExpiredOrNotOwned):
				logger.FromContext(ctx).Warn("lease lost, cancelling handler", "error", err)
				return true
			case ctx.Err() == nil:
				logger.FromContext(ctx).Error("failed to renew lease", "error", redact.Error(err))
			}
		}
	}
}

func (r *Runner) complete(ctx context.Context, t *domain.Task, result []byte) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if _, err := r.engine.Complete(ackCtx, t.ID, r.config.WorkerID, result); err != nil {
		logger.FromContext(ctx).Error("failed to complete task", "error", redact.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, t *domain.Task, msg string, retryable bool) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if _, err := r.engine.Fail(ackCtx, t.ID, r.config.WorkerID, msg, retryable); err != nil {
		logger.FromContext(ctx).Error("failed to record task failure", "error", redact.Error(err))
	}
}

func (r *Runner) observe(taskType, outcome string, d time.Duration) {
	if r.observer != nil {
		r.observer.ObserveHandler(taskType, outcome, d)
	}
}
