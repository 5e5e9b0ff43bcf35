package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

// DefaultStaleThreshold is how long a worker may go without a heartbeat
// before it is reported stale.
const DefaultStaleThreshold = 300 * time.Second

// WorkerRegistry tracks worker liveness. It is purely observational: removing
// or ignoring a worker never touches the leases it holds, which are recovered
// only through lease expiry.
type WorkerRegistry struct {
	store     store.WorkerStore
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewWorkerRegistry creates a registry over s. staleThreshold is the default
// for ActiveWorkers and StaleWorkers; zero selects DefaultStaleThreshold.
func NewWorkerRegistry(s store.WorkerStore, staleThreshold time.Duration, opts ...Option) *WorkerRegistry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	o := buildOptions(opts)
	return &WorkerRegistry{
		store:     s,
		threshold: staleThreshold,
		now:       o.now,
		logger:    o.logger.With("component", "worker_registry"),
	}
}

// StaleThreshold returns the default staleness threshold.
func (r *WorkerRegistry) StaleThreshold() time.Duration {
	return r.threshold
}

// Register creates or refreshes a worker and records a heartbeat.
func (r *WorkerRegistry) Register(ctx context.Context, id string, capabilities map[string]string) (*domain.Worker, error) {
	w, err := domain.NewWorker(id, capabilities, r.now())
	if err != nil {
		return nil, err
	}

	stored, err := r.store.UpsertWorker(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	r.logger.InfoContext(ctx, "worker registered", "worker_id", id)
	return stored, nil
}

// Heartbeat records that the worker is alive. It returns
// domain.ErrUnknownWorker for a worker that is not registered.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, id string) error {
	return r.store.TouchWorker(ctx, id, r.now())
}

// Get returns a registered worker.
func (r *WorkerRegistry) Get(ctx context.Context, id string) (*domain.Worker, error) {
	return r.store.GetWorker(ctx, id)
}

// ActiveWorkers returns workers whose last heartbeat is no more than
// threshold ago. Zero uses the registry default.
func (r *WorkerRegistry) ActiveWorkers(ctx context.Context, threshold time.Duration) ([]*domain.Worker, error) {
	return r.store.ListWorkers(ctx, store.WorkerFilter{HeartbeatSince: r.cutoff(threshold)})
}

// StaleWorkers returns workers whose last heartbeat is more than threshold
// ago. Zero uses the registry default.
func (r *WorkerRegistry) StaleWorkers(ctx context.Context, threshold time.Duration) ([]*domain.Worker, error) {
	return r.store.ListWorkers(ctx, store.WorkerFilter{HeartbeatBefore: r.cutoff(threshold)})
}

// Remove deregisters a worker.
func (r *WorkerRegistry) Remove(ctx context.Context, id string) error {
	if err := r.store.DeleteWorker(ctx, id); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "worker removed", "worker_id", id)
	return nil
}

// cutoff is the heartbeat time separating active from stale workers: a
// heartbeat strictly before it is more than threshold old.
func (r *WorkerRegistry) cutoff(threshold time.Duration) time.Time {
	if threshold <= 0 {
		threshold = r.threshold
	}
	return r.now().Add(-threshold)
}
