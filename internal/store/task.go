package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
)

// Ordering selects how eligible tasks are ranked by ClaimNext.
type Ordering int

const (
	// OrderCreatedAsc ranks by ascending created_at, then id.
	OrderCreatedAsc Ordering = iota
	// OrderCreatedDesc ranks by descending created_at, then id.
	OrderCreatedDesc
	// OrderPriorityAsc ranks by ascending priority, then created_at, then id.
	OrderPriorityAsc
)

// String returns a short name for the ordering.
func (o Ordering) String() string {
	switch o {
	case OrderCreatedAsc:
		return "created_asc"
	case OrderCreatedDesc:
		return "created_desc"
	case OrderPriorityAsc:
		return "priority_asc"
	default:
		return "unknown"
	}
}

// Less reports whether a ranks strictly before b. Backends without a query
// planner use it to sort candidates; SQL backends express the same order in
// their ORDER BY clause.
func (o Ordering) Less(a, b *domain.Task) bool {
	switch o {
	case OrderCreatedDesc:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return compareIDs(a.ID, b.ID) > 0
	case OrderPriorityAsc:
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		fallthrough
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return compareIDs(a.ID, b.ID) < 0
	}
}

func compareIDs(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ClaimQuery describes one claim attempt.
type ClaimQuery struct {
	// WorkerID becomes locked_by on the claimed row.
	WorkerID string
	// Now is the reference time for eligibility and lease expiry.
	Now time.Time
	// LeaseUntil is written to the claimed row.
	LeaseUntil time.Time
	// Order ranks eligible rows.
	Order Ordering
	// Window bounds how many top-ranked candidates are read. Values < 1 are
	// treated as 1.
	Window int
	// Pick chooses one of the candidates (given in Order) and returns its
	// index. Nil picks the first.
	Pick func(candidates []*domain.Task) int
}

// TaskFilter narrows List results. Zero values mean "any".
type TaskFilter struct {
	Status   domain.TaskStatus
	Type     string
	LockedBy string
	Limit    int
}

// TransitionFn mutates the current row of a task inside the store's
// transaction. Returning false leaves the row untouched; returning an error
// aborts the transaction and is passed back to the caller.
type TransitionFn func(t *domain.Task) (bool, error)

// TaskStore persists tasks. Every method that changes scheduling state runs
// as one atomic transaction over a single task row.
type TaskStore interface {
	// Insert stores a new task. Returns domain.ErrDuplicateDedupeKey when the
	// task's dedupe key already exists.
	Insert(ctx context.Context, t *domain.Task) error

	// Get returns the task with the given id, or domain.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetByDedupeKey returns the task that owns key, or domain.ErrNotFound.
	GetByDedupeKey(ctx context.Context, key string) (*domain.Task, error)

	// List returns tasks matching the filter ordered by created_at.
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// ClaimNext leases one eligible task to q.WorkerID. It returns (nil, nil)
	// when nothing is eligible and domain.ErrStorageContention when a
	// concurrent claimant won the selected row.
	ClaimNext(ctx context.Context, q ClaimQuery) (*domain.Task, error)

	// Transition applies fn to the task's current row under a row lock and
	// persists the result when fn reports a change. It returns the row as
	// stored after the call.
	Transition(ctx context.Context, id uuid.UUID, fn TransitionFn) (*domain.Task, error)
}

// WorkerFilter narrows ListWorkers by heartbeat time. Zero values mean "any".
type WorkerFilter struct {
	// HeartbeatBefore keeps workers whose last heartbeat is strictly before it.
	HeartbeatBefore time.Time
	// HeartbeatSince keeps workers whose last heartbeat is at or after it.
	HeartbeatSince time.Time
}

// WorkerStore persists worker registrations.
type WorkerStore interface {
	// UpsertWorker creates the worker or refreshes its capabilities and
	// heartbeat, keeping the original registered_at.
	UpsertWorker(ctx context.Context, w *domain.Worker) (*domain.Worker, error)

	// TouchWorker sets last_heartbeat. Returns domain.ErrUnknownWorker when
	// the worker is not registered.
	TouchWorker(ctx context.Context, id string, at time.Time) error

	// GetWorker returns the worker or domain.ErrUnknownWorker.
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)

	// ListWorkers returns workers ordered by last_heartbeat.
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]*domain.Worker, error)

	// DeleteWorker removes the worker. Returns domain.ErrUnknownWorker when
	// it does not exist.
	DeleteWorker(ctx context.Context, id string) error
}

// DepthRow counts tasks for one (status, type) pair.
type DepthRow struct {
	Status domain.TaskStatus `json:"status"`
	Type   string            `json:"type"`
	Count  int64             `json:"count"`
}

// Stats is a read-only aggregate over the task and worker tables.
type Stats struct {
	Depth []DepthRow `json:"depth"`
	// OldestEligibleAt is the smallest run_after among queued tasks that are
	// eligible at the reference time, or nil when there are none.
	OldestEligibleAt *time.Time `json:"oldest_eligible_at,omitempty"`
	// ExpiredLeases counts leased tasks whose lease has lapsed.
	ExpiredLeases int64 `json:"expired_leases"`
	ActiveWorkers int64 `json:"active_workers"`
	StaleWorkers  int64 `json:"stale_workers"`
}

// StatsStore computes observability aggregates without taking locks that
// the claim path would wait on.
type StatsStore interface {
	// Stats aggregates tasks as of now; workers whose heartbeat is before
	// staleBefore count as stale.
	Stats(ctx context.Context, now, staleBefore time.Time) (*Stats, error)
}

// Store bundles the persistence interfaces a backend provides.
type Store interface {
	TaskStore
	WorkerStore
	StatsStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
