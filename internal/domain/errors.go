package domain

import "errors"

// Engine error taxonomy. Callers match these with errors.Is; stores and the
// engine wrap them with additional context.
var (
	// ErrNotFound is returned when a task or worker does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateDedupeKey is returned when a task is inserted with a dedupe
	// key that already belongs to another task.
	ErrDuplicateDedupeKey = errors.New("duplicate dedupe key")

	// ErrLeaseExpiredOrNotOwned is returned when a worker acts on a task it
	// does not currently hold a lease on.
	ErrLeaseExpiredOrNotOwned = errors.New("lease expired or not owned")

	// ErrUnknownWorker is returned when a heartbeat names a worker that was
	// never registered (or has been removed).
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrStorageContention is a transient conflict between concurrent
	// transactions. The claim engine absorbs it; other callers may retry.
	ErrStorageContention = errors.New("storage contention")

	// ErrStorageUnavailable wraps underlying I/O, connection and lock errors.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidTask is returned when a task fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidTransition is returned when a state change is not permitted
	// from the task's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidWorker is returned when a worker fails validation.
	ErrInvalidWorker = errors.New("invalid worker")
)

// ErrUnknownStrategy is returned when a scheduling strategy name is not
// recognized.
var ErrUnknownStrategy = errors.New("unknown scheduling strategy")
