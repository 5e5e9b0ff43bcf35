package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names a task lifecycle transition.
type Kind string

// Lifecycle event kinds.
const (
	KindEnqueued     Kind = "enqueued"
	KindDeduplicated Kind = "deduplicated"
	KindClaimed      Kind = "claimed"
	KindRenewed      Kind = "renewed"
	KindCompleted    Kind = "completed"
	KindRetried      Kind = "retried"
	KindDeadLettered Kind = "dead_lettered"
	KindCancelled    Kind = "cancelled"
)

// TaskEvent records one committed state change of a task. Events are emitted
// after the store commit, so a handler never observes a change that was
// rolled back.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Kind     Kind      `json:"kind"`
	TaskID   uuid.UUID `json:"task_id"`
	TaskType string    `json:"task_type"`

	// WorkerID is empty for events not caused by a worker (enqueue, cancel).
	WorkerID string `json:"worker_id,omitempty"`

	// Attempts is the task's attempt count after the change.
	Attempts int `json:"attempts"`

	// Error carries the failure message for retried and dead-lettered events.
	Error string `json:"error,omitempty"`

	// RunAfter is set on retried events to the next eligibility time.
	RunAfter *time.Time `json:"run_after,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent creates an event of the given kind for a task.
func NewTaskEvent(kind Kind, taskID uuid.UUID, taskType string, at time.Time) *TaskEvent {
	return &TaskEvent{
		ID:         uuid.New(),
		Kind:       kind,
		TaskID:     taskID,
		TaskType:   taskType,
		OccurredAt: at.UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the engine to publish events without knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// NopEmitter drops every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *TaskEvent) error { return nil }
