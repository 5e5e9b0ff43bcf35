package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Defaults applied by NewTask.
const (
	DefaultPriority    = 50
	DefaultMaxAttempts = 3

	// MaxTypeLength bounds the handler identifier stored in Task.Type.
	MaxTypeLength = 255

	// MaxDedupeKeyLength bounds Task.DedupeKey.
	MaxDedupeKeyLength = 255

	// CancelledPrefix starts the error message of a task failed by Cancel.
	CancelledPrefix = "cancelled"
)

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusLeased, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions can leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ParseTaskStatus converts a string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTask, s)
	}
	return status, nil
}

// Task is a unit of background work stored by the engine.
//
// LeaseUntil and LockedBy are only set while Status is leased. FinishedAt is
// only set once Status is terminal.
type Task struct {
	ID           uuid.UUID    `json:"id"`
	Type         string       `json:"type"`
	Payload      []byte       `json:"payload,omitempty"`
	Priority     int          `json:"priority"`
	DedupeKey    string       `json:"dedupe_key,omitempty"`
	Status       TaskStatus   `json:"status"`
	Attempts     int          `json:"attempts"`
	MaxAttempts  int          `json:"max_attempts"`
	Retry        *RetryPolicy `json:"retry,omitempty"`
	Result       []byte       `json:"result,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	LockedBy     string       `json:"locked_by,omitempty"`
	LeaseUntil   *time.Time   `json:"lease_until,omitempty"`
	RunAfter     time.Time    `json:"run_after"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`

	// Cancelled is set only by Cancel. A handler error that happens to read
	// like a cancellation never sets it.
	Cancelled bool `json:"cancelled,omitempty"`
}

// NewTask creates a queued task of the given type, eligible immediately.
// The ID is a time-ordered UUID so that ties on created_at break in
// insertion order.
func NewTask(taskType string, payload []byte, now time.Time) (*Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}

	now = now.UTC()
	t := &Task{
		ID:          id,
		Type:        taskType,
		Payload:     payload,
		Priority:    DefaultPriority,
		Status:      TaskStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks field-level invariants.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Type) == "" {
		return fmt.Errorf("%w: type cannot be empty", ErrInvalidTask)
	}
	if len(t.Type) > MaxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters", ErrInvalidTask, MaxTypeLength)
	}
	if len(t.DedupeKey) > MaxDedupeKeyLength {
		return fmt.Errorf("%w: dedupe key exceeds %d characters", ErrInvalidTask, MaxDedupeKeyLength)
	}
	if t.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", ErrInvalidTask)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidTask)
	}
	if t.Attempts < 0 || t.Attempts > t.MaxAttempts {
		return fmt.Errorf("%w: attempts %d outside [0, %d]", ErrInvalidTask, t.Attempts, t.MaxAttempts)
	}
	if t.Cancelled && t.Status != TaskStatusFailed {
		return fmt.Errorf("%w: cancelled task must be failed, got %q", ErrInvalidTask, t.Status)
	}
	if t.Retry != nil {
		if err := t.Retry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsReclaimable reports whether the task is leased but its lease has lapsed.
func (t *Task) IsReclaimable(now time.Time) bool {
	return t.Status == TaskStatusLeased && t.LeaseUntil != nil && t.LeaseUntil.Before(now)
}

// IsEligible reports whether a claim at now may pick this task.
func (t *Task) IsEligible(now time.Time) bool {
	if t.Status != TaskStatusQueued && !t.IsReclaimable(now) {
		return false
	}
	return !t.RunAfter.After(now)
}

// RetryPolicyOr returns the task's own retry policy, or fallback when unset.
func (t *Task) RetryPolicyOr(fallback RetryPolicy) RetryPolicy {
	if t.Retry != nil {
		return *t.Retry
	}
	return fallback
}

// Lease hands the task to workerID until leaseUntil. Attempts are not touched;
// reclaiming an expired lease is not a failure.
func (t *Task) Lease(workerID string, now, leaseUntil time.Time) error {
	if !t.IsEligible(now) {
		return fmt.Errorf("%w: task %s is not eligible for claim", ErrInvalidTransition, t.ID)
	}
	until := leaseUntil.UTC()
	t.Status = TaskStatusLeased
	t.LockedBy = workerID
	t.LeaseUntil = &until
	t.UpdatedAt = now.UTC()
	return nil
}

// checkOwner verifies that workerID holds the task's lease.
func (t *Task) checkOwner(workerID string) error {
	if t.Status != TaskStatusLeased || t.LockedBy != workerID {
		return fmt.Errorf("%w: task %s (status=%s, locked_by=%q, caller=%q)",
			ErrLeaseExpiredOrNotOwned, t.ID, t.Status, t.LockedBy, workerID)
	}
	return nil
}

// Renew moves the lease end to now+extra. The lease must be owned by workerID
// and must not have lapsed already.
func (t *Task) Renew(workerID string, now time.Time, extra time.Duration) error {
	if err := t.checkOwner(workerID); err != nil {
		return err
	}
	if t.LeaseUntil == nil || t.LeaseUntil.Before(now) {
		return fmt.Errorf("%w: lease on task %s lapsed", ErrLeaseExpiredOrNotOwned, t.ID)
	}
	until := now.Add(extra).UTC()
	t.LeaseUntil = &until
	t.UpdatedAt = now.UTC()
	return nil
}

// Complete marks the task completed. It returns false without error when the
// task is already terminal, so duplicate acknowledgements are harmless.
func (t *Task) Complete(workerID string, result []byte, now time.Time) (bool, error) {
	if t.Status.IsTerminal() {
		return false, nil
	}
	if err := t.checkOwner(workerID); err != nil {
		return false, err
	}
	t.Status = TaskStatusCompleted
	t.Result = result
	t.finish(now)
	return true, nil
}

// RecordFailure consumes one attempt for workerID's failed execution. It
// returns true when the task must be dead-lettered: either it is not
// retryable or it has used up its attempts.
func (t *Task) RecordFailure(workerID string, retryable bool) (bool, error) {
	if err := t.checkOwner(workerID); err != nil {
		return false, err
	}
	if t.Attempts < t.MaxAttempts {
		t.Attempts++
	}
	return !retryable || t.Attempts >= t.MaxAttempts, nil
}

// Requeue returns a leased task to the queue, eligible again at runAfter.
func (t *Task) Requeue(errMsg string, runAfter, now time.Time) {
	t.Status = TaskStatusQueued
	t.ErrorMessage = errMsg
	t.RunAfter = runAfter.UTC()
	t.LockedBy = ""
	t.LeaseUntil = nil
	t.UpdatedAt = now.UTC()
}

// DeadLetter moves the task to the permanent failed state, keeping the final
// error message and attempt count for inspection.
func (t *Task) DeadLetter(errMsg string, now time.Time) {
	t.Status = TaskStatusFailed
	t.ErrorMessage = errMsg
	t.finish(now)
}

// Cancel fails a queued task that no worker has picked up yet.
func (t *Task) Cancel(reason string, now time.Time) error {
	if t.Status != TaskStatusQueued {
		return fmt.Errorf("%w: only queued tasks can be cancelled (task %s is %s)",
			ErrInvalidTransition, t.ID, t.Status)
	}
	msg := CancelledPrefix
	if reason != "" {
		msg = CancelledPrefix + ": " + reason
	}
	t.Status = TaskStatusFailed
	t.ErrorMessage = msg
	t.Cancelled = true
	t.finish(now)
	return nil
}

// IsCancelled reports whether the task was failed by Cancel.
func (t *Task) IsCancelled() bool {
	return t.Status == TaskStatusFailed && t.Cancelled
}

func (t *Task) finish(now time.Time) {
	now = now.UTC()
	t.LockedBy = ""
	t.LeaseUntil = nil
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	if t.Retry != nil {
		r := *t.Retry
		c.Retry = &r
	}
	if t.LeaseUntil != nil {
		l := *t.LeaseUntil
		c.LeaseUntil = &l
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
