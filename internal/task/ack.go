package task

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/events"
)

// Complete marks a task completed with result. workerID must hold the lease.
// A task that is already completed or failed is returned unchanged, so
// duplicate acknowledgements succeed.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) (*domain.Task, error) {
	var changed bool
	t, err := e.store.Transition(ctx, id, func(t *domain.Task) (bool, error) {
		var err error
		changed, err = t.Complete(workerID, result, e.now())
		return changed, err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.logger.DebugContext(ctx, "task completed",
			"task_id", t.ID,
			"task_type", t.Type,
			"worker_id", workerID,
			"attempts", t.Attempts)
		e.emit(ctx, events.KindCompleted, t, workerID)
	}
	return t, nil
}

// Fail records a failed execution by workerID, which must hold the lease.
// The attempt counter is incremented; a retryable failure with attempts left
// is requeued after the task's backoff delay, anything else is dead-lettered
// as failed with errMsg kept for inspection.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID, workerID, errMsg string, retryable bool) (*domain.Task, error) {
	var dead bool
	t, err := e.store.Transition(ctx, id, func(t *domain.Task) (bool, error) {
		now := e.now()
		var err error
		dead, err = t.RecordFailure(workerID, retryable)
		if err != nil {
			return false, err
		}
		if dead {
			t.DeadLetter(errMsg, now)
			return true, nil
		}

		policy := t.RetryPolicyOr(e.cfg.Retry)
		t.Requeue(errMsg, now.Add(policy.Delay(t.Attempts, e.rng.Float64())), now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if dead {
		e.logger.WarnContext(ctx, "task dead-lettered",
			"task_id", t.ID,
			"task_type", t.Type,
			"worker_id", workerID,
			"attempts", t.Attempts,
			"retryable", retryable,
			"error", errMsg)
		e.emit(ctx, events.KindDeadLettered, t, workerID)
	} else {
		e.logger.InfoContext(ctx, "task scheduled for retry",
			"task_id", t.ID,
			"task_type", t.Type,
			"worker_id", workerID,
			"attempts", t.Attempts,
			"run_after", t.RunAfter)
		e.emit(ctx, events.KindRetried, t, workerID)
	}
	return t, nil
}
