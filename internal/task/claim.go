package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/events"
	"github.com/sethvargo/go-retry"
)

// maxClaimRetryDelay caps the wait between contended claim attempts.
const maxClaimRetryDelay = 250 * time.Millisecond

// Claim leases one eligible task to workerID for lease (the configured lease
// duration when zero), chosen by strategy. It returns (nil, nil) when nothing
// is eligible.
//
// A claim that loses a race with another worker is retried a bounded number
// of times with jittered exponential backoff; if every attempt loses, Claim
// also returns (nil, nil). Contention never surfaces as an error. Storage
// failures are returned wrapping domain.ErrStorageUnavailable.
func (e *Engine) Claim(ctx context.Context, workerID string, strategy Strategy, lease time.Duration) (*domain.Task, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("%w: worker id cannot be empty", domain.ErrInvalidWorker)
	}
	if lease < 0 {
		return nil, fmt.Errorf("%w: lease duration must be positive", domain.ErrInvalidTask)
	}
	if lease == 0 {
		lease = e.cfg.LeaseDuration
	}

	b := retry.NewExponential(e.cfg.ClaimRetryBase)
	b = retry.WithCappedDuration(maxClaimRetryDelay, b)
	b = retry.WithJitterPercent(50, b)
	b = retry.WithMaxRetries(e.cfg.ClaimRetries, b)

	var claimed *domain.Task
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		now := e.now()
		q := e.claimQuery(strategy)
		q.WorkerID = workerID
		q.Now = now
		q.LeaseUntil = now.Add(lease)

		t, err := e.store.ClaimNext(ctx, q)
		if err != nil {
			if errors.Is(err, domain.ErrStorageContention) {
				return retry.RetryableError(err)
			}
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrStorageContention) {
			e.logger.DebugContext(ctx, "claim gave up after contention",
				"worker_id", workerID,
				"strategy", strategy.String(),
				"retries", e.cfg.ClaimRetries)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	e.logger.DebugContext(ctx, "task claimed",
		"task_id", claimed.ID,
		"task_type", claimed.Type,
		"worker_id", workerID,
		"strategy", strategy.String(),
		"attempts", claimed.Attempts)
	e.emit(ctx, events.KindClaimed, claimed, workerID)
	return claimed, nil
}

// RenewLease extends the lease on a task to now+extra (the configured lease
// duration when zero). workerID must hold an unexpired lease on the task;
// otherwise domain.ErrLeaseExpiredOrNotOwned is returned.
func (e *Engine) RenewLease(ctx context.Context, id uuid.UUID, workerID string, extra time.Duration) (*domain.Task, error) {
	if extra < 0 {
		return nil, fmt.Errorf("%w: lease extension must be positive", domain.ErrInvalidTask)
	}
	if extra == 0 {
		extra = e.cfg.LeaseDuration
	}

	t, err := e.store.Transition(ctx, id, func(t *domain.Task) (bool, error) {
		if err := t.Renew(workerID, e.now(), extra); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, events.KindRenewed, t, workerID)
	return t, nil
}
