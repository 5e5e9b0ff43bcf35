package task_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/config"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/events"
	"github.com/phrazzld/taskengine/internal/store"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	s := openStore(t)

	cfg := task.DefaultConfig()
	cfg.WeightedWindow = 0
	_, err := task.NewEngine(s, cfg)
	assert.Error(t, err)

	cfg = task.DefaultConfig()
	cfg.DedupePolicy = "merge"
	_, err = task.NewEngine(s, cfg)
	assert.Error(t, err)

	_, err = task.NewEngine(nil, task.DefaultConfig())
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{
		Queue: config.QueueConfig{
			DefaultStrategy: "priority",
			LeaseDuration:   time.Minute,
			ClaimRetries:    2,
			ClaimRetryBase:  5 * time.Millisecond,
			WeightedWindow:  16,
			DedupePolicy:    "reject",
			DefaultPriority: 10,
		},
		Retry: config.RetryConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   3,
			MaxDelay:     time.Minute,
			JitterFactor: 0.2,
			MaxAttempts:  5,
		},
	}

	got, err := task.ConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyPriority, got.DefaultStrategy)
	assert.Equal(t, task.DedupeReject, got.DedupePolicy)
	assert.Equal(t, 5, got.DefaultMaxAttempts)
	assert.Equal(t, 2*time.Second, got.Retry.InitialDelay)
	assert.Equal(t, 16, got.WeightedWindow)

	cfg.Queue.DefaultStrategy = "random"
	_, err = task.ConfigFrom(cfg)
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestEnqueue_AppliesDefaultsAndOverrides(t *testing.T) {
	f := newFixture(t, func(c *task.Config) { c.DefaultPriority = 20 })
	ctx := context.Background()

	res, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "email.send", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, domain.TaskStatusQueued, res.Task.Status)
	assert.Equal(t, 20, res.Task.Priority)
	assert.Equal(t, domain.DefaultMaxAttempts, res.Task.MaxAttempts)
	assert.Equal(t, testStart, res.Task.RunAfter)
	assert.Nil(t, res.Task.Retry)

	override := domain.RetryPolicy{InitialDelay: time.Second, Multiplier: 1, MaxDelay: time.Second}
	res, err = f.engine.Enqueue(ctx, task.EnqueueRequest{
		Type:        "email.send",
		Priority:    intPtr(0),
		MaxAttempts: 7,
		Delay:       time.Minute,
		Retry:       &override,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Task.Priority)
	assert.Equal(t, 7, res.Task.MaxAttempts)
	assert.Equal(t, testStart.Add(time.Minute), res.Task.RunAfter)
	require.NotNil(t, res.Task.Retry)
	assert.Equal(t, override, *res.Task.Retry)

	stored, err := f.engine.Get(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Task.RunAfter, stored.RunAfter)

	at := testStart.Add(time.Hour)
	res, err = f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "report", RunAfter: at, Delay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, at, res.Task.RunAfter)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  task.EnqueueRequest
	}{
		{"missing type", task.EnqueueRequest{}},
		{"blank type", task.EnqueueRequest{Type: "   "}},
		{"negative priority", task.EnqueueRequest{Type: "x", Priority: intPtr(-1)}},
		{"negative max attempts", task.EnqueueRequest{Type: "x", MaxAttempts: -1}},
		{"negative delay", task.EnqueueRequest{Type: "x", Delay: -time.Second}},
		{"invalid retry override", task.EnqueueRequest{Type: "x", Retry: &domain.RetryPolicy{Multiplier: 2}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Enqueue(ctx, tc.req)
			assert.ErrorIs(t, err, domain.ErrInvalidTask)
		})
	}
}

func TestEnqueue_DedupeReturnsExisting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "sync", DedupeKey: "k1"})
	require.NoError(t, err)

	second, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "sync", DedupeKey: "k1", Priority: intPtr(1)})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	queued, err := f.engine.List(ctx, store.TaskFilter{Status: domain.TaskStatusQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestEnqueue_DedupeIsGlobal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.enqueue(t, task.EnqueueRequest{Type: "sync", DedupeKey: "k1"})
	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, claimed.ID, "w1", nil)
	require.NoError(t, err)

	again, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "sync", DedupeKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.ID, again.Task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, again.Task.Status)
}

func TestEnqueue_DedupeReject(t *testing.T) {
	f := newFixture(t, func(c *task.Config) { c.DedupePolicy = task.DedupeReject })
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "sync", DedupeKey: "k1"})
	require.NoError(t, err)

	_, err = f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "sync", DedupeKey: "k1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateDedupeKey)
}

func TestEnqueue_ConcurrentDedupe(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const callers = 16
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "sync", DedupeKey: "shared"})
			if assert.NoError(t, err) {
				ids[i] = res.Task.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := f.engine.List(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClaim_PriorityOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, p := range []int{10, 1, 5} {
		f.enqueue(t, task.EnqueueRequest{Type: "job", Priority: intPtr(p)})
	}

	var got []int
	for i := 0; i < 3; i++ {
		claimed, err := f.engine.Claim(ctx, "w1", task.StrategyPriority, 0)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		got = append(got, claimed.Priority)
	}
	assert.Equal(t, []int{1, 5, 10}, got)

	none, err := f.engine.Claim(ctx, "w1", task.StrategyPriority, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaim_FIFOAndLIFO(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.enqueue(t, task.EnqueueRequest{Type: "job"})
	b := f.enqueue(t, task.EnqueueRequest{Type: "job"})
	c := f.enqueue(t, task.EnqueueRequest{Type: "job"})

	newest, err := f.engine.Claim(ctx, "w1", task.StrategyLIFO, 0)
	require.NoError(t, err)
	assert.Equal(t, c.ID, newest.ID)

	oldest, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID, oldest.ID)

	last, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	assert.Equal(t, b.ID, last.ID)
}

func TestClaim_SetsLease(t *testing.T) {
	f := newFixture(t, func(c *task.Config) { c.LeaseDuration = 45 * time.Second })
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job"})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.TaskStatusLeased, claimed.Status)
	assert.Equal(t, "w1", claimed.LockedBy)
	require.NotNil(t, claimed.LeaseUntil)
	assert.Equal(t, f.clock.Now().Add(45*time.Second), *claimed.LeaseUntil)
	assert.Equal(t, 0, claimed.Attempts)
}

func TestClaim_WeightedRandomReachesEveryTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, p := range []int{0, 3, 50, 200} {
		f.enqueue(t, task.EnqueueRequest{Type: "job", Priority: intPtr(p)})
	}

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		claimed, err := f.engine.Claim(ctx, "w1", task.StrategyWeightedRandom, 0)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		seen[claimed.Priority] = true
	}
	assert.Len(t, seen, 4)
}

func TestClaim_RespectsRunAfter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job", Delay: time.Minute})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	f.clock.Advance(time.Minute)
	claimed, err = f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	assert.NotNil(t, claimed)
}

func TestClaim_Exclusivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job"})

	const workers = 24
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := f.engine.Claim(ctx, uuid.NewString(), task.StrategyFIFO, 0)
			assert.NoError(t, err)
			if claimed != nil {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestClaim_ReclaimsExpiredLease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	queued := f.enqueue(t, task.EnqueueRequest{Type: "job"})

	first, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	f.clock.Advance(30 * time.Second)
	held, err := f.engine.Claim(ctx, "w2", task.StrategyFIFO, 0)
	require.NoError(t, err)
	assert.Nil(t, held, "lease is still held at exactly lease_until")

	f.clock.Advance(time.Second)
	second, err := f.engine.Claim(ctx, "w2", task.StrategyFIFO, 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, queued.ID, second.ID)
	assert.Equal(t, "w2", second.LockedBy)
	assert.Equal(t, 0, second.Attempts)

	_, err = f.engine.Complete(ctx, queued.ID, "w1", nil)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)
}

func TestClaim_RejectsEmptyWorker(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Claim(context.Background(), "", task.StrategyFIFO, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidWorker)
}

// contendedStore reports contention or a fixed error from every claim.
type contendedStore struct {
	store.TaskStore
	err   error
	calls atomic.Int32
}

func (s *contendedStore) ClaimNext(context.Context, store.ClaimQuery) (*domain.Task, error) {
	s.calls.Add(1)
	return nil, s.err
}

func TestClaim_AbsorbsContention(t *testing.T) {
	s := &contendedStore{err: domain.ErrStorageContention}
	cfg := task.DefaultConfig()
	cfg.ClaimRetries = 3
	cfg.ClaimRetryBase = time.Millisecond
	e, err := task.NewEngine(s, cfg)
	require.NoError(t, err)

	claimed, err := e.Claim(context.Background(), "w1", task.StrategyFIFO, 0)
	assert.NoError(t, err)
	assert.Nil(t, claimed)
	assert.Equal(t, int32(4), s.calls.Load())
}

func TestClaim_PropagatesStorageFailure(t *testing.T) {
	s := &contendedStore{err: errors.Join(domain.ErrStorageUnavailable, errors.New("disk gone"))}
	e, err := task.NewEngine(s, task.DefaultConfig())
	require.NoError(t, err)

	_, err = e.Claim(context.Background(), "w1", task.StrategyFIFO, 0)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestRenewLease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job"})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 10*time.Second)
	require.NoError(t, err)

	f.clock.Advance(8 * time.Second)
	renewed, err := f.engine.RenewLease(ctx, claimed.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *renewed.LeaseUntil)

	_, err = f.engine.RenewLease(ctx, claimed.ID, "w2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)

	f.clock.Advance(2 * time.Minute)
	_, err = f.engine.RenewLease(ctx, claimed.ID, "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)

	_, err = f.engine.RenewLease(ctx, uuid.New(), "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestComplete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job"})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)

	_, err = f.engine.Complete(ctx, claimed.ID, "w2", nil)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)

	done, err := f.engine.Complete(ctx, claimed.ID, "w1", []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, []byte("ok"), done.Result)
	require.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.LockedBy)
	assert.Nil(t, done.LeaseUntil)

	again, err := f.engine.Complete(ctx, claimed.ID, "w1", []byte("different"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), again.Result)
}

func TestFail_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t, func(c *task.Config) { c.Retry.JitterFactor = 0 })
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job", MaxAttempts: 5})

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
		require.NoError(t, err)
		require.NotNil(t, claimed, "claim %d", i)

		now := f.clock.Now()
		failed, err := f.engine.Fail(ctx, claimed.ID, "w1", "boom", true)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusQueued, failed.Status)
		assert.Equal(t, i+1, failed.Attempts)
		assert.Equal(t, "boom", failed.ErrorMessage)
		assert.Empty(t, failed.LockedBy)
		delays = append(delays, failed.RunAfter.Sub(now))

		f.clock.Advance(failed.RunAfter.Sub(now))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestFail_JitterStaysInBounds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job", MaxAttempts: 2})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	failed, err := f.engine.Fail(ctx, claimed.ID, "w1", "boom", true)
	require.NoError(t, err)

	delay := failed.RunAfter.Sub(f.clock.Now())
	assert.GreaterOrEqual(t, delay, 900*time.Millisecond)
	assert.LessOrEqual(t, delay, 1100*time.Millisecond)
}

func TestFail_UsesTaskRetryOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{
		Type:  "job",
		Retry: &domain.RetryPolicy{InitialDelay: time.Minute, Multiplier: 1, MaxDelay: time.Minute},
	})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	failed, err := f.engine.Fail(ctx, claimed.ID, "w1", "boom", true)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute), failed.RunAfter)
}

func TestFail_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	queued := f.enqueue(t, task.EnqueueRequest{Type: "job", MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		_, err = f.engine.Fail(ctx, claimed.ID, "w1", "attempt failed", true)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}

	dead, err := f.engine.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, dead.Status)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "attempt failed", dead.ErrorMessage)
	assert.NotNil(t, dead.FinishedAt)

	f.clock.Advance(24 * time.Hour)
	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestFail_NonRetryableDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, task.EnqueueRequest{Type: "job"})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	dead, err := f.engine.Fail(ctx, claimed.ID, "w1", "bad payload", false)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, dead.Status)
	assert.Equal(t, 1, dead.Attempts)

	_, err = f.engine.Fail(ctx, claimed.ID, "w1", "again", true)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)
}

func TestFail_RequiresOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	queued := f.enqueue(t, task.EnqueueRequest{Type: "job"})

	_, err := f.engine.Fail(ctx, queued.ID, "w1", "boom", true)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	_, err = f.engine.Fail(ctx, claimed.ID, "w2", "boom", true)
	assert.ErrorIs(t, err, domain.ErrLeaseExpiredOrNotOwned)

	unchanged, err := f.engine.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, unchanged.Attempts)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	queued := f.enqueue(t, task.EnqueueRequest{Type: "job"})
	other := f.enqueue(t, task.EnqueueRequest{Type: "job"})

	cancelled, err := f.engine.Cancel(ctx, queued.ID, "superseded")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled: superseded", cancelled.ErrorMessage)
	assert.True(t, cancelled.IsCancelled())

	again, err := f.engine.Cancel(ctx, queued.ID, "twice")
	require.NoError(t, err)
	assert.Equal(t, "cancelled: superseded", again.ErrorMessage)

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	require.Equal(t, other.ID, claimed.ID)

	_, err = f.engine.Cancel(ctx, other.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.engine.Cancel(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel_DeadLetterWithCancelLikeMessageIsNotCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	queued := f.enqueue(t, task.EnqueueRequest{Type: "job", MaxAttempts: 1})

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	require.Equal(t, queued.ID, claimed.ID)
	dead, err := f.engine.Fail(ctx, claimed.ID, "w1", "cancelled by upstream API", false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, dead.Status)
	assert.False(t, dead.IsCancelled())

	_, err = f.engine.Cancel(ctx, queued.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := f.engine.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled by upstream API", got.ErrorMessage)
}

func TestEngine_EmitsLifecycleEvents(t *testing.T) {
	emitter := events.NewInMemoryEventEmitter(nil)
	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	emitter.RegisterHandler(events.EventHandlerFunc(func(_ context.Context, ev *events.TaskEvent) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		return nil
	}))

	f := newFixture(t, func(c *task.Config) { c.DefaultMaxAttempts = 2 }, task.WithEmitter(emitter))
	ctx := context.Background()

	f.enqueue(t, task.EnqueueRequest{Type: "job", DedupeKey: "d"})
	_, err := f.engine.Enqueue(ctx, task.EnqueueRequest{Type: "job", DedupeKey: "d"})
	require.NoError(t, err)

	claimed, err := f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	_, err = f.engine.RenewLease(ctx, claimed.ID, "w1", 0)
	require.NoError(t, err)
	_, err = f.engine.Fail(ctx, claimed.ID, "w1", "x", true)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	claimed, err = f.engine.Claim(ctx, "w1", task.StrategyFIFO, 0)
	require.NoError(t, err)
	_, err = f.engine.Fail(ctx, claimed.ID, "w1", "x", true)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{
		events.KindEnqueued,
		events.KindDeduplicated,
		events.KindClaimed,
		events.KindRenewed,
		events.KindRetried,
		events.KindClaimed,
		events.KindDeadLettered,
	}, kinds)
}

func TestEngine_HandlerErrorDoesNotUndoChange(t *testing.T) {
	emitter := events.NewInMemoryEventEmitter(nil)
	emitter.RegisterHandler(events.EventHandlerFunc(func(context.Context, *events.TaskEvent) error {
		return errors.New("sink down")
	}))
	f := newFixture(t, nil, task.WithEmitter(emitter))

	res, err := f.engine.Enqueue(context.Background(), task.EnqueueRequest{Type: "job"})
	require.NoError(t, err)

	_, err = f.engine.Get(context.Background(), res.Task.ID)
	assert.NoError(t, err)
}
