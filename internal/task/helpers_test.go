package task_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	pebblestore "github.com/phrazzld/taskengine/internal/platform/pebble"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *pebblestore.Store
	clock  *fakeClock
	engine *task.Engine
}

func openStore(t *testing.T) *pebblestore.Store {
	t.Helper()
	s, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T, mutate func(*task.Config), opts ...task.Option) *fixture {
	t.Helper()
	s := openStore(t)
	clock := newFakeClock()

	cfg := task.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	opts = append([]task.Option{
		task.WithClock(clock.Now),
		task.WithRand(rand.New(rand.NewPCG(7, 11))),
	}, opts...)
	e, err := task.NewEngine(s, cfg, opts...)
	require.NoError(t, err)

	return &fixture{store: s, clock: clock, engine: e}
}

func (f *fixture) enqueue(t *testing.T, req task.EnqueueRequest) *domain.Task {
	t.Helper()
	res, err := f.engine.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Existing)
	// Distinct creation times keep FIFO and LIFO orders unambiguous.
	f.clock.Advance(time.Millisecond)
	return res.Task
}

func intPtr(v int) *int { return &v }
