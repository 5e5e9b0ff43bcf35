package task

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

// Snapshot is a point-in-time view of the queue for dashboards and health
// checks.
type Snapshot struct {
	TakenAt time.Time        `json:"taken_at"`
	Depth   []store.DepthRow `json:"depth"`

	Queued    int64 `json:"queued"`
	Leased    int64 `json:"leased"`
	Completed int64 `json:"completed"`
	// Failed counts dead-lettered and cancelled tasks.
	Failed int64 `json:"failed"`

	// SuccessRate is Completed / (Completed + Failed), or 0 when nothing has
	// finished.
	SuccessRate float64 `json:"success_rate"`

	// OldestEligibleAge is how long the longest-waiting eligible queued task
	// has been runnable.
	OldestEligibleAge time.Duration `json:"oldest_eligible_age"`

	ExpiredLeases int64 `json:"expired_leases"`
	ActiveWorkers int64 `json:"active_workers"`
	StaleWorkers  int64 `json:"stale_workers"`
}

// DeadLettered returns the number of tasks in the failed state.
func (s *Snapshot) DeadLettered() int64 {
	return s.Failed
}

// MetricsCollector builds snapshots from store aggregates.
type MetricsCollector struct {
	store          store.StatsStore
	staleThreshold time.Duration
	now            func() time.Time
}

// NewMetricsCollector creates a collector over s. Workers silent for longer
// than staleThreshold count as stale.
func NewMetricsCollector(s store.StatsStore, staleThreshold time.Duration, opts ...Option) *MetricsCollector {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	o := buildOptions(opts)
	return &MetricsCollector{store: s, staleThreshold: staleThreshold, now: o.now}
}

// Snapshot aggregates the current queue state.
func (m *MetricsCollector) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := m.now().UTC()
	stats, err := m.store.Stats(ctx, now, now.Add(-m.staleThreshold))
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	s := &Snapshot{
		TakenAt:       now,
		Depth:         stats.Depth,
		ExpiredLeases: stats.ExpiredLeases,
		ActiveWorkers: stats.ActiveWorkers,
		StaleWorkers:  stats.StaleWorkers,
	}
	if s.Depth == nil {
		s.Depth = []store.DepthRow{}
	}
	for _, row := range stats.Depth {
		switch row.Status {
		case domain.TaskStatusQueued:
			s.Queued += row.Count
		case domain.TaskStatusLeased:
			s.Leased += row.Count
		case domain.TaskStatusCompleted:
			s.Completed += row.Count
		case domain.TaskStatusFailed:
			s.Failed += row.Count
		}
	}
	if finished := s.Completed + s.Failed; finished > 0 {
		s.SuccessRate = float64(s.Completed) / float64(finished)
	}
	if stats.OldestEligibleAt != nil {
		if age := now.Sub(*stats.OldestEligibleAt); age > 0 {
			s.OldestEligibleAge = age
		}
	}
	return s, nil
}
