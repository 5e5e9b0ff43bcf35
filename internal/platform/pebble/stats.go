package pebblestore

import (
	"context"
	"sort"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

type depthKey struct {
	status domain.TaskStatus
	typ    string
}

// Stats implements store.StatsStore.Stats
// Aggregates are computed from one snapshot and never take the write mutex.
func (s *Store) Stats(ctx context.Context, now, staleBefore time.Time) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.db.NewSnapshot()
	defer func() { _ = snap.Close() }()

	stats := &store.Stats{Depth: []store.DepthRow{}}
	counts := map[depthKey]int64{}

	err := scan(snap, taskPrefix, func(_, v []byte) error {
		t, err := decodeTask(v)
		if err != nil {
			return err
		}
		counts[depthKey{t.Status, t.Type}]++

		switch {
		case t.Status == domain.TaskStatusQueued && !t.RunAfter.After(now):
			if stats.OldestEligibleAt == nil || t.RunAfter.Before(*stats.OldestEligibleAt) {
				ra := t.RunAfter
				stats.OldestEligibleAt = &ra
			}
		case t.IsReclaimable(now):
			stats.ExpiredLeases++
		}
		return nil
	})
	if err != nil {
		return nil, store.NewStoreError("stats", "aggregate", "failed to scan tasks", err)
	}

	for k, n := range counts {
		stats.Depth = append(stats.Depth, store.DepthRow{Status: k.status, Type: k.typ, Count: n})
	}
	sort.Slice(stats.Depth, func(i, j int) bool {
		if stats.Depth[i].Status != stats.Depth[j].Status {
			return stats.Depth[i].Status < stats.Depth[j].Status
		}
		return stats.Depth[i].Type < stats.Depth[j].Type
	})

	err = scan(snap, workerPrefix, func(_, v []byte) error {
		w, err := decodeWorker(v)
		if err != nil {
			return err
		}
		if w.LastHeartbeat.Before(staleBefore) {
			stats.StaleWorkers++
		} else {
			stats.ActiveWorkers++
		}
		return nil
	})
	if err != nil {
		return nil, store.NewStoreError("stats", "aggregate", "failed to scan workers", err)
	}
	return stats, nil
}
