package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

func decodeWorker(v []byte) (*domain.Worker, error) {
	var w domain.Worker
	if err := json.Unmarshal(v, &w); err != nil {
		return nil, fmt.Errorf("%w: corrupt worker record: %v", domain.ErrStorageUnavailable, err)
	}
	return &w, nil
}

func loadWorker(r pebble.Reader, id string) (*domain.Worker, error) {
	v, ok, err := get(r, key(workerPrefix, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, id)
	}
	return decodeWorker(v)
}

func (s *Store) putWorker(w *domain.Worker) error {
	v, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worker %s: %w", w.ID, err)
	}
	b := s.db.NewBatch()
	if err := b.Set(key(workerPrefix, w.ID), v, nil); err != nil {
		_ = b.Close()
		return unavailable(err)
	}
	return s.commit(b)
}

// UpsertWorker implements store.WorkerStore.UpsertWorker
func (s *Store) UpsertWorker(ctx context.Context, w *domain.Worker) (*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *w
	if existing, err := loadWorker(s.db, w.ID); err == nil {
		stored.RegisteredAt = existing.RegisteredAt
		if existing.LastHeartbeat.After(stored.LastHeartbeat) {
			stored.LastHeartbeat = existing.LastHeartbeat
		}
	} else if !store.IsNotFoundError(err) {
		return nil, err
	}

	if err := s.putWorker(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// TouchWorker implements store.WorkerStore.TouchWorker
// Heartbeats never move last_heartbeat backwards.
func (s *Store) TouchWorker(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := loadWorker(s.db, id)
	if err != nil {
		return err
	}
	if !at.After(w.LastHeartbeat) {
		return nil
	}
	w.LastHeartbeat = at.UTC()
	return s.putWorker(w)
}

// GetWorker implements store.WorkerStore.GetWorker
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadWorker(s.db, id)
}

// ListWorkers implements store.WorkerStore.ListWorkers
func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.db.NewSnapshot()
	defer func() { _ = snap.Close() }()

	var workers []*domain.Worker
	err := scan(snap, workerPrefix, func(_, v []byte) error {
		w, err := decodeWorker(v)
		if err != nil {
			return err
		}
		if !filter.HeartbeatBefore.IsZero() && !w.LastHeartbeat.Before(filter.HeartbeatBefore) {
			return nil
		}
		if !filter.HeartbeatSince.IsZero() && w.LastHeartbeat.Before(filter.HeartbeatSince) {
			return nil
		}
		workers = append(workers, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].LastHeartbeat.Equal(workers[j].LastHeartbeat) {
			return workers[i].LastHeartbeat.Before(workers[j].LastHeartbeat)
		}
		return workers[i].ID < workers[j].ID
	})
	return workers, nil
}

// DeleteWorker implements store.WorkerStore.DeleteWorker
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := loadWorker(s.db, id); err != nil {
		return err
	}
	b := s.db.NewBatch()
	if err := b.Delete(key(workerPrefix, id), nil); err != nil {
		_ = b.Close()
		return unavailable(err)
	}
	return s.commit(b)
}
