package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

func taskKey(id uuid.UUID) []byte {
	return key(taskPrefix, id.String())
}

func decodeTask(v []byte) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, fmt.Errorf("%w: corrupt task record: %v", domain.ErrStorageUnavailable, err)
	}
	return &t, nil
}

func loadTask(r pebble.Reader, id uuid.UUID) (*domain.Task, error) {
	v, ok, err := get(r, taskKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return decodeTask(v)
}

// putTask stages t and keeps the open indexes in step with its status.
func putTask(b *pebble.Batch, t *domain.Task) error {
	v, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := b.Set(taskKey(t.ID), v, nil); err != nil {
		return unavailable(err)
	}
	return stageIndexes(b, t)
}

// Insert implements store.TaskStore.Insert
func (s *Store) Insert(ctx context.Context, t *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists, err := get(s.db, taskKey(t.ID)); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: task %s already exists", domain.ErrInvalidTask, t.ID)
	}

	b := s.db.NewBatch()
	if t.DedupeKey != "" {
		dk := key(dedupePrefix, t.DedupeKey)
		if _, taken, err := get(s.db, dk); err != nil {
			_ = b.Close()
			return err
		} else if taken {
			_ = b.Close()
			return fmt.Errorf("%w: %q", domain.ErrDuplicateDedupeKey, t.DedupeKey)
		}
		if err := b.Set(dk, []byte(t.ID.String()), nil); err != nil {
			_ = b.Close()
			return unavailable(err)
		}
	}
	if err := putTask(b, t); err != nil {
		_ = b.Close()
		return err
	}
	return s.commit(b)
}

// Get implements store.TaskStore.Get
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadTask(s.db, id)
}

// GetByDedupeKey implements store.TaskStore.GetByDedupeKey
func (s *Store) GetByDedupeKey(ctx context.Context, dedupeKey string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.db.NewSnapshot()
	defer func() { _ = snap.Close() }()

	v, ok, err := get(snap, key(dedupePrefix, dedupeKey))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: dedupe key %q", domain.ErrNotFound, dedupeKey)
	}
	id, err := uuid.ParseBytes(v)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt dedupe index for %q: %v", domain.ErrStorageUnavailable, dedupeKey, err)
	}
	return loadTask(snap, id)
}

// List implements store.TaskStore.List
func (s *Store) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.db.NewSnapshot()
	defer func() { _ = snap.Close() }()

	var tasks []*domain.Task
	err := scan(snap, taskPrefix, func(_, v []byte) error {
		t, err := decodeTask(v)
		if err != nil {
			return err
		}
		if filter.Status != "" && t.Status != filter.Status {
			return nil
		}
		if filter.Type != "" && t.Type != filter.Type {
			return nil
		}
		if filter.LockedBy != "" && t.LockedBy != filter.LockedBy {
			return nil
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return store.OrderCreatedAsc.Less(tasks[i], tasks[j])
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// ClaimNext implements store.TaskStore.ClaimNext
func (s *Store) ClaimNext(ctx context.Context, q store.ClaimQuery) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	window := q.Window
	if window < 1 {
		window = 1
	}
	candidates, err := s.eligible(q, window)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	idx := 0
	if q.Pick != nil {
		idx = q.Pick(candidates)
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
	}
	t := candidates[idx]
	if err := t.Lease(q.WorkerID, q.Now, q.LeaseUntil); err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	if err := putTask(b, t); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "task leased",
		"task_id", t.ID,
		"worker_id", q.WorkerID,
		"order", q.Order.String(),
		"lease_until", q.LeaseUntil)
	return t, nil
}

// Transition implements store.TaskStore.Transition
func (s *Store) Transition(ctx context.Context, id uuid.UUID, fn store.TransitionFn) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := loadTask(s.db, id)
	if err != nil {
		return nil, err
	}

	changed, err := fn(t)
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	if err := putTask(b, t); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return t, nil
}
