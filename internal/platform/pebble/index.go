package pebblestore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

// Open tasks are indexed twice, with keys that sort the way claims rank:
//
//	fifo/{created_ns}{id}             created_at, then id
//	prio/{priority}{created_ns}{id}   priority, then created_at, then id
//
// Every integer is big-endian so byte order matches numeric order. Both keys
// derive from fields that never change after insert, so a transition only
// rewrites the value. The value carries what eligibility needs, letting a
// claim skip leased and delayed tasks without decoding their records.

const (
	entryQueued byte = iota
	entryLeased
)

const entryLen = 1 + 8 + 8

// sortableNanos maps t onto a uint64 whose unsigned order matches time order.
func sortableNanos(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

func fifoKey(t *domain.Task) []byte {
	k := make([]byte, 0, len(fifoPrefix)+8+16)
	k = append(k, fifoPrefix...)
	k = binary.BigEndian.AppendUint64(k, sortableNanos(t.CreatedAt))
	return append(k, t.ID[:]...)
}

func prioKey(t *domain.Task) []byte {
	k := make([]byte, 0, len(prioPrefix)+8+8+16)
	k = append(k, prioPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(t.Priority))
	k = binary.BigEndian.AppendUint64(k, sortableNanos(t.CreatedAt))
	return append(k, t.ID[:]...)
}

func indexKeyID(k []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(k) < len(id) {
		return id, fmt.Errorf("%w: short index key %q", domain.ErrStorageUnavailable, k)
	}
	copy(id[:], k[len(k)-len(id):])
	return id, nil
}

func encodeEntry(t *domain.Task) []byte {
	v := make([]byte, 0, entryLen)
	if t.Status == domain.TaskStatusLeased {
		v = append(v, entryLeased)
	} else {
		v = append(v, entryQueued)
	}
	v = binary.BigEndian.AppendUint64(v, uint64(t.RunAfter.UnixNano()))
	var lease int64
	if t.LeaseUntil != nil {
		lease = t.LeaseUntil.UnixNano()
	}
	return binary.BigEndian.AppendUint64(v, uint64(lease))
}

// entryTask rebuilds the slice of a task that IsEligible looks at.
func entryTask(v []byte) (*domain.Task, error) {
	if len(v) != entryLen {
		return nil, fmt.Errorf("%w: corrupt index entry of %d bytes", domain.ErrStorageUnavailable, len(v))
	}
	t := &domain.Task{
		Status:   domain.TaskStatusQueued,
		RunAfter: time.Unix(0, int64(binary.BigEndian.Uint64(v[1:9]))),
	}
	if v[0] == entryLeased {
		t.Status = domain.TaskStatusLeased
		lease := time.Unix(0, int64(binary.BigEndian.Uint64(v[9:17])))
		t.LeaseUntil = &lease
	}
	return t, nil
}

// stageIndexes keeps both open indexes in step with t's status.
func stageIndexes(b *pebble.Batch, t *domain.Task) error {
	keys := [][]byte{fifoKey(t), prioKey(t)}
	if t.Status.IsTerminal() {
		for _, k := range keys {
			if err := b.Delete(k, nil); err != nil {
				return unavailable(err)
			}
		}
		return nil
	}
	v := encodeEntry(t)
	for _, k := range keys {
		if err := b.Set(k, v, nil); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

// eligible returns up to limit open tasks a claim at q.Now may take, ranked
// by q.Order. A limit below 1 returns every eligible task. The walk stops as
// soon as limit tasks are found, so its cost tracks how many ineligible tasks
// rank ahead of them rather than the size of the open set.
func (s *Store) eligible(q store.ClaimQuery, limit int) ([]*domain.Task, error) {
	prefix := fifoPrefix
	if q.Order == store.OrderPriorityAsc {
		prefix = prioPrefix
	}
	reverse := q.Order == store.OrderCreatedDesc

	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, unavailable(err)
	}

	var candidates []*domain.Task
	valid := iter.First()
	if reverse {
		valid = iter.Last()
	}
	for ; valid; valid = step(iter, reverse) {
		if limit > 0 && len(candidates) >= limit {
			break
		}
		entry, err := entryTask(iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if !entry.IsEligible(q.Now) {
			continue
		}
		id, err := indexKeyID(iter.Key())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		t, err := loadTask(s.db, id)
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if t.IsEligible(q.Now) {
			candidates = append(candidates, t)
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, unavailable(err)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(err)
	}
	return candidates, nil
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

// ensureIndexes rebuilds the open indexes from the task records when the
// database predates them.
func (s *Store) ensureIndexes() error {
	v, ok, err := get(s.db, indexVersionKey)
	if err != nil {
		return err
	}
	if ok && string(v) == indexVersion {
		return nil
	}

	b := s.db.NewBatch()
	rebuilt := 0
	err = scan(s.db, taskPrefix, func(_, v []byte) error {
		t, err := decodeTask(v)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return nil
		}
		rebuilt++
		return stageIndexes(b, t)
	})
	if err != nil {
		_ = b.Close()
		return err
	}
	if err := b.DeleteRange(legacyOpenPrefix, prefixSuccessor(legacyOpenPrefix), nil); err != nil {
		_ = b.Close()
		return unavailable(err)
	}
	if err := b.Set(indexVersionKey, []byte(indexVersion), nil); err != nil {
		_ = b.Close()
		return unavailable(err)
	}
	if err := s.commit(b); err != nil {
		return err
	}
	if rebuilt > 0 {
		s.logger.Info("rebuilt open task indexes", "tasks", rebuilt)
	}
	return nil
}
