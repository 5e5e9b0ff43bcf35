package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

var (
	taskPrefix   = []byte("task/")
	dedupePrefix = []byte("dedupe/")
	fifoPrefix   = []byte("fifo/")
	prioPrefix   = []byte("prio/")
	workerPrefix = []byte("worker/")

	// legacyOpenPrefix held an unordered set of open task ids before the
	// ordered indexes existed. Open rebuilds from it once.
	legacyOpenPrefix = []byte("open/")
	indexVersionKey  = []byte("meta/index_version")
)

const indexVersion = "2"

// Options configures the Pebble store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// NoSync skips the WAL fsync on commit. Only suitable for tests.
	NoSync bool
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Logger receives store diagnostics. If nil, the default logger is used.
	Logger *slog.Logger
}

// Store implements store.Store on Pebble.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

// Ensure Store implements store.Store interface
var _ store.Store = (*Store)(nil)

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble at %s: %v", domain.ErrStorageUnavailable, opts.DataDir, err)
	}

	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}

	s := &Store{
		db:        db,
		writeOpts: writeOpts,
		logger:    l.With(slog.String("component", "pebble_store")),
	}
	if err := s.ensureIndexes(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping implements store.Store. Pebble is in-process, so this only checks
// that the database has not been closed.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	return snap.Close()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(prefix []byte, id string) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id...)
}

// prefixBounds returns iterator options covering every key with prefix.
func prefixBounds(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixSuccessor(prefix)}
}

// prefixSuccessor returns the smallest key greater than every key starting
// with prefix, or nil when no such key exists (prefix is all 0xFF).
func prefixSuccessor(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// get copies the value at k out of r. The bool is false when k is absent.
func get(r pebble.Reader, k []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, unavailable(err)
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), val...), true, nil
}

// scan calls fn with every key/value pair under prefix. Values are only
// valid for the duration of the call.
func scan(r pebble.Reader, prefix []byte, fn func(k, v []byte) error) error {
	iter, err := r.NewIter(prefixBounds(prefix))
	if err != nil {
		return unavailable(err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return unavailable(err)
	}
	if err := iter.Close(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

// commit writes b with the configured durability and releases it.
func (s *Store) commit(b *pebble.Batch) error {
	defer func() { _ = b.Close() }()
	if err := b.Commit(s.writeOpts); err != nil {
		return unavailable(err)
	}
	return nil
}
