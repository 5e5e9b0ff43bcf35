package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

const workerColumns = `id, capabilities, registered_at, last_heartbeat`

func scanWorker(row rowScanner) (*domain.Worker, error) {
	var (
		w    domain.Worker
		caps []byte
	)
	if err := row.Scan(&w.ID, &caps, &w.RegisteredAt, &w.LastHeartbeat); err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &w.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities of worker %s: %w", w.ID, err)
		}
	}
	if len(w.Capabilities) == 0 {
		w.Capabilities = nil
	}
	w.RegisteredAt = w.RegisteredAt.UTC()
	w.LastHeartbeat = w.LastHeartbeat.UTC()
	return &w, nil
}

// UpsertWorker implements store.WorkerStore.UpsertWorker
func (s *Store) UpsertWorker(ctx context.Context, w *domain.Worker) (*domain.Worker, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	caps := w.Capabilities
	if caps == nil {
		caps = map[string]string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode capabilities: %v", domain.ErrInvalidWorker, err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workers (id, capabilities, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET capabilities = EXCLUDED.capabilities,
			last_heartbeat = GREATEST(workers.last_heartbeat, EXCLUDED.last_heartbeat)
		RETURNING `+workerColumns,
		w.ID, string(capsJSON), w.RegisteredAt, w.LastHeartbeat,
	)
	stored, err := scanWorker(row)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to upsert worker",
			"worker_id", w.ID,
			"error", err)
		return nil, MapError(err)
	}
	return stored, nil
}

// TouchWorker implements store.WorkerStore.TouchWorker
// Heartbeats never move last_heartbeat backwards.
func (s *Store) TouchWorker(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = GREATEST(last_heartbeat, $2) WHERE id = $1`,
		id, at)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(result, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, id))
}

// GetWorker implements store.WorkerStore.GetWorker
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, id)
		}
		return nil, MapError(err)
	}
	return w, nil
}

// ListWorkers implements store.WorkerStore.ListWorkers
func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]*domain.Worker, error) {
	var (
		conds []string
		args  []any
	)
	if !filter.HeartbeatBefore.IsZero() {
		args = append(args, filter.HeartbeatBefore)
		conds = append(conds, fmt.Sprintf("last_heartbeat < $%d", len(args)))
	}
	if !filter.HeartbeatSince.IsZero() {
		args = append(args, filter.HeartbeatSince)
		conds = append(conds, fmt.Sprintf("last_heartbeat >= $%d", len(args)))
	}

	query := `SELECT ` + workerColumns + ` FROM workers`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_heartbeat ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, MapError(fmt.Errorf("failed to scan worker row: %w", err))
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return workers, nil
}

// DeleteWorker implements store.WorkerStore.DeleteWorker
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(result, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, id))
}
