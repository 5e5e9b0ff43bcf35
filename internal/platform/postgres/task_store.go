package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

const taskColumns = `id, type, payload, priority, dedupe_key, status, attempts, max_attempts,
	retry_policy, result, error_message, locked_by, lease_until, run_after,
	created_at, updated_at, finished_at, cancelled`

// eligibleClause matches rows a claim at $1 may take: queued rows and rows
// whose lease has lapsed, in both cases only once run_after has passed.
const eligibleClause = `(status = 'queued' OR (status = 'leased' AND lease_until < $1))
	AND run_after <= $1`

const insertTaskQuery = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`

const updateTaskQuery = `
	UPDATE tasks
	SET status = $2, attempts = $3, result = $4, error_message = $5, locked_by = $6,
		lease_until = $7, run_after = $8, updated_at = $9, finished_at = $10,
		cancelled = $11
	WHERE id = $1
`

const leaseTaskQuery = `
	UPDATE tasks
	SET status = 'leased', locked_by = $2, lease_until = $3, updated_at = $1
	WHERE id = $4 AND ` + eligibleClause + `
	RETURNING ` + taskColumns

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t          domain.Task
		status     string
		dedupeKey  sql.NullString
		lockedBy   sql.NullString
		retry      []byte
		leaseUntil sql.NullTime
		finishedAt sql.NullTime
	)

	if err := row.Scan(
		&t.ID,
		&t.Type,
		&t.Payload,
		&t.Priority,
		&dedupeKey,
		&status,
		&t.Attempts,
		&t.MaxAttempts,
		&retry,
		&t.Result,
		&t.ErrorMessage,
		&lockedBy,
		&leaseUntil,
		&t.RunAfter,
		&t.CreatedAt,
		&t.UpdatedAt,
		&finishedAt,
		&t.Cancelled,
	); err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	t.DedupeKey = dedupeKey.String
	t.LockedBy = lockedBy.String
	t.RunAfter = t.RunAfter.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if leaseUntil.Valid {
		v := leaseUntil.Time.UTC()
		t.LeaseUntil = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time.UTC()
		t.FinishedAt = &v
	}
	if len(retry) > 0 {
		var p domain.RetryPolicy
		if err := json.Unmarshal(retry, &p); err != nil {
			return nil, fmt.Errorf("failed to decode retry policy of task %s: %w", t.ID, err)
		}
		t.Retry = &p
	}
	return &t, nil
}

// selectTask fetches the task matching where from q, which is either the pool
// or the current transaction.
func selectTask(ctx context.Context, q store.DBTX, where string, args ...any) (*domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...))
}

func scanTasks(rows *sql.Rows) ([]*domain.Task, error) {
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeRetry(p *domain.RetryPolicy) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode retry policy: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// orderClause renders o as an ORDER BY list. Ties always break on id so the
// order is total.
func orderClause(o store.Ordering) string {
	switch o {
	case store.OrderCreatedDesc:
		return "created_at DESC, id DESC"
	case store.OrderPriorityAsc:
		return "priority ASC, created_at ASC, id ASC"
	default:
		return "created_at ASC, id ASC"
	}
}

// Insert implements store.TaskStore.Insert
func (s *Store) Insert(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	retry, err := encodeRetry(t.Retry)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, insertTaskQuery,
		t.ID,
		t.Type,
		t.Payload,
		t.Priority,
		nullString(t.DedupeKey),
		string(t.Status),
		t.Attempts,
		t.MaxAttempts,
		retry,
		t.Result,
		t.ErrorMessage,
		nullString(t.LockedBy),
		nullTime(t.LeaseUntil),
		t.RunAfter,
		t.CreatedAt,
		t.UpdatedAt,
		nullTime(t.FinishedAt),
		t.Cancelled,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateDedupeKey, t.DedupeKey)
		}
		s.logger.ErrorContext(ctx, "failed to insert task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return MapError(err)
	}
	return nil
}

// Get implements store.TaskStore.Get
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, err := selectTask(ctx, s.db, "id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
		}
		return nil, MapError(err)
	}
	return t, nil
}

// GetByDedupeKey implements store.TaskStore.GetByDedupeKey
func (s *Store) GetByDedupeKey(ctx context.Context, key string) (*domain.Task, error) {
	t, err := selectTask(ctx, s.db, "dedupe_key = $1", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: dedupe key %q", domain.ErrNotFound, key)
		}
		return nil, MapError(err)
	}
	return t, nil
}

// List implements store.TaskStore.List
func (s *Store) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.LockedBy != "" {
		add("locked_by = $%d", filter.LockedBy)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, MapError(err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// ClaimNext implements store.TaskStore.ClaimNext
//
// Candidates are read and row-locked with FOR UPDATE SKIP LOCKED, so rows held
// by another in-flight claim are skipped rather than waited on. The guarded
// UPDATE re-checks eligibility; if it matches nothing the claim reports
// contention and the caller retries.
func (s *Store) ClaimNext(ctx context.Context, q store.ClaimQuery) (*domain.Task, error) {
	window := q.Window
	if window < 1 {
		window = 1
	}

	selectQuery := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + eligibleClause +
		` ORDER BY ` + orderClause(q.Order) + ` LIMIT $2 FOR UPDATE SKIP LOCKED`

	var claimed *domain.Task
	err := store.RunInTransaction(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectQuery, q.Now, window)
		if err != nil {
			return err
		}
		candidates, err := scanTasks(rows)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		idx := 0
		if q.Pick != nil {
			idx = q.Pick(candidates)
			if idx < 0 || idx >= len(candidates) {
				idx = 0
			}
		}
		chosen := candidates[idx]

		row := tx.QueryRowContext(ctx, leaseTaskQuery, q.Now, q.WorkerID, q.LeaseUntil, chosen.ID)
		t, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: task %s was claimed concurrently", domain.ErrStorageContention, chosen.ID)
			}
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, MapError(err)
	}

	if claimed != nil {
		s.logger.DebugContext(ctx, "task leased",
			"task_id", claimed.ID,
			"worker_id", q.WorkerID,
			"order", q.Order.String(),
			"lease_until", q.LeaseUntil)
	}
	return claimed, nil
}

// Transition implements store.TaskStore.Transition
func (s *Store) Transition(ctx context.Context, id uuid.UUID, fn store.TransitionFn) (*domain.Task, error) {
	var result *domain.Task
	err := store.RunInTransaction(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		t, err := selectTask(ctx, tx, "id = $1 FOR UPDATE", id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
			}
			return err
		}

		changed, err := fn(t)
		if err != nil {
			return err
		}
		result = t
		if !changed {
			return nil
		}
		if err := t.Validate(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, updateTaskQuery,
			t.ID,
			string(t.Status),
			t.Attempts,
			t.Result,
			t.ErrorMessage,
			nullString(t.LockedBy),
			nullTime(t.LeaseUntil),
			t.RunAfter,
			t.UpdatedAt,
			nullTime(t.FinishedAt),
			t.Cancelled,
		)
		return err
	})
	if err != nil {
		return nil, MapError(err)
	}
	return result, nil
}
