package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

// statsTxOptions gives every aggregate the same snapshot. Plain reads take no
// row locks, so a running claim is never blocked by a metrics scrape.
var statsTxOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// Stats implements store.StatsStore.Stats
func (s *Store) Stats(ctx context.Context, now, staleBefore time.Time) (*store.Stats, error) {
	stats := &store.Stats{Depth: []store.DepthRow{}}

	err := store.RunInTransaction(ctx, s.db, statsTxOptions, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT status, type, COUNT(*) FROM tasks GROUP BY status, type ORDER BY status, type`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				row    store.DepthRow
				status string
			)
			if err := rows.Scan(&status, &row.Type, &row.Count); err != nil {
				return fmt.Errorf("failed to scan depth row: %w", err)
			}
			row.Status = domain.TaskStatus(status)
			stats.Depth = append(stats.Depth, row)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var oldest sql.NullTime
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(run_after) FROM tasks WHERE status = 'queued' AND run_after <= $1`,
			now,
		).Scan(&oldest); err != nil {
			return err
		}
		if oldest.Valid {
			v := oldest.Time.UTC()
			stats.OldestEligibleAt = &v
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = 'leased' AND lease_until < $1`,
			now,
		).Scan(&stats.ExpiredLeases); err != nil {
			return err
		}

		return tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE last_heartbeat >= $1),
				COUNT(*) FILTER (WHERE last_heartbeat < $1)
			FROM workers`,
			staleBefore,
		).Scan(&stats.ActiveWorkers, &stats.StaleWorkers)
	})
	if err != nil {
		return nil, store.NewStoreError("stats", "aggregate", "failed to read queue statistics", MapError(err))
	}
	return stats, nil
}
