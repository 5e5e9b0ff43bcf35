package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/taskengine/internal/config"
	"github.com/phrazzld/taskengine/internal/store"
)

// pingTimeout bounds the connectivity check performed by Open.
const pingTimeout = 5 * time.Second

// Store implements store.Store on a PostgreSQL database. Claims rely on
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent claimants never block on
// each other's candidate rows.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure Store implements store.Store interface
var _ store.Store = (*Store)(nil)

// New wraps an open database handle. If logger is nil, the default logger is used.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "postgres_store")),
	}
}

// Open connects to the database described by cfg, applies pool settings and
// verifies connectivity.
func Open(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", MapError(err))
	}
	return db, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return MapError(s.db.PingContext(ctx))
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
