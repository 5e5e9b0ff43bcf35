package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/platform/postgres"
	"github.com/stretchr/testify/assert"
)

// Mock PgError creation helper
func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		SchemaName:     "public",
		TableName:      "tasks",
		ColumnName:     "type",
		ConstraintName: "test_constraint",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"no rows", sql.ErrNoRows, domain.ErrNotFound},
		{"unique violation", newPgError("23505"), domain.ErrDuplicateDedupeKey},
		{"check violation", newPgError("23514"), domain.ErrInvalidTask},
		{"not null violation", newPgError("23502"), domain.ErrInvalidTask},
		{"serialization failure", newPgError("40001"), domain.ErrStorageContention},
		{"deadlock", newPgError("40P01"), domain.ErrStorageContention},
		{"lock not available", newPgError("55P03"), domain.ErrStorageContention},
		{"connection failure", newPgError("08006"), domain.ErrStorageUnavailable},
		{"plain error", errors.New("connection reset by peer"), domain.ErrStorageUnavailable},
		{"context canceled", fmt.Errorf("query: %w", context.Canceled), context.Canceled},
		{"already classified", fmt.Errorf("wrapped: %w", domain.ErrLeaseExpiredOrNotOwned), domain.ErrLeaseExpiredOrNotOwned},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mapped := postgres.MapError(tc.err)
			assert.ErrorIs(t, mapped, tc.expected)
		})
	}

	assert.NoError(t, postgres.MapError(nil))
}

func TestMapError_ContextNotWrappedAsUnavailable(t *testing.T) {
	t.Parallel()

	err := postgres.MapError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsUniqueViolation(newPgError("23505")))
	assert.True(t, postgres.IsUniqueViolation(fmt.Errorf("insert: %w", newPgError("23505"))))
	assert.False(t, postgres.IsUniqueViolation(newPgError("23503")))
	assert.False(t, postgres.IsUniqueViolation(errors.New("duplicate")))
	assert.False(t, postgres.IsUniqueViolation(nil))
}

func TestIsContention(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsContention(newPgError("40001")))
	assert.True(t, postgres.IsContention(newPgError("40P01")))
	assert.True(t, postgres.IsContention(newPgError("55P03")))
	assert.False(t, postgres.IsContention(newPgError("23505")))
	assert.False(t, postgres.IsContention(errors.New("timeout")))
}
