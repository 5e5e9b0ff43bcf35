package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskengine/internal/domain"
)

// PostgreSQL error codes
const (
	// uniqueViolationCode is the PostgreSQL error code for unique constraint violations
	uniqueViolationCode = "23505"

	// checkViolationCode is the PostgreSQL error code for check constraint violations
	checkViolationCode = "23514"

	// notNullViolationCode is the PostgreSQL error code for not null violations
	notNullViolationCode = "23502"

	// serializationFailureCode is raised when concurrent transactions conflict
	serializationFailureCode = "40001"

	// deadlockDetectedCode is raised when Postgres breaks a lock cycle
	deadlockDetectedCode = "40P01"

	// lockNotAvailableCode is raised by NOWAIT and lock_timeout
	lockNotAvailableCode = "55P03"
)

// MapError maps a database error to the engine's error taxonomy, keeping the
// original error in the chain for debugging. Context cancellation passes
// through unchanged so callers can tell a shutdown from an outage.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Already classified by an inner call.
	for _, known := range []error{
		domain.ErrNotFound,
		domain.ErrUnknownWorker,
		domain.ErrDuplicateDedupeKey,
		domain.ErrLeaseExpiredOrNotOwned,
		domain.ErrStorageContention,
		domain.ErrStorageUnavailable,
		domain.ErrInvalidTask,
		domain.ErrInvalidTransition,
		domain.ErrInvalidWorker,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: %v", domain.ErrDuplicateDedupeKey, err)
		case checkViolationCode:
			return fmt.Errorf(
				"%w: check constraint violation (%s): %v",
				domain.ErrInvalidTask,
				pgErr.ConstraintName,
				err,
			)
		case notNullViolationCode:
			return fmt.Errorf(
				"%w: not null violation (%s): %v",
				domain.ErrInvalidTask,
				pgErr.ColumnName,
				err,
			)
		}
	}
	if IsContention(err) {
		return fmt.Errorf("%w: %v", domain.ErrStorageContention, err)
	}

	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

// IsUniqueViolation checks if the given error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// IsContention reports whether err is a transient conflict between
// transactions that is safe to retry.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case serializationFailureCode, deadlockDetectedCode, lockNotAvailableCode:
		return true
	}
	return false
}

// checkRowsAffected returns notFound when an UPDATE or DELETE touched no row.
func checkRowsAffected(result sql.Result, notFound error) error {
	if result == nil {
		return fmt.Errorf("nil result provided to checkRowsAffected")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
