package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("some error"), false},
		{"task not found", fmt.Errorf("get task: %w", domain.ErrNotFound), true},
		{"unknown worker", fmt.Errorf("touch: %w", domain.ErrUnknownWorker), true},
		{"store error wrapping not found", NewStoreError("task", "get", "missing", domain.ErrNotFound), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsNotFoundError(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("claim: %w", domain.ErrStorageContention)))
	assert.True(t, IsRetryable(fmt.Errorf("claim: %w", domain.ErrStorageUnavailable)))
	assert.False(t, IsRetryable(domain.ErrLeaseExpiredOrNotOwned))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, context.DeadlineExceeded)))
	assert.False(t, IsRetryable(nil))
}

func TestStoreError(t *testing.T) {
	inner := errors.New("disk full")
	err := NewStoreError("task", "insert", "write failed", inner)

	assert.Equal(t, "insert operation on task failed: write failed: disk full", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := NewStoreError("worker", "delete", "not permitted", nil)
	assert.Equal(t, "delete operation on worker failed: not permitted", bare.Error())
}
