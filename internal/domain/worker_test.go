package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorker(t *testing.T) {
	t.Parallel()

	w, err := NewWorker("worker-1", map[string]string{"region": "eu"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow, w.RegisteredAt)
	assert.Equal(t, testNow, w.LastHeartbeat)

	_, err = NewWorker("", nil, testNow)
	assert.ErrorIs(t, err, ErrInvalidWorker)
}

func TestWorker_IsStaleBoundary(t *testing.T) {
	t.Parallel()

	threshold := 300 * time.Second

	stale := &Worker{ID: "a", LastHeartbeat: testNow.Add(-threshold - time.Second)}
	fresh := &Worker{ID: "b", LastHeartbeat: testNow.Add(-threshold + time.Second)}

	assert.True(t, stale.IsStale(testNow, threshold))
	assert.False(t, fresh.IsStale(testNow, threshold))
}
