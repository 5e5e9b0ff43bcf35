package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxWorkerIDLength bounds Worker.ID.
const MaxWorkerIDLength = 255

// Worker is a registered consumer of tasks. The registry is observational:
// a worker's presence or absence never affects the leases it holds.
type Worker struct {
	ID            string            `json:"worker_id"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// NewWorker creates a worker record registered at now.
func NewWorker(id string, capabilities map[string]string, now time.Time) (*Worker, error) {
	now = now.UTC()
	w := &Worker{
		ID:            id,
		Capabilities:  capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate checks field-level invariants.
func (w *Worker) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("%w: worker id cannot be empty", ErrInvalidWorker)
	}
	if len(w.ID) > MaxWorkerIDLength {
		return fmt.Errorf("%w: worker id exceeds %d characters", ErrInvalidWorker, MaxWorkerIDLength)
	}
	return nil
}

// IsStale reports whether the last heartbeat is more than threshold ago.
func (w *Worker) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > threshold
}
