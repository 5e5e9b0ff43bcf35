package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/task"
)

// Built-in task types served by the work command.
const (
	TaskTypeEcho  = "echo"
	TaskTypeSleep = "sleep"
)

// sleepPayload is the payload of a sleep task.
type sleepPayload struct {
	Duration string `json:"duration"`
}

// registerBuiltinHandlers installs the handlers the work command serves.
func registerBuiltinHandlers(r *task.Runner) {
	r.HandleFunc(TaskTypeEcho, handleEcho)
	r.HandleFunc(TaskTypeSleep, handleSleep)
}

// handleEcho returns the payload as the task result.
func handleEcho(_ context.Context, t *domain.Task) ([]byte, error) {
	return t.Payload, nil
}

// handleSleep waits for the duration in the payload, or until ctx ends.
// A malformed payload is a permanent failure.
func handleSleep(ctx context.Context, t *domain.Task) ([]byte, error) {
	var p sleepPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Permanent(fmt.Errorf("invalid sleep payload: %w", err))
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil || d < 0 {
		return nil, task.Permanent(fmt.Errorf("invalid sleep duration %q", p.Duration))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return []byte(fmt.Sprintf(`{"slept":%q}`, d.String())), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
