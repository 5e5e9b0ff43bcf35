package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/domain"
)

// RetryPolicyRequest overrides the retry backoff of one task. Durations are
// Go duration strings ("1s", "5m").
type RetryPolicyRequest struct {
	InitialDelay string  `json:"initial_delay" validate:"required"`
	Multiplier   float64 `json:"multiplier"    validate:"gte=1"`
	MaxDelay     string  `json:"max_delay"     validate:"required"`
	JitterFactor float64 `json:"jitter_factor" validate:"gte=0,lt=1"`
}

// EnqueueRequest is the body of POST /v1/tasks.
type EnqueueRequest struct {
	Type         string              `json:"type"          validate:"required,max=255"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	Priority     *int                `json:"priority,omitempty" validate:"omitempty,gte=0"`
	DedupeKey    string              `json:"dedupe_key,omitempty" validate:"max=255"`
	MaxAttempts  int                 `json:"max_attempts,omitempty" validate:"gte=0"`
	DelaySeconds float64             `json:"delay_seconds,omitempty" validate:"gte=0"`
	RunAfter     *time.Time          `json:"run_after,omitempty"`
	Retry        *RetryPolicyRequest `json:"retry,omitempty"`
}

// EnqueueResponse is returned by POST /v1/tasks.
type EnqueueResponse struct {
	TaskID   uuid.UUID    `json:"task_id"`
	Existing bool         `json:"existing"`
	Task     TaskResponse `json:"task"`
}

// ClaimRequest is the body of POST /v1/claim.
type ClaimRequest struct {
	WorkerID     string  `json:"worker_id"     validate:"required,max=255"`
	Strategy     string  `json:"strategy,omitempty"`
	LeaseSeconds float64 `json:"lease_seconds,omitempty" validate:"gte=0"`
}

// CompleteRequest is the body of POST /v1/tasks/{id}/complete.
type CompleteRequest struct {
	WorkerID string          `json:"worker_id" validate:"required"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// FailRequest is the body of POST /v1/tasks/{id}/fail. Retryable defaults to
// true when omitted.
type FailRequest struct {
	WorkerID  string `json:"worker_id" validate:"required"`
	Error     string `json:"error"     validate:"required"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// RenewRequest is the body of POST /v1/tasks/{id}/renew.
type RenewRequest struct {
	WorkerID     string  `json:"worker_id"     validate:"required"`
	ExtraSeconds float64 `json:"extra_seconds,omitempty" validate:"gte=0"`
}

// CancelRequest is the optional body of POST /v1/tasks/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

// RegisterWorkerRequest is the body of POST /v1/workers/register.
type RegisterWorkerRequest struct {
	WorkerID     string            `json:"worker_id"    validate:"required,max=255"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// HeartbeatRequest is the body of POST /v1/workers/heartbeat.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// TaskResponse is the wire form of a task. Payload and result are returned as
// raw JSON when they hold valid JSON and as a JSON string otherwise.
type TaskResponse struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LeaseUntil   *time.Time      `json:"lease_until,omitempty"`
	RunAfter     time.Time       `json:"run_after"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Cancelled    bool            `json:"cancelled,omitempty"`
}

// TaskListResponse is returned by GET /v1/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// WorkerResponse is the wire form of a worker.
type WorkerResponse struct {
	WorkerID      string            `json:"worker_id"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// WorkerListResponse is returned by the worker listing endpoints.
type WorkerListResponse struct {
	ThresholdSeconds float64          `json:"threshold_seconds"`
	Workers          []WorkerResponse `json:"workers"`
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Type:         t.Type,
		Payload:      rawJSON(t.Payload),
		Priority:     t.Priority,
		DedupeKey:    t.DedupeKey,
		Status:       string(t.Status),
		Attempts:     t.Attempts,
		MaxAttempts:  t.MaxAttempts,
		Result:       rawJSON(t.Result),
		ErrorMessage: t.ErrorMessage,
		LockedBy:     t.LockedBy,
		LeaseUntil:   t.LeaseUntil,
		RunAfter:     t.RunAfter,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		FinishedAt:   t.FinishedAt,
		Cancelled:    t.IsCancelled(),
	}
}

func workerToResponse(w *domain.Worker) WorkerResponse {
	return WorkerResponse{
		WorkerID:      w.ID,
		Capabilities:  w.Capabilities,
		RegisteredAt:  w.RegisteredAt,
		LastHeartbeat: w.LastHeartbeat,
	}
}
