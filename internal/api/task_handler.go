package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/taskengine/internal/api/shared"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
	"github.com/phrazzld/taskengine/internal/task"
)

// maxListLimit caps GET /v1/tasks.
const maxListLimit = 1000

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	engine *task.Engine
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(engine *task.Engine) *TaskHandler {
	return &TaskHandler{engine: engine}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// decode parses and validates a JSON body, writing the error response on
// failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := shared.DecodeJSON(w, r, v); err != nil {
		HandleAPIError(w, r, badRequest("malformed JSON body: %v", err))
		return false
	}
	if err := shared.ValidateRequest(v); err != nil {
		HandleAPIError(w, r, err)
		return false
	}
	return true
}

// getPathUUID extracts a UUID from the URL path parameters.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	raw := chi.URLParam(r, paramName)
	if raw == "" {
		return uuid.Nil, badRequest("%s is required", paramName)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest("%s has invalid format", paramName)
	}
	return id, nil
}

func toRetryPolicy(req *RetryPolicyRequest) (*domain.RetryPolicy, error) {
	if req == nil {
		return nil, nil
	}
	initial, err := time.ParseDuration(req.InitialDelay)
	if err != nil {
		return nil, badRequest("retry.initial_delay: %v", err)
	}
	maxDelay, err := time.ParseDuration(req.MaxDelay)
	if err != nil {
		return nil, badRequest("retry.max_delay: %v", err)
	}
	p := &domain.RetryPolicy{
		InitialDelay: initial,
		Multiplier:   req.Multiplier,
		MaxDelay:     maxDelay,
		JitterFactor: req.JitterFactor,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Enqueue handles POST /v1/tasks. A new task yields 201, a deduplicated
// enqueue returning an existing task yields 200.
func (h *TaskHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decode(w, r, &req) {
		return
	}

	retry, err := toRetryPolicy(req.Retry)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	in := task.EnqueueRequest{
		Type:        req.Type,
		Payload:     []byte(req.Payload),
		Priority:    req.Priority,
		DedupeKey:   req.DedupeKey,
		MaxAttempts: req.MaxAttempts,
		Delay:       seconds(req.DelaySeconds),
		Retry:       retry,
	}
	if req.RunAfter != nil {
		in.RunAfter = *req.RunAfter
	}

	res, err := h.engine.Enqueue(r.Context(), in)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, EnqueueResponse{
		TaskID:   res.Task.ID,
		Existing: res.Existing,
		Task:     taskToResponse(res.Task),
	})
}

// Get handles GET /v1/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	t, err := h.engine.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// List handles GET /v1/tasks?status=&type=&worker=&limit=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Type:     q.Get("type"),
		LockedBy: q.Get("worker"),
		Limit:    100,
	}
	if s := q.Get("status"); s != "" {
		status, err := domain.ParseTaskStatus(s)
		if err != nil {
			HandleAPIError(w, r, err)
			return
		}
		filter.Status = status
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 || limit > maxListLimit {
			HandleAPIError(w, r, badRequest("limit must be between 1 and %d", maxListLimit))
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.engine.List(r.Context(), filter)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Cancel handles POST /v1/tasks/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// Claim handles POST /v1/claim. It answers 204 when no task is eligible.
func (h *TaskHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}

	strategy := h.engine.Config().DefaultStrategy
	if req.Strategy != "" {
		s, err := task.ParseStrategy(req.Strategy)
		if err != nil {
			HandleAPIError(w, r, err)
			return
		}
		strategy = s
	}

	t, err := h.engine.Claim(r.Context(), req.WorkerID, strategy, seconds(req.LeaseSeconds))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// Complete handles POST /v1/tasks/{id}/complete.
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.engine.Complete(r.Context(), id, req.WorkerID, []byte(req.Result))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// Fail handles POST /v1/tasks/{id}/fail.
func (h *TaskHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	var req FailRequest
	if !decode(w, r, &req) {
		return
	}
	retryable := req.Retryable == nil || *req.Retryable

	t, err := h.engine.Fail(r.Context(), id, req.WorkerID, req.Error, retryable)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// Renew handles POST /v1/tasks/{id}/renew.
func (h *TaskHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	var req RenewRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.engine.RenewLease(r.Context(), id, req.WorkerID, seconds(req.ExtraSeconds))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}
