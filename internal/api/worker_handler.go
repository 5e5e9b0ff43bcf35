package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskengine/internal/api/shared"
	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/task"
)

// WorkerHandler serves the worker registry endpoints.
type WorkerHandler struct {
	registry *task.WorkerRegistry
}

// NewWorkerHandler creates a WorkerHandler.
func NewWorkerHandler(registry *task.WorkerRegistry) *WorkerHandler {
	return &WorkerHandler{registry: registry}
}

// Register handles POST /v1/workers/register.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := h.registry.Register(r.Context(), req.WorkerID, req.Capabilities)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, workerToResponse(worker))
}

// Heartbeat handles POST /v1/workers/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.registry.Heartbeat(r.Context(), req.WorkerID); err != nil {
		HandleAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /v1/workers/{id}.
func (h *WorkerHandler) Get(w http.ResponseWriter, r *http.Request) {
	worker, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, workerToResponse(worker))
}

// Remove handles DELETE /v1/workers/{id}.
func (h *WorkerHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		HandleAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stale handles GET /v1/workers/stale?threshold_seconds=.
func (h *WorkerHandler) Stale(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.registry.StaleWorkers)
}

// Active handles GET /v1/workers/active?threshold_seconds=.
func (h *WorkerHandler) Active(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.registry.ActiveWorkers)
}

func (h *WorkerHandler) list(
	w http.ResponseWriter,
	r *http.Request,
	fetch func(ctx context.Context, threshold time.Duration) ([]*domain.Worker, error),
) {
	threshold := h.registry.StaleThreshold()
	if s := r.URL.Query().Get("threshold_seconds"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			HandleAPIError(w, r, badRequest("threshold_seconds must be a positive number"))
			return
		}
		threshold = seconds(v)
	}

	workers, err := fetch(r.Context(), threshold)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	resp := WorkerListResponse{
		ThresholdSeconds: threshold.Seconds(),
		Workers:          make([]WorkerResponse, 0, len(workers)),
	}
	for _, wk := range workers {
		resp.Workers = append(resp.Workers, workerToResponse(wk))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
