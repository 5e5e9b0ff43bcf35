package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskengine/internal/api/middleware"
	"github.com/phrazzld/taskengine/internal/api/shared"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthTimeout bounds the store ping behind /healthz.
const healthTimeout = 2 * time.Second

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the router serves.
type Dependencies struct {
	Engine   *task.Engine
	Registry *task.WorkerRegistry
	Metrics  *task.MetricsCollector
	Store    Pinger
	// Gatherer backs /metrics. Nil omits the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates the HTTP handler with all routes and middleware.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewTraceMiddleware(deps.Logger))

	taskHandler := NewTaskHandler(deps.Engine)
	workerHandler := NewWorkerHandler(deps.Registry)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", taskHandler.Enqueue)
		r.Get("/tasks", taskHandler.List)
		r.Get("/tasks/{id}", taskHandler.Get)
		r.Post("/tasks/{id}/cancel", taskHandler.Cancel)
		r.Post("/tasks/{id}/complete", taskHandler.Complete)
		r.Post("/tasks/{id}/fail", taskHandler.Fail)
		r.Post("/tasks/{id}/renew", taskHandler.Renew)
		r.Post("/claim", taskHandler.Claim)

		r.Post("/workers/register", workerHandler.Register)
		r.Post("/workers/heartbeat", workerHandler.Heartbeat)
		r.Get("/workers/stale", workerHandler.Stale)
		r.Get("/workers/active", workerHandler.Active)
		r.Get("/workers/{id}", workerHandler.Get)
		r.Delete("/workers/{id}", workerHandler.Remove)

		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			snap, err := deps.Metrics.Snapshot(r.Context())
			if err != nil {
				HandleAPIError(w, r, err)
				return
			}
			shared.RespondWithJSON(w, r, http.StatusOK, snap)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := deps.Store.Ping(ctx); err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "store unreachable", err)
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
