package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/taskengine/internal/api"
	"github.com/phrazzld/taskengine/internal/platform/logger"
	pebblestore "github.com/phrazzld/taskengine/internal/platform/pebble"
	"github.com/phrazzld/taskengine/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	engine  *task.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l, _ := logger.NewTestLogger(t)
	engine, err := task.NewEngine(s, task.DefaultConfig(), task.WithLogger(l))
	require.NoError(t, err)
	collector := task.NewMetricsCollector(s, 0)
	reg := prometheus.NewRegistry()
	_, err = task.NewPrometheusExporter(collector, reg, l)
	require.NoError(t, err)

	return &testServer{
		engine: engine,
		handler: api.NewRouter(api.Dependencies{
			Engine:   engine,
			Registry: task.NewWorkerRegistry(s, 0),
			Metrics:  collector,
			Store:    s,
			Gatherer: reg,
			Logger:   l,
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"type":       "email.send",
		"payload":    map[string]string{"to": "a@example.com"},
		"priority":   5,
		"dedupe_key": "welcome-42",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[api.EnqueueResponse](t, rec)
	assert.False(t, created.Existing)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(created.Task.Payload))

	rec = srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "email.send", "dedupe_key": "welcome-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[api.EnqueueResponse](t, rec)
	assert.True(t, again.Existing)
	assert.Equal(t, created.TaskID, again.TaskID)

	rec = srv.do(t, http.MethodPost, "/v1/claim", map[string]any{"worker_id": "w1", "strategy": "priority", "lease_seconds": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claimed := decodeBody[api.TaskResponse](t, rec)
	assert.Equal(t, created.TaskID, claimed.ID)
	assert.Equal(t, "leased", claimed.Status)

	rec = srv.do(t, http.MethodPost, "/v1/claim", map[string]any{"worker_id": "w2"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	path := "/v1/tasks/" + created.TaskID.String()
	rec = srv.do(t, http.MethodPost, path+"/renew", map[string]any{"worker_id": "w1", "extra_seconds": 30})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, path+"/complete", map[string]any{"worker_id": "w2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodPost, path+"/complete", map[string]any{"worker_id": "w1", "result": map[string]bool{"sent": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeBody[api.TaskResponse](t, rec)
	assert.Equal(t, "completed", done.Status)
	assert.JSONEq(t, `{"sent":true}`, string(done.Result))

	rec = srv.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody[api.TaskResponse](t, rec).Status)

	rec = srv.do(t, http.MethodGet, "/v1/tasks?status=completed&type=email.send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[api.TaskListResponse](t, rec).Tasks, 1)
}

func TestFailAndCancelOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "job"})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decodeBody[api.EnqueueResponse](t, rec)

	rec = srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "job", "delay_seconds": 3600})
	require.Equal(t, http.StatusCreated, rec.Code)
	delayed := decodeBody[api.EnqueueResponse](t, rec)

	rec = srv.do(t, http.MethodPost, "/v1/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/v1/tasks/"+first.TaskID.String()+"/fail",
		map[string]any{"worker_id": "w1", "error": "bad input", "retryable": false})
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeBody[api.TaskResponse](t, rec)
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "bad input", failed.ErrorMessage)

	rec = srv.do(t, http.MethodPost, "/v1/tasks/"+first.TaskID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodPost, "/v1/tasks/"+delayed.TaskID.String()+"/cancel", map[string]string{"reason": "obsolete"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[api.TaskResponse](t, rec)
	assert.Equal(t, "cancelled: obsolete", body.ErrorMessage)
	assert.True(t, body.Cancelled)
}

func TestRequestErrors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing type", http.MethodPost, "/v1/tasks", map[string]any{}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/tasks", map[string]any{"type": "x", "colour": "red"}, http.StatusBadRequest},
		{"negative priority", http.MethodPost, "/v1/tasks", map[string]any{"type": "x", "priority": -1}, http.StatusBadRequest},
		{"bad retry duration", http.MethodPost, "/v1/tasks", map[string]any{
			"type":  "x",
			"retry": map[string]any{"initial_delay": "soon", "multiplier": 2, "max_delay": "1m"},
		}, http.StatusBadRequest},
		{"unknown strategy", http.MethodPost, "/v1/claim", map[string]any{"worker_id": "w", "strategy": "random"}, http.StatusBadRequest},
		{"missing worker", http.MethodPost, "/v1/claim", map[string]any{}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/v1/tasks/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/v1/tasks/0190a9a0-0000-7000-8000-000000000000", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/tasks?status=running", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/tasks?limit=0", nil, http.StatusBadRequest},
		{"unknown worker heartbeat", http.MethodPost, "/v1/workers/heartbeat", map[string]any{"worker_id": "ghost"}, http.StatusNotFound},
		{"bad threshold", http.MethodGet, "/v1/workers/stale?threshold_seconds=-5", nil, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			resp := decodeBody[map[string]any](t, rec)
			assert.NotEmpty(t, resp["error"])
			assert.NotEmpty(t, resp["trace_id"])
		})
	}
}

func TestWorkersOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/workers/register",
		map[string]any{"worker_id": "w1", "capabilities": map[string]string{"zone": "a"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decodeBody[api.WorkerResponse](t, rec).Capabilities["zone"])

	rec = srv.do(t, http.MethodPost, "/v1/workers/heartbeat", map[string]any{"worker_id": "w1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodGet, "/v1/workers/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeBody[api.WorkerListResponse](t, rec)
	assert.Equal(t, task.DefaultStaleThreshold.Seconds(), active.ThresholdSeconds)
	assert.Len(t, active.Workers, 1)

	// sleep past a tiny threshold so the worker reads as stale
	time.Sleep(20 * time.Millisecond)
	rec = srv.do(t, http.MethodGet, "/v1/workers/stale?threshold_seconds=0.01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[api.WorkerListResponse](t, rec).Workers, 1)

	rec = srv.do(t, http.MethodGet, "/v1/workers/w1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodDelete, "/v1/workers/w1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = srv.do(t, http.MethodDelete, "/v1/workers/w1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.engine.Enqueue(context.Background(), task.EnqueueRequest{Type: "job"})
	require.NoError(t, err)

	rec := srv.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[task.Snapshot](t, rec)
	assert.Equal(t, int64(1), snap.Queued)

	rec = srv.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `taskengine_tasks{status="queued",type="job"} 1`), rec.Body.String())
}
