//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/taskqueue-go/internal/api"
	"github.com/brightloop/taskqueue-go/internal/api/handlers"
	"github.com/brightloop/taskqueue-go/internal/config"
	"github.com/brightloop/taskqueue-go/internal/events"
	"github.com/brightloop/taskqueue-go/internal/queueworker"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

func testConfig() *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{
			Addr: "localhost:6379",
			DB:   15,
		},
		Server: config.ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func setupTestServer(t *testing.T) (*api.Server, handlers.QueueBinding, func()) {
	cfg := testConfig()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	require.NoError(t, rdb.Ping(context.Background()).Err())

	client := rtdb.NewClient(rdb)
	spec, ok := taskqueue.ParseTaskSpec(map[string]interface{}{
		"inProgressState": "in_progress",
		"finishedState":   "done",
	})
	require.True(t, ok)

	binding := handlers.QueueBinding{TasksRef: client.Ref("tasks/lifecycle"), Spec: spec}
	publisher := events.NewRedisPubSub(rdb)
	server := api.NewServer(cfg, rdb, map[string]handlers.QueueBinding{"lifecycle": binding}, publisher)

	cleanup := func() {
		ctx := context.Background()
		rdb.FlushDB(ctx)
		publisher.Close()
		rdb.Close()
	}

	return server, binding, cleanup
}

func TestTaskLifecycle_SubmitAndGet(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]interface{}{"key": "value"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues/lifecycle/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/queues/lifecycle/tasks/"+id, nil)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id, got["id"])
}

func TestTaskLifecycle_GetNotFound(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queues/lifecycle/tasks/nonexistent-id", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskLifecycle_CancelOnlyWhenUnowned(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]interface{}{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues/lifecycle/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"].(string)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/queues/lifecycle/tasks/"+id, nil)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/queues/lifecycle/tasks/"+id, nil)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskLifecycle_WorkerProcessesSubmittedTask(t *testing.T) {
	server, binding, cleanup := setupTestServer(t)
	defer cleanup()

	done := make(chan struct{})
	qw, err := queueworker.New(binding.TasksRef.Client(), binding.TasksRef, "lifecycle-test:0", queueworker.Options{}, func(ctx context.Context, data taskqueue.Record, h *queueworker.Handle) {
		h.Resolve(ctx, taskqueue.Record{"result": "done"})
		close(done)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qw.SetTaskSpec(ctx, binding.Spec)
	defer qw.Shutdown(context.Background())

	body, _ := json.Marshal(map[string]interface{}{"key": "value"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues/lifecycle/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"].(string)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processing function was never invoked")
	}

	v, err := binding.TasksRef.Child(id).Get(context.Background())
	require.NoError(t, err)
	record, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done", record["_state"])
	assert.Equal(t, "done", record["result"])
}

func TestAdminEndpoints_Health(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestAdminEndpoints_Stats(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/queues/lifecycle/stats", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "eligible")
	assert.Contains(t, resp, "in_progress")
	assert.Contains(t, resp, "error")
}

func TestAdminEndpoints_ListWorkers(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/workers", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "workers")
	assert.Contains(t, resp, "count")
}
