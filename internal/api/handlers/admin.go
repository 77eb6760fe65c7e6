package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
	"github.com/brightloop/taskqueue-go/internal/worker"
)

// AdminHandler serves operational endpoints over one or more queues:
// per-queue stats and error inspection, plus cluster-wide worker
// management. It talks to rtdb directly for queue state and to the
// underlying Redis client for worker liveness/pause bookkeeping, since
// both are shared across every queue a deployment hosts.
type AdminHandler struct {
	redis  *redis.Client
	queues map[string]QueueBinding
}

// NewAdminHandler creates a new admin handler over queues, keyed by
// queue name, and redisClient for worker liveness and pause state.
func NewAdminHandler(redisClient *redis.Client, queues map[string]QueueBinding) *AdminHandler {
	return &AdminHandler{redis: redisClient, queues: queues}
}

func (h *AdminHandler) binding(r *http.Request) (QueueBinding, bool) {
	name := chi.URLParam(r, "queue")
	b, ok := h.queues[name]
	return b, ok
}

// Stats handles GET /admin/queues/{queue}/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(r)
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown queue")
		return
	}

	eligible := b.TasksRef.OrderByChild("_state")
	if b.Spec.StartState == nil {
		eligible = eligible.IsNull()
	} else {
		eligible = eligible.EqualTo(*b.Spec.StartState)
	}

	eligibleCount, err := h.count(r, eligible)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to count eligible tasks")
		return
	}
	inProgressCount, err := h.count(r, b.TasksRef.OrderByChild("_state").EqualTo(b.Spec.InProgressState))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to count in-progress tasks")
		return
	}
	errorCount, err := h.count(r, b.TasksRef.OrderByChild("_state").EqualTo(b.Spec.ErrorState))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to count errored tasks")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":       chi.URLParam(r, "queue"),
		"eligible":    eligibleCount,
		"in_progress": inProgressCount,
		"error":       errorCount,
	})
}

func (h *AdminHandler) count(r *http.Request, q rtdb.Query) (int, error) {
	snapshots, err := q.Once(r.Context())
	if err != nil {
		return 0, err
	}
	return len(snapshots), nil
}

// Errors handles GET /admin/queues/{queue}/errors
func (h *AdminHandler) Errors(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(r)
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown queue")
		return
	}

	snapshots, err := taskqueue.ListErrored(r.Context(), b.TasksRef, b.Spec)
	if err != nil {
		logger.Error().Err(err).Str("queue", chi.URLParam(r, "queue")).Msg("failed to list errored tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to list errored tasks")
		return
	}

	out := make([]map[string]interface{}, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, map[string]interface{}{"id": s.Key, "task": s.Value})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": out, "count": len(out)})
}

// RequeueTask handles POST /admin/queues/{queue}/errors/{taskID}/requeue
func (h *AdminHandler) RequeueTask(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(r)
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown queue")
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	requeued, err := taskqueue.Requeue(r.Context(), b.TasksRef, taskID, b.Spec)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to requeue task")
		h.respondError(w, http.StatusInternalServerError, "failed to requeue task")
		return
	}
	if !requeued {
		h.respondError(w, http.StatusConflict, "task is not currently in the error state")
		return
	}

	logger.Info().Str("task_id", taskID).Msg("task requeued")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "task requeued", "task_id": taskID})
}

// RequeueAllErrors handles POST /admin/queues/{queue}/errors/requeue
func (h *AdminHandler) RequeueAllErrors(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(r)
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown queue")
		return
	}

	count, err := taskqueue.RequeueAll(r.Context(), b.TasksRef, b.Spec)
	if err != nil {
		logger.Error().Err(err).Msg("failed to requeue all errored tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to requeue errored tasks")
		return
	}

	logger.Info().Int("count", count).Msg("errored tasks requeued")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "tasks requeued", "requeued_count": count})
}

// ListWorkers handles GET /admin/workers
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := worker.GetActiveWorkers(r.Context(), h.redis)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get active workers")
		h.respondError(w, http.StatusInternalServerError, "failed to get workers")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker handles GET /admin/workers/{workerID}
func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	workers, err := worker.GetActiveWorkers(r.Context(), h.redis)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get worker details")
		return
	}
	for _, wk := range workers {
		if wk.ID == workerID {
			h.respondJSON(w, http.StatusOK, wk)
			return
		}
	}
	h.respondError(w, http.StatusNotFound, "worker not found or not active")
}

// PauseWorker handles POST /admin/workers/{workerID}/pause
func (h *AdminHandler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	alive, err := worker.IsWorkerAlive(r.Context(), h.redis, workerID)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to check worker status")
		h.respondError(w, http.StatusInternalServerError, "failed to check worker status")
		return
	}
	if !alive {
		h.respondError(w, http.StatusNotFound, "worker not found or not active")
		return
	}

	if err := worker.PauseWorker(r.Context(), h.redis, workerID); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to pause worker")
		h.respondError(w, http.StatusInternalServerError, "failed to pause worker")
		return
	}

	logger.Info().Str("worker_id", workerID).Msg("worker paused")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "worker paused", "worker_id": workerID})
}

// ResumeWorker handles POST /admin/workers/{workerID}/resume
func (h *AdminHandler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	alive, err := worker.IsWorkerAlive(r.Context(), h.redis, workerID)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to check worker status")
		h.respondError(w, http.StatusInternalServerError, "failed to check worker status")
		return
	}
	if !alive {
		h.respondError(w, http.StatusNotFound, "worker not found or not active")
		return
	}

	if err := worker.ResumeWorker(r.Context(), h.redis, workerID); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to resume worker")
		h.respondError(w, http.StatusInternalServerError, "failed to resume worker")
		return
	}

	logger.Info().Str("worker_id", workerID).Msg("worker resumed")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "worker resumed", "worker_id": workerID})
}

// HealthCheck handles GET /admin/health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Ping(r.Context()).Err(); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"redis":  "connected",
	})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
