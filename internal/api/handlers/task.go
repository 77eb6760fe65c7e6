package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

// TaskHandler handles task-related HTTP requests against one tasks
// location, backed directly by rtdb rather than a separate queue store:
// submitting a task is simply pushing a new child record.
type TaskHandler struct {
	tasksRef rtdb.Ref
	spec     *taskqueue.TaskSpec
}

// NewTaskHandler creates a new task handler bound to tasksRef. spec is
// used only to answer List queries by pipeline stage; it is not
// required for Submit, Get, or Cancel.
func NewTaskHandler(tasksRef rtdb.Ref, spec *taskqueue.TaskSpec) *TaskHandler {
	return &TaskHandler{tasksRef: tasksRef, spec: spec}
}

// SubmitRequest is the body accepted by Submit: arbitrary user fields,
// merged verbatim into the new task record.
type SubmitRequest map[string]interface{}

// Submit handles POST /api/v1/queues/{queue}/tasks: it pushes a new task with no
// _state, making it immediately eligible for a worker whose spec names
// a nil startState.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ref, err := h.tasksRef.Push(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to allocate task id")
		h.respondError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}
	if err := ref.Set(r.Context(), taskqueue.Record(req)); err != nil {
		logger.Error().Err(err).Str("task_id", ref.Key()).Msg("failed to write task")
		h.respondError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	logger.Info().Str("task_id", ref.Key()).Msg("task submitted")
	h.respondJSON(w, http.StatusCreated, map[string]interface{}{"id": ref.Key()})
}

// Get handles GET /api/v1/queues/{queue}/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	v, err := h.tasksRef.Child(taskID).Get(r.Context())
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to get task")
		h.respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if v == nil {
		h.respondError(w, http.StatusNotFound, "task not found")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"id": taskID, "task": v})
}

// Cancel handles DELETE /api/v1/queues/{queue}/tasks/{taskID}. A task already claimed
// by a worker (_owner non-nil) cannot be cancelled out from under it;
// the caller should wait for it to finish or time out.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}
	ref := h.tasksRef.Child(taskID)

	_, ok, err := h.tasksRef.Client().Transaction(r.Context(), ref, func(current interface{}) (taskqueue.Record, error) {
		if current == nil {
			return nil, rtdb.ErrAbort
		}
		m, isMap := current.(map[string]interface{})
		if !isMap {
			return nil, rtdb.ErrAbort
		}
		if owner, _ := m["_owner"].(string); owner != "" {
			return nil, rtdb.ErrAbort
		}
		return nil, nil
	})
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to cancel task")
		h.respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !ok {
		h.respondError(w, http.StatusConflict, "task cannot be cancelled in its current state")
		return
	}

	logger.Info().Str("task_id", taskID).Msg("task cancelled")
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/v1/queues/{queue}/tasks?stage={eligible|in_progress|error}
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.spec == nil {
		h.respondError(w, http.StatusServiceUnavailable, "no task spec installed")
		return
	}

	stage := r.URL.Query().Get("stage")
	var q rtdb.Query
	switch stage {
	case "", "eligible":
		q = h.tasksRef.OrderByChild("_state")
		if h.spec.StartState == nil {
			q = q.IsNull()
		} else {
			q = q.EqualTo(*h.spec.StartState)
		}
	case "in_progress":
		q = h.tasksRef.OrderByChild("_state").EqualTo(h.spec.InProgressState)
	case "error":
		q = h.tasksRef.OrderByChild("_state").EqualTo(h.spec.ErrorState)
	default:
		h.respondError(w, http.StatusBadRequest, "unknown stage")
		return
	}

	snapshots, err := q.Once(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	out := make([]map[string]interface{}, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, map[string]interface{}{"id": s.Key, "task": s.Value})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"stage": stage, "tasks": out})
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
