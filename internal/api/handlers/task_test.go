package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/taskqueue-go/internal/logger"
)

func init() {
	logger.Init("error", false)
}

func withTaskID(req *http.Request, taskID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("taskID", taskID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestTaskHandler_respondJSON(t *testing.T) {
	h := &TaskHandler{}

	w := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}

	h.respondJSON(w, http.StatusOK, data)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "hello", response["message"])
}

func TestTaskHandler_respondError(t *testing.T) {
	h := &TaskHandler{}

	w := httptest.NewRecorder()
	h.respondError(w, http.StatusBadRequest, "invalid input")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "Bad Request", response.Error)
	assert.Equal(t, "invalid input", response.Message)
}

func TestTaskHandler_Submit_InvalidJSON(t *testing.T) {
	h := &TaskHandler{}

	body := bytes.NewBufferString("not json")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues/emails/tasks", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.Submit(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "invalid request body", response.Message)
}

func TestTaskHandler_Get_MissingID(t *testing.T) {
	h := &TaskHandler{}

	req := withTaskID(httptest.NewRequest(http.MethodGet, "/api/v1/queues/emails/tasks/", nil), "")
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_Cancel_MissingID(t *testing.T) {
	h := &TaskHandler{}

	req := withTaskID(httptest.NewRequest(http.MethodDelete, "/api/v1/queues/emails/tasks/", nil), "")
	w := httptest.NewRecorder()

	h.Cancel(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_List_NoSpecInstalled(t *testing.T) {
	h := &TaskHandler{}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queues/emails/tasks", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestErrorResponse_Struct(t *testing.T) {
	resp := ErrorResponse{
		Error:   "Not Found",
		Message: "Task not found",
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded ErrorResponse
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, resp.Error, decoded.Error)
	assert.Equal(t, resp.Message, decoded.Message)
}
