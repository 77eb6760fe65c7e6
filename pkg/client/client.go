package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TaskQueueClient is a thin HTTP client over one task queue's REST surface
// plus its WebSocket event stream.
type TaskQueueClient struct {
	baseURL string
	opts    *options
	ws      *WebSocketClient
}

// New creates a new TaskQueueClient against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*TaskQueueClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &TaskQueueClient{baseURL: baseURL, opts: o}, nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time events.
func (c *TaskQueueClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events. Must call
// ConnectWebSocket first.
func (c *TaskQueueClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *TaskQueueClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types.
func (c *TaskQueueClient) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}

// TaskResponse is the JSON shape of a single stored task record.
type TaskResponse struct {
	ID   string                 `json:"id"`
	Task map[string]interface{} `json:"task"`
}

// SubmitTask submits a new task record to queue and returns its id.
func (c *TaskQueueClient) SubmitTask(ctx context.Context, queue string, payload map[string]interface{}) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.taskPath(queue, ""), payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetTask retrieves a task by id.
func (c *TaskQueueClient) GetTask(ctx context.Context, queue, taskID string) (*TaskResponse, error) {
	var out TaskResponse
	if err := c.do(ctx, http.MethodGet, c.taskPath(queue, taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask cancels an unclaimed task. It returns an error if the task is
// already owned by a worker.
func (c *TaskQueueClient) CancelTask(ctx context.Context, queue, taskID string) error {
	return c.do(ctx, http.MethodDelete, c.taskPath(queue, taskID), nil, nil)
}

// ListTasksResponse is the JSON shape returned by ListTasks.
type ListTasksResponse struct {
	Stage string                   `json:"stage"`
	Tasks []map[string]interface{} `json:"tasks"`
}

// ListTasks lists tasks in queue at the given pipeline stage
// ("eligible", "in_progress", or "error"; empty means "eligible").
func (c *TaskQueueClient) ListTasks(ctx context.Context, queue, stage string) (*ListTasksResponse, error) {
	path := c.taskPath(queue, "")
	if stage != "" {
		path += "?stage=" + url.QueryEscape(stage)
	}
	var out ListTasksResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueStats is the JSON shape returned by GetQueueStats.
type QueueStats struct {
	Queue      string `json:"queue"`
	Eligible   int    `json:"eligible"`
	InProgress int    `json:"in_progress"`
	Errored    int    `json:"error"`
}

// GetQueueStats returns the current depth of each pipeline stage for queue.
func (c *TaskQueueClient) GetQueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	var out QueueStats
	if err := c.do(ctx, http.MethodGet, "/admin/queues/"+url.PathEscape(queue)+"/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ErroredTasksResponse is the JSON shape returned by ListErroredTasks.
type ErroredTasksResponse struct {
	Tasks []map[string]interface{} `json:"tasks"`
}

// ListErroredTasks returns the tasks currently parked in queue's error state.
func (c *TaskQueueClient) ListErroredTasks(ctx context.Context, queue string) (*ErroredTasksResponse, error) {
	var out ErroredTasksResponse
	if err := c.do(ctx, http.MethodGet, "/admin/queues/"+url.PathEscape(queue)+"/errors", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequeueTask moves a single errored task back to queue's start state.
func (c *TaskQueueClient) RequeueTask(ctx context.Context, queue, taskID string) error {
	path := "/admin/queues/" + url.PathEscape(queue) + "/errors/" + url.PathEscape(taskID) + "/requeue"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// WorkerInfo describes one registered QueueWorker process.
type WorkerInfo struct {
	ProcessID     string `json:"id"`
	Queue         string `json:"queue"`
	State         string `json:"state"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// ListWorkers returns all QueueWorker processes known to the cluster.
func (c *TaskQueueClient) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	var out struct {
		Workers []WorkerInfo `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/workers", nil, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// PauseWorker stops processID from claiming new tasks.
func (c *TaskQueueClient) PauseWorker(ctx context.Context, processID string) error {
	return c.do(ctx, http.MethodPost, "/admin/workers/"+url.PathEscape(processID)+"/pause", nil, nil)
}

// ResumeWorker re-enables processID to claim new tasks.
func (c *TaskQueueClient) ResumeWorker(ctx context.Context, processID string) error {
	return c.do(ctx, http.MethodPost, "/admin/workers/"+url.PathEscape(processID)+"/resume", nil, nil)
}

// HealthResponse is the JSON shape returned by CheckHealth.
type HealthResponse struct {
	Status string `json:"status"`
}

// CheckHealth checks the health of the API server.
func (c *TaskQueueClient) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/admin/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *TaskQueueClient) taskPath(queue, taskID string) string {
	base := "/api/v1/queues/" + url.PathEscape(queue) + "/tasks"
	if taskID == "" {
		return base
	}
	return base + "/" + url.PathEscape(taskID)
}

func (c *TaskQueueClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return err
	}

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, errBody.Message)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
