//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/taskqueue-go/internal/queueworker"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
	"github.com/brightloop/taskqueue-go/internal/worker"
)

func TestExecutor_ProcessingFunc_ResolvesOnSuccess(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	tasksRef := client.Ref("tasks_executor_success")
	taskRef, err := tasksRef.Push(ctx)
	require.NoError(t, err)
	require.NoError(t, taskRef.Set(ctx, taskqueue.Record{"type": "echo", "value": "hi"}))

	executor := worker.NewExecutor(nil)
	executor.RegisterHandler("echo", func(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
		return taskqueue.Record{"value": data["value"]}, nil
	})

	w, err := queueworker.New(client, tasksRef, "proc-1", queueworker.Options{}, executor.ProcessingFunc())
	require.NoError(t, err)
	defer w.Shutdown(ctx)

	finished := "done"
	w.SetTaskSpec(ctx, &taskqueue.TaskSpec{
		InProgressState: "in_progress",
		FinishedState:   &finished,
		ErrorState:      "error",
	})

	require.Eventually(t, func() bool {
		v, err := taskRef.Get(ctx)
		if err != nil || v == nil {
			return false
		}
		m, ok := v.(map[string]interface{})
		return ok && m["_state"] == "done" && m["value"] == "hi"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestExecutor_ProcessingFunc_RejectsOnHandlerNotFound(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	tasksRef := client.Ref("tasks_executor_missing")
	taskRef, err := tasksRef.Push(ctx)
	require.NoError(t, err)
	require.NoError(t, taskRef.Set(ctx, taskqueue.Record{"type": "unregistered"}))

	executor := worker.NewExecutor(nil)

	w, err := queueworker.New(client, tasksRef, "proc-1", queueworker.Options{}, executor.ProcessingFunc())
	require.NoError(t, err)
	defer w.Shutdown(ctx)

	w.SetTaskSpec(ctx, &taskqueue.TaskSpec{
		InProgressState: "in_progress",
		ErrorState:      "error",
		Retries:         0,
	})

	require.Eventually(t, func() bool {
		v, err := taskRef.Get(ctx)
		if err != nil || v == nil {
			return false
		}
		m, ok := v.(map[string]interface{})
		return ok && m["_state"] == "error"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestExecutor_ProcessingFunc_RejectsOnHandlerError(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	tasksRef := client.Ref("tasks_executor_error")
	taskRef, err := tasksRef.Push(ctx)
	require.NoError(t, err)
	require.NoError(t, taskRef.Set(ctx, taskqueue.Record{"type": "boom"}))

	executor := worker.NewExecutor(nil)
	executor.RegisterHandler("boom", func(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
		return nil, errors.New("kaboom")
	})

	w, err := queueworker.New(client, tasksRef, "proc-1", queueworker.Options{}, executor.ProcessingFunc())
	require.NoError(t, err)
	defer w.Shutdown(ctx)

	w.SetTaskSpec(ctx, &taskqueue.TaskSpec{
		InProgressState: "in_progress",
		ErrorState:      "error",
		Retries:         0,
	})

	require.Eventually(t, func() bool {
		v, err := taskRef.Get(ctx)
		if err != nil || v == nil {
			return false
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return false
		}
		details, ok := m["_error_details"].(map[string]interface{})
		return ok && m["_state"] == "error" && details["error"] == "kaboom"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestExecutorErrors_AreDistinguishable(t *testing.T) {
	assert.NotEqual(t, worker.ErrHandlerNotFound, worker.ErrTaskTimeout)
}
