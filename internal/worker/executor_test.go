package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

func TestNewExecutor(t *testing.T) {
	executor := NewExecutor(nil)
	assert.NotNil(t, executor)
	assert.NotNil(t, executor.handlers)
	assert.Empty(t, executor.handlers)

	handlers := map[string]TaskHandler{
		"test": func(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
			return nil, nil
		},
	}
	executor = NewExecutor(handlers)
	assert.Len(t, executor.handlers, 1)
}

func TestExecutor_RegisterHandler(t *testing.T) {
	executor := NewExecutor(nil)

	executor.RegisterHandler("my-type", func(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
		return taskqueue.Record{"result": "ok"}, nil
	})

	assert.True(t, executor.HasHandler("my-type"))
	assert.False(t, executor.HasHandler("other-type"))
}

func TestExecutor_HandlerTypes(t *testing.T) {
	noop := func(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) { return nil, nil }
	handlers := map[string]TaskHandler{
		"email":   noop,
		"compute": noop,
		"notify":  noop,
	}

	executor := NewExecutor(handlers)
	types := executor.HandlerTypes()

	assert.Len(t, types, 3)
	assert.Contains(t, types, "email")
	assert.Contains(t, types, "compute")
	assert.Contains(t, types, "notify")
}

func TestExecutor_HasHandler(t *testing.T) {
	executor := NewExecutor(map[string]TaskHandler{
		"exists": func(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) { return nil, nil },
	})

	assert.True(t, executor.HasHandler("exists"))
	assert.False(t, executor.HasHandler("not-exists"))
}

func TestErrorDefinitions(t *testing.T) {
	assert.Equal(t, "handler not found for task type", ErrHandlerNotFound.Error())
	assert.Equal(t, "task execution timed out", ErrTaskTimeout.Error())
	assert.Equal(t, "task execution canceled", ErrTaskCanceled.Error())
}
