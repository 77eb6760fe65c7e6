package worker

import (
	"context"
	"errors"
	"time"

	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/queueworker"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

// TaskHandler processes one claimed task record and returns the fields
// to merge into it on success.
type TaskHandler func(ctx context.Context, data taskqueue.Record) (result taskqueue.Record, err error)

// Executor dispatches claimed tasks to a TaskHandler by their "type"
// field, the way a single QueueWorker's processing function commonly
// serves several kinds of work over one tasks location.
type Executor struct {
	handlers  map[string]TaskHandler
	typeField string
}

// NewExecutor creates a new task executor. handlers may be nil or added
// to later via RegisterHandler.
func NewExecutor(handlers map[string]TaskHandler) *Executor {
	if handlers == nil {
		handlers = make(map[string]TaskHandler)
	}
	return &Executor{handlers: handlers, typeField: "type"}
}

// RegisterHandler registers a handler for a task type.
func (e *Executor) RegisterHandler(taskType string, handler TaskHandler) {
	e.handlers[taskType] = handler
}

// HasHandler checks if a handler exists for a task type.
func (e *Executor) HasHandler(taskType string) bool {
	_, ok := e.handlers[taskType]
	return ok
}

// HandlerTypes returns all registered handler types.
func (e *Executor) HandlerTypes() []string {
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	return types
}

// ProcessingFunc builds the queueworker.ProcessingFunc that dispatches
// each claimed task to its registered handler and resolves or rejects it
// accordingly. A synchronous panic inside a handler is recovered by the
// QueueWorker itself, not here.
func (e *Executor) ProcessingFunc() queueworker.ProcessingFunc {
	return func(ctx context.Context, data taskqueue.Record, h *queueworker.Handle) {
		taskType, _ := data[e.typeField].(string)
		handler, ok := e.handlers[taskType]
		if !ok {
			h.Reject(ctx, ErrHandlerNotFound)
			return
		}

		log := logger.WithComponent("executor")
		log.Debug().Str("type", taskType).Msg("executing task")

		start := time.Now()
		result, err := handler(ctx, data)
		duration := time.Since(start)

		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				log.Warn().Str("type", taskType).Dur("duration", duration).Msg("task timed out")
				h.Reject(ctx, ErrTaskTimeout)
			case errors.Is(err, context.Canceled):
				log.Warn().Str("type", taskType).Dur("duration", duration).Msg("task canceled")
				h.Reject(ctx, ErrTaskCanceled)
			default:
				log.Error().Err(err).Str("type", taskType).Dur("duration", duration).Msg("task failed")
				h.Reject(ctx, err)
			}
			return
		}

		log.Debug().Str("type", taskType).Dur("duration", duration).Msg("task executed successfully")
		h.Resolve(ctx, result)
	}
}

// Error definitions
var (
	ErrHandlerNotFound = errors.New("handler not found for task type")
	ErrTaskTimeout     = errors.New("task execution timed out")
	ErrTaskCanceled    = errors.New("task execution canceled")
)
