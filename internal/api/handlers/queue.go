package handlers

import (
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

// QueueBinding names one configured queue's tasks location and the spec
// its worker pool was installed with, the shape both TaskHandler and
// AdminHandler need to operate on it.
type QueueBinding struct {
	TasksRef rtdb.Ref
	Spec     *taskqueue.TaskSpec
}
