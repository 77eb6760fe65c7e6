package taskqueue

import (
	"context"

	"github.com/brightloop/taskqueue-go/internal/rtdb"
)

// ListErrored returns every task currently parked in spec's error state,
// in insertion order. It plays the role the source system's dead-letter
// queue played, but as a query over the same store tasks already live
// in rather than a second storage structure.
func ListErrored(ctx context.Context, tasksRef rtdb.Ref, spec *TaskSpec) ([]rtdb.Snapshot, error) {
	return tasksRef.OrderByChild("_state").EqualTo(spec.ErrorState).Once(ctx)
}

// Requeue moves one task out of spec's error state and back to
// startState for another attempt, clearing its recorded error details.
// It reports ok=false (with a nil error) if the task does not exist or
// is not currently in the error state — already requeued, or never
// errored.
func Requeue(ctx context.Context, tasksRef rtdb.Ref, taskID string, spec *TaskSpec) (bool, error) {
	ref := tasksRef.Child(taskID)
	_, ok, err := tasksRef.Client().Transaction(ctx, ref, func(current interface{}) (Record, error) {
		if current == nil {
			return nil, rtdb.ErrAbort
		}
		m, isMap := current.(Record)
		if !isMap || !statesEqual(stateOf(m), &spec.ErrorState) {
			return nil, rtdb.ErrAbort
		}
		out := cloneRecord(m)
		out["_state"] = startStateValue(spec.StartState)
		out["_state_changed"] = rtdb.ServerTimestamp
		out["_owner"] = nil
		out["_progress"] = nil
		out["_error_details"] = nil
		return out, nil
	})
	return ok, err
}

// RequeueAll requeues every task currently in spec's error state,
// skipping (rather than aborting on) any individual task that a
// concurrent writer already moved out from under it. It returns how
// many were actually requeued.
func RequeueAll(ctx context.Context, tasksRef rtdb.Ref, spec *TaskSpec) (int, error) {
	errored, err := ListErrored(ctx, tasksRef, spec)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, snap := range errored {
		ok, err := Requeue(ctx, tasksRef, snap.Key, spec)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}
