package taskqueue

import (
	"time"

	"github.com/brightloop/taskqueue-go/internal/rtdb"
)

// TaskWorker is a pure, deterministic state-transition function over task
// records, scoped to one owner token and one TaskSpec. Every method
// produces an rtdb.TransactionFunc: a closure rtdb.Client.Transaction can
// invoke (possibly more than once, on contention) without any of them
// performing I/O themselves. Time-sensitive rules (resetIfTimedOut) take
// "now" as an explicit argument rather than reading a clock, keeping the
// functions total and side-effect free.
type TaskWorker struct {
	owner string
	spec  *TaskSpec
}

// NewTaskWorker builds a TaskWorker bound to owner and spec.
func NewTaskWorker(owner string, spec *TaskSpec) *TaskWorker {
	return &TaskWorker{owner: owner, spec: spec}
}

// Owner returns the worker's current owner token.
func (w *TaskWorker) Owner() string {
	return w.owner
}

// Spec returns the worker's bound TaskSpec.
func (w *TaskWorker) Spec() *TaskSpec {
	return w.spec
}

// CloneWithOwner returns a TaskWorker bound to the same spec under a
// fresh owner token, used once a QueueWorker moves to a new task number.
func (w *TaskWorker) CloneWithOwner(owner string) *TaskWorker {
	return &TaskWorker{owner: owner, spec: w.spec}
}

// HasTimeout reports whether the bound spec arms a reaper.
func (w *TaskWorker) HasTimeout() bool {
	return w.spec.hasTimeout()
}

// GetOwnerRef returns the ref a QueueWorker should watch to detect a
// change of ownership on the task it currently holds. Records are stored
// as one flat value per task rather than one child per field, so the
// owner is not independently addressable; watching taskRef itself is
// equivalent and is what this returns.
func (w *TaskWorker) GetOwnerRef(taskRef rtdb.Ref) rtdb.Ref {
	return taskRef
}

// GetNextFrom returns a query selecting the single earliest-inserted
// task eligible to be claimed under this worker's spec.
func (w *TaskWorker) GetNextFrom(tasksRef rtdb.Ref) rtdb.Query {
	q := tasksRef.OrderByChild("_state")
	if w.spec.StartState == nil {
		q = q.IsNull()
	} else {
		q = q.EqualTo(*w.spec.StartState)
	}
	return q.LimitToFirst(1)
}

// GetInProgressFrom returns a query over every task currently owned
// under this worker's spec, used to arm and track expiry timers.
func (w *TaskWorker) GetInProgressFrom(tasksRef rtdb.Ref) rtdb.Query {
	return tasksRef.OrderByChild("_state").EqualTo(w.spec.InProgressState)
}

// ownsInProgress reports whether task is a record this worker currently
// owns in the spec's in-progress state.
func (w *TaskWorker) ownsInProgress(task Record) bool {
	return ownerOf(task) == w.owner && statesEqual(stateOf(task), &w.spec.InProgressState)
}

// Reset returns a transaction function that releases this worker's claim
// on a task, routing it back to startState. It aborts if the task is not
// currently owned by this worker in the in-progress state.
func (w *TaskWorker) Reset() rtdb.TransactionFunc {
	return func(current interface{}) (Record, error) {
		if current == nil {
			return nil, nil
		}
		m, ok := current.(Record)
		if !ok || !w.ownsInProgress(m) {
			return nil, rtdb.ErrAbort
		}
		return w.releasedRecord(m), nil
	}
}

// ResetIfTimedOut returns a transaction function that reaps a task
// abandoned past its spec's timeout, regardless of who owns it. now is
// the database server's current time, obtained by the caller via
// rtdb.Client.ServerNow so the comparison uses one authoritative clock.
func (w *TaskWorker) ResetIfTimedOut(now time.Time) rtdb.TransactionFunc {
	return func(current interface{}) (Record, error) {
		if current == nil {
			return nil, nil
		}
		m, ok := current.(Record)
		if !ok || w.spec.Timeout == nil {
			return nil, rtdb.ErrAbort
		}
		if !statesEqual(stateOf(m), &w.spec.InProgressState) {
			return nil, rtdb.ErrAbort
		}
		changed, ok := asNumber(m["_state_changed"])
		if !ok {
			return nil, rtdb.ErrAbort
		}
		elapsed := now.UnixMilli() - int64(changed)
		if time.Duration(elapsed)*time.Millisecond < *w.spec.Timeout {
			return nil, rtdb.ErrAbort
		}
		return w.releasedRecord(m), nil
	}
}

func (w *TaskWorker) releasedRecord(m Record) Record {
	out := cloneRecord(m)
	out["_state"] = startStateValue(w.spec.StartState)
	out["_owner"] = nil
	out["_progress"] = nil
	out["_state_changed"] = rtdb.ServerTimestamp
	out["_error_details"] = nil
	return out
}

func startStateValue(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// ClaimFor returns a transaction function that attempts to take
// ownership of an eligible task. getOwner is a closure so that a
// transaction retried on contention picks up the owner token current at
// the time of the retry. A malformed (non-object) task is quarantined
// directly into the spec's errorState rather than retried.
func (w *TaskWorker) ClaimFor(getOwner func() string) rtdb.TransactionFunc {
	return func(current interface{}) (Record, error) {
		if current == nil {
			return nil, nil
		}
		m, ok := current.(Record)
		if !ok {
			return Record{
				"_state":         w.spec.ErrorState,
				"_state_changed": rtdb.ServerTimestamp,
				"_error_details": map[string]interface{}{
					"error":         "Task was malformed",
					"original_task": current,
				},
			}, nil
		}
		if !statesEqual(stateOf(m), w.spec.StartState) {
			return nil, rtdb.ErrAbort
		}
		out := cloneRecord(m)
		out["_state"] = w.spec.InProgressState
		out["_state_changed"] = rtdb.ServerTimestamp
		out["_owner"] = getOwner()
		out["_progress"] = 0
		return out, nil
	}
}

// ResolveWith returns a transaction function that advances an owned task
// to completion. newTask, if a map, is merged over the task's existing
// fields; its _new_state key (if any) is consumed and interpreted rather
// than persisted: a string or null routes to that literal state, false
// forces deletion, and anything else (including absence) falls back to
// the spec's finishedState.
func (w *TaskWorker) ResolveWith(newTask Record) rtdb.TransactionFunc {
	return func(current interface{}) (Record, error) {
		if current == nil {
			return nil, nil
		}
		m, ok := current.(Record)
		if !ok || !w.ownsInProgress(m) {
			return nil, rtdb.ErrAbort
		}

		payload := Record{}
		if newTask != nil {
			payload = cloneRecord(newTask)
		}

		var nextState *string
		explicitFalse := false
		if raw, present := payload["_new_state"]; present {
			delete(payload, "_new_state")
			switch v := raw.(type) {
			case string:
				s := v
				nextState = &s
			case bool:
				if !v {
					explicitFalse = true
				} else {
					nextState = w.spec.FinishedState
				}
			case nil:
				nextState = nil
			default:
				nextState = w.spec.FinishedState
			}
		} else {
			nextState = w.spec.FinishedState
		}

		if nextState == nil && (w.spec.FinishedState == nil || explicitFalse) {
			return nil, nil
		}

		out := cloneRecord(m)
		for k, v := range payload {
			out[k] = v
		}
		out["_state"] = startStateValue(nextState)
		out["_state_changed"] = rtdb.ServerTimestamp
		out["_progress"] = 100
		out["_owner"] = nil
		out["_error_details"] = nil
		return out, nil
	}
}

// RejectWith returns a transaction function that routes an owned task
// back to startState for another attempt, or to errorState once retries
// are exhausted. errStack is recorded only when the caller supplies one
// (suppressStack handling lives in the QueueWorker that calls this).
func (w *TaskWorker) RejectWith(errMsg, errStack *string) rtdb.TransactionFunc {
	return func(current interface{}) (Record, error) {
		if current == nil {
			return nil, nil
		}
		m, ok := current.(Record)
		if !ok || !w.ownsInProgress(m) {
			return nil, rtdb.ErrAbort
		}

		prevAttempts := 0
		if details := errorDetailsOf(m); details != nil && details.PreviousState == w.spec.InProgressState {
			prevAttempts = details.Attempts
		}
		attempts := prevAttempts + 1

		var nextState *string
		if attempts > w.spec.Retries {
			s := w.spec.ErrorState
			nextState = &s
		} else {
			nextState = w.spec.StartState
		}

		details := map[string]interface{}{
			"previous_state": w.spec.InProgressState,
			"attempts":       attempts,
		}
		if errMsg != nil {
			details["error"] = *errMsg
		}
		if errStack != nil {
			details["error_stack"] = *errStack
		}

		out := cloneRecord(m)
		out["_owner"] = nil
		out["_state"] = startStateValue(nextState)
		out["_state_changed"] = rtdb.ServerTimestamp
		out["_error_details"] = details
		return out, nil
	}
}

// UpdateProgressWith returns a transaction function that records a new
// progress value on an owned task. Range validation ([0, 100], integer)
// is the caller's responsibility: it happens before a transaction is
// ever started, not inside this pure function.
func (w *TaskWorker) UpdateProgressWith(progress int) rtdb.TransactionFunc {
	return func(current interface{}) (Record, error) {
		if current == nil {
			return nil, nil
		}
		m, ok := current.(Record)
		if !ok || !w.ownsInProgress(m) {
			return nil, rtdb.ErrAbort
		}
		out := cloneRecord(m)
		out["_progress"] = progress
		return out, nil
	}
}
