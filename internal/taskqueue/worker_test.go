package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/taskqueue-go/internal/rtdb"
)

func timeoutSpec(timeout time.Duration, retries int) *TaskSpec {
	start := "start"
	finished := "done"
	d := timeout
	return &TaskSpec{
		StartState:      &start,
		InProgressState: "in_progress",
		FinishedState:   &finished,
		ErrorState:      "error",
		Timeout:         &d,
		Retries:         retries,
	}
}

func TestTaskWorker_NilInputsReturnNil(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("p:0", spec)

	for name, fn := range map[string]rtdb.TransactionFunc{
		"reset":          w.Reset(),
		"resetIfTimedOut": w.ResetIfTimedOut(time.Now()),
		"claimFor":       w.ClaimFor(func() string { return "p:0" }),
		"resolveWith":    w.ResolveWith(nil),
		"rejectWith":     w.RejectWith(nil, nil),
		"updateProgress": w.UpdateProgressWith(50),
	} {
		t.Run(name, func(t *testing.T) {
			next, err := fn(nil)
			require.NoError(t, err)
			assert.Nil(t, next)
		})
	}
}

func TestTaskWorker_AbortsOnWrongOwnerOrState(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("p:0", spec)

	wrongOwner := Record{"_owner": "other:1", "_state": "in_progress"}
	wrongState := Record{"_owner": "p:0", "_state": "start"}

	for _, task := range []Record{wrongOwner, wrongState} {
		_, err := w.Reset()(task)
		assert.ErrorIs(t, err, rtdb.ErrAbort)
		_, err = w.ResolveWith(nil)(task)
		assert.ErrorIs(t, err, rtdb.ErrAbort)
		_, err = w.RejectWith(nil, nil)(task)
		assert.ErrorIs(t, err, rtdb.ErrAbort)
		_, err = w.UpdateProgressWith(10)(task)
		assert.ErrorIs(t, err, rtdb.ErrAbort)
	}
}

func TestTaskWorker_ClaimFor_QuarantinesMalformedTask(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("p:0", spec)

	next, err := w.ClaimFor(func() string { return "p:0" })("not an object")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "error", next["_state"])
	assert.Equal(t, rtdb.ServerTimestamp, next["_state_changed"])
	details := next["_error_details"].(map[string]interface{})
	assert.Equal(t, "Task was malformed", details["error"])
	assert.Equal(t, "not an object", details["original_task"])
}

func TestTaskWorker_ClaimFor_IneligibleAborts(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("p:0", spec)

	_, err := w.ClaimFor(func() string { return "p:0" })(Record{"_state": "somewhere_else"})
	assert.ErrorIs(t, err, rtdb.ErrAbort)
}

func TestTaskWorker_ClaimFor_EligibleClaims(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("p:0", spec)

	next, err := w.ClaimFor(func() string { return "p:1" })(Record{"_state": "start", "foo": "bar"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "in_progress", next["_state"])
	assert.Equal(t, "p:1", next["_owner"])
	assert.Equal(t, 0, next["_progress"])
	assert.Equal(t, "bar", next["foo"])
}

func TestTaskWorker_ResetClaimRoundTrip(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("p:0", spec)

	claimed, err := w.ClaimFor(func() string { return "p:0" })(Record{"_state": "start"})
	require.NoError(t, err)

	reset, err := w.Reset()(claimed)
	require.NoError(t, err)
	assert.Equal(t, "start", reset["_state"])
	assert.Nil(t, reset["_owner"])

	w2 := w.CloneWithOwner("p:1")
	reclaimed, err := w2.ClaimFor(func() string { return "p:1" })(reset)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", reclaimed["_state"])
	assert.Equal(t, 0, reclaimed["_progress"])
}

func TestTaskWorker_ResetIfTimedOut(t *testing.T) {
	spec := timeoutSpec(1000*time.Millisecond, 3)
	w := NewTaskWorker("p:0", spec)
	now := time.Now()

	stale := Record{
		"_state":         "in_progress",
		"_owner":         "x:0",
		"_state_changed": float64(now.Add(-1000 * time.Millisecond).UnixMilli()),
	}
	next, err := w.ResetIfTimedOut(now)(stale)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "start", next["_state"])
	assert.Nil(t, next["_owner"])
	assert.Nil(t, next["_progress"])
	assert.Nil(t, next["_error_details"])

	fresh := Record{
		"_state":         "in_progress",
		"_owner":         "x:0",
		"_state_changed": float64(now.UnixMilli()),
	}
	_, err = w.ResetIfTimedOut(now)(fresh)
	assert.ErrorIs(t, err, rtdb.ErrAbort)
}

func TestTaskWorker_ResolveWith_UsesNewState(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("owner", spec)

	task := Record{"_state": "in_progress", "_owner": "owner", "foo": "bar"}
	next, err := w.ResolveWith(Record{"foo": "baz", "_new_state": "valid_new_state"})(task)
	require.NoError(t, err)
	assert.Equal(t, "valid_new_state", next["_state"])
	assert.Equal(t, "baz", next["foo"])
	assert.Equal(t, 100, next["_progress"])
	assert.Nil(t, next["_owner"])
	assert.Nil(t, next["_error_details"])
	assert.Equal(t, rtdb.ServerTimestamp, next["_state_changed"])
	_, hasNewState := next["_new_state"]
	assert.False(t, hasNewState)
}

func TestTaskWorker_ResolveWith_NoFinishedStateDeletes(t *testing.T) {
	start := "start"
	spec := &TaskSpec{StartState: &start, InProgressState: "in_progress", ErrorState: "error"}
	w := NewTaskWorker("owner", spec)

	task := Record{"_state": "in_progress", "_owner": "owner"}
	next, err := w.ResolveWith(nil)(task)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTaskWorker_ResolveWith_ExplicitFalseDeletes(t *testing.T) {
	spec := timeoutSpec(time.Second, 3) // has a non-nil finishedState
	w := NewTaskWorker("owner", spec)

	task := Record{"_state": "in_progress", "_owner": "owner"}
	next, err := w.ResolveWith(Record{"_new_state": false})(task)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTaskWorker_ResolveWith_ExplicitNullWithFinishedStateSetsNullState(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("owner", spec)

	task := Record{"_state": "in_progress", "_owner": "owner"}
	next, err := w.ResolveWith(Record{"_new_state": nil})(task)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Nil(t, next["_state"])
}

func TestTaskWorker_RejectWith_RetriesExhaustedLandsInErrorState(t *testing.T) {
	spec := timeoutSpec(time.Second, 4)
	w := NewTaskWorker("owner", spec)

	task := Record{
		"_state": "in_progress", "_owner": "owner",
		"_error_details": map[string]interface{}{"previous_state": "in_progress", "attempts": float64(4)},
	}
	msg := "boom"
	next, err := w.RejectWith(&msg, nil)(task)
	require.NoError(t, err)
	assert.Equal(t, "error", next["_state"])
	details := next["_error_details"].(map[string]interface{})
	assert.Equal(t, 5, details["attempts"])
}

func TestTaskWorker_RejectWith_WithinBudgetLandsInStartState(t *testing.T) {
	spec := timeoutSpec(time.Second, 4)
	w := NewTaskWorker("owner", spec)

	task := Record{
		"_state": "in_progress", "_owner": "owner",
		"_error_details": map[string]interface{}{"previous_state": "in_progress", "attempts": float64(1)},
	}
	msg := "My error message"
	next, err := w.RejectWith(&msg, nil)(task)
	require.NoError(t, err)
	assert.Equal(t, "start", next["_state"])
	details := next["_error_details"].(map[string]interface{})
	assert.Equal(t, 2, details["attempts"])
}

func TestTaskWorker_RejectWith_ResetsAttemptsForDifferentInProgressState(t *testing.T) {
	spec := timeoutSpec(time.Second, 4)
	w := NewTaskWorker("owner", spec)

	task := Record{
		"_state": "in_progress", "_owner": "owner",
		"_error_details": map[string]interface{}{"previous_state": "some_other_stage", "attempts": float64(9)},
	}
	next, err := w.RejectWith(nil, nil)(task)
	require.NoError(t, err)
	details := next["_error_details"].(map[string]interface{})
	assert.Equal(t, 1, details["attempts"])
}

func TestTaskWorker_UpdateProgressWith(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	w := NewTaskWorker("owner", spec)

	task := Record{"_state": "in_progress", "_owner": "owner"}
	for _, p := range []int{0, 50, 100} {
		next, err := w.UpdateProgressWith(p)(task)
		require.NoError(t, err)
		assert.Equal(t, p, next["_progress"])
	}
}

func TestIsInErrorState(t *testing.T) {
	spec := timeoutSpec(time.Second, 3)
	assert.True(t, IsInErrorState(Record{"_state": "error"}, spec))
	assert.False(t, IsInErrorState(Record{"_state": "start"}, spec))
	assert.False(t, IsInErrorState(nil, spec))
}

func TestSanitize(t *testing.T) {
	task := Record{"_state": "in_progress", "_owner": "x:0", "foo": "bar"}
	out := Sanitize(task)
	assert.Equal(t, Record{"foo": "bar"}, out)
}
