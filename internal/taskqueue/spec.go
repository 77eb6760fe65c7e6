package taskqueue

import (
	"time"
)

// DefaultErrorState is used for errorState when a spec omits it. The
// source system's treatment of a missing errorState reached via
// malformed-task quarantine is ambiguous; this preserves drop-in
// behavior by falling back to a reserved literal rather than refusing
// the claim.
const DefaultErrorState = "error"

// TaskSpec binds a worker to one pipeline stage: the state a task must
// be in to be eligible, the state it occupies while owned, and where it
// goes on success or exhausted retries.
type TaskSpec struct {
	// StartState is nil when eligible tasks carry no _state at all.
	StartState      *string
	InProgressState string
	// FinishedState is nil when resolving deletes the task outright.
	FinishedState *string
	ErrorState    string
	// Timeout is nil when the worker never reaps abandoned tasks.
	Timeout *time.Duration
	Retries int
}

// hasTimeout reports whether the spec arms a reaper.
func (s *TaskSpec) hasTimeout() bool {
	return s != nil && s.Timeout != nil
}

// IsValidTaskSpec mirrors the source predicate: it accepts a raw,
// dynamically-typed input (as decoded from JSON) and reports whether it
// describes a usable TaskSpec, without constructing one. Every field is
// optional except inProgressState; a caller that wants a typed TaskSpec
// should use ParseTaskSpec after this returns true.
func IsValidTaskSpec(v interface{}) bool {
	_, ok := validateRawSpec(v)
	return ok
}

// ParseTaskSpec validates v and, if valid, builds a TaskSpec from it.
// ok is false for anything IsValidTaskSpec would reject.
func ParseTaskSpec(v interface{}) (spec *TaskSpec, ok bool) {
	return validateRawSpec(v)
}

func validateRawSpec(v interface{}) (*TaskSpec, bool) {
	m, isMap := v.(map[string]interface{})
	if !isMap {
		return nil, false
	}

	inProgress, ok := stringField(m, "inProgressState")
	if !ok || inProgress == "" {
		return nil, false
	}

	startState, startOK := nullableStringField(m, "startState")
	if !startOK {
		return nil, false
	}
	if startState != nil && (*startState == inProgress) {
		return nil, false
	}

	finishedState, finishedOK := nullableStringField(m, "finishedState")
	if !finishedOK {
		return nil, false
	}
	if finishedState != nil && *finishedState == inProgress {
		return nil, false
	}
	if startState != nil && finishedState != nil && *startState == *finishedState {
		return nil, false
	}

	errorState := DefaultErrorState
	if raw, present := m["errorState"]; present && raw != nil {
		s, isString := raw.(string)
		if !isString {
			return nil, false
		}
		if s == inProgress {
			return nil, false
		}
		errorState = s
	}

	var timeout *time.Duration
	if raw, present := m["timeout"]; present && raw != nil {
		ms, isNumber := asPositiveInt(raw)
		if !isNumber {
			return nil, false
		}
		d := time.Duration(ms) * time.Millisecond
		timeout = &d
	}

	retries := 0
	if raw, present := m["retries"]; present && raw != nil {
		n, isNumber := asNonNegativeInt(raw)
		if !isNumber {
			return nil, false
		}
		retries = n
	}

	return &TaskSpec{
		StartState:      startState,
		InProgressState: inProgress,
		FinishedState:   finishedState,
		ErrorState:      errorState,
		Timeout:         timeout,
		Retries:         retries,
	}, true
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, present := m[key]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// nullableStringField reports (value, ok): ok is false only when the
// field is present with a non-string, non-null value.
func nullableStringField(m map[string]interface{}, key string) (*string, bool) {
	v, present := m[key]
	if !present || v == nil {
		return nil, true
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	return &s, true
}

func asPositiveInt(v interface{}) (int, bool) {
	n, ok := asNumber(v)
	if !ok || n <= 0 || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

func asNonNegativeInt(v interface{}) (int, bool) {
	n, ok := asNumber(v)
	if !ok || n < 0 || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
