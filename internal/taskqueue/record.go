package taskqueue

import "strings"

// Record is a task as stored under a tasks/<id> location: a flat mapping
// of metadata fields (underscore-prefixed) and arbitrary user fields.
type Record = map[string]interface{}

// ErrorDetails is the shape of a record's _error_details field.
type ErrorDetails struct {
	PreviousState string `json:"previous_state,omitempty"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
	ErrorStack    string `json:"error_stack,omitempty"`
}

func errorDetailsOf(task Record) *ErrorDetails {
	raw, ok := task["_error_details"]
	if !ok || raw == nil {
		return nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	details := &ErrorDetails{}
	if s, ok := m["previous_state"].(string); ok {
		details.PreviousState = s
	}
	if n, ok := asNumber(m["attempts"]); ok {
		details.Attempts = int(n)
	}
	if s, ok := m["error"].(string); ok {
		details.Error = s
	}
	if s, ok := m["error_stack"].(string); ok {
		details.ErrorStack = s
	}
	return details
}

func stateOf(task Record) *string {
	v, ok := task["_state"]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func ownerOf(task Record) string {
	v, ok := task["_owner"]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// statesEqual treats nil pointers (missing _state / startState == nil)
// as equal to each other.
func statesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Sanitize strips underscore-prefixed metadata fields, producing the
// payload handed to user code when the worker's sanitize flag is set.
func Sanitize(task Record) Record {
	out := make(Record, len(task))
	for k, v := range task {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// IsInErrorState reports whether task's _state is spec's errorState.
func IsInErrorState(task Record, spec *TaskSpec) bool {
	if task == nil || spec == nil {
		return false
	}
	state := stateOf(task)
	return state != nil && *state == spec.ErrorState
}

func cloneRecord(task Record) Record {
	out := make(Record, len(task))
	for k, v := range task {
		out[k] = v
	}
	return out
}
