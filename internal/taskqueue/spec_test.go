package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestIsValidTaskSpec(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		valid bool
	}{
		{"minimal valid", map[string]interface{}{"inProgressState": "in_progress"}, true},
		{"full valid", map[string]interface{}{
			"startState":      "start",
			"inProgressState": "in_progress",
			"finishedState":   "done",
			"errorState":      "error",
			"timeout":         float64(1000),
			"retries":         float64(3),
		}, true},
		{"nulls for optional fields", map[string]interface{}{
			"startState":      nil,
			"inProgressState": "in_progress",
			"finishedState":   nil,
			"errorState":      nil,
			"timeout":         nil,
			"retries":         nil,
		}, true},
		{"not a mapping", "in_progress", false},
		{"array", []interface{}{1, 2}, false},
		{"number", 42, false},
		{"nil", nil, false},
		{"missing inProgressState", map[string]interface{}{}, false},
		{"empty inProgressState", map[string]interface{}{"inProgressState": ""}, false},
		{"startState equals inProgressState", map[string]interface{}{
			"startState": "x", "inProgressState": "x",
		}, false},
		{"finishedState equals inProgressState", map[string]interface{}{
			"inProgressState": "x", "finishedState": "x",
		}, false},
		{"errorState equals inProgressState", map[string]interface{}{
			"inProgressState": "x", "errorState": "x",
		}, false},
		{"errorState may equal startState", map[string]interface{}{
			"inProgressState": "in_progress", "startState": "s", "errorState": "s",
		}, true},
		{"negative timeout", map[string]interface{}{
			"inProgressState": "x", "timeout": float64(-1),
		}, false},
		{"zero timeout", map[string]interface{}{
			"inProgressState": "x", "timeout": float64(0),
		}, false},
		{"negative retries", map[string]interface{}{
			"inProgressState": "x", "retries": float64(-1),
		}, false},
		{"zero retries allowed", map[string]interface{}{
			"inProgressState": "x", "retries": float64(0),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTaskSpec(tt.input))
		})
	}
}

func TestParseTaskSpec_DefaultsErrorState(t *testing.T) {
	spec, ok := ParseTaskSpec(map[string]interface{}{"inProgressState": "in_progress"})
	require.True(t, ok)
	assert.Equal(t, DefaultErrorState, spec.ErrorState)
}

func TestParseTaskSpec_NullDefaultingIsSymmetric(t *testing.T) {
	withNulls, ok1 := ParseTaskSpec(map[string]interface{}{
		"startState":      nil,
		"inProgressState": "in_progress",
		"finishedState":   nil,
		"errorState":      nil,
		"timeout":         nil,
		"retries":         nil,
	})
	omitted, ok2 := ParseTaskSpec(map[string]interface{}{
		"inProgressState": "in_progress",
	})
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, omitted, withNulls)
}

func TestParseTaskSpec_RejectsInvalid(t *testing.T) {
	_, ok := ParseTaskSpec("not a spec")
	assert.False(t, ok)
}
