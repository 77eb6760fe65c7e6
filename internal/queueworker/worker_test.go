package queueworker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

func noopFn(_ context.Context, _ taskqueue.Record, _ *Handle) {}

func TestNew_ConstructionErrors(t *testing.T) {
	client := rtdb.NewClient(nil)
	ref := client.Ref("tasks")

	_, err := New(nil, ref, "proc", Options{}, noopFn)
	assert.ErrorIs(t, err, ErrNoTasksRef)

	_, err = New(client, ref, "", Options{}, noopFn)
	assert.ErrorIs(t, err, ErrInvalidProcessID)

	_, err = New(client, ref, "proc", Options{}, nil)
	assert.ErrorIs(t, err, ErrNoProcessingFunc)
}

func TestNew_Succeeds(t *testing.T) {
	client := rtdb.NewClient(nil)
	ref := client.Ref("tasks")
	w, err := New(client, ref, "proc-1", Options{Sanitize: true}, noopFn)
	assert.NoError(t, err)
	assert.NotNil(t, w)
}
