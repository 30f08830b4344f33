package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrAgentFailure, "agent failed").
		WithCause(root).
		WithRetryable(true).
		WithRun("run-1").
		WithStep("review").
		WithMetadata("member", "alice")

	assert.Equal(t, ErrAgentFailure, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Equal(t, "alice", err.Metadata["member"])
	assert.Contains(t, err.Error(), "AGENT_FAILURE")
	assert.Contains(t, err.Error(), "root")
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrPersistence, "write checkpoint %s", "cp-1")
	wrapped := fmt.Errorf("step deploy: %w", inner)

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrPersistence, e.Code)
	assert.True(t, IsCode(wrapped, ErrPersistence))
	assert.False(t, IsRetryable(wrapped))
}

func TestIsAlertable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: true},
		{name: "cancelled", err: NewError(ErrCancelled, "run cancelled"), want: false},
		{name: "approval timeout", err: NewError(ErrApprovalTimeout, "expired"), want: false},
		{name: "approval rejected", err: NewError(ErrApprovalRejected, "rejected"), want: false},
		{name: "consensus failure", err: NewError(ErrConsensusFailure, "quorum"), want: true},
		{name: "persistence", err: NewError(ErrPersistence, "disk"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAlertable(tt.err))
		})
	}
}

func TestTask_Derive(t *testing.T) {
	t.Parallel()

	task := &Task{ID: "t1", Content: "review PR", Context: map[string]any{"a": 1}}
	derived := task.Derive("sub task").WithContext("b", 2)

	assert.Equal(t, "t1", derived.ID)
	assert.Equal(t, "sub task", derived.Content)
	assert.Equal(t, 2, derived.Context["b"])
	_, leaked := task.Context["b"]
	assert.False(t, leaked)
}

func TestFailedResult(t *testing.T) {
	t.Parallel()

	r := FailedResult("bob", 2, time.Second, context.DeadlineExceeded)
	assert.True(t, r.Failed())
	assert.Equal(t, 2, r.Tier)
	assert.Equal(t, "context deadline exceeded", r.Error)

	assert.Equal(t, "unknown error", FailedResult("x", 1, 0, nil).Error)
}
