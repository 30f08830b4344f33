package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetflow/types"
)

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	short := c.After(time.Minute)
	long := c.After(time.Hour)
	assert.Equal(t, 2, c.Waiters())

	c.Advance(30 * time.Second)
	select {
	case <-short:
		t.Fatal("fired early")
	default:
	}

	c.Advance(30 * time.Second)
	fired := <-short
	assert.Equal(t, start.Add(time.Minute), fired)
	assert.Equal(t, 1, c.Waiters())

	c.Advance(time.Hour)
	<-long
	assert.Zero(t, c.Waiters())

	<-c.After(0)
}

func TestMockCapability_Behaviour(t *testing.T) {
	ctx := context.Background()

	m := NewMockCapability().WithResponse("yes", 0.8).WithFailFirst(1, nil)
	_, err := m.Execute(ctx, &types.Task{Content: "a"})
	assert.ErrorIs(t, err, ErrMockFailure)

	res, err := m.Execute(ctx, &types.Task{Content: "b"})
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Content)
	assert.Equal(t, 2, m.CallCount())
	assert.Equal(t, "b", m.LastTask().Content)

	m.WithFunc(func(_ context.Context, task *types.Task) (*types.AgentResult, error) {
		return &types.AgentResult{Content: "echo:" + task.Content}, nil
	})
	res, err = m.Execute(ctx, &types.Task{Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, "echo:c", res.Content)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewMockCapability().WithDelay(time.Second).Execute(cancelled, &types.Task{})
	assert.ErrorIs(t, err, context.Canceled)
}
