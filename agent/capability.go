package agent

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/fleetflow/types"
)

// Capability is the opaque unit that performs work for a fleet member or a
// workflow agent step. Implementations wrap the model/tool loop.
type Capability interface {
	Execute(ctx context.Context, task *types.Task) (*types.AgentResult, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, task *types.Task) (*types.AgentResult, error)

// Execute implements Capability.
func (f CapabilityFunc) Execute(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
	return f(ctx, task)
}

// Invoke calls the capability and always returns an AgentResult: errors,
// panics and nil results are folded into a failed result attributed to member.
// The returned error is non-nil only for failed invocations.
func Invoke(ctx context.Context, c Capability, member string, tier int, task *types.Task) (result types.AgentResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrAgentFailure, "capability panicked: %v", r)
			result = types.FailedResult(member, tier, time.Since(start), err)
		}
	}()

	out, execErr := c.Execute(ctx, task)
	latency := time.Since(start)

	if execErr == nil && ctx.Err() != nil {
		execErr = ctx.Err()
	}
	if execErr != nil {
		return types.FailedResult(member, tier, latency, execErr), classify(member, execErr)
	}
	if out == nil {
		err = types.Errorf(types.ErrAgentFailure, "capability for %s returned no result", member)
		return types.FailedResult(member, tier, latency, err), err
	}

	result = *out
	result.MemberName = member
	result.Tier = tier
	if result.Latency == 0 {
		result.Latency = latency
	}
	if result.Failed() {
		return result, types.Errorf(types.ErrAgentFailure, "%s: %s", member, result.Error)
	}
	return result, nil
}

// classify maps a raw capability error onto the error taxonomy while keeping
// structured errors from the capability untouched.
func classify(member string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.Errorf(types.ErrTimeout, "%s timed out", member).WithCause(err).WithRetryable(true)
	case errors.Is(err, context.Canceled):
		return types.Errorf(types.ErrCancelled, "%s cancelled", member).WithCause(err)
	default:
		return types.Errorf(types.ErrAgentFailure, "%s failed", member).WithCause(err)
	}
}
