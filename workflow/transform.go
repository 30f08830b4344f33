package workflow

import (
	"context"
	"encoding/json"
	"math"

	"github.com/BaSui01/fleetflow/types"
)

type transformFunc func(state map[string]any, op TransformOp, operand any) error

var transforms = map[TransformOpKind]transformFunc{
	OpSet:       opSet,
	OpCopy:      opSet,
	OpDelete:    opDelete,
	OpAppend:    opAppend,
	OpMerge:     opMerge,
	OpIncrement: opIncrement,
}

// runTransform applies the ops to a private copy of the state; a failing
// op leaves the canonical state untouched.
func runTransform(_ context.Context, _ *execution, call stepCall) (stepResult, error) {
	next := cloneState(call.state)
	if err := applyOps(next, call.step.Transform.Ops); err != nil {
		return stepResult{}, types.Errorf(types.ErrStepExecution, "transform %s failed", call.step.ID).
			WithCause(err).WithStep(call.step.ID)
	}
	return stepResult{State: next}, nil
}

func applyOps(state map[string]any, ops []TransformOp) error {
	for i, op := range ops {
		operand := op.Value
		if op.From != "" {
			v, ok := getPath(state, op.From)
			if !ok {
				return types.Errorf(types.ErrStepExecution, "op %d: %s source %q is missing", i, op.Op, op.From)
			}
			operand = v
		}
		if err := transforms[op.Op](state, op, cloneValue(operand)); err != nil {
			return types.Errorf(types.ErrStepExecution, "op %d (%s %s): %v", i, op.Op, op.Path, err)
		}
	}
	return nil
}

func opSet(state map[string]any, op TransformOp, v any) error {
	return setPath(state, op.Path, v)
}

func opDelete(state map[string]any, op TransformOp, _ any) error {
	deletePath(state, op.Path)
	return nil
}

func opAppend(state map[string]any, op TransformOp, v any) error {
	cur, ok := getPath(state, op.Path)
	if !ok || cur == nil {
		return setPath(state, op.Path, []any{v})
	}
	switch list := cur.(type) {
	case []any:
		return setPath(state, op.Path, append(list, v))
	case []string:
		out := make([]any, 0, len(list)+1)
		for _, s := range list {
			out = append(out, s)
		}
		return setPath(state, op.Path, append(out, v))
	default:
		return types.Errorf(types.ErrStepExecution, "cannot append to %T", cur)
	}
}

func opMerge(state map[string]any, op TransformOp, v any) error {
	src, ok := v.(map[string]any)
	if !ok {
		return types.Errorf(types.ErrStepExecution, "merge needs an object, got %T", v)
	}
	cur, ok := getPath(state, op.Path)
	if !ok || cur == nil {
		return setPath(state, op.Path, src)
	}
	dst, ok := cur.(map[string]any)
	if !ok {
		return types.Errorf(types.ErrStepExecution, "cannot merge into %T", cur)
	}
	for k, val := range src {
		dst[k] = val
	}
	return nil
}

func opIncrement(state map[string]any, op TransformOp, _ any) error {
	by := op.By
	if by == 0 {
		by = 1
	}
	cur, ok := getPath(state, op.Path)
	if !ok || cur == nil {
		return setPath(state, op.Path, numeric(by, true))
	}
	n, isInt, ok := number(cur)
	if !ok {
		return types.Errorf(types.ErrStepExecution, "cannot increment %T", cur)
	}
	return setPath(state, op.Path, numeric(n+by, isInt))
}

// numeric keeps integer counters integral.
func numeric(f float64, preferInt bool) any {
	if preferInt && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

func number(v any) (f float64, isInt bool, ok bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true, true
	case int32:
		return float64(n), true, true
	case int64:
		return float64(n), true, true
	case float32:
		return float64(n), false, true
	case float64:
		return n, n == math.Trunc(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return float64(i), true, true
		}
		f, err := n.Float64()
		return f, false, err == nil
	}
	return 0, false, false
}
