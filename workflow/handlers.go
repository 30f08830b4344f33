package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/types"
)

var placeholder = regexp.MustCompile(`\$\{\s*([^}\s]+)\s*\}`)

// interpolate replaces ${path} references with state values. Missing paths
// render as the empty string.
func interpolate(tmpl string, state map[string]any) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := getPath(state, path)
		if !ok || v == nil {
			return ""
		}
		return render(v)
	})
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

func stepTask(x *execution, call stepCall, prompt string, keys []string) *types.Task {
	task := &types.Task{
		ID:      x.run.id + ":" + call.step.ID,
		Content: interpolate(prompt, call.state),
		Input:   selectInput(call.state, keys),
		Context: map[string]any{
			"workflow": x.def.Name,
			"run_id":   x.run.id,
			"step_id":  call.step.ID,
		},
	}
	if call.branch != "" {
		task.Context["branch"] = call.branch
	}
	return task
}

func selectInput(state map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return cloneState(state)
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := getPath(state, k); ok {
			out[k] = cloneValue(v)
		}
	}
	return out
}

func runAgent(ctx context.Context, x *execution, call stepCall) (stepResult, error) {
	cfg := call.step.Agent
	if x.e.capabilities == nil {
		return stepResult{}, types.NewError(types.ErrStepExecution, "no capability resolver configured")
	}
	capability, err := x.e.capabilities.Resolve(cfg.CapabilityRef)
	if err != nil {
		return stepResult{}, types.Errorf(types.ErrStepExecution, "step %s: %v", call.step.ID, err).WithCause(err)
	}

	task := stepTask(x, call, cfg.Prompt, cfg.InputKeys)
	if traceID, ok := types.TraceID(ctx); ok {
		task.TraceID = traceID
	}
	res, err := agent.Invoke(ctx, capability, call.step.ID, 0, task)
	if err != nil {
		return stepResult{}, err
	}

	meta := make(map[string]any, len(res.Metadata))
	for k, v := range res.Metadata {
		meta[k] = v
	}
	return stepResult{Output: map[string]any{
		"content":    res.Content,
		"confidence": res.Confidence,
		"metadata":   meta,
	}}, nil
}

func runFleet(ctx context.Context, x *execution, call stepCall) (stepResult, error) {
	cfg := call.step.Fleet
	if x.e.fleets == nil || x.e.catalog == nil {
		return stepResult{}, types.NewError(types.ErrStepExecution, "fleet steps are not configured")
	}
	def, err := x.e.catalog.FleetDefinition(cfg.Fleet)
	if err != nil {
		return stepResult{}, err
	}

	task := stepTask(x, call, cfg.Prompt, nil)
	res, err := x.e.fleets.Execute(types.WithStepID(ctx, call.step.ID), task, def)
	if err != nil {
		return stepResult{}, err
	}
	out := map[string]any{"run_id": res.RunID}
	if f := res.Final; f != nil {
		out["decision"] = f.Decision
		out["confidence"] = f.Confidence
		out["outcome"] = string(f.Outcome)
		out["algorithm"] = string(f.Algorithm)
		out["needs_review"] = f.NeedsHumanReview()
	}
	return stepResult{Output: out}, nil
}

func runConditional(_ context.Context, x *execution, call stepCall) (stepResult, error) {
	cfg := call.step.Conditional
	if x.plan.condition(cfg.Condition).Eval(call.state) {
		return stepResult{Next: cfg.OnTrue}, nil
	}
	return stepResult{Next: cfg.OnFalse}, nil
}

// runJoin only routes onward; branches were merged by the parallel step.
func runJoin(context.Context, *execution, stepCall) (stepResult, error) {
	return stepResult{}, nil
}
