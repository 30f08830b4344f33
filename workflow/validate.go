package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/multierr"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/types"
	"github.com/BaSui01/fleetflow/workflow/dsl"
)

var validStepTypes = map[StepType]bool{
	StepAgent: true, StepFleet: true, StepTransform: true, StepConditional: true,
	StepParallel: true, StepJoin: true, StepApproval: true, StepWait: true, StepEnd: true,
}

var validOps = map[TransformOpKind]bool{
	OpSet: true, OpCopy: true, OpDelete: true, OpAppend: true, OpMerge: true, OpIncrement: true,
}

// plan is a validated definition with its conditions compiled.
type plan struct {
	def        *Definition
	conditions map[string]*dsl.Expression
}

func (p *plan) condition(src string) *dsl.Expression {
	return p.conditions[src]
}

// Validate checks a definition before it may run. Every problem found is
// reported in one VALIDATION error.
func Validate(def *Definition) error {
	_, err := compile(def)
	return err
}

func compile(def *Definition) (*plan, error) {
	if def == nil {
		return nil, types.NewError(types.ErrValidation, "workflow definition is nil")
	}

	p := &plan{def: def, conditions: make(map[string]*dsl.Expression)}
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}
	compileCond := func(src, where string) {
		if src == "" {
			return
		}
		if _, ok := p.conditions[src]; ok {
			return
		}
		e, err := dsl.Compile(src)
		if err != nil {
			add("%s: %v", where, err)
			return
		}
		p.conditions[src] = e
	}
	exists := func(id string) bool {
		_, ok := def.Steps[id]
		return ok
	}

	if def.Name == "" {
		add("workflow name is required")
	}
	if len(def.Steps) == 0 {
		add("workflow has no steps")
	}
	switch {
	case def.Entrypoint == "":
		add("entrypoint is required")
	case !exists(def.Entrypoint):
		add("entrypoint %q is not a step", def.Entrypoint)
	}
	if def.ErrorHandler != "" && !exists(def.ErrorHandler) {
		add("error handler %q is not a step", def.ErrorHandler)
	}
	validateRetry(def.RetryPolicy, "retry_policy", add)

	for _, id := range sortedStepIDs(def) {
		s := def.Steps[id]
		if s == nil {
			add("step %q is nil", id)
			continue
		}
		if s.ID == "" {
			s.ID = id
		} else if s.ID != id {
			add("step key %q does not match id %q", id, s.ID)
		}
		if !validStepTypes[s.Type] {
			add("step %q has unknown type %q", id, s.Type)
			continue
		}
		if s.Retry != nil {
			validateRetry(*s.Retry, "step "+id+" retry", add)
		}
		if s.Timeout < 0 {
			add("step %q has negative timeout", id)
		}

		switch s.Type {
		case StepAgent:
			if s.Agent == nil || s.Agent.CapabilityRef == "" {
				add("agent step %q needs a capability_ref", id)
			}
		case StepFleet:
			if s.Fleet == nil || s.Fleet.Fleet == "" {
				add("fleet step %q needs a fleet name", id)
			}
		case StepTransform:
			if s.Transform == nil || len(s.Transform.Ops) == 0 {
				add("transform step %q has no ops", id)
				break
			}
			for i, op := range s.Transform.Ops {
				if !validOps[op.Op] {
					add("transform step %q op %d: unknown op %q", id, i, op.Op)
				}
				if op.Path == "" {
					add("transform step %q op %d: path is required", id, i)
				}
				if op.Op == OpCopy && op.From == "" {
					add("transform step %q op %d: copy needs from", id, i)
				}
			}
		case StepConditional:
			c := s.Conditional
			if c == nil || c.Condition == "" {
				add("conditional step %q needs a condition", id)
				break
			}
			compileCond(c.Condition, "conditional step "+id)
			for _, target := range []string{c.OnTrue, c.OnFalse} {
				if target == "" || !exists(target) {
					add("conditional step %q routes to unknown step %q", id, target)
				}
			}
		case StepParallel:
			pc := s.Parallel
			if pc == nil || pc.Join == "" {
				add("parallel step %q has no join", id)
				break
			}
			if j, ok := def.Steps[pc.Join]; !ok || j == nil || j.Type != StepJoin {
				add("parallel step %q joins %q which is not a join step", id, pc.Join)
				break
			}
			if len(pc.Branches) == 0 {
				add("parallel step %q has no branches", id)
			}
			for _, b := range pc.Branches {
				if !exists(b) {
					add("parallel step %q has unknown branch %q", id, b)
				}
			}
		case StepJoin:
			if s.Join != nil {
				switch s.Join.Policy {
				case "", JoinAll, JoinAny, JoinMajority:
				default:
					add("join step %q has invalid policy %q", id, s.Join.Policy)
				}
			}
		case StepApproval:
			if s.Approval != nil {
				switch s.Approval.DefaultOnTimeout {
				case "", hitl.DecisionApprove, hitl.DecisionReject:
				default:
					add("approval step %q has invalid default_on_timeout %q", id, s.Approval.DefaultOnTimeout)
				}
				if s.Approval.RequiredApprovals < 0 {
					add("approval step %q has negative required_approvals", id)
				}
				if n := len(s.Approval.Approvers); n > 0 && s.Approval.RequiredApprovals > n {
					add("approval step %q requires %d approvals from %d approvers", id, s.Approval.RequiredApprovals, n)
				}
			}
		case StepWait:
			validateWait(id, s.Wait, add)
		}
	}

	for i, c := range def.Connections {
		from, ok := def.Steps[c.From]
		switch {
		case !ok || from == nil:
			add("connection %d from unknown step %q", i, c.From)
		case from.Type == StepEnd:
			add("connection %d leaves end step %q", i, c.From)
		}
		if !exists(c.To) {
			add("connection %d targets unknown step %q", i, c.To)
		}
		compileCond(c.Condition, fmt.Sprintf("connection %d (%s -> %s)", i, c.From, c.To))
	}

	if errs == nil {
		validateGraph(def, add)
	}

	if errs != nil {
		return nil, types.Errorf(types.ErrValidation, "invalid workflow %q", def.Name).WithCause(errs)
	}
	return p, nil
}

func validateRetry(r RetryPolicy, where string, add func(string, ...any)) {
	if r.MaxAttempts < 0 || r.InitialDelay < 0 || r.MaxDelay < 0 || r.Multiplier < 0 {
		add("%s has negative values", where)
	}
}

func validateWait(id string, w *WaitConfig, add func(string, ...any)) {
	if w == nil || (w.Duration <= 0 && w.Cron == "") {
		add("wait step %q needs a positive duration or a cron expression", id)
		return
	}
	if w.Duration > 0 && w.Cron != "" {
		add("wait step %q sets both duration and cron", id)
	}
	if w.Cron != "" && !gronx.New().IsValid(w.Cron) {
		add("wait step %q has invalid cron %q", id, w.Cron)
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			add("wait step %q has invalid timezone %q", id, w.Timezone)
		}
	}
}

// successors lists every step control can move to from s.
func successors(def *Definition, s *Step) []string {
	var out []string
	for _, c := range def.outgoing(s.ID) {
		out = append(out, c.To)
	}
	switch s.Type {
	case StepConditional:
		out = append(out, s.Conditional.OnTrue, s.Conditional.OnFalse)
	case StepParallel:
		out = append(out, s.Parallel.Branches...)
		out = append(out, s.Parallel.Join)
	}
	return out
}

// validateGraph rejects approvals inside parallel branches, branches that
// never reach their join, and steps that cannot reach an end step.
func validateGraph(def *Definition, add func(string, ...any)) {
	for _, id := range sortedStepIDs(def) {
		s := def.Steps[id]
		if s.Type != StepParallel {
			continue
		}
		for _, b := range s.Parallel.Branches {
			seen := map[string]bool{}
			reached := false
			stack := []string{b}
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if cur == s.Parallel.Join {
					reached = true
					continue
				}
				if seen[cur] {
					continue
				}
				seen[cur] = true
				step := def.Steps[cur]
				switch step.Type {
				case StepApproval:
					add("approval step %q is inside a branch of parallel step %q", cur, id)
				case StepEnd:
					add("branch %q of parallel step %q reaches end step %q before its join", b, id, cur)
				}
				stack = append(stack, successors(def, step)...)
			}
			if !reached {
				add("branch %q of parallel step %q never reaches join %q", b, id, s.Parallel.Join)
			}
		}
	}

	// Reverse reachability from end steps.
	preds := make(map[string][]string)
	var frontier []string
	for id, s := range def.Steps {
		if s.Type == StepEnd {
			frontier = append(frontier, id)
		}
		for _, next := range successors(def, s) {
			preds[next] = append(preds[next], id)
		}
	}
	if len(frontier) == 0 {
		add("workflow has no end step")
		return
	}
	canEnd := make(map[string]bool)
	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if canEnd[cur] {
			continue
		}
		canEnd[cur] = true
		frontier = append(frontier, preds[cur]...)
	}
	for _, id := range sortedStepIDs(def) {
		if !canEnd[id] {
			add("step %q cannot reach an end step", id)
		}
	}
}

func sortedStepIDs(def *Definition) []string {
	ids := make([]string, 0, len(def.Steps))
	for id := range def.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
