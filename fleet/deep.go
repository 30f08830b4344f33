package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

// Deep-mode result metadata keys.
const (
	MetaGoalReached       = "goal_reached"
	MetaIterations        = "iterations"
	MetaMemory            = "memory"
	MetaSynthesisFallback = "synthesis_fallback"
)

// Finding is one entry of deep-mode working memory.
type Finding struct {
	Iteration int    `json:"iteration"`
	Step      string `json:"step"`
	Executor  string `json:"executor"`
	Finding   string `json:"finding,omitempty"`
	Error     string `json:"error,omitempty"`
}

// deepPlan is the planner output.
type deepPlan struct {
	Steps        []string `json:"steps"`
	GoalAchieved bool     `json:"goal_achieved"`
}

// runDeep loops plan, execute one sub-step, remember, check the goal. The
// loop is bounded by MaxIterations planning cycles; synthesis always runs.
func runDeep(ctx context.Context, x *execution) (*consensus.Result, error) {
	dc := x.def.Coordination.Deep
	planner, executors, synthesizer := x.deepRoles()

	var (
		memory     []Finding
		steps      []string
		done       = make(map[string]bool)
		goal       bool
		iterations int
	)
	for iter := 1; iter <= dc.MaxIterations && !goal; iter++ {
		iterations = iter
		x.run.enterTier(iter)

		planTask := x.task.Derive(x.task.Content).
			WithContext(ContextPhase, "plan").
			WithContext(ContextIteration, iter).
			WithContext(ContextMemory, append([]Finding(nil), memory...))
		planned, err := x.dispatch(ctx, dispatchItem{member: planner, tier: iter, task: planTask})
		x.run.recordResults(iter, planned)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			p := parsePlan(planned.Content)
			if p.GoalAchieved {
				goal = true
				break
			}
			if len(p.Steps) > 0 {
				steps = p.Steps
			}
		}
		if len(steps) == 0 {
			steps = []string{x.task.Content}
		}

		next := ""
		for _, s := range steps {
			if !done[normalizeStep(s)] {
				next = s
				break
			}
		}
		if next == "" {
			goal = true
			break
		}

		executor := executors[len(memory)%len(executors)]
		stepTask := x.task.Derive(next).
			WithContext(ContextPhase, "execute").
			WithContext(ContextGoal, x.task.Content).
			WithContext(ContextIteration, iter).
			WithContext(ContextMemory, append([]Finding(nil), memory...))
		result, err := x.dispatch(ctx, dispatchItem{member: executor, tier: iter, task: stepTask})
		x.run.recordResults(iter, result)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		entry := Finding{Iteration: iter, Step: next, Executor: executor.Name}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Finding = result.Content
			done[normalizeStep(next)] = true
			if reached, _ := result.Metadata[MetaGoalReached].(bool); reached {
				goal = true
			}
			if achieved, _ := result.Metadata["goal_achieved"].(bool); achieved {
				goal = true
			}
		}
		memory = append(memory, entry)
	}

	if !goal {
		x.logger.Info("deep mode exhausted iterations, synthesising best effort",
			zap.Int("iterations", iterations), zap.Int("findings", len(memory)))
	}

	synthTier := iterations + 1
	x.run.enterTier(synthTier)
	synthTask := x.task.Derive(x.task.Content).
		WithContext(ContextPhase, "synthesize").
		WithContext(ContextGoalReached, goal).
		WithContext(ContextMemory, memory)
	synth, err := x.dispatch(ctx, dispatchItem{member: synthesizer, tier: synthTier, task: synthTask})
	x.run.recordResults(synthTier, synth)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var final *consensus.Result
	if err != nil {
		x.logger.Warn("deep synthesis failed, returning memory digest",
			zap.String("synthesizer", synthesizer.Name), zap.Error(err))
		final = &consensus.Result{
			Decision:  digest(memory),
			Algorithm: algorithmDeep,
			Outcome:   consensus.OutcomeDecided,
			Metadata:  map[string]any{MetaSynthesisFallback: true},
		}
	} else {
		final = directResult(algorithmDeep, synth, []types.AgentResult{synth})
	}
	final.Metadata[MetaGoalReached] = goal
	final.Metadata[MetaIterations] = iterations
	final.Metadata[MetaMemory] = memory
	return final, nil
}

// deepRoles resolves planner, executors and synthesizer. The planner
// defaults to the first manager, else the first member; executors default
// to every other member, else the planner itself.
func (x *execution) deepRoles() (planner boundMember, executors []boundMember, synthesizer boundMember) {
	dc := x.def.Coordination.Deep

	switch {
	case dc.Planner != "":
		planner = x.byName[dc.Planner]
	case len(x.membersWithRole(RoleManager)) > 0:
		planner = x.membersWithRole(RoleManager)[0]
	default:
		planner = x.members[0]
	}

	if len(dc.Executors) > 0 {
		for _, name := range dc.Executors {
			executors = append(executors, x.byName[name])
		}
	} else {
		for _, m := range x.members {
			if m.Name != planner.Name {
				executors = append(executors, m)
			}
		}
	}
	if len(executors) == 0 {
		executors = []boundMember{planner}
	}

	synthesizer = planner
	if dc.Synthesizer != "" {
		synthesizer = x.byName[dc.Synthesizer]
	}
	return planner, executors, synthesizer
}

// parsePlan accepts {"steps":[...],"goal_achieved":bool}, a JSON array of
// strings, or one step per line with optional list markers.
func parsePlan(content string) deepPlan {
	if payload, ok := extractJSON(content); ok {
		var p deepPlan
		if strings.HasPrefix(payload, "{") && json.Unmarshal([]byte(payload), &p) == nil {
			return p.clean()
		}
		if strings.HasPrefix(payload, "[") && json.Unmarshal([]byte(payload), &p.Steps) == nil {
			return p.clean()
		}
	}

	var p deepPlan
	for _, line := range strings.Split(content, "\n") {
		p.Steps = append(p.Steps, stripListMarker(line))
	}
	return p.clean()
}

func (p deepPlan) clean() deepPlan {
	steps := p.Steps[:0]
	for _, s := range p.Steps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	p.Steps = steps
	return p
}

func stripListMarker(line string) string {
	line = strings.TrimSpace(line)
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

func normalizeStep(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// digest renders memory as plain text.
func digest(memory []Finding) string {
	if len(memory) == 0 {
		return "no findings"
	}
	var b strings.Builder
	for _, f := range memory {
		if f.Error != "" {
			fmt.Fprintf(&b, "%d. %s: failed: %s\n", f.Iteration, f.Step, f.Error)
			continue
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", f.Iteration, f.Step, f.Finding)
	}
	return strings.TrimRight(b.String(), "\n")
}
