package fleet

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

// Phases of a hierarchical run, recorded as tiers.
const (
	phasePlan       = 1
	phaseWork       = 2
	phaseSynthesize = 3
)

// Assignment is one sub-task the manager hands to a worker.
type Assignment struct {
	Worker string `json:"worker"`
	Task   string `json:"task"`
}

// runHierarchical lets the manager plan, fans the plan out to workers and
// asks the manager to synthesise their results.
func runHierarchical(ctx context.Context, x *execution) (*consensus.Result, error) {
	def, _ := hierarchicalManager(x.def)
	manager := x.byName[def.Name]

	var workers []boundMember
	names := make([]string, 0, len(x.members)-1)
	for _, m := range x.members {
		if m.Name != manager.Name {
			workers = append(workers, m)
			names = append(names, m.Name)
		}
	}

	x.run.enterTier(phasePlan)
	planTask := x.task.Derive(x.task.Content).
		WithContext(ContextPhase, "plan").
		WithContext(ContextWorkers, names)
	plan, err := x.dispatch(ctx, dispatchItem{member: manager, tier: phasePlan, task: planTask})
	x.run.recordResults(phasePlan, plan)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var assignments []Assignment
	if err == nil {
		assignments = parseAssignments(plan.Content, workers)
	}
	if len(assignments) == 0 {
		x.logger.Debug("manager plan unusable, assigning task to every worker",
			zap.String("manager", manager.Name), zap.Error(err))
		for _, w := range workers {
			assignments = append(assignments, Assignment{Worker: w.Name, Task: x.task.Content})
		}
	}

	items := make([]dispatchItem, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, dispatchItem{
			member: x.byName[a.Worker],
			tier:   phaseWork,
			task:   x.task.Derive(a.Task).WithContext(ContextPhase, "work"),
		})
	}
	x.run.enterTier(phaseWork)
	results := x.fanOut(ctx, phaseWork, items, x.firstWins())

	if x.def.Coordination.Hierarchical.Vote {
		return x.decide(ctx, results, x.cfg)
	}

	// Without a vote the worker tally only feeds metadata and the synthesis
	// fallback, so the fleet quorum does not apply.
	tallyCfg := x.cfg
	tallyCfg.AllowPartial = true
	votes, err := x.decide(ctx, results, tallyCfg)
	if err != nil {
		return nil, err
	}

	x.run.enterTier(phaseSynthesize)
	synthTask := x.task.Derive(x.task.Content).
		WithContext(ContextPhase, "synthesize").
		WithContext(ContextWorkerResults, results)
	synth, err := x.dispatch(ctx, dispatchItem{member: manager, tier: phaseSynthesize, task: synthTask})
	x.run.recordResults(phaseSynthesize, synth)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if len(votes.Contributing) == 0 {
			return nil, types.Errorf(types.ErrConsensusFailure, "no worker succeeded and manager synthesis failed").
				WithCause(err).
				WithMetadata("partial_results", results)
		}
		x.logger.Warn("manager synthesis failed, using worker consensus",
			zap.String("manager", manager.Name), zap.Error(err))
		return votes, nil
	}

	final := directResult(algorithmSynthesis, synth, append(successful(results), synth))
	final.Metadata[consensus.MetaGroups] = votes.Metadata[consensus.MetaGroups]
	return final, nil
}

// parseAssignments reads a JSON array of {"worker","task"} from manager
// output. Entries naming unknown workers or carrying no task are dropped.
func parseAssignments(content string, workers []boundMember) []Assignment {
	payload, ok := extractJSON(content)
	if !ok || !strings.HasPrefix(payload, "[") {
		return nil
	}
	var raw []Assignment
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil
	}

	known := make(map[string]bool, len(workers))
	for _, w := range workers {
		known[w.Name] = true
	}
	out := raw[:0]
	for _, a := range raw {
		a.Worker = strings.TrimSpace(a.Worker)
		a.Task = strings.TrimSpace(a.Task)
		if known[a.Worker] && a.Task != "" {
			out = append(out, a)
		}
	}
	return out
}

// managerSynthesis asks manager to reduce the results of a tier to one answer.
func managerSynthesis(ctx context.Context, x *execution, manager boundMember, tier int, task *types.Task, results []types.AgentResult) (*consensus.Result, error) {
	synthTask := task.Derive(task.Content).
		WithContext(ContextPhase, "synthesize").
		WithContext(ContextTierResults, results)
	synth, err := x.dispatch(ctx, dispatchItem{member: manager, tier: tier, task: synthTask})
	x.run.recordResults(tier, synth)
	if err != nil {
		return nil, err
	}
	return directResult(algorithmSynthesis, synth, append(successful(results), synth)), nil
}
