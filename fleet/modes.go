package fleet

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

// Algorithm labels of results that are not produced by the consensus engine.
const (
	algorithmPipeline  consensus.Algorithm = "pipeline"
	algorithmSwarm     consensus.Algorithm = "swarm"
	algorithmSynthesis consensus.Algorithm = "manager_synthesis"
	algorithmDeep      consensus.Algorithm = "deep_synthesis"
)

// Task context keys set by the coordinator.
const (
	ContextPhase             = "phase"
	ContextWorkers           = "workers"
	ContextWorkerResults     = "worker_results"
	ContextTier              = "tier"
	ContextPreviousResults   = "previous_results"
	ContextPreviousConsensus = "previous_consensus"
	ContextPreviousDecision  = "previous_decision"
	ContextTierResults       = "tier_results"
	ContextMemory            = "memory"
	ContextIteration         = "iteration"
	ContextGoal              = "goal"
	ContextGoalReached       = "goal_reached"
)

// runPeer dispatches every member concurrently and lets the engine decide.
func runPeer(ctx context.Context, x *execution) (*consensus.Result, error) {
	x.run.enterTier(1)
	results := x.fanOut(ctx, 1, x.items(x.members, 1, x.task), x.firstWins())
	return x.decide(ctx, results, x.cfg)
}

// runPipeline feeds each member the previous member's output.
func runPipeline(ctx context.Context, x *execution) (*consensus.Result, error) {
	task := x.task
	var (
		last   types.AgentResult
		stages []types.AgentResult
	)
	for i, m := range x.members {
		stage := i + 1
		x.run.enterTier(stage)
		if i > 0 {
			task = x.task.Derive(last.Content)
		}

		result, err := x.dispatch(ctx, dispatchItem{member: m, tier: stage, task: task})
		x.run.recordResults(stage, result)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, types.Errorf(types.ErrAgentFailure, "pipeline stopped at stage %d (%s)", stage, m.Name).
				WithCause(err).
				WithRetryable(types.IsRetryable(err)).
				WithMetadata("stage", stage).
				WithMetadata("member", m.Name)
		}
		last = result
		stages = append(stages, result)
	}
	return directResult(algorithmPipeline, last, stages), nil
}

// runSwarm sends the task to exactly one member chosen by the distribution strategy.
func runSwarm(ctx context.Context, x *execution) (*consensus.Result, error) {
	x.run.enterTier(1)
	m := x.c.pick(x, x.task)
	x.logger.Debug("swarm member selected",
		zap.String("member", m.Name),
		zap.String("distribution", string(x.def.Coordination.Distribution)),
	)

	result, err := x.dispatch(ctx, dispatchItem{member: m, tier: m.Tier, task: x.task})
	x.run.recordResults(1, result)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, types.Errorf(types.ErrAgentFailure, "swarm member %s failed", m.Name).
			WithCause(err).
			WithRetryable(types.IsRetryable(err))
	}
	return directResult(algorithmSwarm, result, []types.AgentResult{result}), nil
}

// directResult wraps a single authoritative result.
func directResult(alg consensus.Algorithm, r types.AgentResult, contributing []types.AgentResult) *consensus.Result {
	return &consensus.Result{
		Decision:     strings.TrimSpace(r.Content),
		Confidence:   r.Confidence,
		Algorithm:    alg,
		Outcome:      consensus.OutcomeDecided,
		Contributing: contributing,
		Metadata:     map[string]any{"member": r.MemberName},
	}
}

func successful(results []types.AgentResult) []types.AgentResult {
	out := make([]types.AgentResult, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// extractJSON returns the JSON payload of model output, accepting fenced
// code blocks and surrounding prose.
func extractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		s = strings.TrimSpace(body)
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", false
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return "", false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}
