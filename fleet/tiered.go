package fleet

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

// runTiered executes tiers in ascending order. Each tier runs peer-style and
// its consensus counts only its own members.
func runTiered(ctx context.Context, x *execution) (*consensus.Result, error) {
	tc := x.def.Coordination.Tiered
	tiers := x.def.Tiers()

	var (
		prevResults []types.AgentResult
		prevFinal   *consensus.Result
	)
	for i, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x.run.enterTier(tier)
		last := i == len(tiers)-1
		members := x.membersInTier(tier)

		var synthesizer *boundMember
		if last && tc.FinalAggregation == AggregateManager {
			var rest []boundMember
			for _, m := range members {
				if m.Role == RoleManager && synthesizer == nil {
					synthesizer = &m
					continue
				}
				if m.Role != RoleManager {
					rest = append(rest, m)
				}
			}
			members = rest
		}

		task := x.task.Derive(x.task.Content).WithContext(ContextTier, tier)
		if i > 0 {
			if tc.PassAllResults {
				task.WithContext(ContextPreviousResults, prevResults)
			} else {
				task.WithContext(ContextPreviousConsensus, prevFinal).
					WithContext(ContextPreviousDecision, prevFinal.Decision)
			}
		}

		var results []types.AgentResult
		if len(members) > 0 {
			results = x.fanOut(ctx, tier, x.items(members, tier, task), x.firstWins())
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if synthesizer != nil {
			input := results
			if len(members) == 0 {
				input = prevResults
			}
			final, err := managerSynthesis(ctx, x, *synthesizer, tier, task, input)
			if err == nil {
				return final, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(members) == 0 {
				// The tier has nobody else to vote; keep the previous tier's decision.
				if prevFinal == nil {
					return nil, types.Errorf(types.ErrConsensusFailure, "tier %d synthesis failed", tier).
						WithCause(err).
						WithMetadata("tier", tier)
				}
				x.logger.Warn("final tier synthesis failed, keeping previous tier decision",
					zap.String("manager", synthesizer.Name), zap.Error(err))
				prevFinal.Metadata = withMeta(prevFinal.Metadata, MetaSynthesisFallback, true)
				return prevFinal, nil
			}
			x.logger.Warn("final tier synthesis failed, falling back to consensus",
				zap.String("manager", synthesizer.Name), zap.Error(err))
		}

		final, err := x.decide(ctx, results, x.cfg)
		if err != nil {
			return nil, types.Errorf(types.ErrConsensusFailure, "tier %d consensus failed", tier).
				WithCause(err).
				WithMetadata("tier", tier).
				WithMetadata("partial_results", results)
		}
		x.logger.Debug("tier completed",
			zap.Int("tier", tier),
			zap.String("outcome", string(final.Outcome)),
			zap.String("decision", final.Decision),
		)
		prevResults, prevFinal = results, final
	}
	return prevFinal, nil
}
