package fleet

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

var (
	validRoles = map[Role]bool{
		RoleWorker: true, RoleManager: true, RoleSpecialist: true, RoleValidator: true,
	}
	validDistributions = map[Distribution]bool{
		DistributionRoundRobin: true, DistributionLeastLoaded: true, DistributionRandom: true,
		DistributionSkillBased: true, DistributionSticky: true,
	}
	validAggregations = map[FinalAggregation]bool{
		AggregateConsensus: true, AggregateManager: true,
	}
)

// Validate checks a definition before it may run. engine decides which
// consensus algorithms are known; nil uses the built-in set. Every problem
// found is reported in one VALIDATION error.
func Validate(def *Definition, engine *consensus.Engine) error {
	if def == nil {
		return types.NewError(types.ErrValidation, "fleet definition is nil")
	}
	if engine == nil {
		engine = consensus.NewEngine(nil)
	}

	d := def.withDefaults()
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if d.Name == "" {
		add("fleet name is required")
	}
	if len(d.Members) == 0 {
		add("fleet has no members")
	}

	names := make(map[string]bool, len(d.Members))
	for i, m := range d.Members {
		switch {
		case m.Name == "":
			add("member %d has no name", i)
		case names[m.Name]:
			add("duplicate member %q", m.Name)
		}
		names[m.Name] = true
		if m.CapabilityRef == "" {
			add("member %q has no capability_ref", m.Name)
		}
		if !validRoles[m.Role] {
			add("member %q has unknown role %q", m.Name, m.Role)
		}
		if m.Tier < 0 {
			add("member %q has negative tier", m.Name)
		}
		if m.EffectiveWeight() < 0 {
			add("member %q has negative weight", m.Name)
		}
	}

	c := d.Coordination
	switch c.Mode {
	case ModePeer, ModePipeline, ModeSwarm:
	case ModeHierarchical:
		manager, ok := hierarchicalManager(d)
		if !ok {
			add("hierarchical mode requires a manager member")
		} else if len(d.Members) < 2 {
			add("hierarchical mode requires at least one worker besides manager %q", manager.Name)
		}
	case ModeTiered:
		if !validAggregations[c.Tiered.FinalAggregation] {
			add("unknown final_aggregation %q", c.Tiered.FinalAggregation)
		} else if c.Tiered.FinalAggregation == AggregateManager {
			tiers := d.Tiers()
			if len(tiers) > 0 && len(membersWithRole(membersInTier(d.Members, tiers[len(tiers)-1]), RoleManager)) == 0 {
				add("final_aggregation manager requires a manager in tier %d", tiers[len(tiers)-1])
			}
		}
	case ModeDeep:
		if c.Deep.MaxIterations < 1 {
			add("deep.max_iterations must be positive")
		}
		for _, name := range append([]string{c.Deep.Planner, c.Deep.Synthesizer}, c.Deep.Executors...) {
			if name != "" && !names[name] {
				add("deep mode references unknown member %q", name)
			}
		}
	default:
		add("unknown coordination mode %q", c.Mode)
	}

	if !validDistributions[c.Distribution] {
		add("unknown distribution %q", c.Distribution)
	}

	cc := c.Consensus
	if !engine.Supports(cc.Algorithm) {
		add("unknown consensus algorithm %q", cc.Algorithm)
	}
	if cc.MinVotes < 0 || cc.MinVotes > len(d.Members) {
		add("min_votes %d out of range [0, %d]", cc.MinVotes, len(d.Members))
	}
	if cc.MinConfidence < 0 || cc.MinConfidence > 1 {
		add("min_confidence %.3f out of range [0, 1]", cc.MinConfidence)
	}
	if cc.Timeout < 0 {
		add("consensus timeout must not be negative")
	}
	for name, w := range cc.Weights {
		if !names[name] {
			add("weight for unknown member %q", name)
		}
		if w < 0 {
			add("weight for %q is negative", name)
		}
	}

	if c.MaxConcurrency < 0 {
		add("max_concurrency must not be negative")
	}
	if c.DispatchRate < 0 {
		add("dispatch_rate must not be negative")
	}
	if d.BlackboardTTL < 0 {
		add("blackboard_ttl must not be negative")
	}

	if errs != nil {
		return types.Errorf(types.ErrValidation, "invalid fleet %q", def.Name).WithCause(errs)
	}
	return nil
}

func hierarchicalManager(d *Definition) (Member, bool) {
	if name := d.Coordination.Hierarchical.Manager; name != "" {
		return d.Member(name)
	}
	managers := membersWithRole(d.Members, RoleManager)
	if len(managers) == 0 {
		return Member{}, false
	}
	return managers[0], true
}

func membersWithRole(members []Member, role Role) []Member {
	var out []Member
	for _, m := range members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func membersInTier(members []Member, tier int) []Member {
	var out []Member
	for _, m := range members {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}
