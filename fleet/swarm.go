package fleet

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/BaSui01/fleetflow/types"
)

// distributor picks one member for a task. members is never empty.
type distributor func(c *Coordinator, x *execution, task *types.Task) boundMember

var distributors = map[Distribution]distributor{
	DistributionRoundRobin:  pickRoundRobin,
	DistributionLeastLoaded: pickLeastLoaded,
	DistributionRandom:      pickRandom,
	DistributionSkillBased:  pickSkillBased,
	DistributionSticky:      pickSticky,
}

func (c *Coordinator) pick(x *execution, task *types.Task) boundMember {
	fn, ok := distributors[x.def.Coordination.Distribution]
	if !ok {
		fn = pickLeastLoaded
	}
	return fn(c, x, task)
}

func pickRoundRobin(c *Coordinator, x *execution, _ *types.Task) boundMember {
	n := c.nextRoundRobin(x.def.Name)
	return x.members[n%uint64(len(x.members))]
}

// pickLeastLoaded breaks ties by declaration order.
func pickLeastLoaded(c *Coordinator, x *execution, _ *types.Task) boundMember {
	return leastLoaded(c, x.def.Name, x.members)
}

func leastLoaded(c *Coordinator, fleet string, members []boundMember) boundMember {
	best := members[0]
	bestLoad := c.loads.get(fleet, best.Name)
	for _, m := range members[1:] {
		if l := c.loads.get(fleet, m.Name); l < bestLoad {
			best, bestLoad = m, l
		}
	}
	return best
}

func pickRandom(c *Coordinator, x *execution, _ *types.Task) boundMember {
	return x.members[c.randIntn(len(x.members))]
}

// pickSkillBased prefers the member covering most task skills; ties and
// tasks without skills fall back to least loaded.
func pickSkillBased(c *Coordinator, x *execution, task *types.Task) boundMember {
	want := make(map[string]bool, len(task.Skills))
	for _, s := range task.Skills {
		want[strings.ToLower(strings.TrimSpace(s))] = true
	}
	if len(want) == 0 {
		return leastLoaded(c, x.def.Name, x.members)
	}

	bestScore := 0
	var best []boundMember
	for _, m := range x.members {
		score := 0
		for _, s := range m.Skills {
			if want[strings.ToLower(strings.TrimSpace(s))] {
				score++
			}
		}
		switch {
		case score > bestScore:
			bestScore = score
			best = []boundMember{m}
		case score == bestScore && score > 0:
			best = append(best, m)
		}
	}
	if len(best) == 0 {
		return leastLoaded(c, x.def.Name, x.members)
	}
	return leastLoaded(c, x.def.Name, best)
}

// pickSticky hashes the sticky key, falling back to the task ID, so related
// tasks land on the same member while membership is unchanged.
func pickSticky(c *Coordinator, x *execution, task *types.Task) boundMember {
	key := task.StickyKey
	if key == "" {
		key = task.ID
	}
	if key == "" {
		return pickRoundRobin(c, x, task)
	}
	return x.members[xxhash.Sum64String(key)%uint64(len(x.members))]
}
