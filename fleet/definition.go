package fleet

import (
	"sort"
	"time"

	"github.com/BaSui01/fleetflow/fleet/consensus"
)

// Role is a member's function within a fleet.
type Role string

const (
	RoleWorker     Role = "worker"
	RoleManager    Role = "manager"
	RoleSpecialist Role = "specialist"
	RoleValidator  Role = "validator"
)

// Mode selects how members are coordinated.
type Mode string

const (
	ModePeer         Mode = "peer"
	ModeHierarchical Mode = "hierarchical"
	ModePipeline     Mode = "pipeline"
	ModeSwarm        Mode = "swarm"
	ModeTiered       Mode = "tiered"
	ModeDeep         Mode = "deep"
)

// Distribution picks the member that receives a swarm task.
type Distribution string

const (
	DistributionRoundRobin  Distribution = "round_robin"
	DistributionLeastLoaded Distribution = "least_loaded"
	DistributionRandom      Distribution = "random"
	DistributionSkillBased  Distribution = "skill_based"
	DistributionSticky      Distribution = "sticky"
)

// FinalAggregation decides how the last tier of a tiered fleet is reduced.
type FinalAggregation string

const (
	AggregateConsensus FinalAggregation = "consensus"
	AggregateManager   FinalAggregation = "manager"
)

const (
	defaultMaxIterations = 5
	defaultBlackboardTTL = time.Hour
)

// Member is one agent of a fleet. Members are immutable during a run.
type Member struct {
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`
	// Tier defaults to 1.
	Tier int `json:"tier,omitempty" yaml:"tier,omitempty"`
	// Weight defaults to 1.0 when nil; zero is a valid weight.
	Weight        *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	CapabilityRef string   `json:"capability_ref" yaml:"capability_ref"`
	Skills        []string `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// EffectiveWeight returns the voting weight of the member.
func (m Member) EffectiveWeight() float64 {
	if m.Weight == nil {
		return 1.0
	}
	return *m.Weight
}

// Weight returns a pointer for Member.Weight literals.
func Weight(w float64) *float64 { return &w }

// TieredConfig configures tiered mode.
type TieredConfig struct {
	// PassAllResults forwards every raw result of a tier instead of its consensus.
	PassAllResults   bool             `json:"pass_all_results" yaml:"pass_all_results"`
	FinalAggregation FinalAggregation `json:"final_aggregation" yaml:"final_aggregation"`
}

// DeepConfig configures deep mode. Empty member names fall back to the
// first manager (planner, synthesizer) and the remaining members (executors).
type DeepConfig struct {
	MaxIterations int      `json:"max_iterations" yaml:"max_iterations"`
	Planner       string   `json:"planner,omitempty" yaml:"planner,omitempty"`
	Executors     []string `json:"executors,omitempty" yaml:"executors,omitempty"`
	Synthesizer   string   `json:"synthesizer,omitempty" yaml:"synthesizer,omitempty"`
}

// HierarchicalConfig configures hierarchical mode.
type HierarchicalConfig struct {
	// Manager names the managing member; defaults to the first manager role.
	Manager string `json:"manager,omitempty" yaml:"manager,omitempty"`
	// Vote runs consensus over worker results instead of manager synthesis.
	Vote bool `json:"vote,omitempty" yaml:"vote,omitempty"`
}

// CoordinationConfig selects and tunes the coordination mode.
type CoordinationConfig struct {
	Mode         Mode                `json:"mode" yaml:"mode"`
	Distribution Distribution        `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Consensus    consensus.Config    `json:"consensus" yaml:"consensus"`
	Tiered       *TieredConfig       `json:"tiered,omitempty" yaml:"tiered,omitempty"`
	Deep         *DeepConfig         `json:"deep,omitempty" yaml:"deep,omitempty"`
	Hierarchical *HierarchicalConfig `json:"hierarchical,omitempty" yaml:"hierarchical,omitempty"`
	// MaxConcurrency bounds concurrent dispatches of one run; zero is unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	// DispatchRate caps dispatches per second of one run; zero is unlimited.
	DispatchRate float64 `json:"dispatch_rate,omitempty" yaml:"dispatch_rate,omitempty"`
}

// Definition is a validated, immutable fleet description.
type Definition struct {
	Name         string             `json:"name" yaml:"name"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Members      []Member           `json:"members" yaml:"members"`
	Coordination CoordinationConfig `json:"coordination" yaml:"coordination"`
	// BlackboardTTL bounds how long broadcast entries live; defaults to one hour.
	BlackboardTTL time.Duration `json:"blackboard_ttl,omitempty" yaml:"blackboard_ttl,omitempty"`
}

// withDefaults returns a copy with every optional field resolved.
func (d *Definition) withDefaults() *Definition {
	out := *d
	out.Members = make([]Member, len(d.Members))
	for i, m := range d.Members {
		if m.Role == "" {
			m.Role = RoleWorker
		}
		if m.Tier == 0 {
			m.Tier = 1
		}
		out.Members[i] = m
	}

	c := &out.Coordination
	if c.Distribution == "" {
		c.Distribution = DistributionLeastLoaded
	}
	if c.Consensus.Algorithm == "" {
		c.Consensus.Algorithm = consensus.AlgorithmMajority
	}
	if c.Tiered == nil {
		c.Tiered = &TieredConfig{}
	} else {
		t := *c.Tiered
		c.Tiered = &t
	}
	if c.Tiered.FinalAggregation == "" {
		c.Tiered.FinalAggregation = AggregateConsensus
	}
	if c.Deep == nil {
		c.Deep = &DeepConfig{}
	} else {
		dc := *c.Deep
		c.Deep = &dc
	}
	if c.Deep.MaxIterations == 0 {
		c.Deep.MaxIterations = defaultMaxIterations
	}
	if c.Hierarchical == nil {
		c.Hierarchical = &HierarchicalConfig{}
	}
	if out.BlackboardTTL == 0 {
		out.BlackboardTTL = defaultBlackboardTTL
	}
	return &out
}

// Member returns the member with the given name.
func (d *Definition) Member(name string) (Member, bool) {
	for _, m := range d.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// Tiers returns the distinct tiers in ascending order.
func (d *Definition) Tiers() []int {
	seen := map[int]bool{}
	var tiers []int
	for _, m := range d.Members {
		tier := m.Tier
		if tier == 0 {
			tier = 1
		}
		if !seen[tier] {
			seen[tier] = true
			tiers = append(tiers, tier)
		}
	}
	sort.Ints(tiers)
	return tiers
}

// consensusConfig merges member weights with configured overrides.
func (d *Definition) consensusConfig() consensus.Config {
	cfg := d.Coordination.Consensus
	weights := make(map[string]float64, len(d.Members))
	for _, m := range d.Members {
		weights[m.Name] = m.EffectiveWeight()
	}
	for name, w := range cfg.Weights {
		weights[name] = w
	}
	cfg.Weights = weights
	return cfg
}
