package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

func validDefinition() *Definition {
	return &Definition{
		Name: "ok",
		Members: []Member{
			{Name: "lead", Role: RoleManager, CapabilityRef: "lead"},
			{Name: "w", CapabilityRef: "w"},
		},
		Coordination: CoordinationConfig{Mode: ModeHierarchical},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr string
	}{
		{name: "valid", mutate: func(d *Definition) {}},
		{name: "missing name", mutate: func(d *Definition) { d.Name = "" }, wantErr: "fleet name is required"},
		{name: "duplicate member", mutate: func(d *Definition) { d.Members[1].Name = "lead" }, wantErr: `duplicate member "lead"`},
		{name: "unknown mode", mutate: func(d *Definition) { d.Coordination.Mode = "mesh" }, wantErr: `unknown coordination mode "mesh"`},
		{name: "no manager", mutate: func(d *Definition) { d.Members[0].Role = RoleWorker }, wantErr: "requires a manager"},
		{name: "negative weight", mutate: func(d *Definition) { d.Members[1].Weight = Weight(-1) }, wantErr: "negative weight"},
		{name: "zero weight allowed", mutate: func(d *Definition) { d.Members[1].Weight = Weight(0) }},
		{name: "unknown algorithm", mutate: func(d *Definition) { d.Coordination.Consensus.Algorithm = "borda" }, wantErr: `unknown consensus algorithm "borda"`},
		{name: "min votes too high", mutate: func(d *Definition) { d.Coordination.Consensus.MinVotes = 3 }, wantErr: "min_votes 3 out of range"},
		{name: "min confidence", mutate: func(d *Definition) { d.Coordination.Consensus.MinConfidence = 1.5 }, wantErr: "min_confidence"},
		{name: "weights for unknown member", mutate: func(d *Definition) {
			d.Coordination.Consensus.Weights = map[string]float64{"ghost": 1}
		}, wantErr: `weight for unknown member "ghost"`},
		{name: "deep unknown executor", mutate: func(d *Definition) {
			d.Coordination.Mode = ModeDeep
			d.Coordination.Deep = &DeepConfig{Executors: []string{"nobody"}}
		}, wantErr: `unknown member "nobody"`},
		{name: "tiered manager aggregation without manager", mutate: func(d *Definition) {
			d.Coordination.Mode = ModeTiered
			d.Members[1].Tier = 2
			d.Coordination.Tiered = &TieredConfig{FinalAggregation: AggregateManager}
		}, wantErr: "requires a manager in tier 2"},
		{name: "bad distribution", mutate: func(d *Definition) { d.Coordination.Distribution = "hash" }, wantErr: `unknown distribution "hash"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			err := Validate(d, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	d := &Definition{
		Members: []Member{{Name: "a"}, {Name: "a", Role: "boss"}},
		Coordination: CoordinationConfig{
			Mode:      ModePeer,
			Consensus: consensus.Config{MinConfidence: -1},
		},
	}
	err := Validate(d, nil)
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(multierr.Errors(e.Cause)), 5)
}

func TestValidate_CustomAlgorithm(t *testing.T) {
	engine := consensus.NewEngine(nil)
	require.NoError(t, engine.Register("veto", func(t *consensus.Tally) consensus.Verdict {
		return consensus.Verdict{Reason: "vetoed"}
	}))

	d := validDefinition()
	d.Coordination.Consensus.Algorithm = "veto"
	assert.NoError(t, Validate(d, engine))
	assert.Error(t, Validate(d, nil))
}

func TestDefinition_ConsensusConfigMergesWeights(t *testing.T) {
	d := &Definition{
		Members: []Member{
			{Name: "a", Weight: Weight(2)},
			{Name: "b"},
			{Name: "c", Weight: Weight(0)},
		},
		Coordination: CoordinationConfig{Consensus: consensus.Config{Weights: map[string]float64{"b": 3}}},
	}
	cfg := d.consensusConfig()
	assert.Equal(t, map[string]float64{"a": 2, "b": 3, "c": 0}, cfg.Weights)
	assert.Equal(t, []int{1}, d.Tiers())
}
