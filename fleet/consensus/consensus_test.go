package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetflow/types"
)

func vote(member, decision string) types.AgentResult {
	return types.AgentResult{MemberName: member, Content: decision, Confidence: 0.9}
}

func failed(member string) types.AgentResult {
	return types.AgentResult{MemberName: member, Error: "timeout"}
}

func TestCompute_Algorithms(t *testing.T) {
	tests := []struct {
		name           string
		results        []types.AgentResult
		cfg            Config
		wantOutcome    Outcome
		wantDecision   string
		wantConfidence float64
	}{
		{
			name:           "majority two of three",
			results:        []types.AgentResult{vote("a", "approve"), vote("b", "approve"), vote("c", "reject")},
			cfg:            Config{Algorithm: AlgorithmMajority, MinVotes: 2},
			wantOutcome:    OutcomeDecided,
			wantDecision:   "approve",
			wantConfidence: 2.0 / 3.0,
		},
		{
			name:        "majority exact tie",
			results:     []types.AgentResult{vote("a", "approve"), vote("b", "reject")},
			cfg:         Config{Algorithm: AlgorithmMajority},
			wantOutcome: OutcomeHumanReview,
		},
		{
			name:        "majority plurality is not enough",
			results:     []types.AgentResult{vote("a", "x"), vote("b", "y"), vote("c", "z"), vote("d", "x")},
			cfg:         Config{Algorithm: AlgorithmMajority},
			wantOutcome: OutcomeHumanReview,
		},
		{
			name:           "majority ignores errored votes",
			results:        []types.AgentResult{vote("a", "approve"), failed("b"), failed("c")},
			cfg:            Config{Algorithm: AlgorithmMajority, MinVotes: 1},
			wantOutcome:    OutcomeDecided,
			wantDecision:   "approve",
			wantConfidence: 1,
		},
		{
			name: "weighted example",
			results: []types.AgentResult{
				vote("A", "approve"), vote("B", "reject"), vote("C", "approve"),
			},
			cfg: Config{
				Algorithm: AlgorithmWeighted,
				Weights:   map[string]float64{"A": 2.0, "B": 1.0, "C": 1.0},
			},
			wantOutcome:    OutcomeDecided,
			wantDecision:   "approve",
			wantConfidence: 0.75,
		},
		{
			name:           "weighted tie goes to smallest decision",
			results:        []types.AgentResult{vote("a", "reject"), vote("b", "approve")},
			cfg:            Config{Algorithm: AlgorithmWeighted},
			wantOutcome:    OutcomeDecided,
			wantDecision:   "approve",
			wantConfidence: 0.5,
		},
		{
			name:           "unanimous agreement with case folding",
			results:        []types.AgentResult{vote("a", "Approve"), vote("b", " approve "), vote("c", "APPROVE")},
			cfg:            Config{Algorithm: AlgorithmUnanimous},
			wantOutcome:    OutcomeDecided,
			wantDecision:   "Approve",
			wantConfidence: 1,
		},
		{
			name:        "unanimous disagreement",
			results:     []types.AgentResult{vote("a", "approve"), vote("b", "approve"), vote("c", "reject")},
			cfg:         Config{Algorithm: AlgorithmUnanimous},
			wantOutcome: OutcomeHumanReview,
		},
		{
			name:        "unanimous counts zero-weight dissent",
			results:     []types.AgentResult{vote("a", "approve"), vote("observer", "reject")},
			cfg:         Config{Algorithm: AlgorithmUnanimous, Weights: map[string]float64{"observer": 0}},
			wantOutcome: OutcomeHumanReview,
		},
		{
			name: "first wins takes arrival order",
			results: []types.AgentResult{
				failed("a"),
				{MemberName: "b", Content: "ship", Confidence: 0.6},
				vote("c", "hold"),
			},
			cfg:            Config{Algorithm: AlgorithmFirstWins},
			wantOutcome:    OutcomeDecided,
			wantDecision:   "ship",
			wantConfidence: 0.6,
		},
		{
			name:        "human review always unresolved",
			results:     []types.AgentResult{vote("a", "approve"), vote("b", "approve")},
			cfg:         Config{Algorithm: AlgorithmHumanReview},
			wantOutcome: OutcomeHumanReview,
		},
		{
			name:        "zero total weight",
			results:     []types.AgentResult{vote("a", "approve")},
			cfg:         Config{Algorithm: AlgorithmMajority, Weights: map[string]float64{"a": 0}},
			wantOutcome: OutcomeHumanReview,
		},
		{
			name:        "partial with nothing to count",
			results:     []types.AgentResult{failed("a")},
			cfg:         Config{Algorithm: AlgorithmMajority, MinVotes: 2, AllowPartial: true},
			wantOutcome: OutcomeHumanReview,
		},
	}

	engine := NewEngine(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.Compute(tt.results, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantDecision, res.Decision)
			assert.InDelta(t, tt.wantConfidence, res.Confidence, 1e-3)
			if tt.wantOutcome == OutcomeHumanReview {
				assert.Zero(t, res.Confidence)
				assert.Contains(t, res.Metadata, MetaResults)
			}
		})
	}
}

func TestCompute_QuorumFailure(t *testing.T) {
	engine := NewEngine(nil)
	results := []types.AgentResult{vote("a", "approve"), failed("b"), failed("c")}

	_, err := engine.Compute(results, Config{Algorithm: AlgorithmMajority, MinVotes: 2})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConsensusFailure))

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Len(t, e.Metadata["partial_results"], 3)
	assert.Equal(t, 1, e.Metadata["successful"])

	res, err := engine.Compute(results, Config{Algorithm: AlgorithmMajority, MinVotes: 2, AllowPartial: true})
	require.NoError(t, err)
	assert.Equal(t, "approve", res.Decision)
	assert.Len(t, res.Metadata[MetaFailed], 2)
}

func TestCompute_MinConfidenceOverride(t *testing.T) {
	engine := NewEngine(nil)
	results := []types.AgentResult{vote("a", "approve"), vote("b", "approve"), vote("c", "reject")}

	res, err := engine.Compute(results, Config{Algorithm: AlgorithmMajority, MinConfidence: 0.8})
	require.NoError(t, err)
	assert.True(t, res.NeedsHumanReview())
	assert.Empty(t, res.Decision)
	assert.Equal(t, "approve", res.Metadata[MetaOriginalDecision])
	assert.InDelta(t, 2.0/3.0, res.Metadata[MetaOriginalConfidence].(float64), 1e-9)

	low := []types.AgentResult{{MemberName: "a", Content: "ship", Confidence: 0.2}}
	res, err = engine.Compute(low, Config{Algorithm: AlgorithmFirstWins, MinConfidence: 0.5})
	require.NoError(t, err)
	assert.True(t, res.NeedsHumanReview())
	assert.Equal(t, "ship", res.Metadata[MetaOriginalDecision])
}

func TestEngine_Register(t *testing.T) {
	engine := NewEngine(nil)

	longest := func(t *Tally) Verdict {
		best := t.Votes[0].Result
		for _, v := range t.Votes[1:] {
			if len(v.Result.Content) > len(best.Content) {
				best = v.Result
			}
		}
		return Verdict{Decision: best.Content, Confidence: 1, Decided: true}
	}

	require.NoError(t, engine.Register("longest", longest))
	assert.True(t, engine.Supports("longest"))
	assert.Error(t, engine.Register("longest", longest))
	assert.Error(t, engine.Register(AlgorithmMajority, longest))
	assert.Error(t, engine.Register("", longest))
	assert.Contains(t, engine.Algorithms(), Algorithm("longest"))

	res, err := engine.Compute([]types.AgentResult{vote("a", "short"), vote("b", "much longer")}, Config{Algorithm: "longest"})
	require.NoError(t, err)
	assert.Equal(t, "much longer", res.Decision)

	_, err = engine.Compute(nil, Config{Algorithm: "nope"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestCompute_DefaultsToMajority(t *testing.T) {
	res, err := NewEngine(nil).Compute([]types.AgentResult{vote("a", "go")}, Config{})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmMajority, res.Algorithm)
	assert.Equal(t, "go", res.Decision)
}
