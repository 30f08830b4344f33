// Package consensus aggregates the results of several agent invocations into
// a single decision with a confidence score.
package consensus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/types"
)

// Algorithm names a consensus algorithm.
type Algorithm string

const (
	AlgorithmMajority    Algorithm = "majority"
	AlgorithmUnanimous   Algorithm = "unanimous"
	AlgorithmWeighted    Algorithm = "weighted"
	AlgorithmFirstWins   Algorithm = "first_wins"
	AlgorithmHumanReview Algorithm = "human_review"
)

// Outcome tells whether the engine produced an actionable decision.
type Outcome string

const (
	OutcomeDecided     Outcome = "decided"
	OutcomeHumanReview Outcome = "human_review"
)

// Metadata keys set on results.
const (
	MetaOriginalDecision   = "original_decision"
	MetaOriginalConfidence = "original_confidence"
	MetaReason             = "reason"
	MetaFailed             = "failed"
	MetaResults            = "results"
	MetaGroups             = "groups"
)

// Config controls one consensus computation.
type Config struct {
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	// MinVotes is the quorum of successful results required.
	MinVotes int `json:"min_votes" yaml:"min_votes"`
	// Timeout bounds each member invocation; enforced by the caller.
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	AllowPartial  bool          `json:"allow_partial" yaml:"allow_partial"`
	MinConfidence float64       `json:"min_confidence" yaml:"min_confidence"`
	// Weights overrides the default weight of 1.0 per member name.
	Weights map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// WeightOf returns the voting weight of a member.
func (c Config) WeightOf(member string) float64 {
	if w, ok := c.Weights[member]; ok {
		if w < 0 {
			return 0
		}
		return w
	}
	return 1.0
}

// Result is the derived outcome of a consensus computation.
type Result struct {
	Decision     string              `json:"decision"`
	Confidence   float64             `json:"confidence"`
	Algorithm    Algorithm           `json:"algorithm"`
	Outcome      Outcome             `json:"outcome"`
	Contributing []types.AgentResult `json:"contributing"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// NeedsHumanReview reports whether the result is unresolved.
func (r *Result) NeedsHumanReview() bool {
	return r.Outcome == OutcomeHumanReview
}

// Vote is a successful result with its weight and grouping key.
type Vote struct {
	Result types.AgentResult
	Weight float64
	Key    string
}

// Group is the set of votes sharing a normalised decision.
type Group struct {
	Key      string  `json:"key"`
	Decision string  `json:"decision"`
	Weight   float64 `json:"weight"`
	Count    int     `json:"count"`
}

// Tally is the input handed to an algorithm: votes in arrival order and
// groups in first-seen order.
type Tally struct {
	Votes  []Vote
	Groups []Group
	Total  float64
}

// Leader returns the heaviest group; exact ties go to the lexicographically
// smallest key. ok is false when there are no groups.
func (t *Tally) Leader() (g Group, tied bool, ok bool) {
	if len(t.Groups) == 0 {
		return Group{}, false, false
	}
	sorted := append([]Group(nil), t.Groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Key < sorted[j].Key
	})
	tied = len(sorted) > 1 && sorted[1].Weight == sorted[0].Weight
	return sorted[0], tied, true
}

// Verdict is what an algorithm decides over a tally.
type Verdict struct {
	Decision   string
	Confidence float64
	Decided    bool
	// Reason explains an undecided verdict.
	Reason string
}

// AlgorithmFunc decides over a tally.
type AlgorithmFunc func(t *Tally) Verdict

// Engine computes consensus through a table of algorithms.
type Engine struct {
	mu         sync.RWMutex
	algorithms map[Algorithm]AlgorithmFunc
	logger     *zap.Logger
}

// NewEngine creates an engine with the built-in algorithms.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		algorithms: map[Algorithm]AlgorithmFunc{
			AlgorithmMajority:    majority,
			AlgorithmUnanimous:   unanimous,
			AlgorithmWeighted:    weighted,
			AlgorithmFirstWins:   firstWins,
			AlgorithmHumanReview: humanReview,
		},
		logger: logger.With(zap.String("component", "consensus")),
	}
}

// Register adds a custom algorithm. Existing names cannot be replaced.
func (e *Engine) Register(name Algorithm, fn AlgorithmFunc) error {
	if name == "" || fn == nil {
		return types.NewError(types.ErrInvalidRequest, "algorithm name and function are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.algorithms[name]; exists {
		return types.Errorf(types.ErrInvalidRequest, "consensus algorithm %q already registered", name)
	}
	e.algorithms[name] = fn
	e.logger.Info("consensus algorithm registered", zap.String("algorithm", string(name)))
	return nil
}

// Supports reports whether the algorithm is known.
func (e *Engine) Supports(name Algorithm) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.algorithms[name]
	return ok
}

// Algorithms lists the known algorithm names.
func (e *Engine) Algorithms() []Algorithm {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]Algorithm, 0, len(e.algorithms))
	for name := range e.algorithms {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Compute aggregates results under cfg. Errored results never vote. A quorum
// breach without AllowPartial returns a CONSENSUS_FAILURE error carrying the
// partial results.
func (e *Engine) Compute(results []types.AgentResult, cfg Config) (*Result, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmMajority
	}

	e.mu.RLock()
	fn, ok := e.algorithms[algorithm]
	e.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown consensus algorithm %q", algorithm)
	}

	var failed []types.AgentResult
	tally := &Tally{}
	index := make(map[string]int)
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, r)
			continue
		}
		decision := strings.TrimSpace(r.Content)
		key := Normalize(decision)
		w := cfg.WeightOf(r.MemberName)

		tally.Votes = append(tally.Votes, Vote{Result: r, Weight: w, Key: key})
		tally.Total += w
		i, seen := index[key]
		if !seen {
			i = len(tally.Groups)
			index[key] = i
			tally.Groups = append(tally.Groups, Group{Key: key, Decision: decision})
		}
		tally.Groups[i].Weight += w
		tally.Groups[i].Count++
	}

	if len(tally.Votes) < cfg.MinVotes && !cfg.AllowPartial {
		return nil, types.Errorf(types.ErrConsensusFailure,
			"quorum not met: %d of %d required votes", len(tally.Votes), cfg.MinVotes).
			WithMetadata("partial_results", append([]types.AgentResult(nil), results...)).
			WithMetadata("successful", len(tally.Votes)).
			WithMetadata("failed", len(failed))
	}

	var verdict Verdict
	if len(tally.Votes) == 0 {
		verdict = Verdict{Reason: "no successful votes"}
	} else {
		verdict = fn(tally)
	}

	result := &Result{
		Algorithm:    algorithm,
		Contributing: votesToResults(tally.Votes),
		Metadata:     map[string]any{MetaGroups: tally.Groups},
	}
	if len(failed) > 0 {
		result.Metadata[MetaFailed] = failed
	}

	switch {
	case !verdict.Decided:
		result.Outcome = OutcomeHumanReview
		result.Metadata[MetaReason] = verdict.Reason
		result.Metadata[MetaResults] = append([]types.AgentResult(nil), results...)
	case verdict.Confidence < cfg.MinConfidence:
		result.Outcome = OutcomeHumanReview
		result.Metadata[MetaReason] = fmt.Sprintf("confidence %.3f below minimum %.3f", verdict.Confidence, cfg.MinConfidence)
		result.Metadata[MetaOriginalDecision] = verdict.Decision
		result.Metadata[MetaOriginalConfidence] = verdict.Confidence
		result.Metadata[MetaResults] = append([]types.AgentResult(nil), results...)
	default:
		result.Outcome = OutcomeDecided
		result.Decision = verdict.Decision
		result.Confidence = verdict.Confidence
	}

	e.logger.Debug("consensus computed",
		zap.String("algorithm", string(algorithm)),
		zap.String("outcome", string(result.Outcome)),
		zap.String("decision", result.Decision),
		zap.Float64("confidence", result.Confidence),
		zap.Int("votes", len(tally.Votes)),
		zap.Int("failed", len(failed)),
	)
	return result, nil
}

// Normalize returns the grouping key of a decision.
func Normalize(decision string) string {
	return strings.ToLower(strings.TrimSpace(decision))
}

func votesToResults(votes []Vote) []types.AgentResult {
	out := make([]types.AgentResult, len(votes))
	for i, v := range votes {
		out[i] = v.Result
	}
	return out
}
