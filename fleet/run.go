package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

// Status is the lifecycle state of a fleet run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run tracks one fleet execution. It is mutated only by the coordinator;
// readers use Snapshot.
type Run struct {
	mu          sync.RWMutex
	id          string
	fleetName   string
	mode        Mode
	status      Status
	currentTier int
	tierResults map[int][]types.AgentResult
	final       *consensus.Result
	err         error
	startedAt   time.Time
	endedAt     time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// RunSnapshot is a point-in-time copy of a run.
type RunSnapshot struct {
	ID          string                      `json:"id"`
	FleetName   string                      `json:"fleet_name"`
	Mode        Mode                        `json:"mode"`
	Status      Status                      `json:"status"`
	CurrentTier int                         `json:"current_tier"`
	TierResults map[int][]types.AgentResult `json:"tier_results,omitempty"`
	Final       *consensus.Result           `json:"final,omitempty"`
	Error       *types.Error                `json:"error,omitempty"`
	StartedAt   time.Time                   `json:"started_at"`
	EndedAt     time.Time                   `json:"ended_at,omitempty"`
}

func newRun(id string, def *Definition, cancel context.CancelCauseFunc) *Run {
	return &Run{
		id:          id,
		fleetName:   def.Name,
		mode:        def.Coordination.Mode,
		status:      StatusRunning,
		tierResults: make(map[int][]types.AgentResult),
		startedAt:   time.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed once the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Status returns the current status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Result returns the final consensus and error once the run is terminal.
func (r *Run) Result() (*consensus.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.final, r.err
}

// Snapshot copies the run state.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make(map[int][]types.AgentResult, len(r.tierResults))
	for tier, results := range r.tierResults {
		tiers[tier] = append([]types.AgentResult(nil), results...)
	}
	snap := RunSnapshot{
		ID:          r.id,
		FleetName:   r.fleetName,
		Mode:        r.mode,
		Status:      r.status,
		CurrentTier: r.currentTier,
		TierResults: tiers,
		Final:       r.final,
		StartedAt:   r.startedAt,
		EndedAt:     r.endedAt,
	}
	if r.err != nil {
		if e, ok := types.AsError(r.err); ok {
			snap.Error = e
		} else {
			snap.Error = types.NewError(types.ErrInternalError, r.err.Error())
		}
	}
	return snap
}

// AllResults returns every recorded result ordered by tier.
func (s RunSnapshot) AllResults() []types.AgentResult {
	tiers := make([]int, 0, len(s.TierResults))
	for tier := range s.TierResults {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)
	var out []types.AgentResult
	for _, tier := range tiers {
		out = append(out, s.TierResults[tier]...)
	}
	return out
}

func (r *Run) enterTier(tier int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTier = tier
}

func (r *Run) recordResults(tier int, results ...types.AgentResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tierResults[tier] = append(r.tierResults[tier], results...)
}

// finish moves the run to a terminal status. Final is kept only for
// completed runs. Done is closed separately by release so observers are
// notified first.
func (r *Run) finish(status Status, final *consensus.Result, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return false
	}
	r.status = status
	r.err = err
	if status == StatusCompleted {
		r.final = final
	}
	r.endedAt = time.Now()
	return true
}

func (r *Run) release() {
	close(r.done)
}
