package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/types"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status is final. Paused runs can be resumed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a goroutine is still driving the run.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusWaitingApproval
}

// StepExecution is one entry of the run history.
type StepExecution struct {
	StepID string   `json:"step_id"`
	Type   StepType `json:"type"`
	// Branch is the start step of the parallel branch that ran the step.
	Branch    string    `json:"branch,omitempty"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts,omitempty"`
	Next      string    `json:"next,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

const (
	stepSucceeded = "succeeded"
	stepFailed    = "failed"
	stepCancelled = "cancelled"
)

// Run tracks one workflow execution. State and position are mutated only by
// the run's committing goroutine; readers use Snapshot.
type Run struct {
	mu             sync.RWMutex
	id             string
	workflowName   string
	currentStep    string
	state          map[string]any
	status         Status
	history        []StepExecution
	err            error
	lastCheckpoint string
	sequence       int64
	pending        *hitl.ApprovalRequest
	waitUntil      *time.Time
	startedAt      time.Time
	endedAt        time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// RunSnapshot is a point-in-time copy of a run.
type RunSnapshot struct {
	ID               string                `json:"id"`
	WorkflowName     string                `json:"workflow_name"`
	CurrentStep      string                `json:"current_step"`
	State            map[string]any        `json:"state"`
	Status           Status                `json:"status"`
	History          []StepExecution       `json:"history,omitempty"`
	Error            *types.Error          `json:"error,omitempty"`
	LastCheckpointID string                `json:"last_checkpoint_id,omitempty"`
	PendingApproval  *hitl.ApprovalRequest `json:"pending_approval,omitempty"`
	WaitUntil        *time.Time            `json:"wait_until,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	EndedAt          time.Time             `json:"ended_at,omitempty"`
}

func newRun(id, workflow, step string, state map[string]any, startedAt time.Time) *Run {
	return &Run{
		id:           id,
		workflowName: workflow,
		currentStep:  step,
		state:        state,
		status:       StatusRunning,
		startedAt:    startedAt,
		done:         make(chan struct{}),
	}
}

// restoreRun rebuilds a run from its latest checkpoint.
func restoreRun(cp *Checkpoint) *Run {
	r := newRun(cp.RunID, cp.WorkflowName, cp.StepID, cloneState(cp.State), cp.StartedAt)
	r.history = append([]StepExecution(nil), cp.History...)
	r.lastCheckpoint = cp.ID
	r.sequence = cp.Sequence
	r.pending = cp.Pending.Clone()
	if cp.WaitUntil != nil {
		t := *cp.WaitUntil
		r.waitUntil = &t
	}
	if r.startedAt.IsZero() {
		r.startedAt = cp.CreatedAt
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed once the run stops: terminal or paused.
func (r *Run) Done() <-chan struct{} { return r.done }

// Status returns the current status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Err returns the terminal error, if any.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// State returns a copy of the current state.
func (r *Run) State() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneState(r.state)
}

// Snapshot copies the run.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RunSnapshot{
		ID:               r.id,
		WorkflowName:     r.workflowName,
		CurrentStep:      r.currentStep,
		State:            cloneState(r.state),
		Status:           r.status,
		History:          append([]StepExecution(nil), r.history...),
		LastCheckpointID: r.lastCheckpoint,
		PendingApproval:  r.pending.Clone(),
		StartedAt:        r.startedAt,
		EndedAt:          r.endedAt,
	}
	if r.waitUntil != nil {
		t := *r.waitUntil
		snap.WaitUntil = &t
	}
	snap.Error = asTypedError(r.err)
	return snap
}

func asTypedError(err error) *types.Error {
	if err == nil {
		return nil
	}
	if e, ok := types.AsError(err); ok {
		return e
	}
	return types.NewError(types.ErrInternalError, err.Error())
}

// checkpoint builds the next checkpoint of the run. Callers hold no lock.
func (r *Run) checkpoint(id string, now time.Time) *Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	cp := &Checkpoint{
		ID:           id,
		RunID:        r.id,
		WorkflowName: r.workflowName,
		StepID:       r.currentStep,
		Sequence:     r.sequence,
		State:        cloneState(r.state),
		Status:       r.status,
		Pending:      r.pending.Clone(),
		History:      append([]StepExecution(nil), r.history...),
		Error:        asTypedError(r.err),
		StartedAt:    r.startedAt,
		CreatedAt:    now,
	}
	if r.waitUntil != nil {
		t := *r.waitUntil
		cp.WaitUntil = &t
	}
	return cp
}

func (r *Run) setCheckpoint(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheckpoint = id
}

func (r *Run) commit(state map[string]any, next string, history ...StepExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state != nil {
		r.state = state
	}
	r.history = append(r.history, history...)
	r.currentStep = next
}

// current returns the step to execute and the canonical state. The state
// map is owned by the committing goroutine.
func (r *Run) current() (string, map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentStep, r.state
}

func (r *Run) suspendOnApproval(req *hitl.ApprovalRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = req.Clone()
	r.status = StatusWaitingApproval
}

func (r *Run) suspendUntil(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitUntil = &t
}

func (r *Run) resumeRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.waitUntil = nil
	r.status = StatusRunning
}

func (r *Run) pendingFor(stepID string) *hitl.ApprovalRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil || r.pending.StepID != stepID {
		return nil
	}
	return r.pending.Clone()
}

func (r *Run) waitFor() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.waitUntil == nil {
		return nil
	}
	t := *r.waitUntil
	return &t
}

// finish moves the run to a terminal or paused status. Done is closed by
// release after observers are notified.
func (r *Run) finish(status Status, err error, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || r.status == StatusPaused {
		return false
	}
	r.status = status
	r.err = err
	if status != StatusPaused {
		r.pending = nil
		r.waitUntil = nil
		r.endedAt = now
	}
	return true
}

func (r *Run) release() {
	close(r.done)
}

func sortSnapshots(out []RunSnapshot) {
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
}
