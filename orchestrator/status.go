package orchestrator

import (
	"sort"
	"time"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
	"github.com/BaSui01/fleetflow/workflow"
)

// Kind tells fleet runs from workflow runs.
type Kind string

const (
	KindFleet    Kind = "fleet"
	KindWorkflow Kind = "workflow"
)

// Status is the queryable view of a fleet or workflow run.
type Status struct {
	RunID  string `json:"run_id"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`

	// Workflow runs.
	CurrentStep     string                   `json:"current_step,omitempty"`
	State           map[string]any           `json:"state,omitempty"`
	History         []workflow.StepExecution `json:"history,omitempty"`
	PendingApproval *hitl.ApprovalRequest    `json:"pending_approval,omitempty"`
	WaitUntil       *time.Time               `json:"wait_until,omitempty"`

	// Fleet runs.
	Mode           fleet.Mode          `json:"mode,omitempty"`
	CurrentTier    int                 `json:"current_tier,omitempty"`
	PartialResults []types.AgentResult `json:"partial_results,omitempty"`
	Final          *consensus.Result   `json:"final,omitempty"`

	Error            *types.Error `json:"error,omitempty"`
	LastCheckpointID string       `json:"last_checkpoint_id,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
}

// Terminal reports whether the run has finished.
func (s *Status) Terminal() bool {
	switch s.Kind {
	case KindFleet:
		return fleet.Status(s.Status).Terminal()
	default:
		return workflow.Status(s.Status).Terminal()
	}
}

func fleetStatus(snap fleet.RunSnapshot) *Status {
	return &Status{
		RunID:          snap.ID,
		Kind:           KindFleet,
		Name:           snap.FleetName,
		Status:         string(snap.Status),
		Mode:           snap.Mode,
		CurrentTier:    snap.CurrentTier,
		PartialResults: snap.AllResults(),
		Final:          snap.Final,
		Error:          snap.Error,
		StartedAt:      snap.StartedAt,
		EndedAt:        endedAt(snap.EndedAt),
	}
}

func workflowStatus(snap workflow.RunSnapshot) *Status {
	return &Status{
		RunID:            snap.ID,
		Kind:             KindWorkflow,
		Name:             snap.WorkflowName,
		Status:           string(snap.Status),
		CurrentStep:      snap.CurrentStep,
		State:            snap.State,
		History:          snap.History,
		PendingApproval:  snap.PendingApproval,
		WaitUntil:        snap.WaitUntil,
		Error:            snap.Error,
		LastCheckpointID: snap.LastCheckpointID,
		StartedAt:        snap.StartedAt,
		EndedAt:          endedAt(snap.EndedAt),
	}
}

// checkpointStatus describes a workflow run this process does not track,
// for example one started before a restart.
func checkpointStatus(cp *workflow.Checkpoint) *Status {
	s := &Status{
		RunID:            cp.RunID,
		Kind:             KindWorkflow,
		Name:             cp.WorkflowName,
		Status:           string(cp.Status),
		CurrentStep:      cp.StepID,
		State:            cp.State,
		History:          cp.History,
		PendingApproval:  cp.Pending,
		WaitUntil:        cp.WaitUntil,
		Error:            cp.Error,
		LastCheckpointID: cp.ID,
		StartedAt:        cp.StartedAt,
	}
	if cp.Status.Terminal() {
		s.EndedAt = endedAt(cp.CreatedAt)
	}
	return s
}

func endedAt(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func sortStatuses(out []*Status) {
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
}
