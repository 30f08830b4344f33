package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/types"
)

// Checkpoint is a durable snapshot of a run's position and state.
// Checkpoints are append-only and ordered by Sequence.
type Checkpoint struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
	// StepID is the step the run re-enters on resume.
	StepID   string         `json:"step_id"`
	Sequence int64          `json:"sequence"`
	State    map[string]any `json:"state"`
	Status   Status         `json:"status"`
	// Pending is set while the run waits on an approval at StepID.
	Pending *hitl.ApprovalRequest `json:"pending,omitempty"`
	// WaitUntil is set while the run sleeps in a wait step at StepID.
	WaitUntil *time.Time      `json:"wait_until,omitempty"`
	History   []StepExecution `json:"history,omitempty"`
	Error     *types.Error    `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// Latest returns the highest-sequence checkpoint, or a NOT_FOUND error.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	// List returns every checkpoint of a run in sequence order.
	List(ctx context.Context, runID string) ([]*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

func errNoCheckpoint(runID string) error {
	return types.Errorf(types.ErrNotFound, "no checkpoint for run %s", runID)
}

func persistenceError(op string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.Errorf(types.ErrPersistence, "checkpoint %s failed", op).WithCause(err)
}

func sortCheckpoints(cps []*Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].Sequence != cps[j].Sequence {
			return cps[i].Sequence < cps[j].Sequence
		}
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	runs map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{runs: make(map[string][]*Checkpoint)}
}

// Save appends a checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return types.NewError(types.ErrInvalidRequest, "checkpoint needs a run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[cp.RunID] = append(s.runs[cp.RunID], cloneCheckpoint(cp))
	sortCheckpoints(s.runs[cp.RunID])
	return nil
}

// Latest returns the newest checkpoint of a run.
func (s *MemoryCheckpointStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.runs[runID]
	if len(cps) == 0 {
		return nil, errNoCheckpoint(runID)
	}
	return cloneCheckpoint(cps[len(cps)-1]), nil
}

// List returns every checkpoint of a run.
func (s *MemoryCheckpointStore) List(_ context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.runs[runID]))
	for _, cp := range s.runs[runID] {
		out = append(out, cloneCheckpoint(cp))
	}
	return out, nil
}

// Delete drops every checkpoint of a run.
func (s *MemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.State = cloneState(cp.State)
	out.Pending = cp.Pending.Clone()
	out.History = append([]StepExecution(nil), cp.History...)
	if cp.WaitUntil != nil {
		t := *cp.WaitUntil
		out.WaitUntil = &t
	}
	return &out
}
