package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/fleetflow/agent/persistence"
	"github.com/BaSui01/fleetflow/types"
)

const checkpointNamespacePrefix = "checkpoints:"

// KVCheckpointStore keeps checkpoints in a persistence.Store, one namespace
// per run and one key per sequence number.
type KVCheckpointStore struct {
	store persistence.Store
	ttl   time.Duration
}

// NewKVCheckpointStore wraps store. A zero ttl keeps checkpoints forever.
func NewKVCheckpointStore(store persistence.Store, ttl time.Duration) *KVCheckpointStore {
	return &KVCheckpointStore{store: store, ttl: ttl}
}

func checkpointNamespace(runID string) string {
	return checkpointNamespacePrefix + runID
}

// sequenceKey zero-pads so lexical key order equals sequence order.
func sequenceKey(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// Save writes the checkpoint under its sequence number.
func (s *KVCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return types.NewError(types.ErrInvalidRequest, "checkpoint needs a run id")
	}
	if err := persistence.PutJSON(ctx, s.store, checkpointNamespace(cp.RunID), sequenceKey(cp.Sequence), cp, s.ttl); err != nil {
		return persistenceError("save", err)
	}
	return nil
}

// Latest returns the last entry of the run namespace.
func (s *KVCheckpointStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	cps, err := s.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, errNoCheckpoint(runID)
	}
	return cps[len(cps)-1], nil
}

// List decodes every entry of the run namespace.
func (s *KVCheckpointStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	entries, err := s.store.List(ctx, checkpointNamespace(runID))
	if err != nil {
		return nil, persistenceError("list", err)
	}
	out := make([]*Checkpoint, 0, len(entries))
	for _, e := range entries {
		var cp Checkpoint
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			return nil, persistenceError("decode", fmt.Errorf("%s/%s: %w", e.Namespace, e.Key, err))
		}
		out = append(out, &cp)
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete removes every checkpoint of the run.
func (s *KVCheckpointStore) Delete(ctx context.Context, runID string) error {
	ns := checkpointNamespace(runID)
	entries, err := s.store.List(ctx, ns)
	if err != nil {
		return persistenceError("list", err)
	}
	for _, e := range entries {
		if err := s.store.Delete(ctx, ns, e.Key); err != nil {
			return persistenceError("delete", err)
		}
	}
	return nil
}
