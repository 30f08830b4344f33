package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent/persistence"
	"github.com/BaSui01/fleetflow/types"
)

// Note is one blackboard entry.
type Note struct {
	Key       string    `json:"key"`
	Writer    string    `json:"writer"`
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	WrittenAt time.Time `json:"written_at"`
}

// Blackboard is the shared broadcast namespace of a fleet. It carries
// informational context between members and never drives control flow.
// Conflicting writes resolve last-write-wins by version.
type Blackboard struct {
	store  persistence.Store
	clock  types.Clock
	logger *zap.Logger

	mu   sync.Mutex
	last uint64
}

// NewBlackboard creates a blackboard over store.
func NewBlackboard(store persistence.Store, logger *zap.Logger) *Blackboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blackboard{
		store:  store,
		clock:  types.SystemClock,
		logger: logger.With(zap.String("component", "blackboard")),
	}
}

func blackboardNamespace(fleet string) string {
	return "blackboard:" + fleet
}

// nextVersion is strictly increasing within the process and follows the
// wall clock across processes. Caller holds b.mu.
func (b *Blackboard) nextVersion() uint64 {
	v := uint64(b.clock.Now().UnixNano())
	if v <= b.last {
		v = b.last + 1
	}
	b.last = v
	return v
}

// Write stores value under key. It returns false when a newer version is
// already present and the write was dropped.
func (b *Blackboard) Write(ctx context.Context, fleet, key, writer string, value any, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns := blackboardNamespace(fleet)
	version := b.nextVersion()

	var existing Note
	err := persistence.GetJSON(ctx, b.store, ns, key, &existing)
	switch {
	case err == nil && existing.Version > version:
		b.logger.Debug("stale blackboard write dropped",
			zap.String("fleet", fleet),
			zap.String("key", key),
			zap.Uint64("version", version),
			zap.Uint64("current", existing.Version),
		)
		return false, nil
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return false, types.NewError(types.ErrPersistence, "blackboard read failed").WithCause(err)
	}

	note := Note{Key: key, Writer: writer, Value: value, Version: version, WrittenAt: b.clock.Now()}
	if err := persistence.PutJSON(ctx, b.store, ns, key, note, ttl); err != nil {
		return false, types.NewError(types.ErrPersistence, "blackboard write failed").WithCause(err)
	}
	return true, nil
}

// Read returns one note.
func (b *Blackboard) Read(ctx context.Context, fleet, key string) (*Note, error) {
	var note Note
	if err := persistence.GetJSON(ctx, b.store, blackboardNamespace(fleet), key, &note); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.Errorf(types.ErrNotFound, "blackboard key %q not found", key)
		}
		return nil, types.NewError(types.ErrPersistence, "blackboard read failed").WithCause(err)
	}
	return &note, nil
}

// Notes returns all live notes of a fleet sorted by key.
func (b *Blackboard) Notes(ctx context.Context, fleet string) ([]Note, error) {
	entries, err := b.store.List(ctx, blackboardNamespace(fleet))
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "blackboard list failed").WithCause(err)
	}
	notes := make([]Note, 0, len(entries))
	for _, e := range entries {
		var note Note
		if err := json.Unmarshal(e.Value, &note); err != nil {
			b.logger.Warn("skipping corrupt blackboard entry", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// Snapshot returns key to value for all live notes of a fleet.
func (b *Blackboard) Snapshot(ctx context.Context, fleet string) (map[string]any, error) {
	notes, err := b.Notes(ctx, fleet)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(notes))
	for _, n := range notes {
		out[n.Key] = n.Value
	}
	return out, nil
}

// Clear removes every note of a fleet.
func (b *Blackboard) Clear(ctx context.Context, fleet string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns := blackboardNamespace(fleet)
	entries, err := b.store.List(ctx, ns)
	if err != nil {
		return types.NewError(types.ErrPersistence, "blackboard list failed").WithCause(err)
	}
	for _, e := range entries {
		if err := b.store.Delete(ctx, ns, e.Key); err != nil {
			return types.NewError(types.ErrPersistence, "blackboard delete failed").WithCause(err)
		}
	}
	return nil
}
