package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/types"
)

// FileCheckpointStore appends checkpoints as JSON lines, one file per run.
type FileCheckpointStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileCheckpointStore creates the directory if needed.
func NewFileCheckpointStore(dir string, logger *zap.Logger) (*FileCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "file_checkpoint_store")),
	}, nil
}

func (s *FileCheckpointStore) path(runID string) string {
	return filepath.Join(s.dir, url.PathEscape(runID)+".jsonl")
}

// Save appends one line to the run file.
func (s *FileCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return types.NewError(types.ErrInvalidRequest, "checkpoint needs a run id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return persistenceError("marshal", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(cp.RunID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return persistenceError("open", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return persistenceError("write", err)
	}
	if err := f.Sync(); err != nil {
		return persistenceError("sync", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.String("step_id", cp.StepID),
		zap.Int64("sequence", cp.Sequence),
	)
	return nil
}

// Latest returns the highest-sequence line of the run file.
func (s *FileCheckpointStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	cps, err := s.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, errNoCheckpoint(runID)
	}
	return cps[len(cps)-1], nil
}

// List reads the run file. A torn trailing line from an interrupted write
// is skipped.
func (s *FileCheckpointStore) List(_ context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("open", err)
	}
	defer f.Close()

	var out []*Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(scanner.Bytes(), &cp); err != nil {
			s.logger.Warn("skipping corrupt checkpoint line",
				zap.String("run_id", runID),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		out = append(out, &cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, persistenceError("read", err)
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete removes the run file.
func (s *FileCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		return persistenceError("delete", err)
	}
	return nil
}
