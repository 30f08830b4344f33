package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointRecord is the table row of a checkpoint. Data holds the full
// checkpoint as JSON; the other columns serve lookups.
type CheckpointRecord struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	RunID        string    `gorm:"size:64;not null;uniqueIndex:idx_run_sequence" json:"run_id"`
	Sequence     int64     `gorm:"not null;uniqueIndex:idx_run_sequence" json:"sequence"`
	WorkflowName string    `gorm:"size:200;index" json:"workflow_name"`
	StepID       string    `gorm:"size:200" json:"step_id"`
	Status       string    `gorm:"size:32;index" json:"status"`
	Data         []byte    `gorm:"not null" json:"data"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the checkpoint table name.
func (CheckpointRecord) TableName() string {
	return "workflow_checkpoints"
}

// GormCheckpointStore keeps checkpoints in a SQL table through GORM.
type GormCheckpointStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormCheckpointStore wraps db. Call Migrate once to create the table.
func NewGormCheckpointStore(db *gorm.DB, logger *zap.Logger) *GormCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormCheckpointStore{db: db, logger: logger.With(zap.String("component", "gorm_checkpoint_store"))}
}

// Migrate creates or updates the checkpoint table.
func (s *GormCheckpointStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&CheckpointRecord{}); err != nil {
		return persistenceError("migrate", err)
	}
	return nil
}

// Save inserts the checkpoint; saving the same id twice is a no-op.
func (s *GormCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return persistenceError("marshal", err)
	}
	rec := CheckpointRecord{
		ID:           cp.ID,
		RunID:        cp.RunID,
		Sequence:     cp.Sequence,
		WorkflowName: cp.WorkflowName,
		StepID:       cp.StepID,
		Status:       string(cp.Status),
		Data:         data,
		CreatedAt:    cp.CreatedAt,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return persistenceError("save", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.Int64("sequence", cp.Sequence),
	)
	return nil
}

// Latest returns the highest-sequence row of the run.
func (s *GormCheckpointStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	var rec CheckpointRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNoCheckpoint(runID)
	}
	if err != nil {
		return nil, persistenceError("load", err)
	}
	return decodeRecord(rec)
}

// List returns the rows of the run in sequence order.
func (s *GormCheckpointStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	var recs []CheckpointRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Find(&recs).Error
	if err != nil {
		return nil, persistenceError("list", err)
	}
	out := make([]*Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete removes every row of the run.
func (s *GormCheckpointStore) Delete(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&CheckpointRecord{}).Error; err != nil {
		return persistenceError("delete", err)
	}
	return nil
}

func decodeRecord(rec CheckpointRecord) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(rec.Data, &cp); err != nil {
		return nil, persistenceError("decode", err)
	}
	return &cp, nil
}
