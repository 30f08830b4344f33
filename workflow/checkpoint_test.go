package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/agent/persistence"
	"github.com/BaSui01/fleetflow/testutil"
	"github.com/BaSui01/fleetflow/types"
)

func sampleCheckpoint(runID string, seq int64, step string, status Status) *Checkpoint {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	return &Checkpoint{
		ID:           runID + "-" + step + "-" + string(rune('a'+seq)),
		RunID:        runID,
		WorkflowName: "triage",
		StepID:       step,
		Sequence:     seq,
		State:        map[string]any{"step": step, "n": float64(seq)},
		Status:       status,
		StartedAt:    created.Add(-time.Duration(seq) * time.Second),
		CreatedAt:    created,
	}
}

// runCheckpointContract checks the behaviour every store shares.
func runCheckpointContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()

	_, err := store.Latest(ctx, "nope")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)

	list, err := store.List(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Written out of order on purpose.
	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-1", 2, "tag", StatusRunning)))
	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-1", 1, "draft", StatusRunning)))

	gate := sampleCheckpoint("run-1", 3, "gate", StatusWaitingApproval)
	gate.Pending = &hitl.ApprovalRequest{ID: "req-1", RunID: "run-1", StepID: "gate", Status: hitl.StatusPending}
	wake := gate.CreatedAt.Add(time.Hour)
	gate.WaitUntil = &wake
	gate.History = []StepExecution{{StepID: "draft", Type: StepAgent, Status: stepSucceeded, Attempts: 1}}
	gate.Error = types.NewError(types.ErrTimeout, "slow").WithStep("draft")
	require.NoError(t, store.Save(ctx, gate))
	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-2", 1, "draft", StatusRunning)))

	list, err = store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, cp := range list {
		assert.Equal(t, int64(i+1), cp.Sequence)
	}

	latest, err := store.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, gate.ID, latest.ID)
	assert.Equal(t, "gate", latest.StepID)
	assert.Equal(t, StatusWaitingApproval, latest.Status)
	assert.Equal(t, float64(3), latest.State["n"])
	require.NotNil(t, latest.Pending)
	assert.Equal(t, "req-1", latest.Pending.ID)
	require.NotNil(t, latest.WaitUntil)
	assert.True(t, latest.WaitUntil.Equal(wake))
	require.Len(t, latest.History, 1)
	assert.Equal(t, "draft", latest.History[0].StepID)
	require.NotNil(t, latest.Error)
	assert.Equal(t, types.ErrTimeout, latest.Error.Code)
	assert.True(t, latest.CreatedAt.Equal(gate.CreatedAt))

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Latest(ctx, "run-1")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
	_, err = store.Latest(ctx, "run-2")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "never-existed"))
}

func TestMemoryCheckpointStore(t *testing.T) {
	store := NewMemoryCheckpointStore()
	runCheckpointContract(t, store)

	t.Run("returns copies", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, sampleCheckpoint("run-3", 1, "draft", StatusRunning)))
		cp, err := store.Latest(ctx, "run-3")
		require.NoError(t, err)
		cp.State["step"] = "mutated"

		again, err := store.Latest(ctx, "run-3")
		require.NoError(t, err)
		assert.Equal(t, "draft", again.State["step"])
	})
}

func TestFileCheckpointStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(dir, zap.NewNop())
	require.NoError(t, err)
	runCheckpointContract(t, store)

	t.Run("skips torn line", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, sampleCheckpoint("run/4", 1, "draft", StatusRunning)))

		f, err := os.OpenFile(store.path("run/4"), os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"id":"half`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		list, err := store.List(ctx, "run/4")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "draft", list[0].StepID)
		assert.FileExists(t, filepath.Join(dir, "run%2F4.jsonl"))
	})

	t.Run("survives reopen", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, sampleCheckpoint("run-5", 1, "draft", StatusPaused)))
		reopened, err := NewFileCheckpointStore(dir, nil)
		require.NoError(t, err)
		cp, err := reopened.Latest(ctx, "run-5")
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, cp.Status)
	})
}

func TestKVCheckpointStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := persistence.NewRedisStoreWithClient(client, "fleetflow-test:", persistence.RetryConfig{})
	store := NewKVCheckpointStore(kv, time.Hour)
	runCheckpointContract(t, store)

	t.Run("ttl applied", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, sampleCheckpoint("run-6", 1, "draft", StatusRunning)))
		mr.FastForward(2 * time.Hour)
		_, err := store.Latest(ctx, "run-6")
		testutil.AssertErrorCode(t, err, types.ErrNotFound)
	})
}

func TestKVCheckpointStore_Memory(t *testing.T) {
	kv := persistence.NewMemoryStore(persistence.StoreConfig{})
	t.Cleanup(func() { _ = kv.Close() })
	runCheckpointContract(t, NewKVCheckpointStore(kv, 0))
}

func TestGormCheckpointStore_SQLite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store := NewGormCheckpointStore(db, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))
	runCheckpointContract(t, store)

	t.Run("duplicate id is ignored", func(t *testing.T) {
		ctx := context.Background()
		cp := sampleCheckpoint("run-7", 1, "draft", StatusRunning)
		require.NoError(t, store.Save(ctx, cp))
		require.NoError(t, store.Save(ctx, cp))
		list, err := store.List(ctx, "run-7")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestGormCheckpointStore_Errors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	store := NewGormCheckpointStore(db, nil)

	mock.ExpectQuery(`SELECT \* FROM "workflow_checkpoints"`).
		WillReturnError(errors.New("connection reset by peer"))
	_, err = store.Latest(context.Background(), "run-1")
	testutil.AssertErrorCode(t, err, types.ErrPersistence)

	mock.ExpectQuery(`SELECT \* FROM "workflow_checkpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "sequence", "data"}))
	_, err = store.Latest(context.Background(), "run-1")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)

	mock.ExpectQuery(`SELECT \* FROM "workflow_checkpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "sequence", "data"}).
			AddRow("cp-1", "run-1", 1, []byte("{broken")))
	_, err = store.List(context.Background(), "run-1")
	testutil.AssertErrorCode(t, err, types.ErrPersistence)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutor_WithFileCheckpoints(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir(), nil)
	require.NoError(t, err)
	f := newWFFixture(t, WithCheckpointStore(store))

	def := &Definition{
		Name:        "count",
		Entrypoint:  "inc",
		Steps:       steps(&Step{ID: "inc", Type: StepTransform, Transform: &TransformConfig{Ops: []TransformOp{{Op: OpIncrement, Path: "n"}}}}, endStep("done")),
		Connections: []Connection{edge("inc", "done")},
	}
	snap, err := f.exec.Execute(testutil.TestContext(t), def, map[string]any{"n": 1})
	require.NoError(t, err)

	latest, err := store.Latest(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, latest.Status)
	assert.Equal(t, float64(2), latest.State["n"])
	assert.Equal(t, snap.LastCheckpointID, latest.ID)
}
