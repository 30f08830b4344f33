package hitl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent/persistence"
	"github.com/BaSui01/fleetflow/testutil"
	"github.com/BaSui01/fleetflow/testutil/mocks"
	"github.com/BaSui01/fleetflow/types"
)

func newTestManager(t *testing.T) (*ApprovalManager, *mocks.FakeClock) {
	t.Helper()
	clock := mocks.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewApprovalManager(NewInMemoryApprovalStore(), clock, zap.NewNop()), clock
}

// awaitAsync runs Await in a goroutine and returns a channel with its result.
func awaitAsync(ctx context.Context, m *ApprovalManager, id string) <-chan *Outcome {
	ch := make(chan *Outcome, 1)
	go func() {
		out, _ := m.Await(ctx, id)
		ch <- out
	}()
	return ch
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Decision
		wantErr bool
	}{
		{"approve", DecisionApprove, false},
		{" Approved ", DecisionApprove, false},
		{"yes", DecisionApprove, false},
		{"reject", DecisionReject, false},
		{"NO", DecisionReject, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecision(tt.in)
			if tt.wantErr {
				testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApprovalManager_Defaults(t *testing.T) {
	m, clock := newTestManager(t)
	req, err := m.Open(context.Background(), ApprovalOptions{RunID: "r1", StepID: "gate"})
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, 1, req.RequiredApprovals)
	assert.Equal(t, DecisionReject, req.DefaultOnTimeout)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, clock.Now().Add(24*time.Hour), req.Deadline)
}

func TestApprovalManager_QuorumOfApprovals(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testutil.TestContext(t)

	req, err := m.Open(ctx, ApprovalOptions{
		RunID:             "r1",
		StepID:            "gate",
		Approvers:         []string{"alice", "bob", "carol"},
		RequiredApprovals: 2,
	})
	require.NoError(t, err)
	done := awaitAsync(ctx, m, req.ID)

	snap, err := m.Decide(ctx, req.ID, "alice", DecisionApprove, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)

	_, err = m.Decide(ctx, req.ID, "alice", DecisionApprove, "")
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)

	_, err = m.Decide(ctx, req.ID, "mallory", DecisionApprove, "")
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	snap, err = m.Decide(ctx, req.ID, "bob", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, snap.Status)

	out, ok := testutil.WaitForChannel(done, time.Second)
	require.True(t, ok)
	assert.True(t, out.Approved)
	assert.False(t, out.TimedOut)
	assert.Equal(t, []string{"alice", "bob"}, out.Approvers)

	assert.Empty(t, m.Pending("r1"))

	stored, err := m.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Len(t, stored.Decisions, 2)
}

func TestApprovalManager_AnyRejectionResolves(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testutil.TestContext(t)

	req, err := m.Open(ctx, ApprovalOptions{RunID: "r1", StepID: "gate", RequiredApprovals: 3})
	require.NoError(t, err)

	_, err = m.Decide(ctx, req.ID, "alice", DecisionApprove, "")
	require.NoError(t, err)
	_, err = m.Decide(ctx, req.ID, "bob", DecisionReject, "not yet")
	require.NoError(t, err)

	out, err := m.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, DecisionReject, out.Decision)
	assert.Equal(t, StatusRejected, out.Status)

	_, err = m.Decide(ctx, req.ID, "carol", DecisionApprove, "")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

func TestApprovalManager_TimeoutAppliesDefault(t *testing.T) {
	for _, def := range []Decision{DecisionReject, DecisionApprove} {
		t.Run(string(def), func(t *testing.T) {
			m, clock := newTestManager(t)
			ctx := testutil.TestContext(t)

			req, err := m.Open(ctx, ApprovalOptions{
				RunID:            "r1",
				StepID:           "gate",
				Timeout:          time.Hour,
				DefaultOnTimeout: def,
			})
			require.NoError(t, err)
			done := awaitAsync(ctx, m, req.ID)

			require.True(t, clock.BlockUntil(1, time.Second))
			clock.Advance(59 * time.Minute)
			select {
			case <-done:
				t.Fatal("resolved before deadline")
			case <-time.After(20 * time.Millisecond):
			}

			clock.Advance(time.Minute)
			out, ok := testutil.WaitForChannel(done, time.Second)
			require.True(t, ok)
			assert.True(t, out.TimedOut)
			assert.Equal(t, def == DecisionApprove, out.Approved)
			assert.Equal(t, def, out.Decision)
			assert.Equal(t, StatusTimedOut, out.Status)

			state := out.AsState()
			assert.Equal(t, true, state["timed_out"])
			assert.Equal(t, string(def), state["decision"])
		})
	}
}

func TestApprovalManager_ContextCancelKeepsPending(t *testing.T) {
	m, _ := newTestManager(t)
	req, err := m.Open(context.Background(), ApprovalOptions{RunID: "r1", StepID: "gate"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Await(ctx, req.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, m.Pending("r1"), 1)

	require.NoError(t, m.Cancel(context.Background(), req.ID))
	out, err := m.Await(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.False(t, out.Approved)
}

func TestApprovalManager_RestoreAfterDeadline(t *testing.T) {
	store := persistence.NewMemoryStore(persistence.StoreConfig{})
	defer store.Close()
	kv := NewKVApprovalStore(store)

	clock := mocks.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	first := NewApprovalManager(kv, clock, nil)
	req, err := first.Open(context.Background(), ApprovalOptions{
		RunID: "r1", StepID: "gate", Timeout: time.Hour, DefaultOnTimeout: DecisionReject,
	})
	require.NoError(t, err)

	// A new process comes up two hours later.
	clock.Advance(2 * time.Hour)
	second := NewApprovalManager(kv, clock, nil)

	loaded, err := kv.Load(context.Background(), req.ID)
	require.NoError(t, err)
	require.NoError(t, second.Restore(context.Background(), loaded))
	require.NoError(t, second.Restore(context.Background(), loaded))

	out, err := second.Await(testutil.TestContext(t), req.ID)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Approved)

	listed, err := kv.List(context.Background(), "r1", StatusTimedOut)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, req.ID, listed[0].ID)

	loaded.Status = StatusApproved
	testutil.AssertErrorCode(t, second.Restore(context.Background(), loaded), types.ErrInvalidRequest)
}

func TestApprovalManager_DecideForRunAndHandlers(t *testing.T) {
	m, _ := newTestManager(t)
	var notified atomic.Int32
	m.OnRequest(func(ctx context.Context, req *ApprovalRequest) {
		notified.Add(1)
	})

	ctx := testutil.TestContext(t)
	_, err := m.DecideForRun(ctx, "r9", "alice", DecisionApprove, "")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)

	req, err := m.Open(ctx, ApprovalOptions{RunID: "r9", StepID: "gate"})
	require.NoError(t, err)
	testutil.AssertEventuallyTrue(t, func() bool { return notified.Load() == 1 }, time.Second)

	snap, err := m.DecideForRun(ctx, "r9", "alice", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, req.ID, snap.ID)
	assert.Equal(t, StatusApproved, snap.Status)

	_, err = m.Decide(ctx, req.ID, "bob", "maybe", "")
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestApprovalRequest_Outcome(t *testing.T) {
	req := &ApprovalRequest{ID: "a1", Status: StatusPending, DefaultOnTimeout: DecisionApprove}
	assert.Nil(t, req.Outcome())

	req.Status = StatusTimedOut
	out := req.Outcome()
	require.NotNil(t, out)
	assert.True(t, out.TimedOut)
	assert.True(t, out.Approved)
	assert.Equal(t, DecisionApprove, out.Decision)

	req.Status = StatusRejected
	req.Decisions = []ApproverDecision{{Approver: "ops", Decision: DecisionReject}}
	out = req.Outcome()
	assert.False(t, out.Approved)
	assert.Equal(t, []string{"ops"}, out.Approvers)

	req.Status = StatusCancelled
	out = req.Outcome()
	assert.False(t, out.Approved)
	assert.Equal(t, Decision(""), out.Decision)
}
