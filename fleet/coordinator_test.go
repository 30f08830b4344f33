package fleet

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/testutil"
	"github.com/BaSui01/fleetflow/testutil/mocks"
	"github.com/BaSui01/fleetflow/types"
)

// fixture wires mock capabilities into a coordinator; each member name is
// also its capability ref.
type fixture struct {
	registry *agent.Registry
	mocks    map[string]*mocks.MockCapability
	coord    *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := agent.NewRegistry(zap.NewNop())
	return &fixture{
		registry: reg,
		mocks:    make(map[string]*mocks.MockCapability),
		coord:    NewCoordinator(reg, opts...),
	}
}

func (f *fixture) add(name string, m *mocks.MockCapability) *mocks.MockCapability {
	f.mocks[name] = m
	f.registry.Register(name, m)
	return m
}

func member(name string, role Role, tier int) Member {
	return Member{Name: name, Role: role, Tier: tier, CapabilityRef: name}
}

func newTask(content string) *types.Task {
	return &types.Task{ID: "task-1", Content: content}
}

func TestCoordinator_PeerMajority(t *testing.T) {
	f := newFixture(t)
	f.add("a", mocks.NewMockCapability().WithResponse("approve", 0.9))
	f.add("b", mocks.NewMockCapability().WithResponse(" approve ", 0.8))
	f.add("c", mocks.NewMockCapability().WithResponse("reject", 0.7))

	def := &Definition{
		Name:         "review",
		Members:      []Member{member("a", RoleWorker, 1), member("b", RoleWorker, 1), member("c", RoleWorker, 1)},
		Coordination: CoordinationConfig{Mode: ModePeer},
	}

	res, err := f.coord.Execute(testutil.TestContext(t), newTask("review PR"), def)
	require.NoError(t, err)
	require.NotNil(t, res.Final)
	assert.Equal(t, consensus.OutcomeDecided, res.Final.Outcome)
	assert.Equal(t, "approve", res.Final.Decision)
	assert.InDelta(t, 2.0/3.0, res.Final.Confidence, 1e-9)
	assert.Len(t, res.TierResults[1], 3)

	run, ok := f.coord.Get(res.RunID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, run.Status())
}

func TestCoordinator_PeerFailedVotesAndQuorum(t *testing.T) {
	f := newFixture(t)
	f.add("a", mocks.NewMockCapability().WithResponse("yes", 1))
	f.add("b", mocks.NewMockCapability().WithError(mocks.ErrMockFailure))
	f.add("c", mocks.NewMockCapability().WithDelay(time.Second))

	def := &Definition{
		Name:    "quorum",
		Members: []Member{member("a", "", 0), member("b", "", 0), member("c", "", 0)},
		Coordination: CoordinationConfig{
			Mode:      ModePeer,
			Consensus: consensus.Config{MinVotes: 2, Timeout: 20 * time.Millisecond},
		},
	}

	res, err := f.coord.Execute(testutil.TestContext(t), newTask("decide"), def)
	testutil.AssertErrorCode(t, err, types.ErrConsensusFailure)
	require.NotNil(t, res)
	assert.Nil(t, res.Final)
	assert.Len(t, res.TierResults[1], 3)

	run, _ := f.coord.Get(res.RunID)
	snap := run.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, types.ErrConsensusFailure, snap.Error.Code)

	def.Coordination.Consensus.AllowPartial = true
	res, err = f.coord.Execute(testutil.TestContext(t), newTask("decide"), def)
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Decision())
	assert.Equal(t, 1.0, res.Final.Confidence)
}

func TestCoordinator_PeerFirstWinsCancelsRest(t *testing.T) {
	f := newFixture(t)
	f.add("fast", mocks.NewMockCapability().WithResponse("fast answer", 0.6))
	slow := f.add("slow", mocks.NewMockCapability().WithResponse("slow answer", 0.9).WithDelay(5*time.Second))

	def := &Definition{
		Name:    "race",
		Members: []Member{member("slow", "", 0), member("fast", "", 0)},
		Coordination: CoordinationConfig{
			Mode:      ModePeer,
			Consensus: consensus.Config{Algorithm: consensus.AlgorithmFirstWins},
		},
	}

	start := time.Now()
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("go"), def)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, "fast answer", res.Decision())
	assert.Equal(t, 0.6, res.Final.Confidence)
	assert.Equal(t, 1, slow.CallCount())
	assert.Len(t, res.TierResults[1], 1)
}

func TestCoordinator_MaxConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	track := func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return &types.AgentResult{Content: "ok", Confidence: 1}, nil
	}

	f := newFixture(t)
	var members []Member
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("m%d", i)
		f.add(name, mocks.NewMockCapability().WithFunc(track))
		members = append(members, member(name, "", 0))
	}
	def := &Definition{
		Name:         "bounded",
		Members:      members,
		Coordination: CoordinationConfig{Mode: ModePeer, MaxConcurrency: 2},
	}

	res, err := f.coord.Execute(testutil.TestContext(t), newTask("x"), def)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Decision())
	assert.LessOrEqual(t, peak, 2)
}

func TestCoordinator_PipelineSingleMemberEqualsDirectCall(t *testing.T) {
	f := newFixture(t)
	only := f.add("only", mocks.NewMockCapability().WithResponse("summary", 0.75))

	def := &Definition{
		Name:         "single",
		Members:      []Member{member("only", "", 0)},
		Coordination: CoordinationConfig{Mode: ModePipeline},
	}
	task := newTask("summarise this")

	res, err := f.coord.Execute(testutil.TestContext(t), task, def)
	require.NoError(t, err)

	direct, err := agent.Invoke(context.Background(), mocks.NewMockCapability().WithResponse("summary", 0.75), "only", 1, task)
	require.NoError(t, err)
	assert.Equal(t, direct.Content, res.Decision())
	assert.Equal(t, direct.Confidence, res.Final.Confidence)
	assert.Equal(t, task.Content, only.LastTask().Content)
}

func TestCoordinator_PipelineChainsOutputs(t *testing.T) {
	f := newFixture(t)
	upper := func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		return &types.AgentResult{Content: strings.ToUpper(task.Content), Confidence: 1}, nil
	}
	exclaim := func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		return &types.AgentResult{Content: task.Content + "!", Confidence: 0.5}, nil
	}
	f.add("upper", mocks.NewMockCapability().WithFunc(upper))
	second := f.add("exclaim", mocks.NewMockCapability().WithFunc(exclaim))

	def := &Definition{
		Name:         "chain",
		Members:      []Member{member("upper", "", 0), member("exclaim", "", 0)},
		Coordination: CoordinationConfig{Mode: ModePipeline},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("hello"), def)
	require.NoError(t, err)
	assert.Equal(t, "HELLO!", res.Decision())
	assert.Equal(t, "HELLO", second.LastTask().Content)
	assert.Len(t, res.Final.Contributing, 2)
}

func TestCoordinator_PipelineFailureStops(t *testing.T) {
	f := newFixture(t)
	f.add("one", mocks.NewMockCapability().WithError(mocks.ErrMockFailure))
	two := f.add("two", mocks.NewMockCapability())

	def := &Definition{
		Name:         "broken",
		Members:      []Member{member("one", "", 0), member("two", "", 0)},
		Coordination: CoordinationConfig{Mode: ModePipeline},
	}
	_, err := f.coord.Execute(testutil.TestContext(t), newTask("x"), def)
	testutil.AssertErrorCode(t, err, types.ErrAgentFailure)
	assert.Equal(t, 0, two.CallCount())
}

func TestCoordinator_TieredPassAllResults(t *testing.T) {
	f := newFixture(t)
	f.add("t1a", mocks.NewMockCapability().WithResponse("draft-a", 1))
	f.add("t1b", mocks.NewMockCapability().WithResponse("draft-b", 1))
	judge := func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		prev, _ := task.Context[ContextPreviousResults].([]types.AgentResult)
		return &types.AgentResult{Content: fmt.Sprintf("saw %d", len(prev)), Confidence: 1}, nil
	}
	j1 := f.add("j1", mocks.NewMockCapability().WithFunc(judge))
	f.add("j2", mocks.NewMockCapability().WithFunc(judge))

	def := &Definition{
		Name: "tiers",
		Members: []Member{
			member("t1a", "", 1), member("t1b", "", 1),
			member("j1", RoleValidator, 2), member("j2", RoleValidator, 2),
		},
		Coordination: CoordinationConfig{
			Mode:   ModeTiered,
			Tiered: &TieredConfig{PassAllResults: true},
		},
	}

	res, err := f.coord.Execute(testutil.TestContext(t), newTask("write"), def)
	require.NoError(t, err)
	assert.Equal(t, "saw 2", res.Decision())
	assert.Equal(t, 1.0, res.Final.Confidence)

	prev := j1.LastTask().Context[ContextPreviousResults].([]types.AgentResult)
	names := []string{prev[0].MemberName, prev[1].MemberName}
	assert.ElementsMatch(t, []string{"t1a", "t1b"}, names)
	assert.Equal(t, "write", j1.LastTask().Content)

	// Tier-two consensus counts only tier-two members.
	require.Len(t, res.Final.Contributing, 2)
	for _, r := range res.Final.Contributing {
		assert.Equal(t, 2, r.Tier)
	}
	assert.Len(t, res.TierResults[1], 2)
	assert.Len(t, res.TierResults[2], 2)
}

func TestCoordinator_TieredForwardsConsensusAndManagerAggregates(t *testing.T) {
	f := newFixture(t)
	f.add("w1", mocks.NewMockCapability().WithResponse("go", 1))
	f.add("w2", mocks.NewMockCapability().WithResponse("go", 1))
	mgr := f.add("lead", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		return &types.AgentResult{Content: "final:" + task.Context[ContextPreviousDecision].(string), Confidence: 0.8}, nil
	}))

	def := &Definition{
		Name:    "escalate",
		Members: []Member{member("w1", "", 1), member("w2", "", 1), member("lead", RoleManager, 2)},
		Coordination: CoordinationConfig{
			Mode:   ModeTiered,
			Tiered: &TieredConfig{FinalAggregation: AggregateManager},
		},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("ship?"), def)
	require.NoError(t, err)
	assert.Equal(t, "final:go", res.Decision())
	assert.Equal(t, 1, mgr.CallCount())
	assert.NotNil(t, mgr.LastTask().Context[ContextPreviousConsensus])
}

func TestCoordinator_TieredManagerFailureKeepsPreviousDecision(t *testing.T) {
	f := newFixture(t)
	w1 := f.add("w1", mocks.NewMockCapability().WithResponse("go", 1))
	f.add("w2", mocks.NewMockCapability().WithResponse("go", 0.5))
	f.add("w3", mocks.NewMockCapability().WithResponse("wait", 1))
	f.add("lead", mocks.NewMockCapability().WithError(fmt.Errorf("lead unavailable")))

	def := &Definition{
		Name:    "escalate",
		Members: []Member{member("w1", "", 1), member("w2", "", 1), member("w3", "", 1), member("lead", RoleManager, 2)},
		Coordination: CoordinationConfig{
			Mode:   ModeTiered,
			Tiered: &TieredConfig{FinalAggregation: AggregateManager},
		},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("ship?"), def)
	require.NoError(t, err)
	assert.Equal(t, "go", res.Decision())
	assert.InDelta(t, 2.0/3.0, res.Final.Confidence, 1e-9)
	assert.Equal(t, true, res.Final.Metadata[MetaSynthesisFallback])
	// Tier one ran once; its results were not voted on again.
	assert.Equal(t, 1, w1.CallCount())
	for _, r := range res.Final.Contributing {
		assert.Equal(t, 1, r.Tier)
	}
}

func TestCoordinator_DeepExhaustsIterations(t *testing.T) {
	f := newFixture(t)
	f.add("planner", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		if task.Context[ContextPhase] == "synthesize" {
			memory := task.Context[ContextMemory].([]Finding)
			return &types.AgentResult{Content: fmt.Sprintf("report from %d findings", len(memory)), Confidence: 0.7}, nil
		}
		return &types.AgentResult{Content: "1. gather\n2. analyse\n3. compare\n4. draft\n5. review", Confidence: 1}, nil
	}))
	exec := f.add("worker", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		return &types.AgentResult{Content: "did " + task.Content, Confidence: 1}, nil
	}))

	def := &Definition{
		Name:    "research",
		Members: []Member{member("planner", RoleManager, 0), member("worker", "", 0)},
		Coordination: CoordinationConfig{
			Mode: ModeDeep,
			Deep: &DeepConfig{MaxIterations: 3},
		},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("study the market"), def)
	require.NoError(t, err)

	assert.Equal(t, "report from 3 findings", res.Decision())
	assert.Equal(t, false, res.Final.Metadata[MetaGoalReached])
	assert.Equal(t, 3, res.Final.Metadata[MetaIterations])
	memory := res.Final.Metadata[MetaMemory].([]Finding)
	require.Len(t, memory, 3)
	assert.Equal(t, []string{"gather", "analyse", "compare"}, []string{memory[0].Step, memory[1].Step, memory[2].Step})
	assert.Equal(t, 3, exec.CallCount())
}

func TestCoordinator_DeepSynthesisFallsBackToDigest(t *testing.T) {
	f := newFixture(t)
	f.add("planner", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		if task.Context[ContextPhase] == "synthesize" {
			return nil, mocks.ErrMockFailure
		}
		if len(task.Context[ContextMemory].([]Finding)) > 0 {
			return &types.AgentResult{Content: `{"goal_achieved": true}`}, nil
		}
		return &types.AgentResult{Content: "```json\n{\"steps\": [\"probe\"]}\n```"}, nil
	}))
	f.add("worker", mocks.NewMockCapability().WithResponse("found it", 1))

	def := &Definition{
		Name:         "probe",
		Members:      []Member{member("planner", RoleManager, 0), member("worker", "", 0)},
		Coordination: CoordinationConfig{Mode: ModeDeep},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("find"), def)
	require.NoError(t, err)
	assert.Equal(t, "1. probe: found it", res.Decision())
	assert.Equal(t, true, res.Final.Metadata[MetaGoalReached])
	assert.Equal(t, true, res.Final.Metadata[MetaSynthesisFallback])
	assert.Equal(t, 2, res.Final.Metadata[MetaIterations])
}

func TestCoordinator_HierarchicalPlanAndSynthesis(t *testing.T) {
	f := newFixture(t)
	mgr := f.add("boss", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		if task.Context[ContextPhase] == "plan" {
			return &types.AgentResult{Content: "Plan:\n```json\n[{\"worker\":\"alice\",\"task\":\"part one\"},{\"worker\":\"ghost\",\"task\":\"x\"}]\n```"}, nil
		}
		results := task.Context[ContextWorkerResults].([]types.AgentResult)
		return &types.AgentResult{Content: "merged " + results[0].Content, Confidence: 0.9}, nil
	}))
	alice := f.add("alice", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		return &types.AgentResult{Content: "done " + task.Content, Confidence: 1}, nil
	}))
	bob := f.add("bob", mocks.NewMockCapability())

	def := &Definition{
		Name:         "team",
		Members:      []Member{member("boss", RoleManager, 0), member("alice", "", 0), member("bob", "", 0)},
		Coordination: CoordinationConfig{Mode: ModeHierarchical},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("build"), def)
	require.NoError(t, err)
	assert.Equal(t, "merged done part one", res.Decision())
	assert.Equal(t, 2, mgr.CallCount())
	assert.Equal(t, 1, alice.CallCount())
	assert.Equal(t, 0, bob.CallCount())
	assert.Len(t, res.TierResults[phasePlan], 1)
	assert.Len(t, res.TierResults[phaseWork], 1)
	assert.Len(t, res.TierResults[phaseSynthesize], 1)
}

func TestCoordinator_HierarchicalSynthesisIgnoresQuorum(t *testing.T) {
	f := newFixture(t)
	mgr := f.add("boss", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		if task.Context[ContextPhase] == "plan" {
			return &types.AgentResult{Content: `[{"worker":"alice","task":"only part"}]`}, nil
		}
		return &types.AgentResult{Content: "shipped", Confidence: 0.8}, nil
	}))
	f.add("alice", mocks.NewMockCapability().WithResponse("part done", 1))
	bob := f.add("bob", mocks.NewMockCapability())

	def := &Definition{
		Name:    "team",
		Members: []Member{member("boss", RoleManager, 0), member("alice", "", 0), member("bob", "", 0)},
		Coordination: CoordinationConfig{
			Mode:      ModeHierarchical,
			Consensus: consensus.Config{MinVotes: 2},
		},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("ship it"), def)
	require.NoError(t, err)
	assert.Equal(t, "shipped", res.Decision())
	assert.Equal(t, 2, mgr.CallCount())
	assert.Equal(t, 0, bob.CallCount())
}

func TestCoordinator_HierarchicalFailsWithoutWorkersOrSynthesis(t *testing.T) {
	f := newFixture(t)
	f.add("boss", mocks.NewMockCapability().WithFunc(func(ctx context.Context, task *types.Task) (*types.AgentResult, error) {
		if task.Context[ContextPhase] == "plan" {
			return &types.AgentResult{Content: `[{"worker":"alice","task":"part"}]`}, nil
		}
		return nil, fmt.Errorf("manager offline")
	}))
	f.add("alice", mocks.NewMockCapability().WithError(fmt.Errorf("worker crashed")))
	f.add("bob", mocks.NewMockCapability())

	def := &Definition{
		Name:         "team",
		Members:      []Member{member("boss", RoleManager, 0), member("alice", "", 0), member("bob", "", 0)},
		Coordination: CoordinationConfig{Mode: ModeHierarchical},
	}
	_, err := f.coord.Execute(testutil.TestContext(t), newTask("ship it"), def)
	testutil.AssertErrorCode(t, err, types.ErrConsensusFailure)
}

func TestCoordinator_HierarchicalUnparseablePlanAssignsAll(t *testing.T) {
	f := newFixture(t)
	f.add("boss", mocks.NewMockCapability().WithResponse("no idea", 1))
	a := f.add("a", mocks.NewMockCapability().WithResponse("x", 1))
	b := f.add("b", mocks.NewMockCapability().WithResponse("x", 1))

	def := &Definition{
		Name:    "vote",
		Members: []Member{member("boss", RoleManager, 0), member("a", "", 0), member("b", "", 0)},
		Coordination: CoordinationConfig{
			Mode:         ModeHierarchical,
			Hierarchical: &HierarchicalConfig{Vote: true},
		},
	}
	res, err := f.coord.Execute(testutil.TestContext(t), newTask("original"), def)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Decision())
	assert.Equal(t, consensus.AlgorithmMajority, res.Final.Algorithm)
	assert.Equal(t, "original", a.LastTask().Content)
	assert.Equal(t, "original", b.LastTask().Content)
}

func TestCoordinator_Cancel(t *testing.T) {
	f := newFixture(t)
	slow := f.add("slow", mocks.NewMockCapability().WithDelay(10*time.Second))

	def := &Definition{
		Name:         "long",
		Members:      []Member{member("slow", "", 0)},
		Coordination: CoordinationConfig{Mode: ModePeer},
	}
	run, err := f.coord.Start(testutil.TestContext(t), newTask("wait"), def)
	require.NoError(t, err)
	testutil.AssertEventuallyTrue(t, func() bool { return slow.CallCount() == 1 }, time.Second)

	require.NoError(t, f.coord.Cancel(run.ID()))
	_, ok := testutil.WaitForChannel(run.Done(), 2*time.Second)
	require.True(t, ok)

	final, err := run.Result()
	assert.Nil(t, final)
	testutil.AssertErrorCode(t, err, types.ErrCancelled)
	assert.False(t, types.IsAlertable(err))
	assert.Equal(t, StatusCancelled, run.Status())

	testutil.AssertErrorCode(t, f.coord.Cancel(run.ID()), types.ErrInvalidRequest)
	testutil.AssertErrorCode(t, f.coord.Cancel("missing"), types.ErrNotFound)
	assert.True(t, f.coord.Forget(run.ID()))
	assert.Empty(t, f.coord.List())
}

func TestCoordinator_RejectsInvalidDefinitions(t *testing.T) {
	f := newFixture(t)
	f.add("known", mocks.NewMockCapability())

	_, err := f.coord.Execute(testutil.TestContext(t), newTask("x"), &Definition{
		Name:         "bad",
		Members:      []Member{member("unknown", "", 0)},
		Coordination: CoordinationConfig{Mode: ModePeer},
	})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	_, err = f.coord.Execute(testutil.TestContext(t), nil, &Definition{Name: "x"})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestCoordinator_RunListener(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses []Status
	)
	f := newFixture(t, WithRunListener(func(s RunSnapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	}), WithRandSource(rand.NewSource(1)))
	f.add("a", mocks.NewMockCapability())

	_, err := f.coord.Execute(testutil.TestContext(t), newTask("x"), &Definition{
		Name:         "listened",
		Members:      []Member{member("a", "", 0)},
		Coordination: CoordinationConfig{Mode: ModePeer},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, statuses)
}
