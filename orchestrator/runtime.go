package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/internal/eventbus"
	"github.com/BaSui01/fleetflow/internal/metrics"
	"github.com/BaSui01/fleetflow/types"
	"github.com/BaSui01/fleetflow/workflow"
)

const (
	fleetPrefix    = "fleet:"
	workflowPrefix = "workflow:"

	defaultRetention     = time.Hour
	defaultSweepInterval = time.Minute
)

// EventPublisher receives run lifecycle events. *eventbus.Bus implements it.
type EventPublisher interface {
	Publish(ctx context.Context, ev eventbus.Event) error
}

// Runtime runs fleets and workflows registered in a Registry.
type Runtime struct {
	registry  *Registry
	fleets    *fleet.Coordinator
	workflows *workflow.Executor

	events     EventPublisher
	metrics    *metrics.Collector
	clock      types.Clock
	logger     *zap.Logger
	retention  time.Duration
	sweepEvery time.Duration

	checkpoints   workflow.CheckpointStore
	approvalStore hitl.ApprovalStore
	blackboard    *fleet.Blackboard

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	kinds  map[string]Kind
	ended  map[string]time.Time
	closed bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithCheckpointStore sets where workflow checkpoints are written.
func WithCheckpointStore(s workflow.CheckpointStore) Option {
	return func(r *Runtime) { r.checkpoints = s }
}

// WithApprovalStore sets where approval requests are persisted.
func WithApprovalStore(s hitl.ApprovalStore) Option {
	return func(r *Runtime) { r.approvalStore = s }
}

// WithBlackboard enables broadcast collaboration for fleets.
func WithBlackboard(b *fleet.Blackboard) Option {
	return func(r *Runtime) { r.blackboard = b }
}

// WithEventPublisher publishes every run transition.
func WithEventPublisher(p EventPublisher) Option {
	return func(r *Runtime) { r.events = p }
}

// WithRetention sets how long terminal runs stay queryable in memory.
// Zero or less keeps them until Close.
func WithRetention(d time.Duration) Option {
	return func(r *Runtime) { r.retention = d }
}

// WithSweepInterval sets how often the janitor looks for expired runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

// WithClock sets the clock used for approvals, waits and retention.
func WithClock(c types.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// NewRuntime builds the coordinator and executor around reg and starts the
// retention janitor. Call Close to stop it.
func NewRuntime(reg *Registry, opts ...Option) *Runtime {
	r := &Runtime{
		registry:   reg,
		logger:     zap.NewNop(),
		retention:  defaultRetention,
		sweepEvery: defaultSweepInterval,
		kinds:      make(map[string]Kind),
		ended:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = types.ClockOrSystem(r.clock)
	r.logger = r.logger.With(zap.String("component", "orchestrator"))

	fleetOpts := []fleet.Option{
		fleet.WithLogger(r.logger),
		fleet.WithMetrics(r.metrics),
		fleet.WithEngine(reg.engine),
		fleet.WithRunListener(r.onFleet),
	}
	if r.blackboard != nil {
		fleetOpts = append(fleetOpts, fleet.WithBlackboard(r.blackboard))
	}
	r.fleets = fleet.NewCoordinator(reg, fleetOpts...)

	wfOpts := []workflow.Option{
		workflow.WithCapabilities(reg),
		workflow.WithFleets(r.fleets, reg),
		workflow.WithApprovals(hitl.NewApprovalManager(r.approvalStore, r.clock, r.logger)),
		workflow.WithClock(r.clock),
		workflow.WithLogger(r.logger),
		workflow.WithMetrics(r.metrics),
		workflow.WithRunListener(r.onWorkflow),
	}
	if r.checkpoints != nil {
		wfOpts = append(wfOpts, workflow.WithCheckpointStore(r.checkpoints))
	}
	r.workflows = workflow.NewExecutor(wfOpts...)

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.group, r.ctx = errgroup.WithContext(r.ctx)
	if r.retention > 0 {
		r.group.Go(r.janitor)
	}
	return r
}

// Registry returns the definitions the runtime resolves against.
func (r *Runtime) Registry() *Registry { return r.registry }

// Approvals returns the approval manager used by workflow runs.
func (r *Runtime) Approvals() *hitl.ApprovalManager { return r.workflows.Approvals() }

// Submit starts a fleet or workflow run and returns its id without waiting.
// ref is "fleet:<name>", "workflow:<name>" or a bare name; bare names
// resolve workflows first.
func (r *Runtime) Submit(ctx context.Context, ref string, input map[string]any) (string, error) {
	if r.isClosed() {
		return "", types.NewError(types.ErrInvalidRequest, "runtime is closed")
	}
	kind, name, err := r.resolve(ref)
	if err != nil {
		return "", err
	}

	runCtx := r.runContext(ctx)
	switch kind {
	case KindFleet:
		def, _ := r.registry.Fleet(name)
		run, err := r.fleets.Start(runCtx, taskFromInput(ctx, input), def)
		if err != nil {
			return "", err
		}
		r.track(run.ID(), KindFleet)
		r.logger.Info("fleet run submitted", zap.String("run_id", run.ID()), zap.String("fleet", name))
		return run.ID(), nil
	default:
		def, _ := r.registry.Workflow(name)
		run, err := r.workflows.Start(runCtx, def, input)
		if err != nil {
			return "", err
		}
		r.track(run.ID(), KindWorkflow)
		r.logger.Info("workflow run submitted", zap.String("run_id", run.ID()), zap.String("workflow", name))
		return run.ID(), nil
	}
}

func (r *Runtime) resolve(ref string) (Kind, string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", "", types.NewError(types.ErrInvalidRequest, "definition reference is required")
	case strings.HasPrefix(ref, fleetPrefix):
		name := strings.TrimPrefix(ref, fleetPrefix)
		if _, ok := r.registry.Fleet(name); !ok {
			return "", "", types.Errorf(types.ErrNotFound, "fleet %q is not registered", name)
		}
		return KindFleet, name, nil
	case strings.HasPrefix(ref, workflowPrefix):
		name := strings.TrimPrefix(ref, workflowPrefix)
		if _, ok := r.registry.Workflow(name); !ok {
			return "", "", types.Errorf(types.ErrNotFound, "workflow %q is not registered", name)
		}
		return KindWorkflow, name, nil
	}
	if _, ok := r.registry.Workflow(ref); ok {
		return KindWorkflow, ref, nil
	}
	if _, ok := r.registry.Fleet(ref); ok {
		return KindFleet, ref, nil
	}
	return "", "", types.Errorf(types.ErrNotFound, "no fleet or workflow named %q", ref)
}

// runContext detaches a run from the submitting request while keeping its
// trace.
func (r *Runtime) runContext(ctx context.Context) context.Context {
	out := trace.ContextWithSpanContext(r.ctx, trace.SpanContextFromContext(ctx))
	if id, ok := types.TraceID(ctx); ok {
		out = types.WithTraceID(out, id)
	}
	return out
}

func taskFromInput(ctx context.Context, input map[string]any) *types.Task {
	task := &types.Task{Input: make(map[string]any, len(input))}
	for k, v := range input {
		task.Input[k] = v
	}
	for _, key := range []string{"task", "content", "prompt"} {
		if s, ok := input[key].(string); ok && s != "" {
			task.Content = s
			break
		}
	}
	if task.Content == "" && len(input) > 0 {
		if b, err := json.Marshal(input); err == nil {
			task.Content = string(b)
		}
	}
	switch v := input["skills"].(type) {
	case []string:
		task.Skills = append(task.Skills, v...)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				task.Skills = append(task.Skills, str)
			}
		}
	}
	if s, ok := input["sticky_key"].(string); ok {
		task.StickyKey = s
	}
	if id, ok := types.TraceID(ctx); ok {
		task.TraceID = id
	}
	return task
}

// GetStatus reports a run's progress. Workflow runs no longer held in
// memory are answered from their latest checkpoint.
func (r *Runtime) GetStatus(ctx context.Context, runID string) (*Status, error) {
	if run, ok := r.workflows.Get(runID); ok {
		return workflowStatus(run.Snapshot()), nil
	}
	if run, ok := r.fleets.Get(runID); ok {
		return fleetStatus(run.Snapshot()), nil
	}
	cp, err := r.workflows.Checkpoints().Latest(ctx, runID)
	if err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			return nil, types.Errorf(types.ErrNotFound, "run %s not found", runID)
		}
		return nil, err
	}
	return checkpointStatus(cp), nil
}

// Cancel stops a run. Cancelling a terminal run is an INVALID_REQUEST.
func (r *Runtime) Cancel(runID string) error {
	if _, ok := r.workflows.Get(runID); ok {
		return r.workflows.Cancel(runID)
	}
	if _, ok := r.fleets.Get(runID); ok {
		return r.fleets.Cancel(runID)
	}
	return types.Errorf(types.ErrNotFound, "run %s not found", runID)
}

// Pause stops a workflow run after its current step so it can be resumed.
func (r *Runtime) Pause(runID string) error {
	return r.workflows.Pause(runID)
}

// ListActiveRuns returns every non-terminal run, newest first.
func (r *Runtime) ListActiveRuns() []*Status {
	var out []*Status
	for _, snap := range r.workflows.List() {
		if !snap.Status.Terminal() {
			out = append(out, workflowStatus(snap))
		}
	}
	for _, snap := range r.fleets.List() {
		if !snap.Status.Terminal() {
			out = append(out, fleetStatus(snap))
		}
	}
	sortStatuses(out)
	return out
}

// ResolveApproval records an approver's decision on the run's pending
// approval. Decisions on paused runs are persisted and applied when the
// run is resumed.
func (r *Runtime) ResolveApproval(ctx context.Context, runID, approver string, decision hitl.Decision, comment string) (*hitl.ApprovalRequest, error) {
	approvals := r.workflows.Approvals()
	if len(approvals.Pending(runID)) > 0 {
		return approvals.DecideForRun(ctx, runID, approver, decision, comment)
	}

	st, err := r.GetStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	if st.Kind != KindWorkflow || st.PendingApproval == nil || st.Terminal() {
		return nil, types.Errorf(types.ErrNotFound, "run %s has no pending approval", runID)
	}

	// The run is suspended outside this process's wait loop; decide against
	// the stored request so Resume sees the outcome.
	req, err := approvals.Get(ctx, st.PendingApproval.ID)
	if err != nil {
		req = st.PendingApproval
	}
	if req.Status.Terminal() {
		return nil, types.Errorf(types.ErrInvalidRequest, "approval %s already %s", req.ID, req.Status)
	}
	if err := approvals.Restore(ctx, req); err != nil {
		return nil, err
	}
	defer approvals.Release(req.ID)
	return approvals.Decide(ctx, req.ID, approver, decision, comment)
}

// Resume continues a paused or interrupted workflow run from its latest
// checkpoint.
func (r *Runtime) Resume(ctx context.Context, workflowName, runID string) (string, error) {
	if r.isClosed() {
		return "", types.NewError(types.ErrInvalidRequest, "runtime is closed")
	}
	def, ok := r.registry.Workflow(workflowName)
	if !ok {
		return "", types.Errorf(types.ErrNotFound, "workflow %q is not registered", workflowName)
	}
	run, err := r.workflows.Resume(r.runContext(ctx), def, runID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	delete(r.ended, runID)
	r.mu.Unlock()
	r.track(run.ID(), KindWorkflow)
	return run.ID(), nil
}

// Sweep forgets terminal runs that ended more than the retention period
// ago and returns how many were removed. Their checkpoints are kept.
func (r *Runtime) Sweep() int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.retention)

	r.mu.Lock()
	var expired []string
	for id, at := range r.ended {
		if at.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, id := range expired {
		var ok bool
		switch r.kindOf(id) {
		case KindFleet:
			ok = r.fleets.Forget(id)
		default:
			ok = r.workflows.Forget(id)
		}
		r.mu.Lock()
		delete(r.ended, id)
		delete(r.kinds, id)
		r.mu.Unlock()
		if ok {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("expired runs removed", zap.Int("count", removed))
	}
	return removed
}

func (r *Runtime) janitor() error {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close pauses active workflow runs so they can be resumed by another
// process, cancels fleet runs and stops the janitor.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var done []<-chan struct{}
	for _, snap := range r.workflows.List() {
		if !snap.Status.Active() {
			continue
		}
		if run, ok := r.workflows.Get(snap.ID); ok {
			if err := r.workflows.Pause(snap.ID); err == nil {
				done = append(done, run.Done())
			}
		}
	}
	for _, snap := range r.fleets.List() {
		if snap.Status.Terminal() {
			continue
		}
		if run, ok := r.fleets.Get(snap.ID); ok {
			if err := r.fleets.Cancel(snap.ID); err == nil {
				done = append(done, run.Done())
			}
		}
	}

	var waitErr error
	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		if waitErr != nil {
			break
		}
	}

	r.cancel()
	if err := r.group.Wait(); err != nil && waitErr == nil {
		waitErr = err
	}
	r.logger.Info("orchestrator closed", zap.Int("stopped_runs", len(done)))
	return waitErr
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) track(runID string, kind Kind) {
	r.mu.Lock()
	r.kinds[runID] = kind
	r.mu.Unlock()
}

func (r *Runtime) kindOf(runID string) Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[runID]
}

func (r *Runtime) markEnded(runID string, kind Kind, terminal bool) {
	r.mu.Lock()
	r.kinds[runID] = kind
	if terminal {
		r.ended[runID] = r.clock.Now()
	}
	r.mu.Unlock()
}

func (r *Runtime) onFleet(snap fleet.RunSnapshot) {
	r.markEnded(snap.ID, KindFleet, snap.Status.Terminal())
	ev := eventbus.Event{
		RunID:  snap.ID,
		Kind:   string(KindFleet),
		Name:   snap.FleetName,
		Status: string(snap.Status),
		Tier:   snap.CurrentTier,
	}
	r.publish(ev, snap.Error)
}

func (r *Runtime) onWorkflow(snap workflow.RunSnapshot) {
	r.markEnded(snap.ID, KindWorkflow, snap.Status.Terminal())
	ev := eventbus.Event{
		RunID:  snap.ID,
		Kind:   string(KindWorkflow),
		Name:   snap.WorkflowName,
		Status: string(snap.Status),
		Step:   snap.CurrentStep,
	}
	r.publish(ev, snap.Error)
}

func (r *Runtime) publish(ev eventbus.Event, runErr *types.Error) {
	if r.events == nil {
		return
	}
	if runErr != nil {
		ev.ErrorCode = string(runErr.Code)
		ev.Error = runErr.Message
	}
	ev.Time = r.clock.Now()
	if err := r.events.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("failed to publish run event",
			zap.String("run_id", ev.RunID),
			zap.String("status", ev.Status),
			zap.Error(err),
		)
	}
}
