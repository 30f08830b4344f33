package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/fleet"
	"github.com/BaSui01/fleetflow/internal/metrics"
	"github.com/BaSui01/fleetflow/types"
)

const instrumentationName = "github.com/BaSui01/fleetflow/workflow"

var (
	errRunCancelled = errors.New("workflow run cancelled")
	errRunPaused    = errors.New("workflow run paused")
)

// CapabilityResolver resolves agent step capability references.
type CapabilityResolver interface {
	Resolve(ref string) (agent.Capability, error)
}

// FleetRunner executes a fleet synchronously. *fleet.Coordinator implements it.
type FleetRunner interface {
	Execute(ctx context.Context, task *types.Task, def *fleet.Definition) (*fleet.Result, error)
}

// FleetCatalog looks up fleet definitions by name.
type FleetCatalog interface {
	FleetDefinition(name string) (*fleet.Definition, error)
}

// RunListener observes run status transitions.
type RunListener func(RunSnapshot)

// stepCall is one handler invocation. State is read-only for handlers;
// changes are returned in stepResult.
type stepCall struct {
	step   *Step
	state  map[string]any
	branch string
}

type stepResult struct {
	Output any
	// Next overrides connection routing.
	Next string
	// State replaces the canonical state when non-nil.
	State    map[string]any
	History  []StepExecution
	Approval *hitl.Outcome
}

type stepHandler func(ctx context.Context, x *execution, call stepCall) (stepResult, error)

// retried lists the step types whose transient failures are retried.
var retried = map[StepType]bool{StepAgent: true, StepFleet: true}

// Executor runs workflow definitions.
type Executor struct {
	capabilities CapabilityResolver
	fleets       FleetRunner
	catalog      FleetCatalog
	approvals    *hitl.ApprovalManager
	checkpoints  CheckpointStore
	clock        types.Clock
	metrics      *metrics.Collector
	tracer       trace.Tracer
	logger       *zap.Logger
	handlers     map[StepType]stepHandler
	listeners    []RunListener

	mu   sync.RWMutex
	runs map[string]*Run
}

// Option configures an Executor.
type Option func(*Executor)

// WithCapabilities sets the resolver for agent steps.
func WithCapabilities(r CapabilityResolver) Option {
	return func(e *Executor) { e.capabilities = r }
}

// WithFleets enables fleet steps.
func WithFleets(runner FleetRunner, catalog FleetCatalog) Option {
	return func(e *Executor) {
		e.fleets = runner
		e.catalog = catalog
	}
}

// WithApprovals sets the approval manager.
func WithApprovals(m *hitl.ApprovalManager) Option {
	return func(e *Executor) { e.approvals = m }
}

// WithCheckpointStore sets where checkpoints are written.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(e *Executor) { e.checkpoints = s }
}

// WithClock sets the clock used by wait steps and approvals created by
// the default manager.
func WithClock(c types.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithRunListener registers a status transition observer.
func WithRunListener(l RunListener) Option {
	return func(e *Executor) { e.listeners = append(e.listeners, l) }
}

// NewExecutor creates an executor. Without options it keeps checkpoints and
// approvals in memory.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger: zap.NewNop(),
		runs:   make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = types.ClockOrSystem(e.clock)
	if e.checkpoints == nil {
		e.checkpoints = NewMemoryCheckpointStore()
	}
	if e.approvals == nil {
		e.approvals = hitl.NewApprovalManager(nil, e.clock, e.logger)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_executor"))
	e.handlers = map[StepType]stepHandler{
		StepAgent:       runAgent,
		StepFleet:       runFleet,
		StepTransform:   runTransform,
		StepConditional: runConditional,
		StepParallel:    runParallel,
		StepJoin:        runJoin,
		StepApproval:    runApproval,
		StepWait:        runWait,
	}
	return e
}

// Approvals returns the approval manager.
func (e *Executor) Approvals() *hitl.ApprovalManager { return e.approvals }

// Checkpoints returns the checkpoint store.
func (e *Executor) Checkpoints() CheckpointStore { return e.checkpoints }

// execution is the per-run context shared by handlers.
type execution struct {
	e      *Executor
	plan   *plan
	def    *Definition
	run    *Run
	logger *zap.Logger
}

// Execute runs the workflow until it completes, fails, is cancelled or is paused.
func (e *Executor) Execute(ctx context.Context, def *Definition, input map[string]any) (RunSnapshot, error) {
	run, err := e.Start(ctx, def, input)
	if err != nil {
		return RunSnapshot{}, err
	}
	<-run.Done()
	return run.Snapshot(), run.Err()
}

// Start validates the definition, writes the initial checkpoint and runs
// the workflow in the background. Wait on Run.Done for completion.
func (e *Executor) Start(ctx context.Context, def *Definition, input map[string]any) (*Run, error) {
	p, err := compile(def)
	if err != nil {
		return nil, err
	}
	state := cloneState(input)
	run := newRun(uuid.NewString(), def.Name, def.Entrypoint, state, e.clock.Now())
	x := e.newExecution(p, run)

	if err := e.saveCheckpoint(ctx, x); err != nil {
		return nil, err
	}
	e.launch(ctx, x, "workflow run started")
	return run, nil
}

// Resume continues a run from its latest checkpoint. Steps completed before
// the checkpoint are not executed again.
func (e *Executor) Resume(ctx context.Context, def *Definition, runID string) (*Run, error) {
	p, err := compile(def)
	if err != nil {
		return nil, err
	}
	if existing, ok := e.Get(runID); ok && existing.Status().Active() {
		return nil, types.Errorf(types.ErrInvalidRequest, "workflow run %s is still %s", runID, existing.Status())
	}

	cp, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case cp.WorkflowName != def.Name:
		return nil, types.Errorf(types.ErrInvalidRequest, "run %s belongs to workflow %q, not %q", runID, cp.WorkflowName, def.Name)
	case cp.Status.Terminal():
		return nil, types.Errorf(types.ErrInvalidRequest, "workflow run %s already %s", runID, cp.Status)
	}
	if _, ok := def.Steps[cp.StepID]; !ok {
		return nil, types.Errorf(types.ErrValidation, "checkpoint step %q is not in workflow %q", cp.StepID, def.Name)
	}

	run := restoreRun(cp)
	e.launch(ctx, e.newExecution(p, run), "workflow run resumed")
	return run, nil
}

func (e *Executor) newExecution(p *plan, run *Run) *execution {
	return &execution{
		e:    e,
		plan: p,
		def:  p.def,
		run:  run,
		logger: e.logger.With(
			zap.String("run_id", run.id),
			zap.String("workflow", run.workflowName),
		),
	}
}

func (e *Executor) launch(ctx context.Context, x *execution, msg string) {
	runCtx, cancel := context.WithCancelCause(ctx)
	x.run.cancel = cancel

	e.mu.Lock()
	e.runs[x.run.id] = x.run
	e.mu.Unlock()

	x.logger.Info(msg, zap.String("step", x.run.currentStep))
	e.notify(x.run)
	e.updateActive()

	go e.loop(types.WithRunID(runCtx, x.run.id), x)
}

func (e *Executor) loop(ctx context.Context, x *execution) {
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", x.def.Name),
		attribute.String("workflow.run_id", x.run.id),
	))
	defer span.End()
	defer x.run.cancel(nil)

	status, err := e.drive(ctx, x)
	if err != nil && status == StatusFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if !x.run.finish(status, err, e.clock.Now()) {
		return
	}
	defer x.run.release()

	if cpErr := e.saveCheckpoint(ctx, x); cpErr != nil {
		x.logger.Error("failed to write final checkpoint", zap.Error(cpErr))
	}
	e.metrics.RecordWorkflowRun(x.def.Name, string(status))

	fields := []zap.Field{zap.String("status", string(status)), zap.String("step", x.run.Snapshot().CurrentStep)}
	switch status {
	case StatusCompleted:
		x.logger.Info("workflow run completed", fields...)
	case StatusPaused:
		x.logger.Info("workflow run paused", fields...)
	case StatusCancelled:
		x.logger.Info("workflow run cancelled", fields...)
	default:
		if types.IsAlertable(err) {
			x.logger.Error("workflow run failed", append(fields, zap.Error(err))...)
		} else {
			x.logger.Info("workflow run ended", append(fields, zap.Error(err))...)
		}
	}
	e.notify(x.run)
	e.updateActive()
}

// drive is the committing loop. Only this goroutine writes run state.
func (e *Executor) drive(ctx context.Context, x *execution) (Status, error) {
	for {
		if ctx.Err() != nil {
			return x.interrupted(ctx)
		}
		stepID, state := x.run.current()
		step := x.def.Steps[stepID]

		if step.Type == StepEnd {
			now := e.clock.Now()
			x.run.commit(nil, stepID, StepExecution{
				StepID: stepID, Type: StepEnd, Status: stepSucceeded, StartedAt: now, EndedAt: now,
			})
			return StatusCompleted, nil
		}

		started := e.clock.Now()
		res, attempts, err := e.execStep(ctx, x, stepCall{step: step, state: state})
		rec := StepExecution{
			StepID: stepID, Type: step.Type, Attempts: attempts,
			StartedAt: started, EndedAt: e.clock.Now(),
		}

		if err != nil {
			if ctx.Err() != nil {
				return x.interrupted(ctx)
			}
			rec.Status = stepFailed
			rec.Error = err.Error()
			if types.IsCode(err, types.ErrCancelled) {
				x.run.commit(nil, stepID, rec)
				return StatusCancelled, types.Errorf(types.ErrCancelled, "workflow run %s cancelled", x.run.id).
					WithCause(err).WithRun(x.run.id).WithStep(stepID)
			}
			if h := x.def.ErrorHandler; h != "" && h != stepID {
				next := shallowCopy(state)
				next["error"] = errorState(step, err, attempts)
				rec.Next = h
				x.run.commit(next, h, rec)
				x.logger.Warn("step failed, routing to error handler",
					zap.String("step", stepID),
					zap.String("handler", h),
					zap.Error(err),
				)
				if err := e.saveCheckpoint(ctx, x); err != nil {
					return StatusFailed, err
				}
				continue
			}
			x.run.commit(nil, stepID, rec)
			return StatusFailed, stepError(x.run.id, step, err)
		}

		next := state
		if res.State != nil {
			next = res.State
		}
		if key := step.outputKey(); key != "" && res.Output != nil {
			if res.State == nil {
				next = shallowCopy(next)
			}
			next[key] = res.Output
		}

		target := res.Next
		if target == "" {
			target, err = x.route(step, next, res.Approval)
			if err != nil {
				rec.Status = stepFailed
				rec.Error = err.Error()
				x.run.commit(next, stepID, append(res.History, rec)...)
				return StatusFailed, err
			}
		}
		rec.Status = stepSucceeded
		rec.Next = target
		x.run.commit(next, target, append(res.History, rec)...)

		if err := e.saveCheckpoint(ctx, x); err != nil {
			return StatusFailed, err
		}
	}
}

// interrupted maps the cancellation cause of the run context to a status.
func (x *execution) interrupted(ctx context.Context) (Status, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, errRunPaused) {
		return StatusPaused, nil
	}
	return StatusCancelled, types.Errorf(types.ErrCancelled, "workflow run %s cancelled", x.run.id).
		WithCause(cause).WithRun(x.run.id)
}

// route picks the first connection whose condition holds, then the default
// edge. A withheld approval never takes the default edge.
func (x *execution) route(step *Step, state map[string]any, approval *hitl.Outcome) (string, error) {
	withheld := approval != nil && !approval.Approved
	fallback := ""
	for _, c := range x.def.outgoing(step.ID) {
		if c.Condition == "" {
			if fallback == "" {
				fallback = c.To
			}
			continue
		}
		if x.plan.condition(c.Condition).Eval(state) {
			return c.To, nil
		}
	}
	if fallback != "" && !withheld {
		return fallback, nil
	}
	if withheld {
		code := types.ErrApprovalRejected
		if approval.TimedOut {
			code = types.ErrApprovalTimeout
		}
		return "", types.Errorf(code, "approval at step %s was not granted", step.ID).
			WithRun(x.run.id).WithStep(step.ID).
			WithMetadata("decision", string(approval.Decision)).
			WithMetadata("approval_id", approval.RequestID)
	}
	return "", types.Errorf(types.ErrStepExecution, "no connection from step %s matched", step.ID).
		WithRun(x.run.id).WithStep(step.ID)
}

// execStep runs one step with retries, tracing and metrics.
func (e *Executor) execStep(ctx context.Context, x *execution, call stepCall) (stepResult, int, error) {
	step := call.step
	handler, ok := e.handlers[step.Type]
	if !ok {
		return stepResult{}, 0, types.Errorf(types.ErrStepExecution, "no handler for step type %q", step.Type)
	}

	ctx = types.WithStepID(ctx, step.ID)
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.name", x.def.Name),
		attribute.String("workflow.step", step.ID),
		attribute.String("workflow.step_type", string(step.Type)),
		attribute.String("workflow.branch", call.branch),
	))
	defer span.End()

	start := time.Now()
	var (
		res      stepResult
		attempts = 1
		err      error
	)
	if retried[step.Type] {
		policy := x.def.retryPolicy(step)
		onRetry := func(int, error) { e.metrics.RecordStepRetry(x.def.Name, string(step.Type)) }
		res, attempts, err = withRetry(ctx, policy, x.logger, onRetry, func(ctx context.Context) (stepResult, error) {
			if step.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, step.Timeout)
				defer cancel()
			}
			return handler(ctx, x, call)
		})
	} else {
		res, err = handler(ctx, x, call)
	}

	status := stepSucceeded
	switch {
	case err != nil && ctx.Err() != nil:
		status = stepCancelled
	case err != nil:
		status = stepFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("workflow.attempts", attempts))
	e.metrics.RecordWorkflowStep(x.def.Name, string(step.Type), status, time.Since(start))
	x.logger.Debug("step executed",
		zap.String("step", step.ID),
		zap.String("type", string(step.Type)),
		zap.String("branch", call.branch),
		zap.String("status", status),
		zap.Int("attempts", attempts),
		zap.Duration("duration", time.Since(start)),
	)
	return res, attempts, err
}

// saveCheckpoint persists the current position. Writes are detached from
// run cancellation so terminal checkpoints land.
func (e *Executor) saveCheckpoint(ctx context.Context, x *execution) error {
	cp := x.run.checkpoint(uuid.NewString(), e.clock.Now())
	err := e.checkpoints.Save(context.WithoutCancel(ctx), cp)
	e.metrics.RecordCheckpointWrite(storeLabel(e.checkpoints), err)
	if err != nil {
		x.logger.Error("checkpoint write failed", zap.Int64("sequence", cp.Sequence), zap.Error(err))
		if te, ok := types.AsError(err); ok {
			return te.WithRun(x.run.id)
		}
		return types.NewError(types.ErrPersistence, "checkpoint write failed").WithCause(err).WithRun(x.run.id)
	}
	x.run.setCheckpoint(cp.ID)
	return nil
}

// Get returns a tracked run.
func (e *Executor) Get(runID string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[runID]
	return run, ok
}

// Cancel stops a run. Paused runs are cancelled in place.
func (e *Executor) Cancel(runID string) error {
	run, ok := e.Get(runID)
	if !ok {
		return types.Errorf(types.ErrNotFound, "workflow run %s not found", runID)
	}
	status := run.Status()
	switch {
	case status.Terminal():
		return types.Errorf(types.ErrInvalidRequest, "workflow run %s already %s", runID, status)
	case status == StatusPaused:
		return e.cancelPaused(run)
	}
	run.cancel(errRunCancelled)
	return nil
}

func (e *Executor) cancelPaused(run *Run) error {
	if req := run.Snapshot().PendingApproval; req != nil {
		if err := e.approvals.Restore(context.Background(), req); err == nil {
			_ = e.approvals.Cancel(context.Background(), req.ID)
			e.approvals.Release(req.ID)
		}
	}
	err := types.Errorf(types.ErrCancelled, "workflow run %s cancelled", run.id).WithRun(run.id)
	run.mu.Lock()
	run.status = StatusCancelled
	run.err = err
	run.pending = nil
	run.waitUntil = nil
	run.endedAt = e.clock.Now()
	run.mu.Unlock()

	x := &execution{e: e, run: run, logger: e.logger.With(zap.String("run_id", run.id))}
	if cpErr := e.saveCheckpoint(context.Background(), x); cpErr != nil {
		return cpErr
	}
	e.metrics.RecordWorkflowRun(run.workflowName, string(StatusCancelled))
	e.notify(run)
	e.updateActive()
	return nil
}

// Pause stops a running run after its current step; it can be resumed
// from the checkpoint written on pause. Pending approvals stay open.
func (e *Executor) Pause(runID string) error {
	run, ok := e.Get(runID)
	if !ok {
		return types.Errorf(types.ErrNotFound, "workflow run %s not found", runID)
	}
	if !run.Status().Active() {
		return types.Errorf(types.ErrInvalidRequest, "workflow run %s is %s", runID, run.Status())
	}
	run.cancel(errRunPaused)
	return nil
}

// List returns snapshots of all tracked runs, newest first.
func (e *Executor) List() []RunSnapshot {
	e.mu.RLock()
	out := make([]RunSnapshot, 0, len(e.runs))
	for _, run := range e.runs {
		out = append(out, run.Snapshot())
	}
	e.mu.RUnlock()
	sortSnapshots(out)
	return out
}

// Forget drops a terminal run from tracking. Its checkpoints are kept.
func (e *Executor) Forget(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	if !ok || !run.Status().Terminal() {
		return false
	}
	delete(e.runs, runID)
	return true
}

func (e *Executor) notify(run *Run) {
	if len(e.listeners) == 0 {
		return
	}
	snap := run.Snapshot()
	for _, l := range e.listeners {
		l(snap)
	}
}

func (e *Executor) updateActive() {
	if e.metrics == nil {
		return
	}
	e.mu.RLock()
	n := 0
	for _, run := range e.runs {
		if run.Status().Active() {
			n++
		}
	}
	e.mu.RUnlock()
	e.metrics.SetActiveRuns("workflow", n)
}

func storeLabel(s CheckpointStore) string {
	switch s.(type) {
	case *MemoryCheckpointStore:
		return "memory"
	case *FileCheckpointStore:
		return "file"
	case *GormCheckpointStore:
		return "gorm"
	case *KVCheckpointStore:
		return "kv"
	default:
		return "custom"
	}
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func errorState(step *Step, err error, attempts int) map[string]any {
	out := map[string]any{
		"step":     step.ID,
		"type":     string(step.Type),
		"message":  err.Error(),
		"attempts": attempts,
	}
	if code := types.GetErrorCode(err); code != "" {
		out["code"] = string(code)
	}
	return out
}

// stepError wraps a handler failure with the step that raised it.
func stepError(runID string, step *Step, err error) error {
	if te, ok := types.AsError(err); ok {
		if te.StepID == "" {
			te.StepID = step.ID
		}
		return te.WithRun(runID)
	}
	return types.Errorf(types.ErrStepExecution, "step %s failed", step.ID).
		WithCause(err).WithRun(runID).WithStep(step.ID)
}
