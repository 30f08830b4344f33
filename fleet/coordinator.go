package fleet

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/internal/metrics"
	"github.com/BaSui01/fleetflow/types"
)

const instrumentationName = "github.com/BaSui01/fleetflow/fleet"

// errRunCancelled is the cancellation cause used by Coordinator.Cancel.
var errRunCancelled = errors.New("fleet run cancelled")

// CapabilityResolver resolves member capability references.
type CapabilityResolver interface {
	Resolve(ref string) (agent.Capability, error)
}

// RunListener observes run status transitions.
type RunListener func(RunSnapshot)

// modeHandler executes one coordination mode and returns the final result.
type modeHandler func(ctx context.Context, x *execution) (*consensus.Result, error)

// Coordinator executes fleets.
type Coordinator struct {
	capabilities CapabilityResolver
	engine       *consensus.Engine
	blackboard   *Blackboard
	metrics      *metrics.Collector
	tracer       trace.Tracer
	logger       *zap.Logger
	modes        map[Mode]modeHandler
	loads        *loadTracker
	listeners    []RunListener

	rrMu sync.Mutex
	rr   map[string]uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	mu   sync.RWMutex
	runs map[string]*Run
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEngine sets the consensus engine.
func WithEngine(e *consensus.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

// WithBlackboard enables the broadcast blackboard.
func WithBlackboard(b *Blackboard) Option {
	return func(c *Coordinator) { c.blackboard = b }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithRunListener registers a status transition observer.
func WithRunListener(l RunListener) Option {
	return func(c *Coordinator) { c.listeners = append(c.listeners, l) }
}

// WithRandSource seeds random distribution.
func WithRandSource(src rand.Source) Option {
	return func(c *Coordinator) { c.rng = rand.New(src) }
}

// NewCoordinator creates a coordinator resolving capabilities through caps.
func NewCoordinator(caps CapabilityResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		capabilities: caps,
		logger:       zap.NewNop(),
		loads:        newLoadTracker(),
		rr:           make(map[string]uint64),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		runs:         make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.engine == nil {
		c.engine = consensus.NewEngine(c.logger)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	c.logger = c.logger.With(zap.String("component", "fleet_coordinator"))
	c.modes = map[Mode]modeHandler{
		ModePeer:         runPeer,
		ModeHierarchical: runHierarchical,
		ModePipeline:     runPipeline,
		ModeSwarm:        runSwarm,
		ModeTiered:       runTiered,
		ModeDeep:         runDeep,
	}
	return c
}

// Engine returns the consensus engine.
func (c *Coordinator) Engine() *consensus.Engine { return c.engine }

// Result is the outcome of a synchronous fleet execution.
type Result struct {
	RunID       string                      `json:"run_id"`
	FleetName   string                      `json:"fleet_name"`
	Mode        Mode                        `json:"mode"`
	Final       *consensus.Result           `json:"final"`
	TierResults map[int][]types.AgentResult `json:"tier_results"`
	Duration    time.Duration               `json:"duration"`
}

// Decision returns the final decision or content.
func (r *Result) Decision() string {
	if r == nil || r.Final == nil {
		return ""
	}
	return r.Final.Decision
}

// Execute runs the fleet to completion.
func (c *Coordinator) Execute(ctx context.Context, task *types.Task, def *Definition) (*Result, error) {
	run, err := c.Start(ctx, task, def)
	if err != nil {
		return nil, err
	}
	<-run.Done()

	snap := run.Snapshot()
	final, runErr := run.Result()
	res := &Result{
		RunID:       snap.ID,
		FleetName:   snap.FleetName,
		Mode:        snap.Mode,
		Final:       final,
		TierResults: snap.TierResults,
		Duration:    snap.EndedAt.Sub(snap.StartedAt),
	}
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// Start validates the definition and launches the run in the background.
// Wait on Run.Done for completion.
func (c *Coordinator) Start(ctx context.Context, task *types.Task, def *Definition) (*Run, error) {
	if task == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "task is required")
	}
	if err := Validate(def, c.engine); err != nil {
		return nil, err
	}
	d := def.withDefaults()

	members, err := c.bind(d)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	run := newRun(uuid.NewString(), d, cancel)
	if task.ID == "" {
		task = task.Derive(task.Content)
		task.ID = run.id
	}

	c.mu.Lock()
	c.runs[run.id] = run
	c.mu.Unlock()

	c.logger.Info("fleet run started",
		zap.String("run_id", run.id),
		zap.String("fleet", d.Name),
		zap.String("mode", string(d.Coordination.Mode)),
		zap.Int("members", len(members)),
	)
	c.notify(run)
	c.updateActive()

	x := newExecution(c, d, run, task, members)
	go c.execute(types.WithFleetRunID(runCtx, run.id), x)
	return run, nil
}

func (c *Coordinator) execute(ctx context.Context, x *execution) {
	ctx, span := c.tracer.Start(ctx, "fleet.execute", trace.WithAttributes(
		attribute.String("fleet.name", x.def.Name),
		attribute.String("fleet.mode", string(x.def.Coordination.Mode)),
		attribute.String("fleet.run_id", x.run.id),
	))
	defer span.End()
	defer x.run.cancel(nil)

	final, err := c.modes[x.def.Coordination.Mode](ctx, x)

	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
		err = types.Errorf(types.ErrCancelled, "fleet run %s cancelled", x.run.id).
			WithCause(context.Cause(ctx)).WithRun(x.run.id)
		final = nil
	case err != nil:
		status = StatusFailed
		if e, ok := types.AsError(err); ok {
			err = e.WithRun(x.run.id)
		} else {
			err = types.NewError(types.ErrAgentFailure, "fleet run failed").WithCause(err).WithRun(x.run.id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case final != nil:
		final.Metadata = withMeta(final.Metadata, "mode", string(x.def.Coordination.Mode))
		c.metrics.RecordConsensus(string(final.Algorithm), string(final.Outcome), final.Confidence)
	}

	if !x.run.finish(status, final, err) {
		return
	}
	defer x.run.release()

	snap := x.run.Snapshot()
	c.metrics.RecordFleetRun(x.def.Name, string(x.def.Coordination.Mode), string(status), snap.EndedAt.Sub(snap.StartedAt))
	fields := []zap.Field{
		zap.String("run_id", x.run.id),
		zap.String("fleet", x.def.Name),
		zap.String("status", string(status)),
	}
	switch status {
	case StatusCompleted:
		fields = append(fields, zap.String("decision", final.Decision), zap.String("outcome", string(final.Outcome)))
		c.logger.Info("fleet run completed", fields...)
	case StatusCancelled:
		c.logger.Info("fleet run cancelled", fields...)
	default:
		c.logger.Warn("fleet run failed", append(fields, zap.Error(err))...)
	}
	c.notify(x.run)
	c.updateActive()
}

// bind resolves every member capability.
func (c *Coordinator) bind(d *Definition) ([]boundMember, error) {
	if c.capabilities == nil {
		return nil, types.NewError(types.ErrValidation, "no capability resolver configured")
	}
	members := make([]boundMember, 0, len(d.Members))
	for _, m := range d.Members {
		capability, err := c.capabilities.Resolve(m.CapabilityRef)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "member %q: %v", m.Name, err)
		}
		members = append(members, boundMember{Member: m, capability: capability})
	}
	return members, nil
}

// Get returns a tracked run.
func (c *Coordinator) Get(runID string) (*Run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.runs[runID]
	return run, ok
}

// Cancel stops scheduling further dispatches and cancels in-flight calls.
func (c *Coordinator) Cancel(runID string) error {
	run, ok := c.Get(runID)
	if !ok {
		return types.Errorf(types.ErrNotFound, "fleet run %s not found", runID)
	}
	if run.Status().Terminal() {
		return types.Errorf(types.ErrInvalidRequest, "fleet run %s already %s", runID, run.Status())
	}
	run.cancel(errRunCancelled)
	return nil
}

// List returns snapshots of all tracked runs, newest first.
func (c *Coordinator) List() []RunSnapshot {
	c.mu.RLock()
	out := make([]RunSnapshot, 0, len(c.runs))
	for _, run := range c.runs {
		out = append(out, run.Snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Forget drops a terminal run from tracking.
func (c *Coordinator) Forget(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok || !run.Status().Terminal() {
		return false
	}
	delete(c.runs, runID)
	return true
}

// Load returns the in-flight dispatch count of a member.
func (c *Coordinator) Load(fleet, member string) int64 {
	return c.loads.get(fleet, member)
}

func (c *Coordinator) notify(run *Run) {
	if len(c.listeners) == 0 {
		return
	}
	snap := run.Snapshot()
	for _, l := range c.listeners {
		l(snap)
	}
}

func (c *Coordinator) updateActive() {
	if c.metrics == nil {
		return
	}
	c.mu.RLock()
	n := 0
	for _, run := range c.runs {
		if !run.Status().Terminal() {
			n++
		}
	}
	c.mu.RUnlock()
	c.metrics.SetActiveRuns("fleet", n)
}

func (c *Coordinator) nextRoundRobin(fleet string) uint64 {
	c.rrMu.Lock()
	defer c.rrMu.Unlock()
	n := c.rr[fleet]
	c.rr[fleet] = n + 1
	return n
}

func (c *Coordinator) randIntn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(n)
}

func withMeta(m map[string]any, key string, value any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = value
	return m
}
