package fleet

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/fleetflow/agent"
	"github.com/BaSui01/fleetflow/fleet/consensus"
	"github.com/BaSui01/fleetflow/types"
)

// boundMember is a member with its resolved capability.
type boundMember struct {
	Member
	capability agent.Capability
}

// dispatchItem is one planned capability call.
type dispatchItem struct {
	member boundMember
	tier   int
	task   *types.Task
}

// execution carries the per-run state shared by mode handlers.
type execution struct {
	c       *Coordinator
	def     *Definition
	run     *Run
	task    *types.Task
	members []boundMember
	byName  map[string]boundMember
	cfg     consensus.Config
	logger  *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func newExecution(c *Coordinator, d *Definition, run *Run, task *types.Task, members []boundMember) *execution {
	x := &execution{
		c:       c,
		def:     d,
		run:     run,
		task:    task,
		members: members,
		byName:  make(map[string]boundMember, len(members)),
		cfg:     d.consensusConfig(),
		logger:  c.logger.With(zap.String("run_id", run.id), zap.String("fleet", d.Name)),
	}
	for _, m := range members {
		x.byName[m.Name] = m
	}
	if n := d.Coordination.MaxConcurrency; n > 0 {
		x.sem = semaphore.NewWeighted(int64(n))
	}
	if r := d.Coordination.DispatchRate; r > 0 {
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		x.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	return x
}

func (x *execution) items(members []boundMember, tier int, task *types.Task) []dispatchItem {
	out := make([]dispatchItem, len(members))
	for i, m := range members {
		t := tier
		if t == 0 {
			t = m.Tier
		}
		out[i] = dispatchItem{member: m, tier: t, task: task}
	}
	return out
}

func (x *execution) membersWithRole(role Role) []boundMember {
	var out []boundMember
	for _, m := range x.members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func (x *execution) membersInTier(tier int) []boundMember {
	var out []boundMember
	for _, m := range x.members {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// dispatch performs one paced, bounded and traced capability call.
// The returned result is always attributed to the member.
func (x *execution) dispatch(ctx context.Context, item dispatchItem) (types.AgentResult, error) {
	m := item.member
	start := time.Now()

	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			return x.aborted(ctx, item, start, err)
		}
	}
	if x.sem != nil {
		if err := x.sem.Acquire(ctx, 1); err != nil {
			return x.aborted(ctx, item, start, err)
		}
		defer x.sem.Release(1)
	}

	callCtx := ctx
	if t := x.cfg.Timeout; t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	callCtx, span := x.c.tracer.Start(callCtx, "fleet.dispatch", trace.WithAttributes(
		attribute.String("fleet.member", m.Name),
		attribute.String("fleet.role", string(m.Role)),
		attribute.Int("fleet.tier", item.tier),
	))
	defer span.End()

	x.c.loads.inc(x.def.Name, m.Name)
	defer x.c.loads.dec(x.def.Name, m.Name)

	task := item.task
	if x.c.blackboard != nil {
		if snap, err := x.c.blackboard.Snapshot(callCtx, x.def.Name); err == nil && len(snap) > 0 {
			task = task.Derive(task.Content).WithContext("blackboard", snap)
		}
	}

	result, err := agent.Invoke(callCtx, m.capability, m.Name, item.tier, task)

	status := "success"
	if err != nil {
		status = string(types.GetErrorCode(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Debug("member dispatch failed",
			zap.String("member", m.Name),
			zap.Int("tier", item.tier),
			zap.Error(err),
		)
	} else if x.c.blackboard != nil {
		if _, werr := x.c.blackboard.Write(ctx, x.def.Name, m.Name, m.Name, result.Content, x.def.BlackboardTTL); werr != nil {
			x.logger.Warn("blackboard write failed", zap.String("member", m.Name), zap.Error(werr))
		}
	}
	x.c.metrics.RecordAgentDispatch(m.Name, status, result.Latency)
	return result, err
}

func (x *execution) aborted(ctx context.Context, item dispatchItem, start time.Time, err error) (types.AgentResult, error) {
	code := types.ErrCancelled
	if ctx.Err() == context.DeadlineExceeded {
		code = types.ErrTimeout
	}
	e := types.Errorf(code, "%s not dispatched", item.member.Name).WithCause(err)
	return types.FailedResult(item.member.Name, item.tier, time.Since(start), e), e
}

// fanOut dispatches every item concurrently and returns results in arrival
// order. Results are recorded under recordTier as they arrive. With
// firstWins the first success cancels the remaining calls; calls cancelled
// that way are left out of the results.
func (x *execution) fanOut(ctx context.Context, recordTier int, items []dispatchItem, firstWins bool) []types.AgentResult {
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make([]types.AgentResult, 0, len(items))
		won     bool
		g       errgroup.Group
	)
	for _, item := range items {
		g.Go(func() error {
			result, err := x.dispatch(fanCtx, item)

			mu.Lock()
			defer mu.Unlock()
			if won && err != nil && ctx.Err() == nil {
				return nil
			}
			results = append(results, result)
			x.run.recordResults(recordTier, result)
			if firstWins && err == nil && !won {
				won = true
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// decide runs the consensus engine unless the run was cancelled.
func (x *execution) decide(ctx context.Context, results []types.AgentResult, cfg consensus.Config) (*consensus.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return x.c.engine.Compute(results, cfg)
}

func (x *execution) firstWins() bool {
	return x.cfg.Algorithm == consensus.AlgorithmFirstWins
}

// loadTracker counts in-flight dispatches per fleet member.
type loadTracker struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newLoadTracker() *loadTracker {
	return &loadTracker{counts: make(map[string]int64)}
}

func loadKey(fleet, member string) string { return fleet + "/" + member }

func (l *loadTracker) inc(fleet, member string) {
	l.mu.Lock()
	l.counts[loadKey(fleet, member)]++
	l.mu.Unlock()
}

func (l *loadTracker) dec(fleet, member string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := loadKey(fleet, member)
	if l.counts[k] <= 1 {
		delete(l.counts, k)
		return
	}
	l.counts[k]--
}

func (l *loadTracker) get(fleet, member string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[loadKey(fleet, member)]
}
