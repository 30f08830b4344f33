package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/agent/hitl"
	"github.com/BaSui01/fleetflow/types"
)

// runApproval opens (or, after resume, re-attaches to) an approval request,
// checkpoints the run as waiting_approval and blocks until the request is
// resolved.
func runApproval(ctx context.Context, x *execution, call stepCall) (stepResult, error) {
	e := x.e
	step := call.step
	cfg := step.Approval
	if cfg == nil {
		cfg = &ApprovalConfig{}
	}

	var (
		req     = x.run.pendingFor(step.ID)
		outcome *hitl.Outcome
		err     error
	)
	if req != nil {
		if stored, getErr := e.approvals.Get(ctx, req.ID); getErr == nil {
			req = stored
		}
		if outcome = req.Outcome(); outcome != nil {
			e.approvals.Release(req.ID)
		} else if err := e.approvals.Restore(ctx, req); err != nil {
			return stepResult{}, err
		}
	} else {
		title := cfg.Title
		if title == "" {
			title = step.ID
		}
		req, err = e.approvals.Open(ctx, hitl.ApprovalOptions{
			RunID:             x.run.id,
			WorkflowName:      x.def.Name,
			StepID:            step.ID,
			Title:             title,
			Description:       interpolate(cfg.Description, call.state),
			Approvers:         cfg.Approvers,
			RequiredApprovals: cfg.RequiredApprovals,
			Timeout:           cfg.Timeout,
			DefaultOnTimeout:  cfg.DefaultOnTimeout,
		})
		if err != nil {
			return stepResult{}, err
		}
	}

	if outcome == nil {
		x.run.suspendOnApproval(req)
		if err := e.saveCheckpoint(ctx, x); err != nil {
			_ = e.approvals.Cancel(context.WithoutCancel(ctx), req.ID)
			e.approvals.Release(req.ID)
			return stepResult{}, err
		}
		e.notify(x.run)
		x.logger.Info("waiting for approval",
			zap.String("step", step.ID),
			zap.String("approval_id", req.ID),
			zap.Time("deadline", req.Deadline),
		)

		outcome, err = e.approvals.Await(ctx, req.ID)
		if err != nil {
			if errors.Is(context.Cause(ctx), errRunPaused) {
				e.approvals.Release(req.ID)
			} else {
				_ = e.approvals.Cancel(context.WithoutCancel(ctx), req.ID)
				e.approvals.Release(req.ID)
			}
			return stepResult{}, err
		}
	}

	x.run.resumeRunning()
	e.metrics.RecordApproval(string(outcome.Status))
	e.notify(x.run)
	x.logger.Info("approval resolved",
		zap.String("step", step.ID),
		zap.String("approval_id", req.ID),
		zap.String("status", string(outcome.Status)),
	)

	if outcome.Status == hitl.StatusCancelled {
		return stepResult{}, types.Errorf(types.ErrCancelled, "approval %s was cancelled", req.ID).WithStep(step.ID)
	}
	return stepResult{Output: outcome.AsState(), Approval: outcome}, nil
}

// nextWake returns when a wait step started at now ends.
func nextWake(cfg *WaitConfig, now time.Time) (time.Time, error) {
	if cfg.Cron == "" {
		return now.Add(cfg.Duration), nil
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, types.Errorf(types.ErrStepExecution, "invalid timezone %q", cfg.Timezone).WithCause(err)
		}
		loc = l
	}
	next, err := gronx.NextTickAfter(cfg.Cron, now.In(loc), false)
	if err != nil {
		return time.Time{}, types.Errorf(types.ErrStepExecution, "invalid cron %q", cfg.Cron).WithCause(err)
	}
	return next, nil
}

// runWait sleeps until the wake time recorded in the checkpoint. Waits in
// a parallel branch are not checkpointed; the branch restarts on resume.
func runWait(ctx context.Context, x *execution, call stepCall) (stepResult, error) {
	e := x.e
	var until time.Time
	if call.branch == "" {
		if t := x.run.waitFor(); t != nil {
			until = *t
		}
	}
	if until.IsZero() {
		t, err := nextWake(call.step.Wait, e.clock.Now())
		if err != nil {
			return stepResult{}, err
		}
		until = t
		if call.branch == "" {
			x.run.suspendUntil(until)
			if err := e.saveCheckpoint(ctx, x); err != nil {
				return stepResult{}, err
			}
		}
	}

	x.logger.Debug("waiting", zap.String("step", call.step.ID), zap.Time("until", until))
	select {
	case <-e.clock.After(until.Sub(e.clock.Now())):
	case <-ctx.Done():
		return stepResult{}, ctx.Err()
	}
	if call.branch == "" {
		x.run.resumeRunning()
	}

	var out any
	if call.step.OutputKey != "" {
		out = map[string]any{"waited_until": until.UTC().Format(time.RFC3339)}
	}
	return stepResult{Output: out}, nil
}
