package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/types"
)

// Branch outcomes reported by a join.
const (
	BranchCompleted = "completed"
	BranchFailed    = "failed"
	BranchCancelled = "cancelled"
)

// BranchOutcome is the result of one parallel branch.
type BranchOutcome struct {
	Branch string `json:"branch"`
	Status string `json:"status"`
	Err    error  `json:"-"`
}

// JoinError reports a join whose policy was not met. It lists every branch
// in declaration order.
type JoinError struct {
	Join     string
	Policy   JoinPolicy
	Outcomes []BranchOutcome
}

func (e *JoinError) Error() string {
	parts := make([]string, len(e.Outcomes))
	for i, o := range e.Outcomes {
		if o.Err != nil {
			parts[i] = fmt.Sprintf("%s: %s: %v", o.Branch, o.Status, o.Err)
		} else {
			parts[i] = fmt.Sprintf("%s: %s", o.Branch, o.Status)
		}
	}
	return fmt.Sprintf("join %s (%s) not satisfied: %s", e.Join, e.Policy, strings.Join(parts, "; "))
}

// Unwrap returns the branch errors.
func (e *JoinError) Unwrap() []error {
	var errs []error
	for _, o := range e.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

type branchResult struct {
	state   map[string]any
	history []StepExecution
	err     error
}

func joinConfig(step *Step) (JoinPolicy, bool) {
	if step.Join == nil || step.Join.Policy == "" {
		return JoinAll, false
	}
	return step.Join.Policy, step.Join.Tolerant
}

// required is the number of successful branches a policy waits for.
func required(policy JoinPolicy, n int) int {
	switch policy {
	case JoinAny:
		return 1
	case JoinMajority:
		return n/2 + 1
	default:
		return n
	}
}

// runParallel forks a private state copy per branch, runs the branches
// concurrently up to the join and merges the deltas of successful branches
// in declaration order.
func runParallel(ctx context.Context, x *execution, call stepCall) (stepResult, error) {
	cfg := call.step.Parallel
	join := x.def.Steps[cfg.Join]
	policy, tolerant := joinConfig(join)
	n := len(cfg.Branches)
	need := required(policy, n)

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]branchResult, n)
	finished := make([]bool, n)
	done := make(chan int, n)
	for i, b := range cfg.Branches {
		local := cloneState(call.state)
		go func(i int, b string) {
			results[i] = x.e.runBranch(branchCtx, x, b, cfg.Join, local)
			done <- i
		}(i, b)
	}

	succeeded, count := 0, 0
	for count < n {
		select {
		case i := <-done:
			finished[i] = true
			count++
			if results[i].err == nil {
				succeeded++
			}
		case <-ctx.Done():
			return stepResult{}, ctx.Err()
		}
		if policy == JoinAll {
			continue
		}
		// Stop early once the policy is met or can no longer be met.
		if succeeded >= need || succeeded+(n-count) < need {
			break
		}
	}
	cancel()

	outcomes := make([]BranchOutcome, n)
	var history []StepExecution
	for i, b := range cfg.Branches {
		o := BranchOutcome{Branch: b, Status: BranchCancelled}
		if finished[i] {
			history = append(history, results[i].history...)
			switch err := results[i].err; {
			case err == nil:
				o.Status = BranchCompleted
			case errors.Is(err, context.Canceled):
				o.Err = err
			default:
				o.Status = BranchFailed
				o.Err = err
			}
		}
		outcomes[i] = o
	}

	ok := succeeded >= need
	if policy == JoinAll && tolerant {
		ok = succeeded > 0
	}
	if !ok {
		jerr := &JoinError{Join: cfg.Join, Policy: policy, Outcomes: outcomes}
		return stepResult{History: history}, types.NewError(types.ErrStepExecution, "parallel branches failed").
			WithCause(jerr).WithStep(call.step.ID)
	}

	merged := cloneState(call.state)
	statuses := make(map[string]any, n)
	for i, o := range outcomes {
		statuses[o.Branch] = o.Status
		if o.Status == BranchCompleted {
			diffState(call.state, results[i].state).apply(merged)
		}
	}
	x.logger.Debug("branches joined",
		zap.String("join", cfg.Join),
		zap.String("policy", string(policy)),
		zap.Int("succeeded", succeeded),
	)
	return stepResult{Output: statuses, Next: cfg.Join, State: merged, History: history}, nil
}

// runBranch executes steps from start until control reaches join. Branch
// steps write only to local, the branch's own state copy.
func (e *Executor) runBranch(ctx context.Context, x *execution, start, join string, local map[string]any) branchResult {
	var history []StepExecution
	cur := start
	for cur != join {
		if err := ctx.Err(); err != nil {
			return branchResult{history: history, err: err}
		}
		step := x.def.Steps[cur]
		if step.Type == StepEnd {
			return branchResult{history: history, err: types.Errorf(types.ErrStepExecution, "branch %s reached end step %s", start, cur)}
		}

		started := e.clock.Now()
		res, attempts, err := e.execStep(ctx, x, stepCall{step: step, state: local, branch: start})
		rec := StepExecution{
			StepID: cur, Type: step.Type, Branch: start, Attempts: attempts,
			StartedAt: started, EndedAt: e.clock.Now(),
		}
		if err != nil {
			rec.Status = stepFailed
			rec.Error = err.Error()
			return branchResult{history: append(history, append(res.History, rec)...), err: err}
		}

		if res.State != nil {
			local = res.State
		}
		if key := step.outputKey(); key != "" && res.Output != nil {
			local[key] = res.Output
		}
		next := res.Next
		if next == "" {
			if next, err = x.route(step, local, nil); err != nil {
				rec.Status = stepFailed
				rec.Error = err.Error()
				return branchResult{history: append(history, rec), err: err}
			}
		}
		rec.Status = stepSucceeded
		rec.Next = next
		history = append(history, res.History...)
		history = append(history, rec)
		cur = next
	}
	return branchResult{state: local, history: history}
}
