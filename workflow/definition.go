package workflow

import (
	"time"

	"github.com/BaSui01/fleetflow/agent/hitl"
)

// StepType tags the variant of a Step.
type StepType string

const (
	StepAgent       StepType = "agent"
	StepFleet       StepType = "fleet"
	StepTransform   StepType = "transform"
	StepConditional StepType = "conditional"
	StepParallel    StepType = "parallel"
	StepJoin        StepType = "join"
	StepApproval    StepType = "approval"
	StepWait        StepType = "wait"
	StepEnd         StepType = "end"
)

// JoinPolicy decides when a join proceeds.
type JoinPolicy string

const (
	JoinAll      JoinPolicy = "all"
	JoinAny      JoinPolicy = "any"
	JoinMajority JoinPolicy = "majority"
)

// Definition is a workflow step graph.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Entrypoint  string `json:"entrypoint" yaml:"entrypoint"`
	// StateSchema documents the expected state keys; values are free-form type hints.
	StateSchema map[string]string `json:"state_schema,omitempty" yaml:"state_schema,omitempty"`
	Steps       map[string]*Step  `json:"steps" yaml:"steps"`
	Connections []Connection      `json:"connections" yaml:"connections"`
	// ErrorHandler receives control with state["error"] when a step exhausts its retries.
	ErrorHandler string      `json:"error_handler,omitempty" yaml:"error_handler,omitempty"`
	RetryPolicy  RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// Connection is a directed edge. An empty Condition is the default edge.
type Connection struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Step is one node. Exactly the config matching Type is read.
type Step struct {
	ID   string   `json:"id" yaml:"id"`
	Type StepType `json:"type" yaml:"type"`
	// OutputKey is the state key receiving the step output. Agent, fleet
	// and approval steps default to the step ID.
	OutputKey string       `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// Timeout bounds one attempt of an agent or fleet step.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Agent       *AgentConfig       `json:"agent,omitempty" yaml:"agent,omitempty"`
	Fleet       *FleetConfig       `json:"fleet,omitempty" yaml:"fleet,omitempty"`
	Transform   *TransformConfig   `json:"transform,omitempty" yaml:"transform,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	Parallel    *ParallelConfig    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Join        *JoinConfig        `json:"join,omitempty" yaml:"join,omitempty"`
	Approval    *ApprovalConfig    `json:"approval,omitempty" yaml:"approval,omitempty"`
	Wait        *WaitConfig        `json:"wait,omitempty" yaml:"wait,omitempty"`
}

// AgentConfig invokes one capability. Prompt may reference state with ${path}.
type AgentConfig struct {
	CapabilityRef string `json:"capability_ref" yaml:"capability_ref"`
	Prompt        string `json:"prompt" yaml:"prompt"`
	// InputKeys selects the state paths copied into Task.Input; empty copies all state.
	InputKeys []string `json:"input_keys,omitempty" yaml:"input_keys,omitempty"`
}

// FleetConfig runs a registered fleet.
type FleetConfig struct {
	Fleet  string `json:"fleet" yaml:"fleet"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// TransformConfig lists state operations applied in order.
type TransformConfig struct {
	Ops []TransformOp `json:"ops" yaml:"ops"`
}

// TransformOpKind names a transform operation.
type TransformOpKind string

const (
	OpSet       TransformOpKind = "set"
	OpCopy      TransformOpKind = "copy"
	OpDelete    TransformOpKind = "delete"
	OpAppend    TransformOpKind = "append"
	OpMerge     TransformOpKind = "merge"
	OpIncrement TransformOpKind = "increment"
)

// TransformOp is one deterministic state operation. From, when set, reads
// the operand from state instead of Value.
type TransformOp struct {
	Op    TransformOpKind `json:"op" yaml:"op"`
	Path  string          `json:"path" yaml:"path"`
	From  string          `json:"from,omitempty" yaml:"from,omitempty"`
	Value any             `json:"value,omitempty" yaml:"value,omitempty"`
	// By is the increment step; defaults to 1.
	By float64 `json:"by,omitempty" yaml:"by,omitempty"`
}

// ConditionalConfig routes on an expression without writing state.
type ConditionalConfig struct {
	Condition string `json:"condition" yaml:"condition"`
	OnTrue    string `json:"on_true" yaml:"on_true"`
	OnFalse   string `json:"on_false" yaml:"on_false"`
}

// ParallelConfig forks one branch per start step; every branch runs until
// it reaches Join.
type ParallelConfig struct {
	Branches []string `json:"branches" yaml:"branches"`
	Join     string   `json:"join" yaml:"join"`
}

// JoinConfig decides how branches are awaited.
type JoinConfig struct {
	Policy JoinPolicy `json:"policy" yaml:"policy"`
	// Tolerant lets an all-join proceed with the successful branches.
	Tolerant bool `json:"tolerant,omitempty" yaml:"tolerant,omitempty"`
}

// ApprovalConfig describes a human gate.
type ApprovalConfig struct {
	Title             string        `json:"title,omitempty" yaml:"title,omitempty"`
	Description       string        `json:"description,omitempty" yaml:"description,omitempty"`
	Approvers         []string      `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	RequiredApprovals int           `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DefaultOnTimeout  hitl.Decision `json:"default_on_timeout,omitempty" yaml:"default_on_timeout,omitempty"`
}

// WaitConfig suspends for Duration or until the next Cron tick.
type WaitConfig struct {
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cron     string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	// Timezone is an IANA name for Cron; defaults to UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// outputKey returns where the step output is stored, or "" for none.
func (s *Step) outputKey() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	switch s.Type {
	case StepAgent, StepFleet, StepApproval:
		return s.ID
	}
	return ""
}

// outgoing returns the connections leaving a step in declaration order.
func (d *Definition) outgoing(stepID string) []Connection {
	var out []Connection
	for _, c := range d.Connections {
		if c.From == stepID {
			out = append(out, c)
		}
	}
	return out
}

// retryPolicy returns the effective policy of a step.
func (d *Definition) retryPolicy(s *Step) RetryPolicy {
	p := d.RetryPolicy
	if s.Retry != nil {
		p = *s.Retry
	}
	return p.withDefaults()
}
