package types

import (
	"time"
)

// Task is the normalized unit of work handed to an agent capability.
type Task struct {
	ID      string `json:"id"`
	TraceID string `json:"trace_id,omitempty"`
	// Content is the instruction or the output of the previous pipeline stage.
	Content string `json:"content"`
	// Input carries structured fields from the trigger layer.
	Input map[string]any `json:"input,omitempty"`
	// Context carries run-scoped information such as previous tier results.
	Context map[string]any `json:"context,omitempty"`
	// Skills are matched against member skills by skill-based distribution.
	Skills []string `json:"skills,omitempty"`
	// StickyKey pins related tasks to the same member under sticky distribution.
	StickyKey string         `json:"sticky_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Derive returns a copy of the task with new content. Maps are shallow-copied
// so the derived task can be annotated without touching the original.
func (t *Task) Derive(content string) *Task {
	out := &Task{
		ID:        t.ID,
		TraceID:   t.TraceID,
		Content:   content,
		Skills:    append([]string(nil), t.Skills...),
		StickyKey: t.StickyKey,
		Input:     copyMap(t.Input),
		Context:   copyMap(t.Context),
		Metadata:  copyMap(t.Metadata),
	}
	return out
}

// WithContext sets a context value and returns the task.
func (t *Task) WithContext(key string, value any) *Task {
	if t.Context == nil {
		t.Context = make(map[string]any)
	}
	t.Context[key] = value
	return t
}

// AgentResult is produced once per capability invocation.
type AgentResult struct {
	MemberName string `json:"member_name"`
	// Content is the decision value or free-form content returned by the agent.
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Error      string         `json:"error,omitempty"`
	Latency    time.Duration  `json:"latency"`
	Tier       int            `json:"tier,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Failed reports whether the invocation produced an error instead of a vote.
func (r AgentResult) Failed() bool {
	return r.Error != ""
}

// FailedResult builds the result recorded for an errored or timed-out member.
func FailedResult(member string, tier int, latency time.Duration, err error) AgentResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return AgentResult{
		MemberName: member,
		Error:      msg,
		Latency:    latency,
		Tier:       tier,
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
