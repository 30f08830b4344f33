package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOps(t *testing.T) {
	tests := []struct {
		name  string
		state map[string]any
		ops   []TransformOp
		want  map[string]any
	}{
		{
			name:  "set nested creates maps",
			state: map[string]any{},
			ops:   []TransformOp{{Op: OpSet, Path: "a.b.c", Value: "x"}},
			want:  map[string]any{"a": map[string]any{"b": map[string]any{"c": "x"}}},
		},
		{
			name:  "copy from path",
			state: map[string]any{"draft": map[string]any{"content": "hi"}},
			ops:   []TransformOp{{Op: OpCopy, Path: "summary", From: "draft.content"}},
			want:  map[string]any{"draft": map[string]any{"content": "hi"}, "summary": "hi"},
		},
		{
			name:  "delete nested and missing",
			state: map[string]any{"a": map[string]any{"b": 1, "c": 2}},
			ops:   []TransformOp{{Op: OpDelete, Path: "a.b"}, {Op: OpDelete, Path: "x.y"}},
			want:  map[string]any{"a": map[string]any{"c": 2}},
		},
		{
			name:  "append creates and extends",
			state: map[string]any{"tags": []string{"db"}},
			ops: []TransformOp{
				{Op: OpAppend, Path: "tags", Value: "urgent"},
				{Op: OpAppend, Path: "log", Value: 1},
			},
			want: map[string]any{"tags": []any{"db", "urgent"}, "log": []any{1}},
		},
		{
			name:  "merge objects",
			state: map[string]any{"meta": map[string]any{"a": 1}},
			ops:   []TransformOp{{Op: OpMerge, Path: "meta", Value: map[string]any{"b": 2}}},
			want:  map[string]any{"meta": map[string]any{"a": 1, "b": 2}},
		},
		{
			name:  "increment keeps integers integral",
			state: map[string]any{"n": 2, "f": 0.5, "j": json.Number("7")},
			ops: []TransformOp{
				{Op: OpIncrement, Path: "n"},
				{Op: OpIncrement, Path: "f", By: 1},
				{Op: OpIncrement, Path: "j", By: 3},
				{Op: OpIncrement, Path: "fresh", By: 2},
			},
			want: map[string]any{"n": 3, "f": 1.5, "j": 10, "fresh": 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, applyOps(tt.state, tt.ops))
			assert.Equal(t, tt.want, tt.state)
		})
	}
}

func TestApplyOps_Errors(t *testing.T) {
	tests := []struct {
		name  string
		state map[string]any
		op    TransformOp
	}{
		{"copy missing source", map[string]any{}, TransformOp{Op: OpCopy, Path: "x", From: "nope"}},
		{"set through scalar", map[string]any{"a": 1}, TransformOp{Op: OpSet, Path: "a.b", Value: 2}},
		{"append to scalar", map[string]any{"a": "s"}, TransformOp{Op: OpAppend, Path: "a", Value: 2}},
		{"merge non object", map[string]any{}, TransformOp{Op: OpMerge, Path: "a", Value: 2}},
		{"increment string", map[string]any{"a": "s"}, TransformOp{Op: OpIncrement, Path: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, applyOps(tt.state, []TransformOp{tt.op}))
		})
	}
}

func TestTransformStepLeavesStateOnFailure(t *testing.T) {
	f := newWFFixture(t)
	def := &Definition{
		Name:       "broken",
		Entrypoint: "t",
		Steps: steps(
			&Step{ID: "t", Type: StepTransform, Transform: &TransformConfig{Ops: []TransformOp{
				{Op: OpSet, Path: "written", Value: true},
				{Op: OpIncrement, Path: "name"},
			}}},
			endStep("done"),
		),
		Connections: []Connection{edge("t", "done")},
	}
	snap, err := f.exec.Execute(t.Context(), def, map[string]any{"name": "x"})
	require.Error(t, err)
	assert.NotContains(t, snap.State, "written")
}

func TestInterpolate(t *testing.T) {
	state := map[string]any{
		"user":  map[string]any{"name": "ada", "roles": []any{"admin"}},
		"count": 3,
	}
	assert.Equal(t, "hi ada", interpolate("hi ${user.name}", state))
	assert.Equal(t, "n=3, missing=", interpolate("n=${ count }, missing=${nope}", state))
	assert.Equal(t, `roles ["admin"]`, interpolate("roles ${user.roles}", state))
	assert.Equal(t, "plain", interpolate("plain", state))
}

func TestCloneStateIsDeep(t *testing.T) {
	orig := map[string]any{"a": map[string]any{"b": []any{1}}, "s": []string{"x"}}
	c := cloneState(orig)
	c["a"].(map[string]any)["b"].([]any)[0] = 2
	c["s"].([]string)[0] = "y"
	assert.Equal(t, 1, orig["a"].(map[string]any)["b"].([]any)[0])
	assert.Equal(t, "x", orig["s"].([]string)[0])
}

func TestDiffState(t *testing.T) {
	base := map[string]any{"keep": 1, "change": 1, "drop": 1}
	branch := map[string]any{"keep": 1, "change": 2, "add": 3}
	d := diffState(base, branch)
	assert.ElementsMatch(t, []pathValue{
		{path: []string{"change"}, value: 2},
		{path: []string{"add"}, value: 3},
	}, d.set)
	assert.Equal(t, [][]string{{"drop"}}, d.deleted)

	target := map[string]any{"keep": 1, "change": 1, "drop": 1, "other": 9}
	d.apply(target)
	assert.Equal(t, map[string]any{"keep": 1, "change": 2, "add": 3, "other": 9}, target)
}

func TestDiffState_NestedLeafPaths(t *testing.T) {
	base := map[string]any{"results": map[string]any{"old": 1, "gone": true}, "flag": "x"}
	branch := map[string]any{"results": map[string]any{"old": 1, "new": "A"}, "flag": map[string]any{"now": "map"}}
	d := diffState(base, branch)
	assert.ElementsMatch(t, []pathValue{
		{path: []string{"results", "new"}, value: "A"},
		{path: []string{"flag"}, value: map[string]any{"now": "map"}},
	}, d.set)
	assert.Equal(t, [][]string{{"results", "gone"}}, d.deleted)

	target := map[string]any{"results": map[string]any{"old": 1, "gone": true, "peer": "B"}}
	d.apply(target)
	assert.Equal(t, map[string]any{
		"results": map[string]any{"old": 1, "new": "A", "peer": "B"},
		"flag":    map[string]any{"now": "map"},
	}, target)
}
