package workflow

import (
	"reflect"
	"strings"

	"github.com/BaSui01/fleetflow/types"
	"github.com/BaSui01/fleetflow/workflow/dsl"
)

// cloneState deep-copies the JSON-like parts of a state map. Values of
// other types are shared.
func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneState(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// setPath writes value at a dotted path, creating intermediate maps.
func setPath(state map[string]any, path string, value any) error {
	parts := splitPath(path)
	cur := state
	for i, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return types.Errorf(types.ErrStepExecution, "cannot write %q: %q is %T", path, strings.Join(parts[:i+1], "."), next)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// deletePath removes the value at a dotted path. Missing paths are ignored.
func deletePath(state map[string]any, path string) {
	deleteParts(state, splitPath(path))
}

func deleteParts(state map[string]any, parts []string) {
	cur := state
	for _, p := range parts[:len(parts)-1] {
		m, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = m
	}
	delete(cur, parts[len(parts)-1])
}

// setParts writes value at parts, replacing non-map intermediates.
func setParts(state map[string]any, parts []string, value any) {
	cur := state
	for _, p := range parts[:len(parts)-1] {
		m, ok := cur[p].(map[string]any)
		if !ok {
			m = make(map[string]any)
			cur[p] = m
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
}

func getPath(state map[string]any, path string) (any, bool) {
	return dsl.Lookup(state, path)
}

// stateDelta records the leaf paths a branch changed relative to base.
// Nested maps present on both sides are diffed key by key, so branches
// writing disjoint keys under one map do not overwrite each other.
type stateDelta struct {
	set     []pathValue
	deleted [][]string
}

type pathValue struct {
	path  []string
	value any
}

func diffState(base, branch map[string]any) stateDelta {
	var d stateDelta
	d.diff(nil, base, branch)
	return d
}

func (d *stateDelta) diff(prefix []string, base, branch map[string]any) {
	for k, v := range branch {
		path := append(append([]string(nil), prefix...), k)
		old, ok := base[k]
		if !ok {
			d.set = append(d.set, pathValue{path: path, value: v})
			continue
		}
		if om, ok := old.(map[string]any); ok {
			if nm, ok := v.(map[string]any); ok {
				d.diff(path, om, nm)
				continue
			}
		}
		if !reflect.DeepEqual(old, v) {
			d.set = append(d.set, pathValue{path: path, value: v})
		}
	}
	for k := range base {
		if _, ok := branch[k]; !ok {
			d.deleted = append(d.deleted, append(append([]string(nil), prefix...), k))
		}
	}
}

func (d stateDelta) apply(state map[string]any) {
	for _, p := range d.deleted {
		deleteParts(state, p)
	}
	for _, pv := range d.set {
		setParts(state, pv.path, cloneValue(pv.value))
	}
}
