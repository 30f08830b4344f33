package dsl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Evaluate unit tests
// =============================================================================

func TestEvaluate(t *testing.T) {
	state := map[string]any{
		"score":   0.9,
		"count":   5,
		"status":  "active",
		"enabled": true,
		"empty":   "",
		"nothing": nil,
		"tags":    []any{"urgent", "billing", 3.0},
		"labels":  []string{"a", "b"},
		"result": map[string]any{
			"decision":   "approve",
			"confidence": 0.75,
			"meta":       map[string]any{"reviewer": "alice"},
			"items":      []any{map[string]any{"id": "x1"}},
		},
		"headers": map[string]string{"x-trace": "abc"},
		"step-1":  map[string]any{"output": "done"},
		"version": "1.1",
		"code":    "007",
		"word":    "Infinity",
		"limit":   "10",
	}

	tests := []struct {
		name     string
		expr     string
		expected bool
	}{
		// --- Comparison operators ---
		{"greater than", `score > 0.8`, true},
		{"greater than false", `score > 0.95`, false},
		{"less or equal int", `count <= 5`, true},
		{"string equality", `status == "active"`, true},
		{"single quoted string", `status == 'active'`, true},
		{"string inequality", `status != "inactive"`, true},
		{"string ordering", `status < "b"`, true},
		{"negative literal", `score > -1`, true},
		{"numeric string coerces", `result.confidence == "0.75"`, true},
		{"bool literal", `enabled == true`, true},
		{"null equality", `nothing == null`, true},
		{"null vs value", `status == null`, false},
		{"numeric string vs number", `code == 7`, true},
		{"numeric string ordering vs number", `limit > 9`, true},
		{"strings compare exactly", `version == "1.10"`, false},
		{"strings inequality exact", `version != "1.10"`, true},
		{"padded digits stay strings", `code == "7"`, false},
		{"float spelling stays string", `word == "inf"`, false},
		{"numeric strings order lexically", `limit < "9"`, true},
		{"mixed types never equal", `status == 5`, false},
		{"mixed types unordered", `status > 5`, false},

		// --- Paths ---
		{"nested path", `result.decision == "approve"`, true},
		{"deep path", `result.meta.reviewer == "alice"`, true},
		{"slice index", `result.items.0.id == "x1"`, true},
		{"typed map", `headers.x-trace == "abc"`, true},
		{"dashed step id", `step-1.output == "done"`, true},

		// --- Absent sentinel ---
		{"absent equality", `missing == "x"`, false},
		{"absent inequality", `missing != "x"`, false},
		{"absent vs null", `missing == null`, false},
		{"absent ordering", `missing < 10`, false},
		{"absent through scalar", `status.length > 0`, false},
		{"absent index", `tags.9 == "x"`, false},
		{"absent is falsy", `missing`, false},
		{"negated absent", `!missing`, true},
		{"absent contains", `missing contains "x"`, false},

		// --- Truthiness ---
		{"bare true", `enabled`, true},
		{"empty string falsy", `empty`, false},
		{"null falsy", `nothing`, false},
		{"non-empty list truthy", `tags`, true},
		{"number literal", `0`, false},

		// --- Logical operators ---
		{"and", `score > 0.5 && status == "active"`, true},
		{"and false", `score > 0.5 && status == "inactive"`, false},
		{"or", `score > 0.95 || enabled`, true},
		{"not", `!(status == "inactive")`, true},
		{"precedence", `false && false || true`, true},
		{"parentheses", `false && (false || true)`, false},
		{"short circuit absent", `missing == 1 || count == 5`, true},

		// --- contains ---
		{"substring", `status contains "ctiv"`, true},
		{"substring miss", `status contains "zzz"`, false},
		{"list membership", `tags contains "urgent"`, true},
		{"list membership number", `tags contains 3`, true},
		{"typed list membership", `labels contains "b"`, true},
		{"list miss", `tags contains "refund"`, false},
		{"map key", `result contains "decision"`, true},
		{"typed map key", `headers contains "x-trace"`, true},
		{"map key miss", `result contains "nope"`, false},
		{"contains non container", `count contains 5`, false},
		{"contains in logic", `tags contains "billing" && !(tags contains "spam")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, state)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", "   "},
		{"unterminated string", `status == "active`},
		{"dangling operator", `score >`},
		{"missing paren", `(score > 1`},
		{"extra paren", `score > 1)`},
		{"single ampersand", `a & b`},
		{"function call", `len(tags) > 1`},
		{"contains without left", `contains "x"`},
		{"empty path segment", `result..decision`},
		{"arithmetic", `count + 1 > 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.expr)
			require.Error(t, err)
			var se *SyntaxError
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestExpression_Reusable(t *testing.T) {
	e := MustCompile(`order.total >= 100 && order.region == "eu"`)
	assert.Equal(t, `order.total >= 100 && order.region == "eu"`, e.String())
	assert.Equal(t, []string{"order.total", "order.region"}, e.Paths())

	assert.True(t, e.Eval(map[string]any{"order": map[string]any{"total": 150, "region": "eu"}}))
	assert.False(t, e.Eval(map[string]any{"order": map[string]any{"total": 150, "region": "us"}}))
	assert.False(t, e.Eval(nil))
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompile(`(`) })
}

func TestLookup(t *testing.T) {
	state := map[string]any{"a": map[string]any{"b": []any{"x", nil}}}

	v, ok := Lookup(state, "a.b.0")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	v, ok = Lookup(state, "a.b.1")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = Lookup(state, "a.c")
	assert.False(t, ok)
}
