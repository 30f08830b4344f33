package dsl

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_NumericComparisonsMatchGo(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("x op literal agrees with Go comparison", prop.ForAll(
		func(x, y int) bool {
			state := map[string]any{"x": x}
			checks := map[string]bool{
				"==": x == y, "!=": x != y,
				"<": x < y, "<=": x <= y,
				">": x > y, ">=": x >= y,
			}
			for op, want := range checks {
				got, err := Evaluate(fmt.Sprintf("x %s %d", op, y), state)
				if err != nil || got != want {
					t.Logf("x=%d y=%d op=%s got=%v err=%v", x, y, op, got, err)
					return false
				}
			}
			return true
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

func TestProperty_AbsentNeverCompares(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	ops := []string{"==", "!=", "<", "<=", ">", ">=", "contains"}
	properties.Property("comparisons against a missing path are false", prop.ForAll(
		func(opIndex int, literal string) bool {
			expr := fmt.Sprintf("absent.path %s %q", ops[opIndex], literal)
			got, err := Evaluate(expr, map[string]any{"present": literal})
			return err == nil && !got
		},
		gen.IntRange(0, len(ops)-1),
		gen.AlphaString(),
	))

	properties.Property("double negation preserves truthiness", prop.ForAll(
		func(v string) bool {
			state := map[string]any{"v": v}
			a, err1 := Evaluate("v", state)
			b, err2 := Evaluate("!!v", state)
			return err1 == nil && err2 == nil && a == b
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
