// Package condition evaluates transition guard predicates against a
// workflow instance's context data.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fluxline/conductor/model"
)

// Evaluate reports whether a single condition group holds for the given
// context. An empty AND group is true; an empty OR group is false.
func Evaluate(group model.ConditionGroup, ctx map[string]any) bool {
	op := group.Operator
	if op == "" {
		op = model.GroupAND
	}

	if len(group.Conditions) == 0 {
		return op == model.GroupAND
	}

	for _, cond := range group.Conditions {
		ok := evaluateCondition(cond, ctx)
		if op == model.GroupAND && !ok {
			return false
		}
		if op == model.GroupOR && ok {
			return true
		}
	}
	return op == model.GroupAND
}

// EvaluateGroups reports whether any group in the list holds. An empty
// list means unconditional: the caller's transition applies.
func EvaluateGroups(groups []model.ConditionGroup, ctx map[string]any) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if Evaluate(g, ctx) {
			return true
		}
	}
	return false
}

// evaluateCondition evaluates one predicate. A missing field path yields
// nil, which satisfies only NOT_EXISTS (and fails EXISTS); every other
// operator fails on nil rather than panicking.
func evaluateCondition(cond model.Condition, ctx map[string]any) bool {
	actual := NavigatePath(ctx, cond.FieldPath)

	switch cond.Operator {
	case model.OpExists:
		return actual != nil
	case model.OpNotExists:
		return actual == nil
	}

	if actual == nil {
		return false
	}

	switch cond.Operator {
	case model.OpEquals:
		return equals(actual, cond.Expected, cond.CaseSensitive)
	case model.OpNotEquals:
		return !equals(actual, cond.Expected, cond.CaseSensitive)
	case model.OpGT:
		return compareNumeric(actual, cond.Expected, func(a, b float64) bool { return a > b })
	case model.OpLT:
		return compareNumeric(actual, cond.Expected, func(a, b float64) bool { return a < b })
	case model.OpContains:
		return contains(actual, cond.Expected, cond.CaseSensitive)
	case model.OpNotContains:
		return !contains(actual, cond.Expected, cond.CaseSensitive)
	case model.OpRegex:
		return matchRegex(actual, cond.Expected)
	default:
		// Unknown operator: fail closed.
		return false
	}
}

// NavigatePath walks a dot-separated path through nested maps. A missing
// intermediate key or a non-map intermediate value yields nil.
func NavigatePath(data map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// equals compares two values. Strings fold case unless caseSensitive;
// numbers compare after float64 coercion; everything else falls back to
// formatted comparison.
func equals(actual, expected any, caseSensitive bool) bool {
	as, aok := actual.(string)
	es, eok := expected.(string)
	if aok && eok {
		if caseSensitive {
			return as == es
		}
		return strings.EqualFold(as, es)
	}

	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if aok && eok {
		return af == ef
	}

	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// compareNumeric applies cmp to float64-coerced operands; values that do
// not coerce fail the condition.
func compareNumeric(actual, expected any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if !aok || !eok {
		return false
	}
	return cmp(af, ef)
}

// contains checks substring membership for strings and element membership
// for slices.
func contains(actual, expected any, caseSensitive bool) bool {
	switch v := actual.(type) {
	case string:
		needle := fmt.Sprint(expected)
		if caseSensitive {
			return strings.Contains(v, needle)
		}
		return strings.Contains(strings.ToLower(v), strings.ToLower(needle))
	case []any:
		for _, item := range v {
			if equals(item, expected, caseSensitive) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if equals(item, expected, caseSensitive) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// matchRegex compiles the expected pattern per call and fails closed on a
// malformed pattern instead of erroring the whole transition. Hot callers
// are expected to precompile.
func matchRegex(actual, expected any) bool {
	pattern, ok := expected.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprint(actual))
}

// toFloat coerces common scalar types to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
