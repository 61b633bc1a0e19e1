package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// PredicateOp is the comparison applied by a field predicate.
type PredicateOp string

const (
	OpEquals         PredicateOp = "equals"
	OpNotEquals      PredicateOp = "not_equals"
	OpContains       PredicateOp = "contains"
	OpChangedTo      PredicateOp = "changed_to"
	OpGreaterThan    PredicateOp = "gt"
	OpGreaterOrEqual PredicateOp = "gte"
	OpLessThan       PredicateOp = "lt"
	OpLessOrEqual    PredicateOp = "lte"
	OpExists         PredicateOp = "exists"
)

// FieldPredicate compares one field of an entity snapshot against a value.
// Field is a dotted path into the snapshot, e.g. "score" or "address.city".
type FieldPredicate struct {
	Field string      `json:"field" validate:"required"`
	Op    PredicateOp `json:"op"    validate:"required,oneof=equals not_equals contains changed_to gt gte lt lte exists"`
	Value any         `json:"value,omitempty"`
}

// PredicateGroup combines predicates: every predicate in All must hold and,
// when Any is non-empty, at least one of Any must hold.
type PredicateGroup struct {
	All []FieldPredicate `json:"all,omitempty"`
	Any []FieldPredicate `json:"any,omitempty"`
}

// Evaluate applies the predicate to the current snapshot. The previous
// snapshot is consulted only by changed_to and may be nil.
// A missing field is a non-match, not an error; an unknown operator is a
// configuration error.
func (p FieldPredicate) Evaluate(current, previous map[string]any) (bool, error) {
	actual, found := lookupField(current, p.Field)

	switch p.Op {
	case OpExists:
		return found, nil
	case OpEquals:
		return found && valuesEqual(actual, p.Value), nil
	case OpNotEquals:
		return !found || !valuesEqual(actual, p.Value), nil
	case OpContains:
		return found && valueContains(actual, p.Value), nil
	case OpChangedTo:
		if !found || !valuesEqual(actual, p.Value) {
			return false, nil
		}

		prev, hadPrev := lookupField(previous, p.Field)

		return !hadPrev || !valuesEqual(prev, p.Value), nil
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		if !found {
			return false, nil
		}

		return compareNumeric(p.Op, actual, p.Value)
	default:
		return false, NewConfigurationError("unknown predicate operator %q on field %q", p.Op, p.Field)
	}
}

// Evaluate reports whether the whole group holds against the snapshot.
// A nil group always holds.
func (g *PredicateGroup) Evaluate(current, previous map[string]any) (bool, error) {
	if g == nil {
		return true, nil
	}

	for _, p := range g.All {
		ok, err := p.Evaluate(current, previous)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	if len(g.Any) == 0 {
		return true, nil
	}

	for _, p := range g.Any {
		ok, err := p.Evaluate(current, previous)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// Empty reports whether the group constrains nothing.
func (g *PredicateGroup) Empty() bool {
	return g == nil || (len(g.All) == 0 && len(g.Any) == 0)
}

func lookupField(scope map[string]any, field string) (any, bool) {
	if scope == nil || field == "" {
		return nil, false
	}

	// Fast path for flat fields, jsonpath for dotted paths.
	if !strings.Contains(field, ".") {
		v, ok := scope[field]

		return v, ok
	}

	v, err := jsonpath.JsonPathLookup(scope, "$."+field)
	if err != nil {
		return nil, false
	}

	return v, true
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func valueContains(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", expected))
	case []any:
		for _, item := range v {
			if valuesEqual(item, expected) {
				return true
			}
		}

		return false
	case []string:
		for _, item := range v {
			if valuesEqual(item, expected) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func compareNumeric(op PredicateOp, actual, expected any) (bool, error) {
	af, aok := toFloat(actual)
	bf, bok := toFloat(expected)

	if !aok || !bok {
		return false, nil
	}

	switch op {
	case OpGreaterThan:
		return af > bf, nil
	case OpGreaterOrEqual:
		return af >= bf, nil
	case OpLessThan:
		return af < bf, nil
	case OpLessOrEqual:
		return af <= bf, nil
	default:
		return false, NewConfigurationError("operator %q is not a numeric comparison", op)
	}
}

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
