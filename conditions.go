package pennant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionEvaluator evaluates single conditions against an evaluation
// context. It is pure with respect to the context: no side effects beyond
// diagnostic logging, and a "no match" outcome is never an error.
type conditionEvaluator struct {
	logger *slog.Logger

	// Compiled regex programs keyed by pattern.
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newConditionEvaluator(logger *slog.Logger) *conditionEvaluator {
	return &conditionEvaluator{
		logger:   logger,
		programs: make(map[string]*vm.Program),
	}
}

// evaluate returns true when the condition matches the context. Missing
// attributes match only for the negated operators: absence counts as "not
// equal to the forbidden value". Malformed conditions (unknown operator,
// invalid regex) are logged and treated as non-matching.
func (e *conditionEvaluator) evaluate(flagKey string, cond Condition, evalCtx Context) bool {
	value, ok := evalCtx.Attribute(cond.Attribute)
	if !ok {
		return cond.Operator == OpNotEquals || cond.Operator == OpNotIn
	}

	switch cond.Operator {
	case OpEquals:
		return valuesEqual(value, cond.Value)

	case OpNotEquals:
		return !valuesEqual(value, cond.Value)

	case OpIn:
		return valueIn(value, cond.Value)

	case OpNotIn:
		return !valueIn(value, cond.Value)

	case OpGreaterThan, OpLessThan:
		return e.compare(cond, value)

	case OpContains:
		return valueContains(value, cond.Value)

	case OpMatches:
		return e.matches(flagKey, cond, value)

	default:
		e.logger.Warn("unknown condition operator",
			"flag", flagKey,
			"attribute", cond.Attribute,
			"operator", string(cond.Operator),
			"error", &ConfigurationError{FlagKey: flagKey, Detail: fmt.Sprintf("unknown operator %q", cond.Operator)},
		)
		return false
	}
}

// compare handles the numeric operators. Non-numeric values on either side
// fail closed. When ValueEnd is present the condition becomes an inclusive
// range check regardless of which numeric operator was chosen.
func (e *conditionEvaluator) compare(cond Condition, value any) bool {
	v, ok := toFloat64(value)
	if !ok {
		return false
	}
	target, ok := toFloat64(cond.Value)
	if !ok {
		return false
	}

	if cond.ValueEnd != nil {
		end, ok := toFloat64(cond.ValueEnd)
		if !ok {
			return false
		}
		return v >= target && v <= end
	}

	if cond.Operator == OpGreaterThan {
		return v > target
	}
	return v < target
}

// matches runs a regular-expression test against the string form of the
// value. Invalid patterns fail closed and are logged as a configuration
// error, never surfaced to the caller.
func (e *conditionEvaluator) matches(flagKey string, cond Condition, value any) bool {
	pattern := stringify(cond.Value)

	program, err := e.program(pattern)
	if err != nil {
		e.logger.Warn("invalid regex pattern in condition",
			"flag", flagKey,
			"attribute", cond.Attribute,
			"pattern", pattern,
			"error", &ConfigurationError{FlagKey: flagKey, Detail: err.Error()},
		)
		return false
	}

	result, err := expr.Run(program, map[string]any{"value": stringify(value)})
	if err != nil {
		e.logger.Warn("regex evaluation failed",
			"flag", flagKey, "attribute", cond.Attribute, "error", err)
		return false
	}

	matched, ok := result.(bool)
	return ok && matched
}

// program returns a compiled match program for the pattern, compiling and
// caching it on first use.
func (e *conditionEvaluator) program(pattern string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[pattern]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	source := fmt.Sprintf("value matches %q", pattern)
	program, err := expr.Compile(source, expr.Env(map[string]any{"value": ""}))
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	e.mu.Lock()
	e.programs[pattern] = program
	e.mu.Unlock()
	return program, nil
}

// valuesEqual compares two values with numeric coercion, so 2 == 2.0 holds
// across JSON decoding and caller-supplied Go types.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
		return false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return reflect.DeepEqual(a, b)
}

// valueIn tests membership of the context value in the target set. When the
// context value is itself a collection (e.g. a list of segments), the match
// is true if any element is in the target set.
func valueIn(value any, target any) bool {
	set := toSlice(target)
	if set == nil {
		return false
	}

	if elems := toSlice(value); elems != nil {
		for _, elem := range elems {
			for _, item := range set {
				if valuesEqual(elem, item) {
					return true
				}
			}
		}
		return false
	}

	for _, item := range set {
		if valuesEqual(value, item) {
			return true
		}
	}
	return false
}

// valueContains is a substring test for strings and an element test for
// collections.
func valueContains(value any, target any) bool {
	if elems := toSlice(value); elems != nil {
		for _, elem := range elems {
			if valuesEqual(elem, target) {
				return true
			}
		}
		return false
	}
	if s, ok := value.(string); ok {
		return strings.Contains(s, stringify(target))
	}
	return false
}

func toSlice(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return nil
}

func toFloat64(v any) (float64, bool) {
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
