// Package condition evaluates the scheduler's step-release condition
// language: a single comparison `lhs OP rhs` over a JSON-path context built
// from a run's input, completed step outputs, and run-scoped variables.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowgate/ctrlplane/pkg/errors"
)

// Context is the evaluation environment for one step's condition: the run
// input under "input", completed step outputs keyed by step id under
// "steps", and run-scoped variables under "variables".
type Context struct {
	Input     interface{}
	Steps     map[string]interface{}
	Variables map[string]interface{}
}

// ToEnv flattens a Context into the $.input / $.<step_id> / $.variables
// addressing scheme the condition grammar resolves against.
func (c Context) toEnv() map[string]interface{} {
	env := map[string]interface{}{
		"input":     c.Input,
		"variables": c.Variables,
	}
	for stepID, output := range c.Steps {
		env[stepID] = output
	}
	env["has"] = hasFunc
	env["includes"] = hasFunc
	env["length"] = lengthFunc
	return env
}

// allowedOps is the fixed comparison operator set the grammar accepts.
// expr-lang supports a far richer grammar; Evaluate rejects anything this
// package does not explicitly allow so an operator outside the spec's
// four never silently works.
var allowedOps = []string{"==", "!=", "<=", ">="}

// Evaluator compiles and caches condition expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a condition evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate evaluates expression against ctx. An empty expression is
// always true. A comparison against an absent ($.path resolves to null)
// operand is always false, matching the spec's null-comparison rule.
func (e *Evaluator) Evaluate(expression string, ctx Context) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}
	if err := checkGrammar(expression); err != nil {
		return false, err
	}

	prog, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile condition %q: %s", expression, err.Error()),
		}
	}

	result, err := expr.Run(prog, ctx.toEnv())
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to evaluate condition %q: %s", expression, err.Error()),
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q must evaluate to a boolean, got %T", expression, result),
		}
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	rewritten := rewriteJSONPaths(expression)

	env := map[string]interface{}{
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lengthFunc,
	}
	prog, err := expr.Compile(rewritten, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// checkGrammar rejects any comparison operator outside the spec's
// `== != <= >=` set. expr itself would happily accept `<`, `>`, `&&`, and
// arbitrary function calls; the condition language is deliberately a
// single comparison, so anything richer is a validation error rather than
// a silently-accepted superset.
func checkGrammar(expression string) error {
	for _, op := range []string{"&&", "||"} {
		if strings.Contains(expression, op) {
			return &errors.ValidationError{
				Field:   "condition",
				Message: fmt.Sprintf("condition %q: only a single comparison is permitted", expression),
			}
		}
	}
	found := false
	for _, op := range allowedOps {
		if strings.Contains(expression, op) {
			found = true
			break
		}
	}
	if !found && !strings.Contains(expression, "(") {
		return &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q: must use one of %v", expression, allowedOps),
		}
	}
	return nil
}

// rewriteJSONPaths rewrites the grammar's `$.foo.bar` JSON-path syntax into
// the nil-safe member-access expr already supports ("foo.bar" with `?.`
// optional chaining), since expr has no native `$.` prefix.
func rewriteJSONPaths(expression string) string {
	var b strings.Builder
	i := 0
	for i < len(expression) {
		if expression[i] == '$' && i+1 < len(expression) && expression[i+1] == '.' {
			j := i + 2
			for j < len(expression) && isPathChar(expression[j]) {
				j++
			}
			path := expression[i+2 : j]
			b.WriteString(toOptionalChain(path))
			i = j
			continue
		}
		b.WriteByte(expression[i])
		i++
	}
	return b.String()
}

func isPathChar(c byte) bool {
	return c == '.' || c == '_' || c == '[' || c == ']' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func toOptionalChain(path string) string {
	return strings.Join(strings.Split(path, "."), "?.")
}

// hasFunc implements the `has`/`includes` helper superset (spec §C.4).
func hasFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}
	switch v := collection.(type) {
	case []interface{}:
		for _, el := range v {
			if el == target {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := target.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(v, s), nil
	case map[string]interface{}:
		key, ok := target.(string)
		if !ok {
			return false, nil
		}
		_, exists := v[key]
		return exists, nil
	default:
		return false, nil
	}
}

// lengthFunc implements the `length` helper superset (spec §C.4).
func lengthFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case nil:
		return 0, nil
	case string:
		return len(v), nil
	case []interface{}:
		return len(v), nil
	case map[string]interface{}:
		return len(v), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}

// Resolve looks up a bare JSON-path (e.g. "$.step_one.summary") against ctx
// and returns the value found, or nil if any segment is absent. Used to
// resolve a workflow's output definitions, which reference context paths
// directly rather than through a comparison.
func Resolve(path string, ctx Context) interface{} {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$.")
	if path == "" {
		return nil
	}
	env := ctx.toEnv()
	var cur interface{} = env
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return cur
}

// ParseLiteral parses an `rhs` literal (boolean, integer, or quoted
// string) from raw condition source, used by callers that want to inspect
// a condition's operands without invoking the full evaluator.
func ParseLiteral(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return raw[1 : len(raw)-1]
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}
