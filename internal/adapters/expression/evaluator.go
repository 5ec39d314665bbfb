// Package expression holds the two narrow evaluators tasks rely on: boolean
// predicates over run variables, and ${name} substitution in configuration.
//
// Predicates support:
//
//   - Variables: status, #status or dotted names like response.code
//   - Literals: 'text', "text", 12, 1.5, true, false, null
//   - Comparison: ==, !=, <, <=, >, >=
//   - Logic: && (and), || (or), ! (not), with short circuiting
//   - Functions: int, float, len, exists, lower, upper, contains, startsWith
//
// Example:
//
//	#count != null && int(#count) > 5 || status == 'approved'
//
// A missing variable evaluates to null. Anything that is not a well formed
// boolean expression returns an error, which callers treat as false.
package expression

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// parseCacheSize bounds the parsed expressions kept per evaluator.
const parseCacheSize = 1024

type Function func(args []any) (any, error)

type Evaluator struct {
	mu        sync.RWMutex
	functions map[string]Function
	cache     *lru.Cache[string, node]
}

type environment struct {
	variables map[string]string
	functions map[string]Function
}

func NewEvaluator() *Evaluator {
	cache, _ := lru.New[string, node](parseCacheSize)
	e := &Evaluator{functions: make(map[string]Function), cache: cache}

	e.RegisterFunction("int", func(args []any) (any, error) {
		s, err := singleString("int", args)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("int(): cannot parse %q", s)
		}
		return float64(n), nil
	})

	e.RegisterFunction("float", func(args []any) (any, error) {
		s, err := singleString("float", args)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("float(): cannot parse %q", s)
		}
		return n, nil
	})

	e.RegisterFunction("len", func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len() requires exactly 1 argument, got %d", len(args))
		}
		if args[0] == nil {
			return float64(0), nil
		}
		return float64(len(toString(args[0]))), nil
	})

	e.RegisterFunction("exists", func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("exists() requires exactly 1 argument, got %d", len(args))
		}
		return args[0] != nil, nil
	})

	e.RegisterFunction("lower", func(args []any) (any, error) {
		s, err := singleString("lower", args)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	})

	e.RegisterFunction("upper", func(args []any) (any, error) {
		s, err := singleString("upper", args)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	})

	e.RegisterFunction("contains", func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("contains() requires exactly 2 arguments, got %d", len(args))
		}
		if args[0] == nil || args[1] == nil {
			return false, nil
		}
		return strings.Contains(toString(args[0]), toString(args[1])), nil
	})

	e.RegisterFunction("startsWith", func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("startsWith() requires exactly 2 arguments, got %d", len(args))
		}
		if args[0] == nil || args[1] == nil {
			return false, nil
		}
		return strings.HasPrefix(toString(args[0]), toString(args[1])), nil
	})

	return e
}

// RegisterFunction adds or replaces a function callable from predicates.
func (e *Evaluator) RegisterFunction(name string, fn Function) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
}

// Compile checks that expression parses. It does not evaluate it.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) Evaluate(expression string, variables map[string]string) (bool, error) {
	root, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	env := &environment{variables: variables, functions: e.functions}
	result, err := root.eval(env)
	e.mu.RUnlock()
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (node, error) {
	if cached, ok := e.cache.Get(expression); ok {
		return cached, nil
	}
	root, err := parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expression, err)
	}
	e.cache.Add(expression, root)
	return root, nil
}

func (n *literalNode) eval(_ *environment) (any, error) {
	return n.value, nil
}

func (n *variableNode) eval(env *environment) (any, error) {
	if env.variables == nil {
		return nil, nil
	}
	v, ok := env.variables[n.name]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (n *notNode) eval(env *environment) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	b, ok := toBool(v)
	if !ok {
		return nil, fmt.Errorf("! operator requires a boolean operand, got %T", v)
	}
	return !b, nil
}

func (n *logicalNode) eval(env *environment) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	l, ok := toBool(left)
	if !ok {
		return nil, fmt.Errorf("%s operator requires boolean operands, got %T", n.op, left)
	}

	if n.op == tokenAnd && !l {
		return false, nil
	}
	if n.op == tokenOr && l {
		return true, nil
	}

	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	r, ok := toBool(right)
	if !ok {
		return nil, fmt.Errorf("%s operator requires boolean operands, got %T", n.op, right)
	}
	return r, nil
}

func (n *compareNode) eval(env *environment) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEQ:
		return equals(left, right), nil
	case tokenNE:
		return !equals(left, right), nil
	default:
		return compareOrdered(left, right, n.op)
	}
}

func (n *callNode) eval(env *environment) (any, error) {
	fn, ok := env.functions[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function: %s", n.name)
	}

	args := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

func equals(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	switch l := left.(type) {
	case float64:
		r, ok := toNumber(right)
		return ok && l == r
	case bool:
		r, ok := toBool(right)
		return ok && l == r
	}

	switch r := right.(type) {
	case float64:
		l, ok := toNumber(left)
		return ok && l == r
	case bool:
		l, ok := toBool(left)
		return ok && l == r
	}

	return toString(left) == toString(right)
}

func compareOrdered(left, right any, op tokenType) (bool, error) {
	if left == nil || right == nil {
		return false, fmt.Errorf("cannot order null values")
	}

	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if lok && rok {
		switch op {
		case tokenLT:
			return l < r, nil
		case tokenLE:
			return l <= r, nil
		case tokenGT:
			return l > r, nil
		case tokenGE:
			return l >= r, nil
		}
	}

	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if !lsok || !rsok {
		return false, fmt.Errorf("cannot compare %T and %T", left, right)
	}
	switch op {
	case tokenLT:
		return ls < rs, nil
	case tokenLE:
		return ls <= rs, nil
	case tokenGT:
		return ls > rs, nil
	case tokenGE:
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator: %s", op)
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b, true
		}
	}
	return false, false
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func singleString(name string, args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s() requires exactly 1 argument, got %d", name, len(args))
	}
	if args[0] == nil {
		return "", fmt.Errorf("%s() argument is null", name)
	}
	return toString(args[0]), nil
}
