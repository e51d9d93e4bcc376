package expr

import (
	"fmt"
	"reflect"
	"strings"

	"themis/core"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultProgramCacheSize is the number of compiled expressions kept hot.
// Rule sets rarely exceed a few hundred distinct expressions.
const DefaultProgramCacheSize = 512

// Evaluator compiles and evaluates sandboxed expressions against execution
// contexts. Compiled programs are cached by expression text, so evaluating
// the same rule repeatedly does not re-parse. Safe for concurrent use.
type Evaluator struct {
	programs *lru.Cache[string, *Node]
	logger   *zap.SugaredLogger
}

// NewEvaluator creates an evaluator with the default program cache size.
func NewEvaluator(logger *zap.SugaredLogger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	programs, err := lru.New[string, *Node](DefaultProgramCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	return &Evaluator{programs: programs, logger: logger}, nil
}

// Compile parses an expression, serving repeat expressions from the program
// cache. The empty expression compiles to a program that evaluates to true.
func (e *Evaluator) Compile(expression string) (*Node, error) {
	key := strings.TrimSpace(expression)
	if program, ok := e.programs.Get(key); ok {
		return program, nil
	}

	program, err := NewParser(key).Parse()
	if err != nil {
		e.logger.Debugw("expression failed to compile", "error", err)
		return nil, err
	}
	e.programs.Add(key, program)
	return program, nil
}

// Evaluate compiles and evaluates an expression, reducing the result to a
// boolean. Names resolve against params first, then the context's data;
// unresolved names become the absent sentinel, which never matches. Parse
// and evaluation errors are returned for the caller to log; they are not
// panics and carry enough position detail to debug the expression.
func (e *Evaluator) Evaluate(expression string, ec *core.ExecutionContext, params map[string]interface{}) (bool, error) {
	program, err := e.Compile(expression)
	if err != nil {
		return false, err
	}

	value, err := e.eval(program, &env{ec: ec, params: params})
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// env is the name-resolution scope for one evaluation.
type env struct {
	ec     *core.ExecutionContext
	params map[string]interface{}
}

func (en *env) lookup(name string) interface{} {
	if en.params != nil {
		if v, ok := en.params[name]; ok {
			return v
		}
	}
	if en.ec != nil {
		if v, ok := en.ec.Get(name); ok {
			return v
		}
	}
	return Absent
}

func (e *Evaluator) eval(node *Node, en *env) (interface{}, error) {
	switch node.Type {
	case NodeLiteral:
		return node.Value, nil

	case NodeName:
		return en.lookup(node.Name), nil

	case NodeList:
		elems := make([]interface{}, len(node.Args))
		for i, arg := range node.Args {
			v, err := e.eval(arg, en)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return elems, nil

	case NodeAttr:
		base, err := e.eval(node.Left, en)
		if err != nil {
			return nil, err
		}
		return attrValue(base, node.Name), nil

	case NodeIndex:
		base, err := e.eval(node.Left, en)
		if err != nil {
			return nil, err
		}
		index, err := e.eval(node.Right, en)
		if err != nil {
			return nil, err
		}
		return indexValue(base, index), nil

	case NodeUnary:
		return e.evalUnary(node, en)

	case NodeBinary:
		return e.evalBinary(node, en)

	case NodeCall:
		return e.evalCall(node, en)
	}

	return nil, fmt.Errorf("unknown node type %d at position %d", node.Type, node.Pos)
}

func (e *Evaluator) evalUnary(node *Node, en *env) (interface{}, error) {
	operand, err := e.eval(node.Left, en)
	if err != nil {
		return nil, err
	}

	switch node.Op {
	case "not":
		return !Truthy(operand), nil
	case "-":
		if IsAbsent(operand) {
			return Absent, nil
		}
		return negate(operand)
	}
	return nil, fmt.Errorf("unknown unary operator %q at position %d", node.Op, node.Pos)
}

func (e *Evaluator) evalBinary(node *Node, en *env) (interface{}, error) {
	// and/or short-circuit before the right side is touched.
	switch node.Op {
	case "and":
		left, err := e.eval(node.Left, en)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := e.eval(node.Right, en)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil

	case "or":
		left, err := e.eval(node.Left, en)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := e.eval(node.Right, en)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := e.eval(node.Left, en)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(node.Right, en)
	if err != nil {
		return nil, err
	}

	switch node.Op {
	case "==", "!=", "<", "<=", ">", ">=", "in", "not in":
		// Missing data never matches, whatever the comparison.
		if IsAbsent(left) || IsAbsent(right) {
			return false, nil
		}
	default:
		// Arithmetic propagates absence instead.
		if IsAbsent(left) || IsAbsent(right) {
			return Absent, nil
		}
	}

	switch node.Op {
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	case "<", "<=", ">", ">=":
		cmp, ok := compareOrder(left, right)
		if !ok {
			return false, nil
		}
		switch node.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "in":
		return member(left, right), nil
	case "not in":
		return !member(left, right), nil
	case "+", "-", "*", "/", "%":
		result, err := arith(node.Op, left, right)
		if err != nil {
			return nil, fmt.Errorf("%w (position %d)", err, node.Pos)
		}
		return result, nil
	}

	return nil, fmt.Errorf("unknown operator %q at position %d", node.Op, node.Pos)
}

// absentCoercers are the functions that accept the absent sentinel instead
// of propagating it: str(absent) is "" and bool(absent) is false.
var absentCoercers = map[string]bool{"str": true, "bool": true}

func (e *Evaluator) evalCall(node *Node, en *env) (interface{}, error) {
	fn, ok := builtins[node.Name]
	if !ok {
		return nil, fmt.Errorf("function %q is not allowed at position %d", node.Name, node.Pos)
	}

	args := make([]interface{}, len(node.Args))
	for i, argNode := range node.Args {
		v, err := e.eval(argNode, en)
		if err != nil {
			return nil, err
		}
		if IsAbsent(v) && !absentCoercers[node.Name] {
			return Absent, nil
		}
		args[i] = v
	}

	result, err := fn.fn(args)
	if err != nil {
		return nil, fmt.Errorf("%w (position %d)", err, node.Pos)
	}
	return result, nil
}

// attrValue resolves map attribute access. Anything that is not a map with
// that key resolves to absent, never an error.
func attrValue(base interface{}, name string) interface{} {
	if IsAbsent(base) {
		return Absent
	}
	switch m := base.(type) {
	case map[string]interface{}:
		if v, ok := m[name]; ok {
			return v
		}
	case map[interface{}]interface{}:
		if v, ok := m[name]; ok {
			return v
		}
	}
	return Absent
}

// indexValue resolves list and map indexing. Out-of-range indexes, wrong
// index types, and non-indexable bases resolve to absent.
func indexValue(base, index interface{}) interface{} {
	if IsAbsent(base) || IsAbsent(index) {
		return Absent
	}

	switch m := base.(type) {
	case map[string]interface{}:
		if key, ok := index.(string); ok {
			if v, ok := m[key]; ok {
				return v
			}
		}
		return Absent
	case map[interface{}]interface{}:
		if v, ok := m[index]; ok {
			return v
		}
		return Absent
	}

	i, ok := toInt64(index)
	if !ok {
		return Absent
	}
	rv := reflect.ValueOf(base)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if i >= 0 && i < int64(rv.Len()) {
			return rv.Index(int(i)).Interface()
		}
	}
	return Absent
}
