package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// absentValue is the sentinel for data that is not present in the execution
// context. It is distinct from null: null is a value the caller stored,
// absent is the lack of one. Missing data never matches, so comparisons and
// membership tests against absent are false and arithmetic propagates it.
type absentValue struct{}

// Absent is the missing-data sentinel produced by unresolved names, missing
// map keys, and out-of-range indexes.
var Absent interface{} = absentValue{}

// IsAbsent reports whether v is the missing-data sentinel.
func IsAbsent(v interface{}) bool {
	_, ok := v.(absentValue)
	return ok
}

// Truthy converts a value to its boolean interpretation: booleans as-is,
// numbers compare against zero, strings and collections against emptiness.
// Absent and null are false.
func Truthy(v interface{}) bool {
	if IsAbsent(v) || v == nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case time.Time:
		return !x.IsZero()
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

// equals compares two non-absent values. Numbers compare numerically across
// int and float kinds, everything else requires matching types.
func equals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
		return false
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}

	return reflect.DeepEqual(a, b)
}

// compareOrder returns -1, 0, or 1 for orderable pairs (numbers, strings,
// times) and ok=false for everything else.
func compareOrder(a, b interface{}) (int, bool) {
	if af, aok := toFloat64(a); aok {
		bf, bok := toFloat64(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}

	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

// member reports whether item occurs in container: element of a list, key of
// a map, or substring of a string.
func member(item, container interface{}) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case map[string]interface{}:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, exists := c[s]
		return exists
	}

	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equals(item, rv.Index(i).Interface()) {
				return true
			}
		}
	}
	return false
}

// arith applies an arithmetic operator to two non-absent values. Division
// always yields float64; dividing or taking modulo by zero is an error.
func arith(op string, a, b interface{}) (interface{}, error) {
	if op == "+" {
		if as, ok := a.(string); ok {
			if bs, ok := b.(string); ok {
				return as + bs, nil
			}
		}
	}

	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if !aok || !bok {
		return nil, fmt.Errorf("unsupported operand types for %s: %T and %T", op, a, b)
	}
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)
	bothInt := aInt && bInt

	switch op {
	case "+":
		if bothInt {
			return ai + bi, nil
		}
		return af + bf, nil
	case "-":
		if bothInt {
			return ai - bi, nil
		}
		return af - bf, nil
	case "*":
		if bothInt {
			return ai * bi, nil
		}
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	case "%":
		if bf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		if bothInt {
			return ai % bi, nil
		}
		return math.Mod(af, bf), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// negate applies unary minus.
func negate(v interface{}) (interface{}, error) {
	if i, ok := toInt64(v); ok {
		return -i, nil
	}
	if f, ok := toFloat64(v); ok {
		return -f, nil
	}
	return nil, fmt.Errorf("unsupported operand type for -: %T", v)
}

// toFloat64 converts any numeric kind to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toInt64 converts integral kinds to int64. Floats do not qualify, even when
// they hold a whole number.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// toString renders a value the way str() does. Absent renders empty, null
// renders "null".
func toString(v interface{}) string {
	if IsAbsent(v) {
		return ""
	}
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	if i, ok := toInt64(v); ok {
		return strconv.FormatInt(i, 10)
	}
	return fmt.Sprintf("%v", v)
}
