package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// RegexMatchTimeout bounds backtracking in matches() so a hostile pattern
// cannot stall an evaluation worker.
const RegexMatchTimeout = 100 * time.Millisecond

// maxCachedPatterns caps the compiled-pattern cache. Patterns beyond the cap
// still work, they just compile per call.
const maxCachedPatterns = 256

var (
	regexCache   = make(map[string]*regexp2.Regexp)
	regexCacheMu sync.RWMutex
)

// builtin describes a whitelisted pure function. Arity is enforced at parse
// time; maxArgs -1 means variadic.
type builtin struct {
	minArgs int
	maxArgs int
	fn      func(args []interface{}) (interface{}, error)
}

// builtins is the closed whitelist of callable functions. Everything here is
// pure except now(), which reads the clock. There is no registration hook:
// custom logic belongs in condition evaluators, not in expressions.
var builtins = map[string]builtin{
	"len":        {1, 1, fnLen},
	"contains":   {2, 2, fnContains},
	"startswith": {2, 2, fnStartsWith},
	"endswith":   {2, 2, fnEndsWith},
	"upper":      {1, 1, fnUpper},
	"lower":      {1, 1, fnLower},
	"trim":       {1, 1, fnTrim},
	"matches":    {2, 2, fnMatches},
	"min":        {1, -1, fnMin},
	"max":        {1, -1, fnMax},
	"sum":        {1, 1, fnSum},
	"round":      {1, 1, fnRound},
	"abs":        {1, 1, fnAbs},
	"int":        {1, 1, fnInt},
	"float":      {1, 1, fnFloat},
	"str":        {1, 1, fnStr},
	"bool":       {1, 1, fnBool},
	"now":        {0, 0, fnNow},
}

func fnLen(args []interface{}) (interface{}, error) {
	switch v := args[0].(type) {
	case string:
		return int64(utf8.RuneCountInString(v)), nil
	case []interface{}:
		return int64(len(v)), nil
	case map[string]interface{}:
		return int64(len(v)), nil
	}
	return nil, fmt.Errorf("len: unsupported type %T", args[0])
}

func fnContains(args []interface{}) (interface{}, error) {
	switch c := args[0].(type) {
	case string:
		sub, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains: substring must be a string, got %T", args[1])
		}
		return strings.Contains(c, sub), nil
	case []interface{}:
		for _, elem := range c {
			if equals(args[1], elem) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("contains: unsupported type %T", args[0])
}

func fnStartsWith(args []interface{}) (interface{}, error) {
	s, p, err := twoStrings("startswith", args)
	if err != nil {
		return nil, err
	}
	return strings.HasPrefix(s, p), nil
}

func fnEndsWith(args []interface{}) (interface{}, error) {
	s, p, err := twoStrings("endswith", args)
	if err != nil {
		return nil, err
	}
	return strings.HasSuffix(s, p), nil
}

func fnUpper(args []interface{}) (interface{}, error) {
	s, err := oneString("upper", args)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func fnLower(args []interface{}) (interface{}, error) {
	s, err := oneString("lower", args)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func fnTrim(args []interface{}) (interface{}, error) {
	s, err := oneString("trim", args)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

// fnMatches runs a regexp2 match with a hard MatchTimeout. A timeout or an
// invalid pattern is an evaluation error, which the engine downgrades to a
// false condition.
func fnMatches(args []interface{}) (interface{}, error) {
	s, pattern, err := twoStrings("matches", args)
	if err != nil {
		return nil, err
	}

	re, err := compiledPattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("matches: invalid pattern: %w", err)
	}

	matched, err := re.MatchString(s)
	if err != nil {
		return nil, fmt.Errorf("matches: %w", err)
	}
	return matched, nil
}

// compiledPattern returns a cached compiled pattern, compiling and caching it
// on first use. The cache is capped; past the cap patterns compile per call
// so pattern churn cannot exhaust memory.
func compiledPattern(pattern string) (*regexp2.Regexp, error) {
	regexCacheMu.RLock()
	re, ok := regexCache[pattern]
	regexCacheMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, 0)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = RegexMatchTimeout

	regexCacheMu.Lock()
	if cached, ok := regexCache[pattern]; ok {
		re = cached
	} else if len(regexCache) < maxCachedPatterns {
		regexCache[pattern] = re
	}
	regexCacheMu.Unlock()
	return re, nil
}

func fnMin(args []interface{}) (interface{}, error) {
	return pickExtreme("min", args, func(candidate, best float64) bool { return candidate < best })
}

func fnMax(args []interface{}) (interface{}, error) {
	return pickExtreme("max", args, func(candidate, best float64) bool { return candidate > best })
}

// pickExtreme scans numeric arguments (or a single list argument) and keeps
// the original value of the winner so min(1, 2) stays an int.
func pickExtreme(name string, args []interface{}, better func(candidate, best float64) bool) (interface{}, error) {
	values := args
	if len(args) == 1 {
		if list, ok := args[0].([]interface{}); ok {
			values = list
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty input", name)
	}

	bestVal := values[0]
	bestF, ok := toFloat64(bestVal)
	if !ok {
		return nil, fmt.Errorf("%s: unsupported type %T", name, values[0])
	}
	for _, v := range values[1:] {
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%s: unsupported type %T", name, v)
		}
		if better(f, bestF) {
			bestF = f
			bestVal = v
		}
	}
	return bestVal, nil
}

func fnSum(args []interface{}) (interface{}, error) {
	list, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("sum: expected a list, got %T", args[0])
	}

	allInt := true
	var intSum int64
	var floatSum float64
	for _, v := range list {
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("sum: unsupported element type %T", v)
		}
		floatSum += f
		if i, ok := toInt64(v); ok && allInt {
			intSum += i
		} else {
			allInt = false
		}
	}
	if allInt {
		return intSum, nil
	}
	return floatSum, nil
}

func fnRound(args []interface{}) (interface{}, error) {
	if i, ok := toInt64(args[0]); ok {
		return i, nil
	}
	f, ok := toFloat64(args[0])
	if !ok {
		return nil, fmt.Errorf("round: unsupported type %T", args[0])
	}
	return int64(math.Round(f)), nil
}

func fnAbs(args []interface{}) (interface{}, error) {
	if i, ok := toInt64(args[0]); ok {
		if i < 0 {
			return -i, nil
		}
		return i, nil
	}
	f, ok := toFloat64(args[0])
	if !ok {
		return nil, fmt.Errorf("abs: unsupported type %T", args[0])
	}
	return math.Abs(f), nil
}

func fnInt(args []interface{}) (interface{}, error) {
	switch v := args[0].(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("int: cannot convert %q", v)
		}
		return i, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}
	if i, ok := toInt64(args[0]); ok {
		return i, nil
	}
	if f, ok := toFloat64(args[0]); ok {
		return int64(f), nil
	}
	return nil, fmt.Errorf("int: unsupported type %T", args[0])
}

func fnFloat(args []interface{}) (interface{}, error) {
	if s, ok := args[0].(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("float: cannot convert %q", s)
		}
		return f, nil
	}
	if f, ok := toFloat64(args[0]); ok {
		return f, nil
	}
	return nil, fmt.Errorf("float: unsupported type %T", args[0])
}

func fnStr(args []interface{}) (interface{}, error) {
	return toString(args[0]), nil
}

func fnBool(args []interface{}) (interface{}, error) {
	return Truthy(args[0]), nil
}

func fnNow(_ []interface{}) (interface{}, error) {
	return time.Now().UTC(), nil
}

func oneString(name string, args []interface{}) (string, error) {
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: expected a string, got %T", name, args[0])
	}
	return s, nil
}

func twoStrings(name string, args []interface{}) (string, string, error) {
	a, ok := args[0].(string)
	if !ok {
		return "", "", fmt.Errorf("%s: expected a string, got %T", name, args[0])
	}
	b, ok := args[1].(string)
	if !ok {
		return "", "", fmt.Errorf("%s: expected a string, got %T", name, args[1])
	}
	return a, b, nil
}
