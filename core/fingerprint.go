package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint returns a deterministic cache key for a rule evaluated against
// a context: a SHA-256 hex digest over the rule name, the context type, and a
// canonicalized, order-independent rendering of the context data. Context ID,
// timestamps, and metadata do not participate: results are keyed by data, not
// by invocation identity.
func Fingerprint(ruleName string, ec *ExecutionContext) string {
	parts := []string{"rule=" + ruleName}
	if ec != nil {
		parts = append(parts, "type="+ec.Type)
		data := ec.DataSnapshot()
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+canonicalValue(data[k]))
		}
	}

	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// canonicalValue renders a data value deterministically: map keys are sorted
// at every level so logically equal mappings always produce the same text.
func canonicalValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		inner := make([]string, 0, len(keys))
		for _, k := range keys {
			inner = append(inner, strconv.Quote(k)+":"+canonicalValue(val[k]))
		}
		return "{" + strings.Join(inner, ",") + "}"
	case map[interface{}]interface{}:
		entries := make([]string, 0, len(val))
		for k, item := range val {
			entries = append(entries, canonicalValue(k)+":"+canonicalValue(item))
		}
		sort.Strings(entries)
		return "{" + strings.Join(entries, ",") + "}"
	case []interface{}:
		inner := make([]string, 0, len(val))
		for _, item := range val {
			inner = append(inner, canonicalValue(item))
		}
		return "[" + strings.Join(inner, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}
