package cache

import (
	"time"

	"themis/core"
)

// TTLPolicy decides how long a rule's result stays valid for a given context.
// Returning zero or a negative duration means "do not cache this result".
type TTLPolicy func(rule *core.Rule, ec *core.ExecutionContext) time.Duration

// FixedTTL caches every result for the same duration.
func FixedTTL(d time.Duration) TTLPolicy {
	return func(*core.Rule, *core.ExecutionContext) time.Duration {
		return d
	}
}

// AdaptiveTTL assigns TTLs by rule tags: rules carrying a volatile tag get the
// short TTL, rules carrying a stable tag get the long one, everything else
// gets the base. Volatile wins when a rule carries both.
func AdaptiveTTL(base, long, short time.Duration, stableTags, volatileTags []string) TTLPolicy {
	return func(rule *core.Rule, _ *core.ExecutionContext) time.Duration {
		if rule == nil {
			return base
		}
		for _, tag := range volatileTags {
			if rule.HasTag(tag) {
				return short
			}
		}
		for _, tag := range stableTags {
			if rule.HasTag(tag) {
				return long
			}
		}
		return base
	}
}
