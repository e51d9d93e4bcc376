// Package cache holds evaluated rule results keyed by a fingerprint of the
// rule name and the canonicalized context data, so identical evaluations can
// be served without re-running conditions and actions.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"themis/core"

	"go.uber.org/zap"
)

// Options configures a ResultCache.
type Options struct {
	// Enabled turns the cache off entirely when false: every Get is a miss
	// and Set is a no-op.
	Enabled bool
	// Capacity is the maximum number of entries. Inserting beyond it evicts
	// the lowest-ranked tenth of the cache.
	Capacity int
	// Policy assigns TTLs to results. Defaults to FixedTTL(5m).
	Policy TTLPolicy
	// CleanupInterval is how often the janitor removes expired entries.
	// Zero disables the janitor; expired entries then die lazily on Get.
	CleanupInterval time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		Capacity:        1000,
		Policy:          FixedTTL(5 * time.Minute),
		CleanupInterval: time.Minute,
	}
}

type entry struct {
	ruleName    string
	contextType string
	result      core.RuleResult
	createdAt   time.Time
	expiresAt   time.Time
	lastAccess  time.Time
	hitCount    int64
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
}

// HitRatio returns hits/(hits+misses), zero before any lookup.
func (s CacheStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResultCache is a thread-safe TTL cache for rule results. Eviction ranks
// entries by oldest last access, breaking ties on lowest hit count, and
// removes a tenth of the capacity at once so bursts do not thrash.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	opts    Options
	logger  *zap.SugaredLogger

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	ctx            context.Context
	cancel         context.CancelFunc
	janitorDone    chan struct{}
	janitorStarted int32
}

// NewResultCache creates a cache. The janitor is not running until
// StartJanitor is called.
func NewResultCache(parentCtx context.Context, opts Options, logger *zap.SugaredLogger) *ResultCache {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions().Capacity
	}
	if opts.Policy == nil {
		opts.Policy = DefaultOptions().Policy
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &ResultCache{
		entries:     make(map[string]*entry),
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		janitorDone: make(chan struct{}),
	}
}

// StartJanitor starts periodic removal of expired entries. Safe to call more
// than once.
func (c *ResultCache) StartJanitor() {
	if !atomic.CompareAndSwapInt32(&c.janitorStarted, 0, 1) {
		return
	}
	if !c.opts.Enabled || c.opts.CleanupInterval <= 0 {
		close(c.janitorDone)
		return
	}
	go c.janitorLoop()
}

func (c *ResultCache) janitorLoop() {
	defer close(c.janitorDone)

	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			removed := c.removeExpired()
			if removed > 0 {
				c.logger.Debugw("cache janitor removed expired entries", "count", removed)
			}
		}
	}
}

// Enabled reports whether the cache stores and serves results.
func (c *ResultCache) Enabled() bool {
	return c.opts.Enabled
}

// Stop halts the janitor. The cache itself stays usable.
func (c *ResultCache) Stop() {
	c.cancel()
	if atomic.LoadInt32(&c.janitorStarted) == 1 {
		<-c.janitorDone
	}
}

// Get looks up the cached result for a rule against a context. An expired
// entry counts as a miss and is removed on the spot; a lookup that was never
// attempted (cache disabled, nil context) counts as nothing. The returned
// result is a deep copy; callers may mutate it freely.
func (c *ResultCache) Get(ruleName string, ec *core.ExecutionContext) (core.RuleResult, bool) {
	if !c.opts.Enabled || ec == nil {
		return core.RuleResult{}, false
	}

	key := core.Fingerprint(ruleName, ec)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return core.RuleResult{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return core.RuleResult{}, false
	}

	e.lastAccess = time.Now()
	e.hitCount++
	atomic.AddInt64(&c.hits, 1)
	return e.result.Clone(), true
}

// Set stores a result with the TTL assigned by the cache policy.
func (c *ResultCache) Set(rule *core.Rule, ec *core.ExecutionContext, result core.RuleResult) {
	if !c.opts.Enabled || rule == nil || ec == nil {
		return
	}
	c.SetWithTTL(rule, ec, result, c.opts.Policy(rule, ec))
}

// SetWithTTL stores a result with an explicit TTL, bypassing the policy.
// Non-positive TTLs store nothing.
func (c *ResultCache) SetWithTTL(rule *core.Rule, ec *core.ExecutionContext, result core.RuleResult, ttl time.Duration) {
	if !c.opts.Enabled || rule == nil || ec == nil || ttl <= 0 {
		return
	}

	key := core.Fingerprint(rule.Name, ec)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.opts.Capacity {
		c.evictLocked()
	}
	c.entries[key] = &entry{
		ruleName:    rule.Name,
		contextType: ec.Type,
		result:      result.Clone(),
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		lastAccess:  now,
	}
}

// evictLocked removes the lowest-ranked tenth of the cache: oldest last
// access first, lowest hit count as the tiebreak. Requires c.mu held.
func (c *ResultCache) evictLocked() {
	count := c.opts.Capacity / 10
	if count < 1 {
		count = 1
	}

	type ranked struct {
		key string
		e   *entry
	}
	candidates := make([]ranked, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, ranked{key: k, e: e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].e.lastAccess.Equal(candidates[j].e.lastAccess) {
			return candidates[i].e.lastAccess.Before(candidates[j].e.lastAccess)
		}
		return candidates[i].e.hitCount < candidates[j].e.hitCount
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	for _, victim := range candidates[:count] {
		delete(c.entries, victim.key)
	}
	atomic.AddInt64(&c.evictions, int64(count))
	c.logger.Debugw("cache evicted entries", "count", count, "size", len(c.entries))
}

// Invalidate removes entries matching the given rule name and/or context
// type. Empty strings match everything, so Invalidate("", "") clears the
// cache. Returns the number of entries removed.
func (c *ResultCache) Invalidate(ruleName, contextType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if ruleName != "" && e.ruleName != ruleName {
			continue
		}
		if contextType != "" && e.contextType != contextType {
			continue
		}
		delete(c.entries, key)
		removed++
	}
	return removed
}

// Clear drops every entry. Counters keep their values.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// removeExpired deletes all expired entries and returns how many went.
func (c *ResultCache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		atomic.AddInt64(&c.expirations, int64(removed))
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		Evictions:   atomic.LoadInt64(&c.evictions),
		Expirations: atomic.LoadInt64(&c.expirations),
		Size:        size,
		Capacity:    c.opts.Capacity,
	}
}

// Suggestions inspects usage counters and returns tuning hints. Empty when
// the cache looks healthy or has not seen enough traffic to judge.
func (c *ResultCache) Suggestions() []string {
	stats := c.Stats()
	lookups := stats.Hits + stats.Misses

	var out []string
	if lookups < 100 {
		return out
	}

	if stats.Evictions > lookups/10 {
		out = append(out, fmt.Sprintf(
			"eviction churn is high (%d evictions over %d lookups); consider raising capacity above %d",
			stats.Evictions, lookups, stats.Capacity))
	}
	if stats.HitRatio() < 0.2 {
		out = append(out, fmt.Sprintf(
			"hit ratio is %.0f%%; review the TTL policy or whether these rules are cacheable",
			stats.HitRatio()*100))
	}

	if name, share := c.dominantRule(stats.Hits); share > 0.5 {
		out = append(out, fmt.Sprintf(
			"rule %q serves %.0f%% of cache hits; a longer TTL for it could cut evaluations further",
			name, share*100))
	}
	return out
}

// dominantRule finds the rule with the largest share of recorded hits among
// live entries.
func (c *ResultCache) dominantRule(totalHits int64) (string, float64) {
	if totalHits == 0 {
		return "", 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	perRule := make(map[string]int64)
	for _, e := range c.entries {
		perRule[e.ruleName] += e.hitCount
	}
	var best string
	var bestHits int64
	for name, hits := range perRule {
		if hits > bestHits {
			best, bestHits = name, hits
		}
	}
	return best, float64(bestHits) / float64(totalHits)
}
