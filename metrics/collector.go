// Package metrics tracks per-rule and per-engine execution statistics and
// raises performance alerts. The Collector here is instance-owned; the
// package-level Prometheus collectors in metrics.go are process-global and
// incremented alongside it.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the number of recent execution samples kept per rule
// for the min/avg/median/max timings.
const DefaultWindowSize = 128

// RuleStats is a snapshot of one rule's execution history.
type RuleStats struct {
	RuleName            string        `json:"rule_name"`
	Total               int64         `json:"total"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	MinTime             time.Duration `json:"min_time"`
	AvgTime             time.Duration `json:"avg_time"`
	MedianTime          time.Duration `json:"median_time"`
	MaxTime             time.Duration `json:"max_time"`
	LastExecution       time.Time     `json:"last_execution"`
}

// FailureRate returns failures/total, zero before any execution.
func (s RuleStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Total)
}

// SystemStats is a snapshot of engine-wide counters.
type SystemStats struct {
	TotalExecutions int64         `json:"total_executions"`
	TotalBatches    int64         `json:"total_batches"`
	CurrentUnits    int64         `json:"current_units"`
	PeakUnits       int64         `json:"peak_units"`
	Uptime          time.Duration `json:"uptime"`
	AvgBatchTime    time.Duration `json:"avg_batch_time"`
}

// ExecObservation is what RecordExecution hands to the alert monitor: the
// sample that was just recorded plus the streak and rate it produced.
type ExecObservation struct {
	RuleName            string
	Duration            time.Duration
	Success             bool
	Samples             int64
	FailureRate         float64
	ConsecutiveFailures int64
}

type ruleRecord struct {
	total       int64
	successes   int64
	failures    int64
	consecutive int64
	window      []time.Duration
	last        time.Time
}

// Collector accumulates execution statistics. One collector serves one
// engine; recording is mutex-guarded and cheap enough to call on every unit.
type Collector struct {
	mu         sync.RWMutex
	rules      map[string]*ruleRecord
	windowSize int

	totalExecutions int64
	totalBatches    int64
	currentUnits    int64
	peakUnits       int64
	batchWindow     []time.Duration
	startedAt       time.Time
}

// NewCollector creates a collector keeping windowSize samples per rule.
// Sizes below 1 fall back to the default.
func NewCollector(windowSize int) *Collector {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &Collector{
		rules:      make(map[string]*ruleRecord),
		windowSize: windowSize,
		startedAt:  time.Now(),
	}
}

// UnitStarted notes one more execution unit in flight.
func (c *Collector) UnitStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentUnits++
	if c.currentUnits > c.peakUnits {
		c.peakUnits = c.currentUnits
	}
	ActiveUnits.Inc()
}

// UnitFinished notes one execution unit done.
func (c *Collector) UnitFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentUnits > 0 {
		c.currentUnits--
	}
	ActiveUnits.Dec()
}

// RecordExecution records one rule execution and returns the observation for
// alert checks. It never fails; metrics must not take a rule down.
func (c *Collector) RecordExecution(ruleName string, d time.Duration, success bool) ExecObservation {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.rules[ruleName]
	if !ok {
		rec = &ruleRecord{window: make([]time.Duration, 0, c.windowSize)}
		c.rules[ruleName] = rec
	}

	rec.total++
	if success {
		rec.successes++
		rec.consecutive = 0
	} else {
		rec.failures++
		rec.consecutive++
	}
	if len(rec.window) == c.windowSize {
		rec.window = append(rec.window[1:], d)
	} else {
		rec.window = append(rec.window, d)
	}
	rec.last = time.Now()
	c.totalExecutions++

	return ExecObservation{
		RuleName:            ruleName,
		Duration:            d,
		Success:             success,
		Samples:             rec.total,
		FailureRate:         float64(rec.failures) / float64(rec.total),
		ConsecutiveFailures: rec.consecutive,
	}
}

// RecordBatch records the wall time of one full Evaluate call.
func (c *Collector) RecordBatch(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalBatches++
	if len(c.batchWindow) == c.windowSize {
		c.batchWindow = append(c.batchWindow[1:], d)
	} else {
		c.batchWindow = append(c.batchWindow, d)
	}
	BatchDuration.Observe(d.Seconds())
}

// RuleStats returns the snapshot for one rule.
func (c *Collector) RuleStats(ruleName string) (RuleStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.rules[ruleName]
	if !ok {
		return RuleStats{}, false
	}
	return c.snapshotLocked(ruleName, rec), true
}

// AllRuleStats returns snapshots for every rule seen so far.
func (c *Collector) AllRuleStats() map[string]RuleStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]RuleStats, len(c.rules))
	for name, rec := range c.rules {
		out[name] = c.snapshotLocked(name, rec)
	}
	return out
}

// SystemStats returns the engine-wide snapshot.
func (c *Collector) SystemStats() SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var avgBatch time.Duration
	if len(c.batchWindow) > 0 {
		var sum time.Duration
		for _, d := range c.batchWindow {
			sum += d
		}
		avgBatch = sum / time.Duration(len(c.batchWindow))
	}

	return SystemStats{
		TotalExecutions: c.totalExecutions,
		TotalBatches:    c.totalBatches,
		CurrentUnits:    c.currentUnits,
		PeakUnits:       c.peakUnits,
		Uptime:          time.Since(c.startedAt),
		AvgBatchTime:    avgBatch,
	}
}

// snapshotLocked computes window statistics. Requires c.mu held (read or
// write).
func (c *Collector) snapshotLocked(name string, rec *ruleRecord) RuleStats {
	stats := RuleStats{
		RuleName:            name,
		Total:               rec.total,
		Successes:           rec.successes,
		Failures:            rec.failures,
		ConsecutiveFailures: rec.consecutive,
		LastExecution:       rec.last,
	}
	if len(rec.window) == 0 {
		return stats
	}

	sorted := make([]time.Duration, len(rec.window))
	copy(sorted, rec.window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	stats.MinTime = sorted[0]
	stats.MaxTime = sorted[len(sorted)-1]
	stats.AvgTime = sum / time.Duration(len(sorted))
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		stats.MedianTime = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		stats.MedianTime = sorted[mid]
	}
	return stats
}
