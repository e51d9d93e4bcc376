package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordExecution(t *testing.T) {
	c := NewCollector(16)

	c.RecordExecution("r1", 10*time.Millisecond, true)
	c.RecordExecution("r1", 30*time.Millisecond, true)
	obs := c.RecordExecution("r1", 20*time.Millisecond, false)

	assert.Equal(t, int64(3), obs.Samples)
	assert.InDelta(t, 1.0/3.0, obs.FailureRate, 0.001)
	assert.Equal(t, int64(1), obs.ConsecutiveFailures)

	stats, ok := c.RuleStats("r1")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 10*time.Millisecond, stats.MinTime)
	assert.Equal(t, 30*time.Millisecond, stats.MaxTime)
	assert.Equal(t, 20*time.Millisecond, stats.AvgTime)
	assert.Equal(t, 20*time.Millisecond, stats.MedianTime)
	assert.False(t, stats.LastExecution.IsZero())
}

func TestCollectorConsecutiveFailuresResetOnSuccess(t *testing.T) {
	c := NewCollector(16)

	c.RecordExecution("r", time.Millisecond, false)
	obs := c.RecordExecution("r", time.Millisecond, false)
	assert.Equal(t, int64(2), obs.ConsecutiveFailures)

	obs = c.RecordExecution("r", time.Millisecond, true)
	assert.Equal(t, int64(0), obs.ConsecutiveFailures)

	obs = c.RecordExecution("r", time.Millisecond, false)
	assert.Equal(t, int64(1), obs.ConsecutiveFailures)
}

func TestCollectorWindowIsBounded(t *testing.T) {
	c := NewCollector(4)

	// The first four samples are slow, the rest fast; with a window of 4 the
	// slow ones must age out entirely.
	for i := 0; i < 4; i++ {
		c.RecordExecution("r", time.Second, true)
	}
	for i := 0; i < 4; i++ {
		c.RecordExecution("r", time.Millisecond, true)
	}

	stats, ok := c.RuleStats("r")
	require.True(t, ok)
	assert.Equal(t, int64(8), stats.Total)
	assert.Equal(t, time.Millisecond, stats.MaxTime)
}

func TestCollectorMedianEvenWindow(t *testing.T) {
	c := NewCollector(8)
	for _, d := range []time.Duration{10, 20, 30, 40} {
		c.RecordExecution("r", d*time.Millisecond, true)
	}

	stats, _ := c.RuleStats("r")
	assert.Equal(t, 25*time.Millisecond, stats.MedianTime)
}

func TestCollectorUnknownRule(t *testing.T) {
	c := NewCollector(8)
	_, ok := c.RuleStats("missing")
	assert.False(t, ok)
	assert.Empty(t, c.AllRuleStats())
}

func TestCollectorSystemStats(t *testing.T) {
	c := NewCollector(8)

	c.UnitStarted()
	c.UnitStarted()
	c.UnitFinished()

	c.RecordExecution("a", time.Millisecond, true)
	c.RecordExecution("b", time.Millisecond, true)
	c.RecordBatch(10 * time.Millisecond)
	c.RecordBatch(20 * time.Millisecond)

	stats := c.SystemStats()
	assert.Equal(t, int64(2), stats.TotalExecutions)
	assert.Equal(t, int64(2), stats.TotalBatches)
	assert.Equal(t, int64(1), stats.CurrentUnits)
	assert.Equal(t, int64(2), stats.PeakUnits)
	assert.Equal(t, 15*time.Millisecond, stats.AvgBatchTime)
	assert.Greater(t, stats.Uptime, time.Duration(0))
}

func TestRuleStatsFailureRate(t *testing.T) {
	assert.Equal(t, 0.0, RuleStats{}.FailureRate())
	assert.Equal(t, 0.25, RuleStats{Total: 4, Failures: 1}.FailureRate())
}
