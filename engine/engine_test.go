package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"themis/config"
	"themis/core"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.MaxConcurrency = 4
	cfg.Engine.QueueSize = 64
	cfg.Engine.BatchTimeout = 2 * time.Second
	cfg.Engine.ActionTimeout = 250 * time.Millisecond
	cfg.Engine.RetryDelay = time.Millisecond
	cfg.Cache.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	eng, err := New(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func noopAction(name string) core.Action {
	return core.Action{
		Name: name,
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			return name, nil
		},
	}
}

func enabledRule(name string, priority core.Priority) *core.Rule {
	return &core.Rule{Name: name, Priority: priority, Enabled: true}
}

func TestEvaluateRequiresRunningEngine(t *testing.T) {
	eng, err := New(testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	assert.ErrorIs(t, err, ErrEngineNotRunning)

	require.NoError(t, eng.Start(context.Background()))
	require.NoError(t, eng.Stop())

	_, err = eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	assert.ErrorIs(t, err, ErrEngineNotRunning)
}

func TestEvaluateRejectsNilContext(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.Evaluate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestEvaluateOrdersResultsByPriority(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxConcurrency = 1
	eng := newTestEngine(t, cfg)

	var mu sync.Mutex
	var ran []string
	record := func(name string) core.Action {
		return core.Action{
			Name: name + "_action",
			Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
				mu.Lock()
				ran = append(ran, name)
				mu.Unlock()
				return nil, nil
			},
		}
	}

	for _, spec := range []struct {
		name     string
		priority core.Priority
	}{
		{"cleanup", core.PriorityLow},
		{"block", core.PriorityCritical},
		{"score", core.PriorityMedium},
		{"audit", core.PriorityCritical},
	} {
		rule := enabledRule(spec.name, spec.priority)
		rule.Actions = []core.Action{record(spec.name)}
		require.NoError(t, eng.Registry().Register(rule))
	}

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 4)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.RuleName
		assert.True(t, r.Success, "rule %s", r.RuleName)
	}
	want := []string{"block", "audit", "score", "cleanup"}
	assert.Equal(t, want, got)

	// with a single worker, execution order follows the sorted order too
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, ran)
}

func TestEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	eng := newTestEngine(t, nil)
	require.NoError(t, eng.Registry().Register(enabledRule("alpha", core.PriorityMedium)))
	require.NoError(t, eng.Registry().Register(enabledRule("beta", core.PriorityMedium)))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].RuleName)
	assert.Equal(t, "beta", results[1].RuleName)
}

func TestRuleFaultIsolation(t *testing.T) {
	eng := newTestEngine(t, nil)

	explodes := enabledRule("explodes", core.PriorityHigh)
	explodes.Actions = []core.Action{{
		Name: "boom",
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}}
	steady := enabledRule("steady", core.PriorityLow)
	steady.Actions = []core.Action{noopAction("steady_action")}

	require.NoError(t, eng.Registry().Register(explodes))
	require.NoError(t, eng.Registry().Register(steady))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Success)
	require.Len(t, results[0].ActionResults, 1)
	assert.Contains(t, results[0].ActionResults[0].Error, "panicked")

	assert.True(t, results[1].Success)
}

func TestRetryProducesOneResultPerAttempt(t *testing.T) {
	eng := newTestEngine(t, nil)

	var calls int32
	rule := enabledRule("flaky", core.PriorityMedium)
	rule.Actions = []core.Action{{
		Name:           "always_fails",
		RetryOnFailure: true,
		MaxRetries:     3,
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("nope")
		},
	}}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "always_fails")
	require.Len(t, res.ActionResults, 4)
	for i, ar := range res.ActionResults {
		assert.Equal(t, i+1, ar.Attempt)
		assert.False(t, ar.Success)
		assert.Equal(t, "nope", ar.Error)
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestRetryStopsAfterSuccess(t *testing.T) {
	eng := newTestEngine(t, nil)

	var calls int32
	rule := enabledRule("recovers", core.PriorityMedium)
	rule.Actions = []core.Action{{
		Name:           "third_time_lucky",
		RetryOnFailure: true,
		MaxRetries:     5,
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("not yet")
			}
			return "done", nil
		},
	}}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.Success, "a rule whose action eventually succeeded must succeed")
	require.Len(t, res.ActionResults, 3)
	assert.False(t, res.ActionResults[0].Success)
	assert.False(t, res.ActionResults[1].Success)
	assert.True(t, res.ActionResults[2].Success)
	assert.Equal(t, "done", res.ActionResults[2].Value)
}

func TestUnknownActionFailsWithoutRetry(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("misconfigured", core.PriorityMedium)
	rule.Actions = []core.Action{{
		Name:           "no_such_action",
		RetryOnFailure: true,
		MaxRetries:     5,
	}}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.False(t, res.Success)
	require.Len(t, res.ActionResults, 1, "unknown actions are never retried")
	assert.Contains(t, res.ActionResults[0].Error, "unknown action")
}

func TestActionsRunWithoutShortCircuit(t *testing.T) {
	eng := newTestEngine(t, nil)

	var secondRan atomic.Bool
	rule := enabledRule("telemetry", core.PriorityMedium)
	rule.Actions = []core.Action{
		{
			Name: "first",
			Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
				return nil, errors.New("first failed")
			},
		},
		{
			Name: "second",
			Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
				secondRan.Store(true)
				return "ok", nil
			},
		},
	}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, secondRan.Load(), "later actions must run even after a failure")
	require.Len(t, res.ActionResults, 2)
	assert.False(t, res.Success)
	assert.Equal(t, "actions failed: first", res.Error)
	assert.True(t, res.ActionResults[1].Success)
}

func TestConditionGatesActions(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("adult_only", core.PriorityMedium)
	rule.Conditions = []core.Condition{{Expression: "age >= 18"}}
	rule.Actions = []core.Action{{
		Name:       "set_data",
		Parameters: map[string]interface{}{"key": "adult", "value": true},
	}}
	require.NoError(t, eng.Registry().Register(rule))

	minor := core.NewExecutionContext("user", map[string]interface{}{"age": 17})
	results, err := eng.Evaluate(context.Background(), minor)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].ConditionsMet)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].ActionResults)
	_, set := minor.Get("adult")
	assert.False(t, set)

	adult := core.NewExecutionContext("user", map[string]interface{}{"age": 25})
	results, err = eng.Evaluate(context.Background(), adult)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].ConditionsMet)
	assert.True(t, results[0].Success)
	value, set := adult.Get("adult")
	require.True(t, set)
	assert.Equal(t, true, value)
}

func TestMissingFieldNeverPanics(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("age_gate", core.PriorityMedium)
	rule.Conditions = []core.Condition{{Expression: "age > 10"}}
	rule.Actions = []core.Action{noopAction("gate_action")}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("user", map[string]interface{}{}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].ConditionsMet)
	assert.True(t, results[0].Success)
}

func TestEmptyConditionListAlwaysMet(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("unconditional", core.PriorityMedium)
	rule.Actions = []core.Action{noopAction("always")}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].ConditionsMet)
	require.Len(t, results[0].ActionResults, 1)
}

func TestMalformedExpressionSkipsRule(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("typo", core.PriorityMedium)
	rule.Conditions = []core.Condition{{Expression: "price = 10"}}
	rule.Actions = []core.Action{noopAction("never")}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(),
		core.NewExecutionContext("order", map[string]interface{}{"price": 10}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].ConditionsMet)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].ActionResults)
}

func TestCustomEvaluatorTakesPrecedence(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("custom_gate", core.PriorityMedium)
	rule.Conditions = []core.Condition{{
		Expression: "1 > 2",
		Evaluator: func(*core.ExecutionContext, map[string]interface{}) (bool, error) {
			return true, nil
		},
	}}
	rule.Actions = []core.Action{noopAction("ran")}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].ConditionsMet, "custom evaluator wins over the expression")
}

func TestPanickingConditionSkipsRule(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("bad_condition", core.PriorityMedium)
	rule.Conditions = []core.Condition{{
		Evaluator: func(*core.ExecutionContext, map[string]interface{}) (bool, error) {
			panic("condition bug")
		},
	}}
	rule.Actions = []core.Action{noopAction("never")}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].ConditionsMet)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].ActionResults)
}

func TestCacheReturnsIdenticalResultWithinTTL(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = true
	eng := newTestEngine(t, cfg)

	var runs int32
	rule := enabledRule("discount", core.PriorityMedium)
	rule.Conditions = []core.Condition{{Expression: "total > 100"}}
	rule.Actions = []core.Action{{
		Name: "tag_discount",
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&runs, 1)
			return "tagged", nil
		},
	}}
	require.NoError(t, eng.Registry().Register(rule))

	data := map[string]interface{}{"total": 150.0, "customer": "c-77"}
	first, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", map[string]interface{}{"total": 150.0, "customer": "c-77"}))
	require.NoError(t, err)
	second, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", data))
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs), "second evaluation must come from cache")
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].RuleName, second[0].RuleName)
	assert.Equal(t, first[0].Success, second[0].Success)
	assert.Equal(t, first[0].ConditionsMet, second[0].ConditionsMet)
	require.Len(t, second[0].ActionResults, 1)
	assert.Equal(t, "tagged", second[0].ActionResults[0].Value)
	assert.EqualValues(t, 1, eng.Cache().Stats().Hits)
}

func TestCacheDistinguishesDifferentData(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = true
	eng := newTestEngine(t, cfg)

	var runs int32
	rule := enabledRule("counter", core.PriorityMedium)
	rule.Actions = []core.Action{{
		Name: "count",
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&runs, 1)
			return nil, nil
		},
	}}
	require.NoError(t, eng.Registry().Register(rule))

	_, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", map[string]interface{}{"total": 1}))
	require.NoError(t, err)
	_, err = eng.Evaluate(context.Background(), core.NewExecutionContext("order", map[string]interface{}{"total": 2}))
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestBatchTimeoutAbandonsSlowUnits(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.BatchTimeout = 80 * time.Millisecond
	eng := newTestEngine(t, cfg)

	slow := enabledRule("slow", core.PriorityLow)
	slow.Actions = []core.Action{{
		Name: "sleepy",
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			time.Sleep(400 * time.Millisecond)
			return nil, nil
		},
	}}
	fast := enabledRule("fast", core.PriorityCritical)
	fast.Actions = []core.Action{noopAction("quick")}

	require.NoError(t, eng.Registry().Register(slow))
	require.NoError(t, eng.Registry().Register(fast))

	started := time.Now()
	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	elapsed := time.Since(started)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Less(t, elapsed, 350*time.Millisecond, "Evaluate must return at the deadline, not after the slow unit")

	assert.Equal(t, "fast", results[0].RuleName)
	assert.True(t, results[0].Success)

	assert.Equal(t, "slow", results[1].RuleName)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "abandoned")
	require.NotNil(t, results[1].Metadata)
	assert.Equal(t, true, results[1].Metadata["timed_out"])

	history := eng.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].TimedOut)
}

func TestSaturatedPoolYieldsFailedResultsNotLostOnes(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxConcurrency = 1
	cfg.Engine.QueueSize = 1
	cfg.Engine.BatchTimeout = 100 * time.Millisecond
	eng := newTestEngine(t, cfg)

	for i := 0; i < 5; i++ {
		rule := enabledRule(fmt.Sprintf("slow_%d", i), core.PriorityMedium)
		rule.Actions = []core.Action{{
			Name: "sleepy",
			Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
				time.Sleep(250 * time.Millisecond)
				return nil, nil
			},
		}}
		require.NoError(t, eng.Registry().Register(rule))
	}

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 5, "every applicable rule gets a result slot")
	for _, res := range results {
		assert.NotEmpty(t, res.RuleName)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	}
}

func TestRegisterCustomAction(t *testing.T) {
	eng := newTestEngine(t, nil)

	require.NoError(t, eng.RegisterCustomAction("mark", func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
		return "v1", nil
	}))

	rule := enabledRule("marked", core.PriorityMedium)
	rule.Actions = []core.Action{{Name: "mark"}}
	require.NoError(t, eng.Registry().Register(rule))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].ActionResults, 1)
	assert.Equal(t, "v1", results[0].ActionResults[0].Value)

	// replacing is allowed and the newest handler wins
	require.NoError(t, eng.RegisterCustomAction("mark", func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
		return "v2", nil
	}))
	results, err = eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	assert.Equal(t, "v2", results[0].ActionResults[0].Value)

	assert.Error(t, eng.RegisterCustomAction("", nil))
	assert.Error(t, eng.RegisterCustomAction("nil_handler", nil))
}

func TestActionResolutionOrder(t *testing.T) {
	eng := newTestEngine(t, nil)

	require.NoError(t, eng.RegisterCustomAction("log", func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
		return "custom-log", nil
	}))

	attached := enabledRule("with_attached", core.PriorityHigh)
	attached.Actions = []core.Action{{
		Name: "log",
		Executor: func(context.Context, *core.ExecutionContext, map[string]interface{}) (interface{}, error) {
			return "attached", nil
		},
	}}
	custom := enabledRule("with_custom", core.PriorityLow)
	custom.Actions = []core.Action{{Name: "log"}}

	require.NoError(t, eng.Registry().Register(attached))
	require.NoError(t, eng.Registry().Register(custom))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "attached", results[0].ActionResults[0].Value, "an attached executor beats the custom table")
	assert.Equal(t, "custom-log", results[1].ActionResults[0].Value, "a custom action beats the builtin")
}

func TestContextTypeFiltering(t *testing.T) {
	eng := newTestEngine(t, nil)

	orderOnly := enabledRule("order_only", core.PriorityMedium)
	orderOnly.ContextTypes = []string{"order"}
	everything := enabledRule("everything", core.PriorityMedium)
	disabled := enabledRule("disabled", core.PriorityMedium)
	disabled.Enabled = false
	predicated := enabledRule("predicated", core.PriorityMedium)
	predicated.AppliesWhen = func(*core.ExecutionContext) bool { return false }

	require.NoError(t, eng.Registry().Register(orderOnly))
	require.NoError(t, eng.Registry().Register(everything))
	require.NoError(t, eng.Registry().Register(disabled))
	require.NoError(t, eng.Registry().Register(predicated))

	results, err := eng.Evaluate(context.Background(), core.NewExecutionContext("user", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "everything", results[0].RuleName)
}

func TestEvaluateRecordsAuditAndMetrics(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("observed", core.PriorityMedium)
	rule.Actions = []core.Action{noopAction("observe")}
	require.NoError(t, eng.Registry().Register(rule))

	ec := core.NewExecutionContext("order", map[string]interface{}{"total": 10})
	ec.ID = "order-42"
	ec.SetMeta("mode", "dry_run")

	_, err := eng.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	history := eng.History(1)
	require.Len(t, history, 1)
	entry := history[0]
	assert.NotEmpty(t, entry.BatchID)
	assert.Equal(t, "order", entry.ContextType)
	assert.Equal(t, "order-42", entry.ContextID)
	assert.Equal(t, "dry_run", entry.Mode)
	assert.Equal(t, 1, entry.Applicable)
	assert.Equal(t, 1, entry.Succeeded)
	assert.Equal(t, 0, entry.Failed)
	assert.Equal(t, []string{"observed"}, entry.RuleNames)

	stats := eng.Metrics()
	assert.EqualValues(t, 1, stats.TotalExecutions)
	assert.EqualValues(t, 1, stats.TotalBatches)

	ruleStats, ok := eng.RuleMetrics()["observed"]
	require.True(t, ok)
	assert.EqualValues(t, 1, ruleStats.Total)
	assert.EqualValues(t, 1, ruleStats.Successes)
}

func TestRaiseAlertActionReachesMonitor(t *testing.T) {
	eng := newTestEngine(t, nil)

	rule := enabledRule("alerting", core.PriorityMedium)
	rule.Actions = []core.Action{{
		Name:       "raise_alert",
		Parameters: map[string]interface{}{"message": "manual check required", "severity": "critical"},
	}}
	require.NoError(t, eng.Registry().Register(rule))

	_, err := eng.Evaluate(context.Background(), core.NewExecutionContext("order", nil))
	require.NoError(t, err)

	alerts := eng.Alerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, "manual check required", alerts[0].Message)
	assert.Equal(t, "critical", alerts[0].Severity)
}

func TestConcurrentEvaluations(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxConcurrency = 8
	cfg.Engine.QueueSize = 256
	eng := newTestEngine(t, cfg)

	for i := 0; i < 4; i++ {
		rule := enabledRule(fmt.Sprintf("rule_%d", i), core.PriorityMedium)
		rule.Conditions = []core.Condition{{Expression: "total > 0"}}
		rule.Actions = []core.Action{noopAction(fmt.Sprintf("action_%d", i))}
		require.NoError(t, eng.Registry().Register(rule))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ec := core.NewExecutionContext("order", map[string]interface{}{"total": n + 1})
			results, err := eng.Evaluate(context.Background(), ec)
			assert.NoError(t, err)
			assert.Len(t, results, 4)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 10, eng.Metrics().TotalBatches)
}
