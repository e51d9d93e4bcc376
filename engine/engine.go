// Package engine schedules rule evaluation. Each Evaluate call is one batch:
// applicable rules are sorted by priority and fanned out onto a bounded
// worker pool, each rule running as an isolated unit whose faults never
// spill into its siblings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"themis/audit"
	"themis/cache"
	"themis/config"
	"themis/core"
	"themis/expr"
	"themis/metrics"
)

var (
	// ErrEngineNotRunning is returned by Evaluate before Start or after Stop.
	ErrEngineNotRunning = errors.New("engine is not running")
	// ErrNilContext is returned when Evaluate is given a nil context.
	ErrNilContext = errors.New("execution context is nil")
)

// Engine evaluates registered rules against execution contexts. Create one
// with New, Start it, Evaluate any number of batches, then Stop it. Multiple
// engines can coexist in one process.
type Engine struct {
	maxConcurrency int
	queueSize      int
	batchTimeout   time.Duration

	logger    *zap.SugaredLogger
	registry  *core.Registry
	evaluator *expr.Evaluator
	executor  *Executor
	cache     *cache.ResultCache
	collector *metrics.Collector
	monitor   *metrics.Monitor
	trail     *audit.Trail

	mu      sync.Mutex
	pool    *core.WorkerPool
	running atomic.Bool
}

// New wires an engine from its parts. A nil cfg uses config.Default. The
// returned engine is idle until Start is called.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	evaluator, err := expr.NewEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("create expression evaluator: %w", err)
	}

	monitor := metrics.NewMonitor(metrics.Thresholds{
		SlowExecution:       cfg.Metrics.SlowThreshold,
		ErrorRate:           cfg.Metrics.ErrorRateThreshold,
		ErrorRateMinSamples: cfg.Metrics.MinSamples,
		ConsecutiveFailures: cfg.Metrics.ConsecutiveFailures,
	}, cfg.Metrics.AlertBufferSize, logger)

	return &Engine{
		maxConcurrency: cfg.Engine.MaxConcurrency,
		queueSize:      cfg.Engine.QueueSize,
		batchTimeout:   cfg.Engine.BatchTimeout,
		logger:         logger,
		registry:       core.NewRegistry(logger),
		evaluator:      evaluator,
		executor:       NewExecutor(cfg.Engine.ActionTimeout, cfg.Engine.RetryDelay, actionConfig(cfg), monitor, logger),
		cache:          cache.NewResultCache(context.Background(), cacheOptions(cfg), logger),
		collector:      metrics.NewCollector(cfg.Metrics.WindowSize),
		monitor:        monitor,
		trail:          audit.NewTrail(cfg.Audit.HistorySize),
	}, nil
}

// cacheOptions maps the cache config section onto cache.Options. Tagged TTL
// classes select the adaptive policy; otherwise the fixed default applies.
func cacheOptions(cfg *config.Config) cache.Options {
	opts := cache.Options{
		Enabled:         cfg.Cache.Enabled,
		Capacity:        cfg.Cache.Capacity,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}
	if len(cfg.Cache.StableTags) > 0 || len(cfg.Cache.VolatileTags) > 0 {
		opts.Policy = cache.AdaptiveTTL(cfg.Cache.DefaultTTL, cfg.Cache.StableTTL, cfg.Cache.VolatileTTL,
			cfg.Cache.StableTags, cfg.Cache.VolatileTags)
	} else {
		opts.Policy = cache.FixedTTL(cfg.Cache.DefaultTTL)
	}
	return opts
}

func actionConfig(cfg *config.Config) ActionConfig {
	return ActionConfig{
		HTTPTimeout:      cfg.Actions.HTTPTimeout,
		RateLimit:        cfg.Actions.RateLimit,
		RateBurst:        cfg.Actions.RateBurst,
		SMTPHost:         cfg.Actions.SMTPHost,
		SMTPPort:         cfg.Actions.SMTPPort,
		SMTPFrom:         cfg.Actions.SMTPFrom,
		NotifyURL:        cfg.Actions.NotifyURL,
		CircuitThreshold: cfg.Actions.CircuitThreshold,
		CircuitCooldown:  cfg.Actions.CircuitCooldown,
	}
}

// Start launches the worker pool and the cache janitor. Starting a running
// engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pool := core.NewWorkerPool(ctx, e.maxConcurrency, e.queueSize, e.logger)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	e.pool = pool
	e.cache.StartJanitor()
	e.running.Store(true)

	e.logger.Infow("engine started",
		"max_concurrency", e.maxConcurrency,
		"queue_size", e.queueSize,
		"batch_timeout", e.batchTimeout)
	return nil
}

// Stop shuts the worker pool and cache down. In-flight units get a bounded
// drain. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return nil
	}
	e.running.Store(false)
	e.pool.Stop()
	e.cache.Stop()
	e.logger.Infow("engine stopped")
	return nil
}

// Evaluate runs one batch: every applicable rule is evaluated against ec and
// one RuleResult per rule is returned in descending priority order. The only
// errors returned are ErrEngineNotRunning and ErrNilContext; per-rule faults
// are embedded in the results.
func (e *Engine) Evaluate(ctx context.Context, ec *core.ExecutionContext) ([]core.RuleResult, error) {
	if !e.running.Load() {
		return nil, ErrEngineNotRunning
	}
	if ec == nil {
		return nil, ErrNilContext
	}
	if ctx == nil {
		ctx = context.Background()
	}

	batchID := uuid.New().String()
	start := time.Now()
	rules := e.applicable(ec)

	e.logger.Debugw("batch started",
		"batch_id", batchID,
		"context_type", ec.Type,
		"context_id", ec.ID,
		"applicable", len(rules))

	batchCtx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	defer cancel()

	type indexed struct {
		idx    int
		result core.RuleResult
	}
	resultCh := make(chan indexed, len(rules))
	results := make([]core.RuleResult, len(rules))
	settled := make([]bool, len(rules))

	pending := 0
	for i, rule := range rules {
		err := e.pool.SubmitContext(batchCtx, func() {
			resultCh <- indexed{i, e.runUnit(batchCtx, rule, ec)}
		})
		if err != nil {
			e.logger.Warnw("could not enqueue rule unit",
				"batch_id", batchID,
				"rule", rule.Name,
				"error", err)
			results[i] = core.RuleResult{
				RuleName: rule.Name,
				Error:    fmt.Sprintf("enqueue rule unit: %v", err),
			}
			settled[i] = true
			metrics.RulesEvaluated.WithLabelValues(rule.Priority.String(), "rejected").Inc()
			continue
		}
		pending++
	}

	timedOut := 0
	for pending > 0 {
		select {
		case r := <-resultCh:
			results[r.idx] = r.result
			settled[r.idx] = true
			pending--
		case <-batchCtx.Done():
			cause := batchCtx.Err()
			for i, rule := range rules {
				if settled[i] {
					continue
				}
				results[i] = core.RuleResult{
					RuleName: rule.Name,
					Error:    fmt.Sprintf("abandoned at batch deadline: %v", cause),
					Duration: time.Since(start),
					Metadata: map[string]interface{}{"timed_out": true},
				}
				settled[i] = true
				timedOut++
				metrics.RulesEvaluated.WithLabelValues(rule.Priority.String(), "timeout").Inc()
			}
			pending = 0
		}
	}

	elapsed := time.Since(start)
	succeeded := 0
	names := make([]string, len(rules))
	for i := range results {
		names[i] = rules[i].Name
		if results[i].Success {
			succeeded++
		}
	}

	e.collector.RecordBatch(elapsed)
	e.trail.Append(audit.Entry{
		BatchID:     batchID,
		ContextType: ec.Type,
		ContextID:   ec.ID,
		Mode:        ec.Mode(),
		Applicable:  len(rules),
		Succeeded:   succeeded,
		Failed:      len(rules) - succeeded,
		TimedOut:    timedOut,
		Duration:    elapsed,
		RuleNames:   names,
	})

	e.logger.Debugw("batch completed",
		"batch_id", batchID,
		"applicable", len(rules),
		"succeeded", succeeded,
		"failed", len(rules)-succeeded,
		"timed_out", timedOut,
		"duration", elapsed)

	return results, nil
}

// applicable snapshots the registry and returns the rules that apply to ec,
// sorted by descending priority with ties kept in registration order.
func (e *Engine) applicable(ec *core.ExecutionContext) []*core.Rule {
	all := e.registry.List()
	rules := make([]*core.Rule, 0, len(all))
	for _, rule := range all {
		if rule.AppliesTo(ec) {
			rules = append(rules, rule)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return rules
}

// runUnit executes one rule as an isolated unit: cache lookup, conditions,
// actions, cache store, metrics.
func (e *Engine) runUnit(ctx context.Context, rule *core.Rule, ec *core.ExecutionContext) core.RuleResult {
	e.collector.UnitStarted()
	defer e.collector.UnitFinished()

	start := time.Now()
	if e.cache.Enabled() {
		if cached, ok := e.cache.Get(rule.Name, ec); ok {
			metrics.CacheHits.Inc()
			return cached
		}
		metrics.CacheMisses.Inc()
	}

	result := e.executeRule(ctx, rule, ec)
	result.Duration = time.Since(start)

	e.cache.Set(rule, ec, result)
	e.monitor.Observe(e.collector.RecordExecution(rule.Name, result.Duration, result.Success))

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.RulesEvaluated.WithLabelValues(rule.Priority.String(), outcome).Inc()
	return result
}

// executeRule runs the rule's conditions and, when they hold, its actions.
// A panic anywhere inside is converted into a failed result.
func (e *Engine) executeRule(ctx context.Context, rule *core.Rule, ec *core.ExecutionContext) (result core.RuleResult) {
	result = core.RuleResult{RuleName: rule.Name}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("rule execution panicked", "rule", rule.Name, "panic", r)
			result.Success = false
			result.Error = fmt.Sprintf("rule panicked: %v", r)
		}
	}()

	result.ConditionsMet = e.conditionsMet(rule, ec)
	if !result.ConditionsMet {
		result.Success = true
		return result
	}

	actionResults, failed := e.executor.Run(ctx, ec, rule.Actions)
	result.ActionResults = actionResults
	if len(failed) > 0 {
		result.Error = "actions failed: " + strings.Join(failed, ", ")
		return result
	}
	result.Success = true
	return result
}

// conditionsMet evaluates the rule's conditions in order; all must hold. A
// condition error is logged and treated as not met.
func (e *Engine) conditionsMet(rule *core.Rule, ec *core.ExecutionContext) bool {
	for i := range rule.Conditions {
		met, err := e.evalCondition(&rule.Conditions[i], ec)
		if err != nil {
			e.logger.Warnw("condition evaluation failed",
				"rule", rule.Name,
				"condition", i,
				"error", err)
			return false
		}
		if !met {
			return false
		}
	}
	return true
}

func (e *Engine) evalCondition(cond *core.Condition, ec *core.ExecutionContext) (bool, error) {
	if cond.Evaluator != nil {
		return runConditionEvaluator(cond, ec)
	}
	return e.evaluator.Evaluate(cond.Expression, ec, cond.Parameters)
}

// runConditionEvaluator runs a custom condition, converting a panic into an
// error so it is handled like any other condition failure.
func runConditionEvaluator(cond *core.Condition, ec *core.ExecutionContext) (met bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			met = false
			err = fmt.Errorf("condition evaluator panicked: %v", r)
		}
	}()
	return cond.Evaluator(ec, cond.Parameters)
}

// Registry exposes the engine's rule registry.
func (e *Engine) Registry() *core.Registry { return e.registry }

// Cache exposes the engine's result cache.
func (e *Engine) Cache() *cache.ResultCache { return e.cache }

// Metrics returns engine-wide execution statistics.
func (e *Engine) Metrics() metrics.SystemStats { return e.collector.SystemStats() }

// RuleMetrics returns per-rule execution statistics.
func (e *Engine) RuleMetrics() map[string]metrics.RuleStats { return e.collector.AllRuleStats() }

// Alerts returns the n most recent performance alerts, newest first.
func (e *Engine) Alerts(n int) []metrics.Alert { return e.monitor.Alerts(n) }

// History returns the n most recent audit entries, newest first.
func (e *Engine) History(n int) []audit.Entry { return e.trail.History(n) }

// RegisterCustomAction registers a named action handler available to every
// rule. Registering an existing name replaces it and logs a warning.
func (e *Engine) RegisterCustomAction(name string, handler core.ActionHandler) error {
	return e.executor.RegisterCustom(name, handler)
}
