package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"themis/core"
	"themis/metrics"
)

// ErrUnknownAction is returned when an action name resolves to no attached
// executor, no registered custom action, and no builtin. Unknown actions are
// never retried.
var ErrUnknownAction = errors.New("unknown action")

// Executor runs a rule's action list. Actions run sequentially in declared
// order and every action is attempted even when an earlier one failed, so a
// result set always covers the full list.
type Executor struct {
	mu       sync.RWMutex
	custom   map[string]core.ActionHandler
	builtins map[string]core.ActionHandler
	timeout  time.Duration
	delay    time.Duration
	logger   *zap.SugaredLogger
}

// NewExecutor builds an executor with the builtin catalog wired to the given
// action configuration and alert monitor. timeout bounds each attempt and
// delay is the pause between retries.
func NewExecutor(timeout, delay time.Duration, actions ActionConfig, monitor *metrics.Monitor, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if delay < 0 {
		delay = 100 * time.Millisecond
	}
	return &Executor{
		custom:   make(map[string]core.ActionHandler),
		builtins: newBuiltinSet(actions, monitor, logger).handlers(),
		timeout:  timeout,
		delay:    delay,
		logger:   logger,
	}
}

// RegisterCustom registers a named custom action. Registering a name again
// replaces the previous handler and logs a warning.
func (x *Executor) RegisterCustom(name string, handler core.ActionHandler) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("custom action name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("custom action %q has nil handler", name)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.custom[name]; exists {
		x.logger.Warnw("replacing custom action", "action", name)
	}
	x.custom[name] = handler
	return nil
}

// resolve finds the handler for an action: an executor attached to the
// action wins, then the custom table, then the builtin catalog.
func (x *Executor) resolve(action core.Action) (core.ActionHandler, error) {
	if action.Executor != nil {
		return action.Executor, nil
	}

	x.mu.RLock()
	handler, ok := x.custom[action.Name]
	x.mu.RUnlock()
	if ok {
		return handler, nil
	}

	if handler, ok := x.builtins[action.Name]; ok {
		return handler, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action.Name)
}

// Run executes every action in order and returns one ActionResult per
// attempt plus the names of actions whose final attempt failed. Failed
// actions do not stop later ones from running.
func (x *Executor) Run(ctx context.Context, ec *core.ExecutionContext, actions []core.Action) ([]core.ActionResult, []string) {
	var results []core.ActionResult
	var failed []string

	for _, action := range actions {
		handler, err := x.resolve(action)
		if err != nil {
			x.logger.Warnw("action did not resolve", "action", action.Name, "error", err)
			results = append(results, core.ActionResult{
				ActionName: action.Name,
				Success:    false,
				Error:      err.Error(),
				Attempt:    1,
			})
			failed = append(failed, action.Name)
			metrics.ActionExecutions.WithLabelValues(action.Name, "failure").Inc()
			continue
		}

		attempts := 1
		if action.RetryOnFailure && action.MaxRetries > 0 {
			attempts = action.MaxRetries + 1
		}

		var final core.ActionResult
		for attempt := 1; attempt <= attempts; attempt++ {
			final = x.attempt(ctx, ec, action, handler, attempt)
			results = append(results, final)
			if final.Success {
				break
			}
			if attempt < attempts && !sleepContext(ctx, x.delay) {
				break
			}
		}
		if !final.Success {
			failed = append(failed, action.Name)
		}
	}
	return results, failed
}

// attempt runs one bounded invocation of a handler and records its outcome.
func (x *Executor) attempt(ctx context.Context, ec *core.ExecutionContext, action core.Action, handler core.ActionHandler, attempt int) core.ActionResult {
	attemptCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	value, err := runHandler(attemptCtx, ec, action.Parameters, handler)
	result := core.ActionResult{
		ActionName: action.Name,
		Duration:   time.Since(start),
		Attempt:    attempt,
	}
	if err != nil {
		result.Error = err.Error()
		metrics.ActionExecutions.WithLabelValues(action.Name, "failure").Inc()
		x.logger.Debugw("action attempt failed",
			"action", action.Name,
			"attempt", attempt,
			"error", err)
		return result
	}
	result.Success = true
	result.Value = value
	metrics.ActionExecutions.WithLabelValues(action.Name, "success").Inc()
	return result
}

// runHandler invokes a handler, converting a panic into an error so one bad
// action cannot take down the rule's unit.
func runHandler(ctx context.Context, ec *core.ExecutionContext, params map[string]interface{}, handler core.ActionHandler) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return handler(ctx, ec, params)
}

// sleepContext waits for d, returning false if ctx is done first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
