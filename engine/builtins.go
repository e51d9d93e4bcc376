package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"themis/core"
	"themis/metrics"
)

// ActionConfig tunes the builtin action catalog: outbound HTTP, SMTP
// delivery, rate limiting and per-host circuit breaking.
type ActionConfig struct {
	// HTTPTimeout bounds each outbound HTTP request.
	HTTPTimeout time.Duration
	// RateLimit is the sustained outbound requests-per-second budget shared
	// by all network builtins. Zero or negative disables limiting.
	RateLimit float64
	// RateBurst is the burst size for the shared limiter.
	RateBurst int

	// SMTPHost and SMTPPort locate the mail relay. An empty host means email
	// is not configured and the email builtin fails cleanly.
	SMTPHost string
	SMTPPort int
	// SMTPFrom is the envelope sender for outgoing mail.
	SMTPFrom string

	// NotifyURL receives user notifications. Empty falls back to logging.
	NotifyURL string

	// CircuitThreshold and CircuitCooldown configure the per-host breaker
	// protecting outbound endpoints.
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// DefaultActionConfig returns a usable configuration with email and user
// notification unconfigured.
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		HTTPTimeout:      10 * time.Second,
		RateLimit:        10,
		RateBurst:        20,
		SMTPPort:         25,
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Second,
	}
}

func (c ActionConfig) normalized() ActionConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
	if c.SMTPPort <= 0 {
		c.SMTPPort = 25
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	return c
}

// builtinSet holds the shared plumbing behind the builtin catalog: one HTTP
// client, one rate limiter and one circuit breaker per remote host.
type builtinSet struct {
	cfg     ActionConfig
	client  *http.Client
	limiter *rate.Limiter
	monitor *metrics.Monitor
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

func newBuiltinSet(cfg ActionConfig, monitor *metrics.Monitor, logger *zap.SugaredLogger) *builtinSet {
	cfg = cfg.normalized()
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &builtinSet{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:  rate.NewLimiter(limit, cfg.RateBurst),
		monitor:  monitor,
		logger:   logger,
		breakers: make(map[string]*core.CircuitBreaker),
	}
}

// handlers returns the builtin catalog keyed by action name.
func (b *builtinSet) handlers() map[string]core.ActionHandler {
	return map[string]core.ActionHandler{
		"log":              b.doLog,
		"email":            b.doEmail,
		"webhook":          b.doWebhook,
		"set_data":         b.doSetData,
		"validate_data":    b.doValidateData,
		"notify_user":      b.doNotifyUser,
		"trigger_workflow": b.doTriggerWorkflow,
		"store_result":     b.doStoreResult,
		"raise_alert":      b.doRaiseAlert,
		"approve":          b.approveHandler("approved"),
		"reject":           b.approveHandler("rejected"),
		"schedule_task":    b.doScheduleTask,
		"update_status":    b.doUpdateStatus,
	}
}

// breaker returns the circuit breaker for a host, creating it on first use.
func (b *builtinSet) breaker(host string) *core.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[host]; ok {
		return br
	}
	br, err := core.NewCircuitBreaker(core.BreakerConfig{
		FailureThreshold: b.cfg.CircuitThreshold,
		Cooldown:         b.cfg.CircuitCooldown,
		HalfOpenMax:      1,
	})
	if err != nil {
		// normalized() keeps the config valid; fall back hard if not.
		br, _ = core.NewCircuitBreaker(core.BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenMax:      1,
		})
	}
	b.breakers[host] = br
	return br
}

// acquire gates an outbound call on the host's breaker and the shared rate
// limiter. An open circuit fails the attempt fast.
func (b *builtinSet) acquire(ctx context.Context, host string) (*core.CircuitBreaker, error) {
	br := b.breaker(host)
	if err := br.Allow(); err != nil {
		return nil, fmt.Errorf("host %s: %w", host, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return br, nil
}

// postJSON sends a JSON payload to rawURL through the shared client, breaker
// and limiter, and returns the response status code.
func (b *builtinSet) postJSON(ctx context.Context, rawURL string, payload interface{}, headers map[string]interface{}) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, fmt.Errorf("invalid url %q", rawURL)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	br, err := b.acquire(ctx, u.Host)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, paramString(v))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		br.RecordFailure()
		return 0, fmt.Errorf("post %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		br.RecordFailure()
		return resp.StatusCode, fmt.Errorf("post %s: status %d", rawURL, resp.StatusCode)
	}
	br.RecordSuccess()
	return resp.StatusCode, nil
}

func (b *builtinSet) doLog(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	level, _ := stringParam(params, "level")
	fields := []interface{}{"context_type", ec.Type, "context_id", ec.ID}
	switch strings.ToLower(level) {
	case "debug":
		b.logger.Debugw(message, fields...)
	case "warn", "warning":
		b.logger.Warnw(message, fields...)
	case "error":
		b.logger.Errorw(message, fields...)
	default:
		b.logger.Infow(message, fields...)
	}
	return message, nil
}

func (b *builtinSet) doEmail(ctx context.Context, _ *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	if b.cfg.SMTPHost == "" {
		return nil, fmt.Errorf("email is not configured (smtp host missing)")
	}
	to, err := recipients(params["to"])
	if err != nil {
		return nil, err
	}
	subject, _ := stringParam(params, "subject")
	body, _ := stringParam(params, "body")

	br, err := b.acquire(ctx, b.cfg.SMTPHost)
	if err != nil {
		return nil, err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", b.cfg.SMTPFrom)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", b.cfg.SMTPHost, b.cfg.SMTPPort)
	if err := b.sendMail(ctx, addr, to, []byte(msg.String())); err != nil {
		br.RecordFailure()
		return nil, fmt.Errorf("send email: %w", err)
	}
	br.RecordSuccess()
	return map[string]interface{}{"to": to, "subject": subject}, nil
}

// sendMail delivers a message over SMTP with the dial and every protocol
// exchange bounded by ctx. net/smtp.SendMail has no context support, so the
// connection is dialed here and given the context deadline.
func (b *builtinSet) sendMail(ctx context.Context, addr string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, b.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if err := c.Mail(b.cfg.SMTPFrom); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (b *builtinSet) doWebhook(ctx context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	rawURL, err := requireString(params, "url")
	if err != nil {
		return nil, err
	}
	payload := params["payload"]
	if payload == nil {
		payload = map[string]interface{}{
			"context_type": ec.Type,
			"context_id":   ec.ID,
			"data":         ec.DataSnapshot(),
		}
	}
	headers, _ := params["headers"].(map[string]interface{})

	status, err := b.postJSON(ctx, rawURL, payload, headers)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"url": rawURL, "status": status}, nil
}

func (b *builtinSet) doSetData(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	if values, ok := params["values"].(map[string]interface{}); ok {
		ec.SetAll(values)
		return values, nil
	}
	key, err := requireString(params, "key")
	if err != nil {
		return nil, fmt.Errorf("set_data needs %q/%q or a %q map", "key", "value", "values")
	}
	value := params["value"]
	ec.Set(key, value)
	return map[string]interface{}{key: value}, nil
}

func (b *builtinSet) doValidateData(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	fields := stringList(params["fields"])
	if len(fields) == 0 {
		return nil, fmt.Errorf("action parameter %q is required", "fields")
	}

	var missing []string
	for _, field := range fields {
		if _, ok := ec.Get(field); !ok {
			missing = append(missing, field)
		}
	}

	var mismatched []string
	if types, ok := params["types"].(map[string]interface{}); ok {
		for field, want := range types {
			value, ok := ec.Get(field)
			if !ok {
				continue
			}
			wantName := paramString(want)
			if !typeMatches(value, wantName) {
				mismatched = append(mismatched, fmt.Sprintf("%s (want %s)", field, wantName))
			}
		}
	}

	if len(missing) > 0 || len(mismatched) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing: "+strings.Join(missing, ", "))
		}
		if len(mismatched) > 0 {
			parts = append(parts, "wrong type: "+strings.Join(mismatched, ", "))
		}
		return nil, fmt.Errorf("data validation failed (%s)", strings.Join(parts, "; "))
	}
	return map[string]interface{}{"validated": fields}, nil
}

func (b *builtinSet) doNotifyUser(ctx context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	if b.cfg.NotifyURL == "" {
		b.logger.Infow("user notification",
			"user_id", ec.UserID,
			"message", message)
		return map[string]interface{}{"delivered": false, "logged": true}, nil
	}

	payload := map[string]interface{}{
		"user_id":      ec.UserID,
		"message":      message,
		"context_type": ec.Type,
		"context_id":   ec.ID,
	}
	status, err := b.postJSON(ctx, b.cfg.NotifyURL, payload, nil)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"delivered": true, "user_id": ec.UserID, "status": status}, nil
}

func (b *builtinSet) doTriggerWorkflow(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	workflow, err := requireString(params, "workflow")
	if err != nil {
		return nil, err
	}
	record := map[string]interface{}{
		"workflow":     workflow,
		"params":       params["params"],
		"triggered_at": time.Now().UTC(),
	}
	ec.SetMeta("workflow:"+workflow, record)
	return record, nil
}

func (b *builtinSet) doStoreResult(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	key, err := requireString(params, "key")
	if err != nil {
		return nil, err
	}
	value := params["value"]
	ec.SetMeta(key, value)
	return value, nil
}

func (b *builtinSet) doRaiseAlert(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	severity, _ := stringParam(params, "severity")
	if severity != metrics.SeverityCritical {
		severity = metrics.SeverityWarning
	}
	alert := metrics.Alert{
		Type:     metrics.AlertRuleRaised,
		Severity: severity,
		Message:  message,
	}
	if b.monitor != nil {
		b.monitor.Raise(alert)
	}
	b.logger.Warnw("rule raised alert",
		"severity", severity,
		"message", message,
		"context_type", ec.Type,
		"context_id", ec.ID)
	return map[string]interface{}{"severity": severity, "message": message}, nil
}

// approveHandler builds the approve/reject decision markers. The decision is
// recorded in context metadata for the host to pick up.
func (b *builtinSet) approveHandler(decision string) core.ActionHandler {
	return func(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
		reason, _ := stringParam(params, "reason")
		ec.SetMeta("decision", decision)
		if reason != "" {
			ec.SetMeta("decision_reason", reason)
		}
		return map[string]interface{}{"decision": decision, "reason": reason}, nil
	}
}

func (b *builtinSet) doScheduleTask(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	name, _ := stringParam(params, "task")
	now := time.Now().UTC()

	var next time.Time
	if spec, ok := stringParam(params, "cron"); ok {
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
		}
		next = schedule.Next(now)
	} else if raw, ok := params["delay"]; ok {
		delay, err := paramDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		if delay <= 0 {
			return nil, fmt.Errorf("delay must be positive, got %s", delay)
		}
		next = now.Add(delay)
	} else {
		return nil, fmt.Errorf("schedule_task requires a %q spec or a %q duration", "cron", "delay")
	}

	record := map[string]interface{}{
		"task":         name,
		"next_run":     next,
		"scheduled_at": now,
	}
	key := "scheduled_task"
	if name != "" {
		key = "scheduled:" + name
	}
	ec.SetMeta(key, record)
	return record, nil
}

func (b *builtinSet) doUpdateStatus(_ context.Context, ec *core.ExecutionContext, params map[string]interface{}) (interface{}, error) {
	status, err := requireString(params, "status")
	if err != nil {
		return nil, err
	}
	old, _ := ec.Get("status")
	ec.Set("status", status)
	return map[string]interface{}{"old": old, "new": status}, nil
}

// stringParam reads a non-empty string parameter.
func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// requireString reads a mandatory string parameter.
func requireString(params map[string]interface{}, key string) (string, error) {
	s, ok := stringParam(params, key)
	if !ok {
		return "", fmt.Errorf("action parameter %q is required", key)
	}
	return s, nil
}

// paramString renders an arbitrary parameter value as a string.
func paramString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// paramDuration reads a duration given as a Go duration string or a number
// of seconds.
func paramDuration(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v (%T)", v, v)
	}
}

// recipients accepts a single address or a list of addresses.
func recipients(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, fmt.Errorf("action parameter %q is required", "to")
		}
		return []string{t}, nil
	case []string:
		if len(t) == 0 {
			return nil, fmt.Errorf("action parameter %q is required", "to")
		}
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("action parameter %q is required", "to")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("action parameter %q is required", "to")
	}
}

// stringList flattens a parameter into a list of strings.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// typeMatches checks a value against a declared type name: string, number,
// bool, list or map.
func typeMatches(v interface{}, typeName string) bool {
	if v == nil {
		return false
	}
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	case "list", "array":
		return reflect.ValueOf(v).Kind() == reflect.Slice
	case "map", "object":
		return reflect.ValueOf(v).Kind() == reflect.Map
	default:
		return false
	}
}
