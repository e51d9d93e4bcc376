package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertType classifies a performance alert.
type AlertType string

const (
	AlertSlowExecution       AlertType = "slow_execution"
	AlertHighErrorRate       AlertType = "high_error_rate"
	AlertConsecutiveFailures AlertType = "consecutive_failures"
	// AlertRuleRaised marks an alert raised explicitly by a rule action
	// rather than by a threshold breach.
	AlertRuleRaised AlertType = "rule_raised"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one threshold breach. Alerts are observational: they are buffered
// and logged, never acted on by the engine itself.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  string    `json:"severity"`
	RuleName  string    `json:"rule_name"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds configures when the monitor raises alerts.
type Thresholds struct {
	// SlowExecution flags any single execution that takes longer.
	SlowExecution time.Duration
	// ErrorRate flags a rule whose failure rate exceeds this once it has at
	// least ErrorRateMinSamples executions.
	ErrorRate           float64
	ErrorRateMinSamples int64
	// ConsecutiveFailures flags a rule after this many failures in a row.
	ConsecutiveFailures int64
}

// DefaultThresholds returns the stock alerting thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowExecution:       time.Second,
		ErrorRate:           0.5,
		ErrorRateMinSamples: 10,
		ConsecutiveFailures: 3,
	}
}

// DefaultAlertCapacity is the size of the alert ring buffer.
const DefaultAlertCapacity = 256

// Monitor checks execution observations against thresholds and keeps the
// most recent alerts in a bounded ring. It never blocks rule execution.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	buf        []Alert
	next       int
	count      int
	logger     *zap.SugaredLogger
}

// NewMonitor creates a monitor holding up to capacity alerts.
func NewMonitor(thresholds Thresholds, capacity int, logger *zap.SugaredLogger) *Monitor {
	if capacity < 1 {
		capacity = DefaultAlertCapacity
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{
		thresholds: thresholds,
		buf:        make([]Alert, capacity),
		logger:     logger,
	}
}

// Observe checks one recorded execution against every threshold and raises
// the alerts it breaches.
func (m *Monitor) Observe(obs ExecObservation) {
	t := m.thresholds

	if t.SlowExecution > 0 && obs.Duration > t.SlowExecution {
		m.Raise(Alert{
			Type:     AlertSlowExecution,
			Severity: SeverityWarning,
			RuleName: obs.RuleName,
			Message: fmt.Sprintf("rule %q took %s (threshold %s)",
				obs.RuleName, obs.Duration, t.SlowExecution),
			Value: obs.Duration.Seconds(),
		})
	}

	if t.ErrorRate > 0 && obs.Samples >= t.ErrorRateMinSamples && obs.FailureRate > t.ErrorRate {
		m.Raise(Alert{
			Type:     AlertHighErrorRate,
			Severity: SeverityCritical,
			RuleName: obs.RuleName,
			Message: fmt.Sprintf("rule %q is failing %.0f%% of executions over %d samples",
				obs.RuleName, obs.FailureRate*100, obs.Samples),
			Value: obs.FailureRate,
		})
	}

	if t.ConsecutiveFailures > 0 && obs.ConsecutiveFailures >= t.ConsecutiveFailures {
		m.Raise(Alert{
			Type:     AlertConsecutiveFailures,
			Severity: SeverityCritical,
			RuleName: obs.RuleName,
			Message: fmt.Sprintf("rule %q has failed %d times in a row",
				obs.RuleName, obs.ConsecutiveFailures),
			Value: float64(obs.ConsecutiveFailures),
		})
	}
}

// Raise stamps, buffers, and logs an alert. The oldest alert drops when the
// ring is full.
func (m *Monitor) Raise(alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	m.buf[m.next] = alert
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	m.mu.Unlock()

	AlertsRaised.WithLabelValues(string(alert.Type), alert.Severity).Inc()
	m.logger.Warnw("performance alert",
		"type", alert.Type,
		"severity", alert.Severity,
		"rule", alert.RuleName,
		"message", alert.Message,
		"value", alert.Value,
	)
}

// Alerts returns up to n alerts, most recent first. n <= 0 returns all
// buffered alerts.
func (m *Monitor) Alerts(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > m.count {
		n = m.count
	}
	out := make([]Alert, 0, n)
	for i := 0; i < n; i++ {
		idx := (m.next - 1 - i + len(m.buf)*2) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out
}
