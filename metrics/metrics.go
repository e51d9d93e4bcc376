package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_rules_evaluated_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"priority", "outcome"},
	)

	ActionExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_action_executions_total",
			Help: "Total number of action executions",
		},
		[]string{"action", "outcome"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "themis_batch_duration_seconds",
			Help:    "Time taken to evaluate a context against all applicable rules",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_cache_misses_total",
			Help: "Total number of result cache misses",
		},
	)

	ActiveUnits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "themis_active_units",
			Help: "Number of rule execution units currently in flight",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_alerts_raised_total",
			Help: "Total number of performance alerts raised",
		},
		[]string{"type", "severity"},
	)
)
