package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are global; just assert registration did not panic and the
	// collectors exist.
	assert.NotNil(t, RulesEvaluated)
	assert.NotNil(t, ActionExecutions)
	assert.NotNil(t, BatchDuration)
	assert.NotNil(t, CacheHits)
	assert.NotNil(t, CacheMisses)
	assert.NotNil(t, ActiveUnits)
	assert.NotNil(t, AlertsRaised)
}
