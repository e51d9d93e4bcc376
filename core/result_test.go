package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRuleResultCloneIsolatesMutations(t *testing.T) {
	original := RuleResult{
		RuleName:      "flag-large-order",
		Success:       true,
		ConditionsMet: true,
		Duration:      42 * time.Millisecond,
		ActionResults: []ActionResult{
			{ActionName: "set_data", Success: true, Attempt: 1},
		},
		Metadata: map[string]interface{}{"cached": false},
	}

	clone := original.Clone()
	clone.ActionResults[0].ActionName = "mutated"
	clone.Metadata["cached"] = true
	clone.Metadata["extra"] = 1

	assert.Equal(t, "set_data", original.ActionResults[0].ActionName)
	assert.Equal(t, false, original.Metadata["cached"])
	assert.NotContains(t, original.Metadata, "extra")
}

func TestRuleResultCloneHandlesNilFields(t *testing.T) {
	clone := RuleResult{RuleName: "bare"}.Clone()

	assert.Equal(t, "bare", clone.RuleName)
	assert.Nil(t, clone.ActionResults)
	assert.Nil(t, clone.Metadata)
}
