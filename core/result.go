package core

import "time"

// ActionResult records the outcome of a single action attempt. Retried
// actions produce one ActionResult per attempt, numbered from 1.
type ActionResult struct {
	ActionName string        `json:"action_name"`
	Success    bool          `json:"success"`
	Value      interface{}   `json:"value,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempt    int           `json:"attempt"`
}

// RuleResult records the outcome of one rule's evaluation within a batch.
// Success means the pipeline ran without fault: conditions
// evaluated cleanly and, when they held, the final attempt of every action
// succeeded. A rule whose conditions were not met is still a success.
type RuleResult struct {
	RuleName      string                 `json:"rule_name"`
	Success       bool                   `json:"success"`
	ConditionsMet bool                   `json:"conditions_met"`
	ActionResults []ActionResult         `json:"action_results,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Duration      time.Duration          `json:"duration"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy of the result with its own action slice and metadata
// map, so cached results cannot be mutated by callers.
func (r RuleResult) Clone() RuleResult {
	out := r
	if r.ActionResults != nil {
		out.ActionResults = make([]ActionResult, len(r.ActionResults))
		copy(out.ActionResults, r.ActionResults)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
