package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Priority orders rule execution within a batch. Higher priorities run first;
// ties are broken by registration order.
type Priority int

const (
	// PriorityMinimal is the lowest priority.
	PriorityMinimal Priority = 10
	// PriorityLow runs after medium-priority rules.
	PriorityLow Priority = 20
	// PriorityMedium is the default priority.
	PriorityMedium Priority = 30
	// PriorityHigh runs before medium-priority rules.
	PriorityHigh Priority = 40
	// PriorityCritical is the highest priority.
	PriorityCritical Priority = 50
)

var priorityNames = map[Priority]string{
	PriorityMinimal:  "MINIMAL",
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// String returns the canonical name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a priority name into a Priority. Names are
// case-insensitive.
func ParsePriority(s string) (Priority, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == upper {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (must be one of CRITICAL, HIGH, MEDIUM, LOW, MINIMAL)", s)
}

// MarshalJSON encodes the priority as its canonical name.
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority from its canonical name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML encodes the priority as its canonical name.
func (p Priority) MarshalYAML() (interface{}, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid priority %d", int(p))
	}
	return p.String(), nil
}

// UnmarshalYAML decodes a priority from its canonical name.
func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ConditionEvaluator is a custom condition implementation attached to a
// Condition in place of its expression. It must be pure: implementations
// must not mutate the execution context.
type ConditionEvaluator func(ec *ExecutionContext, params map[string]interface{}) (bool, error)

// ActionHandler executes one action attempt. The context carries the
// per-attempt deadline; implementations should honor cancellation.
type ActionHandler func(ctx context.Context, ec *ExecutionContext, params map[string]interface{}) (interface{}, error)

// Condition is a boolean predicate evaluated against an execution context.
// When Evaluator is set it takes precedence over Expression. An empty
// expression evaluates to true.
type Condition struct {
	Expression string                 `json:"expression" yaml:"expression"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Evaluator  ConditionEvaluator     `json:"-" yaml:"-"`
}

// Action is a named operation executed when a rule's conditions hold.
type Action struct {
	Name           string                 `json:"name" yaml:"name" validate:"required"`
	Parameters     map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RetryOnFailure bool                   `json:"retry_on_failure,omitempty" yaml:"retry_on_failure,omitempty"`
	MaxRetries     int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"gte=0"`
	Executor       ActionHandler          `json:"-" yaml:"-"`
}

// Rule is a named unit combining conditions and actions with a priority and
// an applicability scope. Rules are treated as immutable once registered;
// replacing a rule re-registers it under the same name.
type Rule struct {
	Name         string                 `json:"name" yaml:"name" validate:"required"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions   []Condition            `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions      []Action               `json:"actions,omitempty" yaml:"actions,omitempty" validate:"dive"`
	Priority     Priority               `json:"priority" yaml:"priority"`
	Enabled      bool                   `json:"enabled" yaml:"enabled"`
	ContextTypes []string               `json:"context_types,omitempty" yaml:"context_types,omitempty"`
	Tags         []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Version      int                    `json:"version,omitempty" yaml:"version,omitempty"`

	// AppliesWhen is an optional custom applicability predicate checked in
	// addition to Enabled and ContextTypes. Not serializable.
	AppliesWhen func(*ExecutionContext) bool `json:"-" yaml:"-"`
}

var validate = validator.New()

// Validate checks the rule's structural integrity. It does not compile
// condition expressions: a malformed expression surfaces as a false
// condition at evaluation time.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %q is invalid: %w", r.Name, err)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("rule %q has unknown priority %d", r.Name, int(r.Priority))
	}
	for i, ct := range r.ContextTypes {
		if strings.TrimSpace(ct) == "" {
			return fmt.Errorf("rule %q has empty context type at index %d", r.Name, i)
		}
	}
	return nil
}

// HasTag reports whether the rule carries the given tag.
func (r *Rule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the rule is applicable to the given context:
// the rule is enabled, its context types admit the context's type (an empty
// list admits every type), and its custom predicate, when present, holds.
func (r *Rule) AppliesTo(ec *ExecutionContext) bool {
	if !r.Enabled || ec == nil {
		return false
	}
	if len(r.ContextTypes) > 0 {
		matched := false
		for _, ct := range r.ContextTypes {
			if ct == ec.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.AppliesWhen != nil {
		return r.appliesWhenSafe(ec)
	}
	return true
}

// appliesWhenSafe runs the custom predicate, treating a panic as "does not
// apply" so a faulty predicate cannot take down a batch.
func (r *Rule) appliesWhenSafe(ec *ExecutionContext) (applies bool) {
	defer func() {
		if recover() != nil {
			applies = false
		}
	}()
	return r.AppliesWhen(ec)
}
