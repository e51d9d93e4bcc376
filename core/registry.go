package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrRuleNotFound is returned when a named rule is not registered.
var ErrRuleNotFound = errors.New("rule not found")

type registeredRule struct {
	rule *Rule
	seq  uint64
}

// Registry holds named rule definitions. It is read-heavy during evaluation
// and assumes a single logical writer at setup time. Registered rules are
// treated as immutable; callers must not mutate a rule after registering it.
type Registry struct {
	mu      sync.RWMutex
	rules   map[string]registeredRule
	nextSeq uint64
	logger  *zap.SugaredLogger
}

// NewRegistry creates an empty registry. A nil logger is replaced with a
// no-op logger.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		rules:  make(map[string]registeredRule),
		logger: logger,
	}
}

// Register validates and stores a rule under its name. Re-registering an
// existing name fully replaces the rule (last write wins) and logs a warning;
// the replacement takes a fresh position in the registration order.
func (r *Registry) Register(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("cannot register nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.Name]; exists {
		r.logger.Warnw("replacing registered rule", "rule", rule.Name)
	}
	r.nextSeq++
	r.rules[rule.Name] = registeredRule{rule: rule, seq: r.nextSeq}
	return nil
}

// RegisterAll registers rules in order, stopping at the first failure.
func (r *Registry) RegisterAll(rules []*Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a rule by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	delete(r.rules, name)
	return nil
}

// Get returns the rule registered under name.
func (r *Registry) Get(name string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return reg.rule, nil
}

// List returns all registered rules in registration order.
func (r *Registry) List() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]registeredRule, 0, len(r.rules))
	for _, reg := range r.rules {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })

	rules := make([]*Rule, len(regs))
	for i, reg := range regs {
		rules[i] = reg.rule
	}
	return rules
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
