// Package core defines the domain model for the rule engine.
//
// # Overview
//
// The package provides:
//   - Rule, Condition and Action with YAML/JSON codecs and validation
//   - Priority levels that drive execution order
//   - ExecutionContext, the mutable fact map rules evaluate against
//   - RuleResult and ActionResult, the outcome records produced per rule
//   - Registry, the priority-ordered rule store
//   - WorkerPool and CircuitBreaker, shared concurrency primitives
//
// Types here carry no evaluation logic beyond their own validation. The
// expr package compiles condition expressions, and the engine package
// schedules rules and runs their actions.
//
// # Conventions
//
// Constructors validate their inputs and return errors rather than
// panicking. Methods that mutate shared state are safe for concurrent
// use; value types (RuleResult, ActionResult) are not, and Clone exists
// for handing them across goroutine boundaries.
package core
