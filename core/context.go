package core

import (
	"sync"
	"time"
)

// ExecutionContext is the per-invocation payload rules evaluate against. It
// carries a context-type tag, an identifier, and a mutable data mapping.
// Contexts are short-lived: create one per Evaluate call.
//
// Data is the only structure shared by concurrently executing rules. Top-level
// reads and writes go through Get/Set and are guarded; writes from different
// rules in one batch are last-write-wins with no cross-rule ordering.
type ExecutionContext struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	mu sync.RWMutex
}

// NewExecutionContext creates a context of the given type over the given data
// mapping, stamped with the current time. A nil data map is replaced with an
// empty one.
func NewExecutionContext(contextType string, data map[string]interface{}) *ExecutionContext {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &ExecutionContext{
		Type:      contextType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
}

// Get returns the top-level data value for key.
func (ec *ExecutionContext) Get(key string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.Data[key]
	return v, ok
}

// Set writes a top-level data value. Last write wins across concurrently
// executing rules.
func (ec *ExecutionContext) Set(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.Data == nil {
		ec.Data = make(map[string]interface{})
	}
	ec.Data[key] = value
}

// SetAll writes every entry of values into the data mapping.
func (ec *ExecutionContext) SetAll(values map[string]interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.Data == nil {
		ec.Data = make(map[string]interface{}, len(values))
	}
	for k, v := range values {
		ec.Data[k] = v
	}
}

// DataSnapshot returns a shallow copy of the data mapping. Nested values are
// shared with the context.
func (ec *ExecutionContext) DataSnapshot() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(ec.Data))
	for k, v := range ec.Data {
		snapshot[k] = v
	}
	return snapshot
}

// Meta returns the metadata value for key.
func (ec *ExecutionContext) Meta(key string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.Metadata[key]
	return v, ok
}

// SetMeta writes a metadata value. Metadata is correlation material for the
// host; the engine never branches on it.
func (ec *ExecutionContext) SetMeta(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.Metadata == nil {
		ec.Metadata = make(map[string]interface{})
	}
	ec.Metadata[key] = value
}

// Mode returns the host-supplied mode label, if any. The label is carried in
// metadata and used only for correlation in audit entries.
func (ec *ExecutionContext) Mode() string {
	v, ok := ec.Meta("mode")
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
