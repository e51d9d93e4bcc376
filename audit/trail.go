// Package audit keeps a bounded in-memory history of evaluation batches for
// operational review. One entry is appended per Evaluate call.
package audit

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of batch entries kept before the oldest is
// dropped.
const DefaultCapacity = 256

// Entry summarizes one evaluation batch: which context was evaluated, which
// rules applied, and how they fared.
type Entry struct {
	BatchID     string        `json:"batch_id"`
	ContextType string        `json:"context_type"`
	ContextID   string        `json:"context_id"`
	Mode        string        `json:"mode,omitempty"`
	Applicable  int           `json:"applicable"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TimedOut    int           `json:"timed_out"`
	Duration    time.Duration `json:"duration"`
	RuleNames   []string      `json:"rule_names"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Trail is a fixed-size ring of batch entries. Safe for concurrent use.
type Trail struct {
	mu    sync.Mutex
	buf   []Entry
	next  int
	count int
}

// NewTrail creates a trail holding up to capacity entries. Sizes below 1
// fall back to the default.
func NewTrail(capacity int) *Trail {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Trail{buf: make([]Entry, capacity)}
}

// Append records one batch, dropping the oldest entry when full.
func (t *Trail) Append(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = entry
	t.next = (t.next + 1) % len(t.buf)
	if t.count < len(t.buf) {
		t.count++
	}
}

// History returns up to n entries, most recent first. n <= 0 returns all
// buffered entries.
func (t *Trail) History(n int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (t.next - 1 - i + len(t.buf)*2) % len(t.buf)
		out = append(out, t.buf[idx])
	}
	return out
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
