package errs

import (
	"sync"
	"time"
)

// TrackedError is one entry in the tracker's recent-error ring.
type TrackedError struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker aggregates errors for operational visibility: per-kind counts
// plus a bounded ring of the most recent errors. In-memory only; state is
// lost on restart and that is acceptable.
type Tracker struct {
	mu     sync.Mutex
	counts map[Kind]int64
	recent []TrackedError
	next   int
	filled bool
}

// NewTracker creates a tracker holding the most recent `capacity` errors.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 64
	}
	return &Tracker{
		counts: make(map[Kind]int64),
		recent: make([]TrackedError, capacity),
	}
}

// Record counts an error and appends it to the ring. Nil errors are ignored.
func (t *Tracker) Record(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	kind := KindOf(err)
	t.counts[kind]++
	t.recent[t.next] = TrackedError{Kind: kind, Message: err.Error(), Timestamp: time.Now()}
	t.next++
	if t.next == len(t.recent) {
		t.next = 0
		t.filled = true
	}
}

// Counts returns a copy of the per-kind counters.
func (t *Tracker) Counts() map[Kind]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Kind]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Recent returns the ring contents, newest first.
func (t *Tracker) Recent() []TrackedError {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	if t.filled {
		size = len(t.recent)
	}
	out := make([]TrackedError, 0, size)
	for i := 1; i <= size; i++ {
		idx := t.next - i
		if idx < 0 {
			idx += len(t.recent)
		}
		out = append(out, t.recent[idx])
	}
	return out
}
