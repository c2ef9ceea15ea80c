// Package eventbus provides in-process publish/subscribe of swap lifecycle
// events with bounded history. Delivery is best-effort: a slow subscriber
// drops events rather than blocking the publisher, and history is lost on
// restart. Nothing here is a durability boundary.
package eventbus

import (
	"sync"
	"time"
)

// Event types emitted across a swap's lifecycle.
const (
	EventQuoteRequested       = "quote_requested"
	EventQuoteReceived        = "quote_received"
	EventQuoteFailed          = "quote_failed"
	EventSwapInitiated        = "swap_initiated"
	EventApprovalRequired     = "approval_required"
	EventApprovalCompleted    = "approval_completed"
	EventSimulationStarted    = "simulation_started"
	EventSimulationCompleted  = "simulation_completed"
	EventTransactionSubmitted = "transaction_submitted"
	EventTransactionConfirmed = "transaction_confirmed"
	EventTransactionFailed    = "transaction_failed"
	EventSwapCompleted        = "swap_completed"
	EventSwapFailed           = "swap_failed"
)

// Event is one lifecycle notification.
type Event struct {
	Type        string                 `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
	TxHash      string                 `json:"tx_hash,omitempty"`
	BlockNumber uint64                 `json:"block_number,omitempty"`
}

const subscriberBuffer = 32

// Bus fans events out to subscribers and keeps a bounded history ring.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	next    int
	filled  bool
}

// New creates a bus retaining the most recent historySize events.
func New(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 256
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		history: make([]Event, historySize),
	}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener is done; the channel is closed by cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish records the event in history and delivers it to subscribers
// without blocking. The timestamp is stamped here if unset.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history[b.next] = evt
	b.next++
	if b.next == len(b.history) {
		b.next = 0
		b.filled = true
	}

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default: // subscriber lagging, drop
		}
	}
}

// History returns retained events, newest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.filled {
		size = len(b.history)
	}
	out := make([]Event, 0, size)
	for i := 1; i <= size; i++ {
		idx := b.next - i
		if idx < 0 {
			idx += len(b.history)
		}
		out = append(out, b.history[idx])
	}
	return out
}
