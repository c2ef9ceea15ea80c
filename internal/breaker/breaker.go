// Package breaker protects a remote dependency with a three-state circuit
// breaker: Closed passes calls through, Open fails fast, HalfOpen probes
// recovery with trial calls after a cooldown.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold trips Closed -> Open.
	FailureThreshold int
	// SuccessThreshold closes the breaker from HalfOpen after this many
	// consecutive trial successes.
	SuccessThreshold int
	// RecoveryTimeout is how long Open lasts before probing.
	RecoveryTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
}

// Breaker is one protected dependency's circuit. Create one per dependency
// handle at process start and pass it in explicitly.
type Breaker struct {
	mu sync.Mutex

	name            string
	cfg             Config
	state           State
	failureCount    int
	successCount    int
	probeInFlight   bool
	lastFailureTime time.Time

	now func() time.Time // test seam
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	cfg.withDefaults()
	return &Breaker{name: name, cfg: cfg, state: Closed, now: time.Now}
}

// State returns the current state, applying the Open->HalfOpen timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == Open && b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
		b.state = HalfOpen
		b.successCount = 0
		b.probeInFlight = false
	}
	return b.state
}

// Execute runs op under the breaker. While Open it returns a circuit_open
// error without invoking op. HalfOpen admits one trial call at a time;
// callers arriving while the probe is unresolved are rejected the same way.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.currentStateLocked()
	if state == Open || (state == HalfOpen && b.probeInFlight) {
		b.mu.Unlock()
		return errs.Newf(errs.KindCircuitOpen, "%s circuit open", b.name).
			WithSuggestion("dependency is failing; retry after the recovery timeout")
	}
	probe := state == HalfOpen
	if probe {
		b.probeInFlight = true
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeInFlight = false
	}
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onFailureLocked() {
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case HalfOpen:
		// A failed probe reopens immediately.
		b.state = Open
		b.successCount = 0
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	case Closed:
		b.failureCount = 0
	}
}
