package push

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/playloop/rendezvous/coordinator/observability"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // normal operation
	StateHalfOpen              // probing recovery
	StateOpen                  // vendor presumed down
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker protects the wake-up path from a dead push vendor. A run of
// consecutive transport failures opens it; after a cooldown a few probe
// deliveries decide whether it closes again. Vendor error responses do not
// count as failures, only the transport does.
type Breaker struct {
	mu    sync.RWMutex
	state State

	failures int // consecutive transport failures while closed
	probes   int // successful probes while half-open
	openedAt time.Time

	threshold  int
	cooldown   time.Duration
	probeLimit int
	clock      clockwork.Clock
}

// NewBreaker creates a breaker with production defaults: open after 5
// consecutive failures, probe again after 30s, close after 3 good probes.
func NewBreaker(clock clockwork.Clock) *Breaker {
	return &Breaker{
		state:      StateClosed,
		threshold:  5,
		cooldown:   30 * time.Second,
		probeLimit: 3,
		clock:      clock,
	}
}

// Allow reports whether a vendor call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cooldown {
		b.setState(StateHalfOpen)
		b.probes = 0
	}
	return b.state != StateOpen
}

// RecordSuccess notes a completed vendor round trip.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probes++
		if b.probes >= b.probeLimit {
			b.setState(StateClosed)
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a transport failure reaching the vendor.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// A probe failed, back to waiting.
		b.setState(StateOpen)
		b.openedAt = b.clock.Now()
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.setState(StateOpen)
			b.openedAt = b.clock.Now()
		}
	}
}

// State returns the current position (thread-safe).
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// setState must be called with the mutex held.
func (b *Breaker) setState(s State) {
	b.state = s
	observability.PushBreakerState.Set(float64(s))
}
