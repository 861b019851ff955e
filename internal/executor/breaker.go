package executor

import (
	"sync"
	"time"
)

// BreakerState is the state of one provider's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    BreakerState
	failures int
	openedAt time.Time
	trying   bool
	trial    uint64
}

// Breakers keeps one circuit per provider. A circuit opens after Threshold
// consecutive failures and lets a single trial through once Cooldown has
// passed; the trial's outcome closes or reopens it.
type Breakers struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakers creates a breaker set. Non-positive values disable tripping.
func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	return &Breakers{threshold: threshold, cooldown: cooldown, now: time.Now, circuits: make(map[string]*circuit)}
}

// Allow reports whether a call to providerID may proceed. In half-open state
// only the first caller is allowed.
func (b *Breakers) Allow(providerID string) bool {
	_, ok := b.Reserve(providerID)
	return ok
}

// Reserve claims a call slot on the provider's circuit the way Allow does.
// A claimed slot is consumed by Record; release hands it back when the call
// is never made, without counting as a success or a failure.
func (b *Breakers) Reserve(providerID string) (release func(), ok bool) {
	if b == nil || b.threshold <= 0 {
		return func() {}, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(providerID)
	switch c.state {
	case BreakerOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return nil, false
		}
		c.state = BreakerHalfOpen
	case BreakerHalfOpen:
		if c.trying {
			return nil, false
		}
	default:
		return func() {}, true
	}
	c.trying = true
	c.trial++
	trial := c.trial
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c.state == BreakerHalfOpen && c.trying && c.trial == trial {
			c.trying = false
		}
	}, true
}

// Record feeds a call outcome back into the provider's circuit.
func (b *Breakers) Record(providerID string, success bool) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(providerID)
	c.trying = false
	if success {
		c.state = BreakerClosed
		c.failures = 0
		return
	}
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= b.threshold {
		c.state = BreakerOpen
		c.openedAt = b.now()
	}
}

// State returns the provider's circuit state.
func (b *Breakers) State(providerID string) BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(providerID).state
}

func (b *Breakers) circuit(providerID string) *circuit {
	c, ok := b.circuits[providerID]
	if !ok {
		c = &circuit{}
		b.circuits[providerID] = c
	}
	return c
}
