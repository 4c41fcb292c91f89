// Package breaker implements the per-backend circuit breaker that gates
// whether real traffic may be dispatched to a backend.
package breaker

import (
	"sync"
	"time"

	"github.com/audible-ai/audible/internal/domain"
)

// State is the circuit state for one backend.
type State string

const (
	// StateClosed allows traffic to flow normally.
	StateClosed State = "closed"

	// StateOpen rejects all dispatch attempts until the cooldown elapses.
	StateOpen State = "open"

	// StateHalfOpen allows exactly one trial request through.
	StateHalfOpen State = "half-open"
)

// Config controls trip thresholds and cooldown backoff.
type Config struct {
	// FailureThreshold is the failure count that trips a Closed circuit.
	FailureThreshold int

	// BaseCooldown is the Open duration after the first trip, and the value
	// the cooldown resets to once a HalfOpen trial succeeds.
	BaseCooldown time.Duration

	// MaxCooldown caps the exponential backoff.
	MaxCooldown time.Duration
}

// Snapshot is the diagnostics view of one circuit.
type Snapshot struct {
	State               State  `json:"state"`
	FailureCount        uint64 `json:"failureCount"`
	CooldownRemainingMs uint64 `json:"cooldownRemainingMs"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker tracks one circuit per backend. Each circuit has its own lock so
// unrelated backends never serialize each other.
type Breaker struct {
	cfg   Config
	now   func() time.Time
	cells map[domain.BackendName]*cell
}

type cell struct {
	mu            sync.Mutex
	state         State
	failureCount  uint64
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// New creates a breaker with one Closed circuit per backend.
func New(cfg Config, names []domain.BackendName, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		cells: make(map[domain.BackendName]*cell, len(names)),
	}
	for _, name := range names {
		b.cells[name] = &cell{state: StateClosed}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Eligible reports, without mutating state, whether a dispatch attempt to the
// backend could currently be admitted. Used by the orchestrator when ranking;
// admission itself happens in Allow.
func (b *Breaker) Eligible(name domain.BackendName) bool {
	c, ok := b.cells[name]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !c.trialInFlight
	case StateOpen:
		return b.now().Sub(c.openedAt) >= c.cooldown
	}
	return false
}

// Allow admits or rejects a dispatch attempt. An Open circuit whose cooldown
// has elapsed transitions to HalfOpen and admits the caller as its single
// trial. trial reports whether the admitted attempt is a HalfOpen trial.
func (b *Breaker) Allow(name domain.BackendName) (ok bool, trial bool) {
	c, okCell := b.cells[name]
	if !okCell {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true, false

	case StateOpen:
		if b.now().Sub(c.openedAt) < c.cooldown {
			return false, false
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		return true, true

	case StateHalfOpen:
		if c.trialInFlight {
			return false, false
		}
		c.trialInFlight = true
		return true, true
	}
	return false, false
}

// RecordSuccess reports a successful dispatch. A HalfOpen trial success closes
// the circuit and resets the failure count and cooldown. Health-probe
// successes must not be reported here: only a successful trial may close an
// Open circuit.
func (b *Breaker) RecordSuccess(name domain.BackendName) {
	c, ok := b.cells[name]
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.state = StateClosed
		c.failureCount = 0
		c.cooldown = 0
		c.trialInFlight = false
	}
}

// RecordFailure reports a failed dispatch or health probe. Crossing the
// threshold trips a Closed circuit; a HalfOpen failure reopens immediately.
// Every trip advances the cooldown: base on the first, doubled and capped on
// each one after.
func (b *Breaker) RecordFailure(name domain.BackendName) {
	c, ok := b.cells[name]
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failureCount++
		if int(c.failureCount) >= b.cfg.FailureThreshold {
			b.trip(c)
		}
	case StateHalfOpen:
		c.failureCount++
		c.trialInFlight = false
		b.trip(c)
	case StateOpen:
		c.failureCount++
	}
}

// trip moves a cell to Open and advances its cooldown. Caller holds c.mu.
func (b *Breaker) trip(c *cell) {
	c.state = StateOpen
	c.openedAt = b.now()
	if c.cooldown == 0 {
		c.cooldown = b.cfg.BaseCooldown
		return
	}
	c.cooldown *= 2
	if c.cooldown > b.cfg.MaxCooldown {
		c.cooldown = b.cfg.MaxCooldown
	}
}

// StateOf returns the current state for one backend.
func (b *Breaker) StateOf(name domain.BackendName) State {
	c, ok := b.cells[name]
	if !ok {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the diagnostics view of every circuit.
func (b *Breaker) Snapshot() map[domain.BackendName]Snapshot {
	out := make(map[domain.BackendName]Snapshot, len(b.cells))
	for name, c := range b.cells {
		c.mu.Lock()
		snap := Snapshot{
			State:        c.state,
			FailureCount: c.failureCount,
		}
		if c.state == StateOpen {
			remaining := c.cooldown - b.now().Sub(c.openedAt)
			if remaining > 0 {
				snap.CooldownRemainingMs = uint64(remaining / time.Millisecond)
			}
		}
		c.mu.Unlock()
		out[name] = snap
	}
	return out
}
