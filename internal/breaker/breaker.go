// Package breaker implements a per-monitor circuit breaker protecting the
// cycle runner from a persistently broken probe binary: after enough
// consecutive failures it short-circuits further calls for a cooldown
// window instead of continuing to spawn subprocesses that are doomed to
// time out.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow when the breaker is open.
var ErrCircuitOpen = errors.New("breaker: circuit open")

const (
	stateClosed = iota
	stateOpen
	stateHalfOpen
)

// Config controls breaker thresholds. Zero values fall back to defaults.
type Config struct {
	// ConsecutiveFailThreshold is the number of consecutive failures
	// that opens the circuit. Default 5.
	ConsecutiveFailThreshold int
	// OpenStateDuration is how long the circuit stays open before
	// half-opening to try again. Default 30s.
	OpenStateDuration time.Duration
}

// Defaults returns the breaker's default configuration.
func Defaults() Config {
	return Config{ConsecutiveFailThreshold: 5, OpenStateDuration: 30 * time.Second}
}

func (c Config) normalize() Config {
	if c.ConsecutiveFailThreshold <= 0 {
		c.ConsecutiveFailThreshold = 5
	}
	if c.OpenStateDuration <= 0 {
		c.OpenStateDuration = 30 * time.Second
	}
	return c
}

// Breaker is a circuit breaker scoped to a single monitor's probe calls.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       int
	failures    int
	nextAttempt time.Time
	clock       func() time.Time
}

// New returns a closed breaker using cfg (normalized against Defaults).
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.normalize(), state: stateClosed, clock: time.Now}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen if
// the breaker is open and the cooldown window has not yet elapsed; it
// transitions open->half-open in place when the window has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	if b.state == stateOpen {
		if now.Before(b.nextAttempt) {
			return ErrCircuitOpen
		}
		b.state = stateHalfOpen
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

// RecordFailure increments the consecutive-failure count, opening the
// breaker once the threshold is reached. It reports whether this call
// caused the breaker to open.
func (b *Breaker) RecordFailure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.cfg.ConsecutiveFailThreshold {
		b.state = stateOpen
		b.nextAttempt = b.clock().Add(b.cfg.OpenStateDuration)
		return true
	}
	return false
}

// Open reports whether the breaker is currently open. A half-open
// breaker (cooldown elapsed, trial call allowed) is not reported as
// open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}
