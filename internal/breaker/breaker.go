// Package breaker implements per-service circuit breakers. A breaker
// guards calls to a failing downstream: it opens after repeated failures,
// rejects while open, then cautiously probes recovery through a limited
// number of half-open trials.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests pass through.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a request. It is
// expected control flow; the breaker never retries on the caller's
// behalf.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive failures within the sampling
	// window that open the circuit.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting
	// half-open trials.
	Cooldown time.Duration

	// HalfOpenMax is the maximum number of trial requests admitted in
	// half-open state.
	HalfOpenMax int

	// SuccessThreshold is the consecutive successes in half-open state
	// that close the circuit.
	SuccessThreshold int

	// SamplingWindow is the window over which closed-state failures are
	// counted; counters reset when it elapses.
	SamplingWindow time.Duration

	// OnStateChange is called when the breaker changes state.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      3,
		SuccessThreshold: 2,
		SamplingWindow:   time.Minute,
	}
}

// Validate normalises out-of-range values to defaults.
func (c *Config) Validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.Cooldown < time.Millisecond {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = 3
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.SamplingWindow < time.Second {
		c.SamplingWindow = time.Minute
	}
	// Closing requires SuccessThreshold half-open successes, so the trial
	// budget must admit at least that many requests.
	if c.HalfOpenMax < c.SuccessThreshold {
		c.HalfOpenMax = c.SuccessThreshold
	}
}

// Breaker is a single circuit breaker state machine.
type Breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu    sync.Mutex
	state State

	failures         int
	successes        int
	halfOpenRequests int

	lastFailure     time.Time
	lastStateChange time.Time
	samplingStart   time.Time

	// now is injectable for tests.
	now func() time.Time
}

// New creates a new circuit breaker.
func New(name string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
	b.lastStateChange = b.now()
	b.samplingStart = b.lastStateChange
	return b
}

// Allow reports whether a request may pass through, moving an expired
// open circuit to half-open first.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(b.lastStateChange) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.halfOpenRequests = 1
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenRequests < b.config.HalfOpenMax {
			b.halfOpenRequests++
			return true
		}
		return false

	default:
		return false
	}
}

// Execute runs fn under breaker protection. Rejections surface as
// ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err == nil {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}

	return err
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes++

	switch b.state {
	case StateHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}

	case StateClosed:
		if b.now().Sub(b.samplingStart) >= b.config.SamplingWindow {
			b.resetCounters()
		}
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		// Failures outside the sampling window do not accumulate.
		if now.Sub(b.samplingStart) >= b.config.SamplingWindow {
			b.resetCounters()
		}
		b.failures++
		b.successes = 0
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// Any half-open failure reopens and restarts the cooldown.
		b.transitionTo(StateOpen)
	}
}

// transitionTo moves the breaker to a new state. Caller holds b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = b.now()
	b.resetCounters()

	b.logger.Info("circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, newState)
	}
}

// resetCounters clears the per-state counters. Caller holds b.mu.
func (b *Breaker) resetCounters() {
	b.failures = 0
	b.successes = 0
	b.halfOpenRequests = 0
	b.samplingStart = b.now()
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.resetCounters()
	b.lastStateChange = b.now()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State           State     `json:"-"`
	StateLabel      string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailure     time.Time `json:"lastFailure"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Stats returns the breaker's current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:           b.state,
		StateLabel:      b.state.String(),
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}
