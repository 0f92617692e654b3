// Package breaker implements the per-tool circuit breaker (component D):
// closed → open on consecutive failures, open → half-open after a reset
// timeout, half-open admits a bounded number of test requests before
// deciding to close or reopen.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/pkg/types"
)

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures one Breaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures to open, default 5
	ResetTimeout     time.Duration // open duration before half-open, default 30s
	HalfOpenRequests int           // concurrent test calls allowed while half-open, default 1
	SuccessThreshold int           // successes in half-open needed to close, default 1
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// Breaker is a single tool's (or dependency's) circuit breaker.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	status              types.CircuitStatus
	consecutiveFailures int
	successes           int
	halfOpenInFlight    int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	lastStateChangeAt   time.Time
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{
		cfg:               cfg,
		status:            types.CircuitClosed,
		lastStateChangeAt: time.Now(),
	}
}

// Allow reports whether a call may proceed, transitioning open→half-open
// when the reset timeout has elapsed. On success it returns a done func
// that must be called with the call's outcome.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	switch b.status {
	case types.CircuitClosed:
		b.mu.Unlock()
		return func(success bool) { b.record(success) }, nil

	case types.CircuitOpen:
		if time.Since(b.lastStateChangeAt) >= b.cfg.ResetTimeout {
			b.transition(types.CircuitHalfOpen)
			b.halfOpenInFlight = 1
			b.mu.Unlock()
			return func(success bool) { b.record(success) }, nil
		}
		b.mu.Unlock()
		return nil, ErrOpen

	case types.CircuitHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenRequests {
			b.mu.Unlock()
			return nil, ErrOpen
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return func(success bool) { b.record(success) }, nil

	default:
		b.mu.Unlock()
		return func(success bool) { b.record(success) }, nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.lastSuccessAt = time.Now()
		switch b.status {
		case types.CircuitClosed:
			b.consecutiveFailures = 0
		case types.CircuitHalfOpen:
			b.halfOpenInFlight--
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(types.CircuitClosed)
			}
		}
		return
	}

	b.lastFailureAt = time.Now()
	b.consecutiveFailures++
	switch b.status {
	case types.CircuitClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(types.CircuitOpen)
		}
	case types.CircuitHalfOpen:
		b.halfOpenInFlight--
		b.transition(types.CircuitOpen)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to types.CircuitStatus) {
	from := b.status
	if from == to {
		return
	}
	b.status = to
	b.lastStateChangeAt = time.Now()
	b.consecutiveFailures = 0
	b.successes = 0
	event.Publish(event.Event{
		Type: event.CircuitStateChanged,
		Data: event.CircuitStateChangedData{Tool: b.cfg.Name, From: from, To: to},
	})
}

// State returns a snapshot of the breaker's current state.
func (b *Breaker) State() types.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.CircuitState{
		Status:              b.status,
		ConsecutiveFailures: b.consecutiveFailures,
		Successes:           b.successes,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
	}
}

// Reset forces the breaker back to closed, discarding counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(types.CircuitClosed)
}
