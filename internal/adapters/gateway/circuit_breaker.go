package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// CircuitState represents the current state of a gateway's circuit breaker
type CircuitState int

const (
	// StateClosed - charges flow normally
	StateClosed CircuitState = iota
	// StateOpen - charges fail immediately without reaching the gateway
	StateOpen
	// StateHalfOpen - a limited number of probe charges are let through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the gateway has failed too often recently
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe budget is spent
	ErrTooManyProbes = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// MaxProbes is how many charges may run while half-open
	MaxProbes uint32
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures and probes after 30s
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker stops charging a gateway that keeps failing. Declines are
// answers, not failures; only errors reaching the gateway count.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         CircuitState
	failures      uint32
	probes        uint32
	changedAt     time.Time
	config        CircuitBreakerConfig
	clock         timeutil.Clock
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig, clock timeutil.Clock) *CircuitBreaker {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &CircuitBreaker{
		state:     StateClosed,
		changedAt: clock.Now(),
		config:    config,
		clock:     clock,
	}
}

// Call runs fn if the circuit allows it and records the outcome
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.changedAt) < cb.config.Cooldown {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probes++
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrTooManyProbes
		}
		cb.probes++
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		cb.failures = 0
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.clock.Now()
	cb.probes = 0
	if next != StateOpen {
		cb.failures = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(prev, next)
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
}
