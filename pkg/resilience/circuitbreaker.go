package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal: requests pass through
	StateOpen                         // Tripped: requests are rejected
	StateHalfOpen                     // Probing: one request allowed
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

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips open after consecutive upstream failures and lets a
// single probe through once the cooldown has elapsed. Only failures accepted
// by the configured predicate count; a model answering "400 bad request" is
// not an outage.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	failureThreshold    int
	consecutiveFailures int
	cooldown            time.Duration
	lastFailure         time.Time
	probing             bool
	counts              func(error) bool
	onChange            func(CircuitState)
	now                 func() time.Time
}

// CircuitBreakerConfig holds configuration for a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Number of consecutive failures to trip
	Cooldown         time.Duration // Time to wait before probing

	// Counts decides whether an error is a breaker failure. Defaults to any non-nil error.
	Counts func(error) bool
	// OnStateChange is called (without the lock held) after every transition.
	OnStateChange func(CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		counts:           cfg.Counts,
		onChange:         cfg.OnStateChange,
		now:              time.Now,
	}
}

// Execute runs the given function through the circuit breaker.
// Returns ErrCircuitOpen if the circuit is open and cooldown hasn't elapsed.
// A panic in fn counts as a failure and is propagated. A call that ends with
// a cancelled or expired context says nothing about the upstream and is not
// recorded.
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	panicked := true
	defer func() { cb.record(err, panicked) }()
	err = fn()
	panicked = false
	return err
}

func (cb *CircuitBreaker) record(err error, panicked bool) {
	cb.mu.Lock()
	before := cb.state
	switch {
	case panicked:
		cb.recordFailure()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cb.probing = false
	case cb.counts(err):
		cb.recordFailure()
	default:
		cb.recordSuccess()
	}
	after := cb.state
	cb.mu.Unlock()

	cb.notify(before, after)
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) > cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// allowRequest checks whether a request is allowed.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	before := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = StateHalfOpen
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		// one probe at a time
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	after := cb.state
	cb.mu.Unlock()

	cb.notify(before, after)
	return allowed
}

// recordFailure records a failed call. Must be called with mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.consecutiveFailures++
	cb.lastFailure = cb.now()
	cb.probing = false

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// recordSuccess records a successful call. Must be called with mu held.
func (cb *CircuitBreaker) recordSuccess() {
	cb.consecutiveFailures = 0
	cb.probing = false
	cb.state = StateClosed
}

func (cb *CircuitBreaker) notify(before, after CircuitState) {
	if before != after && cb.onChange != nil {
		cb.onChange(after)
	}
}
