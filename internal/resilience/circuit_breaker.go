package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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
	// ErrCircuitOpen is returned by Execute when the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open trial budget is exhausted.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns defaults suitable for a single backend instance.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
	}
}

// CircuitBreaker tracks consecutive failures against a single dependency
// (one per backend instance) and short-circuits calls while it is unhealthy.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg Config

	state       State
	failures    int
	halfOpenCnt int
	openedAt    time.Time
}

// New creates a CircuitBreaker in the closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultConfig().HalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current breaker state, advancing open->half-open if the
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransitionToHalfOpen()
	return cb.state
}

// Execute runs fn if the breaker admits the call, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeTransitionToHalfOpen()

	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCnt >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenCnt++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) maybeTransitionToHalfOpen() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.Timeout {
		cb.setState(StateHalfOpen)
		cb.halfOpenCnt = 0
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateClosed)
		cb.failures = 0
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.openedAt = time.Now()
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
			cb.openedAt = time.Now()
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(old, newState)
	}
}
