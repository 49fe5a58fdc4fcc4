package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// OpenError is returned without attempting the wrapped operation when the
// circuit is open and the cool-down has not elapsed.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// TimeoutError is returned when the wrapped operation exceeded the per-call
// deadline. It counts as a breaker failure.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker %s: operation timed out after %s", e.Name, e.Timeout)
}

// Config defines circuit breaker tuning. Immutable after construction.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration

	// OnStateChange, when set, is invoked on every state transition.
	OnStateChange func(name string, from, to State)
}

// Stats is a read-only snapshot of breaker state and counters.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	RequestCount    int       `json:"request_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker guards calls to a single external service. State mutation
// is serialized by a per-breaker mutex; the wrapped operation itself runs
// outside the lock.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	requestCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs op under the breaker's gating and per-call deadline. The
// caller sees either op's own error, an *OpenError when the call was
// rejected without being attempted, or a *TimeoutError when op lost the
// race against the deadline. The abandoned op is cancelled via its context;
// releasing whatever it held is the operation's responsibility.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	cb.mu.Lock()
	cb.requestCount++
	if cb.state == StateOpen {
		if time.Now().Before(cb.nextAttemptTime) {
			retryAt := cb.nextAttemptTime
			cb.mu.Unlock()
			return &OpenError{Name: cb.name, RetryAt: retryAt}
		}
		// Cool-down elapsed: let a single probe through.
		cb.setState(StateHalfOpen)
	}
	timeout := cb.cfg.Timeout
	cb.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-opCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = &TimeoutError{Name: cb.name, Timeout: timeout}
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.cfg.FailureThreshold {
		cb.trip()
	}
}

// recordSuccess must be called with cb.mu held. A success clears all prior
// failure history, not just one failure.
func (cb *CircuitBreaker) recordSuccess() {
	cb.successCount++
	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.nextAttemptTime = time.Now().Add(cb.cfg.ResetTimeout)
	cb.setState(StateOpen)
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// Reset forces the breaker back to CLOSED and zeroes all counters. Manual
// operator intervention only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.requestCount = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
	cb.setState(StateClosed)
}

// Stats returns a snapshot without mutating breaker state.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		RequestCount:    cb.requestCount,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}
