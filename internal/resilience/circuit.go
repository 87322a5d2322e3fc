package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation; calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen admits a probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit
// is open. It is transient: work rejected by the breaker re-enters the
// retry path and eventually lands in the dead-letter queue if the
// downstream never recovers.
var ErrCircuitOpen = NewTransientError(eris.New("circuit breaker is open"), 0)

// Breaker guards a single downstream service. It trips after
// FailureThreshold consecutive transient failures and admits a probe after
// ResetTimeout.
type Breaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu        sync.Mutex
	state     CircuitState
	failures  int
	lastFail  time.Time
	nowFunc   func() time.Time
}

// NewBreaker creates a breaker; zero arguments select the defaults
// (5 failures, 30s reset).
func NewBreaker(failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitClosed,
		nowFunc:          time.Now,
	}
}

// Execute runs fn through the breaker. Permanent errors pass through
// without tripping it; only retryable failures count toward the threshold.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		return zero, ErrCircuitOpen
	}
	val, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return val, nil
}

// State returns the current breaker state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFail) >= b.resetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitOpen:
		if b.nowFunc().Sub(b.lastFail) >= b.resetTimeout {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || IsPermanent(err) {
		b.state = CircuitClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFail = b.nowFunc()
	if b.state == CircuitHalfOpen || b.failures >= b.failureThreshold {
		b.state = CircuitOpen
	}
}
