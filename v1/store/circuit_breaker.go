package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerStore decorates a Store so that a backend which keeps
// failing is not hammered by every lock's retry loop. Only errors count as
// failures; a false result is a normal answer, and so is a call abandoned
// by its own caller through context cancellation or deadline.
type CircuitBreakerStore struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreakerStore that opens after threshold
// consecutive failures and allows a probe once timeout has passed.
func NewCircuitBreaker(s Store, threshold int, timeout time.Duration) *CircuitBreakerStore {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerStore{
		store:     s,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if calls would currently be let through.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return cb.state == stateClosed
}

// allow moves Open to Half-Open once the timeout has elapsed. While
// half-open only the probe that caused the transition is let through.
func (cb *CircuitBreakerStore) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerStore) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	if ctx.Err() != nil || stdErrors.Is(err, context.Canceled) {
		// says nothing about the backend; let the next caller probe again
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (cb *CircuitBreakerStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if !cb.allow() {
		return false, warperrors.ErrCircuitOpen
	}
	ok, err := cb.store.SetIfAbsent(ctx, key, value)
	cb.record(ctx, err)
	return ok, err
}

// Delete implements Store.Delete.
func (cb *CircuitBreakerStore) Delete(ctx context.Context, key string) (bool, error) {
	if !cb.allow() {
		return false, warperrors.ErrCircuitOpen
	}
	ok, err := cb.store.Delete(ctx, key)
	cb.record(ctx, err)
	return ok, err
}

// Exists implements Checker.Exists when the wrapped store does.
func (cb *CircuitBreakerStore) Exists(ctx context.Context, key string) (bool, error) {
	c, ok := cb.store.(Checker)
	if !ok {
		return false, ErrNotSupported
	}
	if !cb.allow() {
		return false, warperrors.ErrCircuitOpen
	}
	found, err := c.Exists(ctx, key)
	cb.record(ctx, err)
	return found, err
}
