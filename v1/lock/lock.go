package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/store"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keylock/v1/lock")

const (
	DefaultRetryCount    = 10
	DefaultRetryInterval = 200 * time.Millisecond
)

// Retry is the retry policy of a Lock. Count and Interval are configuration;
// Attempts counts the failed attempts of the current acquisition and is
// reset when an acquisition starts and when it succeeds.
type Retry struct {
	Count    int
	Interval time.Duration
	Attempts int
}

// Lock is a mutual-exclusion lock on one key of a Store. The held flag is
// this instance's own view; it is not refreshed from the store.
type Lock struct {
	key    string
	store  store.Store
	bus    syncbus.Bus
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error

	mu    sync.Mutex
	held  bool
	token string
	retry Retry
}

// Option configures a Lock.
type Option func(*Lock)

// WithRetryCount sets how many set-if-absent attempts Acquire makes. Values
// below one are stored as one.
func WithRetryCount(n int) Option {
	return func(l *Lock) {
		l.retry.Count = max(n, 1)
	}
}

// WithRetryInterval sets the pause between two attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Lock) {
		l.retry.Interval = max(d, 0)
	}
}

// WithBus publishes an event on bus after every acquire and release.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Lock) {
		l.bus = bus
	}
}

// WithLogger sets the logger used for failures that are not returned to the
// caller. It defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns an unheld Lock for key. It performs no I/O. The store is not
// owned by the lock and may be shared.
func New(s store.Store, key string, opts ...Option) *Lock {
	l := &Lock{
		key:    key,
		store:  s,
		logger: slog.Default(),
		sleep:  sleepContext,
		retry: Retry{
			Count:    DefaultRetryCount,
			Interval: DefaultRetryInterval,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the key the lock is coordinated on.
func (l *Lock) Key() string {
	return l.key
}

// RetryCount sets the number of attempts and returns the lock for chaining.
// It does not reset the attempt counter. Values below one are stored as one.
func (l *Lock) RetryCount(n int) *Lock {
	l.mu.Lock()
	l.retry.Count = max(n, 1)
	l.mu.Unlock()
	return l
}

// RetryInterval sets the pause between attempts and returns the lock for
// chaining.
func (l *Lock) RetryInterval(d time.Duration) *Lock {
	l.mu.Lock()
	l.retry.Interval = max(d, 0)
	l.mu.Unlock()
	return l
}

// Retry returns a snapshot of the retry policy.
func (l *Lock) Retry() Retry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retry
}

// IsLocked reports whether this instance believes it holds the lock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire claims the key. Each failed attempt is followed by a pause of the
// retry interval unless it was the last one; after Count failed attempts it
// returns a *LockNotAcquiredError.
//
// Store errors end the loop immediately. A context cancelled while waiting
// returns its error. In both cases the held flag is left untouched.
func (l *Lock) Acquire(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
		attribute.String("keylock.key", l.key),
	))
	defer span.End()
	start := time.Now()

	l.mu.Lock()
	l.retry.Attempts = 0
	l.mu.Unlock()

	token := uuid.NewString()
	for {
		metrics.AcquireAttempts.Inc()
		ok, err := l.store.SetIfAbsent(ctx, l.key, token)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store error")
			return fmt.Errorf("keylock: acquire %q: %w", l.key, err)
		}

		l.mu.Lock()
		if ok {
			attempts := l.retry.Attempts + 1
			wasHeld := l.held
			l.held = true
			l.token = token
			l.retry.Attempts = 0
			l.mu.Unlock()

			span.SetAttributes(attribute.Int("keylock.attempts", attempts))
			metrics.Acquired.Inc()
			if !wasHeld {
				metrics.HeldGauge.Inc()
			}
			metrics.AcquireWait.Observe(time.Since(start).Seconds())
			l.publish(ctx, syncbus.Acquired, token)
			return nil
		}
		l.retry.Attempts++
		attempts, count, interval := l.retry.Attempts, l.retry.Count, l.retry.Interval
		l.mu.Unlock()

		if attempts >= count {
			span.SetAttributes(attribute.Int("keylock.attempts", attempts))
			span.SetStatus(codes.Error, "retries exhausted")
			metrics.AcquireFailures.Inc()
			return &LockNotAcquiredError{Key: l.key}
		}
		if err := l.sleep(ctx, interval); err != nil {
			span.RecordError(err)
			return err
		}
	}
}

// Release deletes the key if this instance holds the lock; releasing an
// unheld lock is a no-op. When the store reports the key was already gone
// the lock is marked unheld and a *UnlockFailureError is returned. A store
// error leaves the lock held so the caller may try again.
//
// A Lock shared between goroutines may be re-acquired by another caller
// while the Delete is in flight; the held flag is only cleared if it still
// belongs to the token this call removed.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	held, token := l.held, l.token
	l.mu.Unlock()
	if !held {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
		attribute.String("keylock.key", l.key),
	))
	defer span.End()

	existed, err := l.store.Delete(ctx, l.key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store error")
		return fmt.Errorf("keylock: release %q: %w", l.key, err)
	}

	l.mu.Lock()
	cleared := l.held && l.token == token
	if cleared {
		l.held = false
		l.token = ""
	}
	l.mu.Unlock()
	if cleared {
		metrics.HeldGauge.Dec()
	}

	if !existed {
		span.SetStatus(codes.Error, "key vanished")
		metrics.UnlockFailures.Inc()
		return &UnlockFailureError{Key: l.key}
	}
	metrics.Released.Inc()
	l.publish(ctx, syncbus.Released, token)
	return nil
}

// LockForUpdate runs work while holding the lock. See Run.
func (l *Lock) LockForUpdate(ctx context.Context, work func(context.Context) error) error {
	_, err := Run(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

// Run acquires l, invokes work exactly once and releases l on every exit
// path, panics included.
//
// If Acquire fails its error is returned and work never runs. If work
// succeeds, a release error is returned together with work's result, so an
// *UnlockFailureError means the work did happen. If work fails, its error is
// returned unchanged and a release error is only logged.
func Run[T any](ctx context.Context, l *Lock, work func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.Acquire(ctx); err != nil {
		return zero, err
	}
	// release must happen even when the caller's context is already done
	rctx := context.WithoutCancel(ctx)

	finished := false
	defer func() {
		if finished {
			return
		}
		if err := l.Release(rctx); err != nil {
			l.logger.Warn("keylock: release after panic failed", "key", l.key, "error", err)
		}
	}()

	result, err := work(ctx)
	finished = true
	rerr := l.Release(rctx)
	if err != nil {
		if rerr != nil {
			l.logger.Warn("keylock: release after failed work failed", "key", l.key, "error", rerr)
		}
		return result, err
	}
	return result, rerr
}

func (l *Lock) publish(ctx context.Context, kind syncbus.Kind, token string) {
	if l.bus == nil {
		return
	}
	ev := syncbus.Event{Key: l.key, Kind: kind, Token: token, At: time.Now()}
	if err := l.bus.Publish(ctx, ev); err != nil {
		l.logger.Warn("keylock: event publish failed", "key", l.key, "kind", kind, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
