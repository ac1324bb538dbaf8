package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/store"
)

type flakyStore struct {
	err   error
	calls int
}

func (f *flakyStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return false, nil
}

func (f *flakyStore) Delete(ctx context.Context, key string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	boom := errors.New("boom")
	inner := &flakyStore{err: boom}
	cb := store.NewCircuitBreaker(inner, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := cb.SetIfAbsent(ctx, "k", "v"); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if _, err := cb.SetIfAbsent(ctx, "k", "v"); !errors.Is(err, warperrors.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected open breaker to short-circuit, inner calls %d", inner.calls)
	}
	if cb.IsHealthy() {
		t.Fatal("expected unhealthy breaker")
	}
}

func TestCircuitBreakerFalseIsNotFailure(t *testing.T) {
	inner := &flakyStore{}
	cb := store.NewCircuitBreaker(inner, 1, time.Hour)
	for i := 0; i < 5; i++ {
		if ok, err := cb.SetIfAbsent(context.Background(), "k", "v"); err != nil || ok {
			t.Fatalf("expected plain false, got ok=%v err=%v", ok, err)
		}
	}
	if !cb.IsHealthy() {
		t.Fatal("false results must not open the breaker")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	inner := &flakyStore{err: errors.New("down")}
	cb := store.NewCircuitBreaker(inner, 1, 10*time.Millisecond)
	ctx := context.Background()
	_, _ = cb.Delete(ctx, "k")
	if _, err := cb.Delete(ctx, "k"); !errors.Is(err, warperrors.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	inner.err = nil
	if ok, err := cb.Delete(ctx, "k"); err != nil || !ok {
		t.Fatalf("probe: ok=%v err=%v", ok, err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected breaker closed after successful probe")
	}
}

func TestCircuitBreakerExistsNeedsChecker(t *testing.T) {
	cb := store.NewCircuitBreaker(&flakyStore{}, 1, time.Hour)
	if _, err := cb.Exists(context.Background(), "k"); !errors.Is(err, store.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	mem := store.NewInMemoryStore()
	cb = store.NewCircuitBreaker(mem, 1, time.Hour)
	if found, err := cb.Exists(context.Background(), "k"); err != nil || found {
		t.Fatalf("Exists: found=%v err=%v", found, err)
	}
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := store.NewCircuitBreaker(store.NewInMemoryStore(), 2, time.Minute)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 2; i++ {
		if _, err := cb.SetIfAbsent(cancelled, "k", "v"); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected context.Canceled, got %v", i, err)
		}
	}
	expired, cancelExpired := context.WithTimeout(context.Background(), -time.Second)
	defer cancelExpired()
	for i := 0; i < 2; i++ {
		if _, err := cb.Delete(expired, "k"); err == nil {
			t.Fatalf("call %d: expected an error from an expired context", i)
		}
	}

	if !cb.IsHealthy() {
		t.Fatal("caller cancellations must not open the breaker")
	}
	if ok, err := cb.SetIfAbsent(context.Background(), "k", "v"); err != nil || !ok {
		t.Fatalf("expected a live call to go through, got ok=%v err=%v", ok, err)
	}
}

func TestCircuitBreakerCancelledProbeReopens(t *testing.T) {
	inner := &flakyStore{err: errors.New("down")}
	cb := store.NewCircuitBreaker(inner, 1, 10*time.Millisecond)
	_, _ = cb.Delete(context.Background(), "k")
	time.Sleep(20 * time.Millisecond)

	inner.err = context.Canceled
	if _, err := cb.Delete(context.Background(), "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled probe, got %v", err)
	}

	inner.err = nil
	if ok, err := cb.Delete(context.Background(), "k"); err != nil || !ok {
		t.Fatalf("expected the next probe to be let through, got ok=%v err=%v", ok, err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected breaker closed after successful probe")
	}
}
