package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/store"
)

// exerciseStore runs the protocol every backend has to honour.
func exerciseStore(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "resource:1", "a")
	if err != nil || !ok {
		t.Fatalf("SetIfAbsent: expected set, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "resource:1", "b")
	if err != nil || ok {
		t.Fatalf("SetIfAbsent: expected existing key, got ok=%v err=%v", ok, err)
	}
	if c, isChecker := s.(store.Checker); isChecker {
		if found, err := c.Exists(ctx, "resource:1"); err != nil || !found {
			t.Fatalf("Exists: expected found, got %v err=%v", found, err)
		}
	}
	ok, err = s.Delete(ctx, "resource:1")
	if err != nil || !ok {
		t.Fatalf("Delete: expected removal, got ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(ctx, "resource:1")
	if err != nil || ok {
		t.Fatalf("Delete: expected missing key, got ok=%v err=%v", ok, err)
	}
	if c, isChecker := s.(store.Checker); isChecker {
		if found, err := c.Exists(ctx, "resource:1"); err != nil || found {
			t.Fatalf("Exists: expected missing, got %v err=%v", found, err)
		}
	}
	ok, err = s.SetIfAbsent(ctx, "resource:1", "c")
	if err != nil || !ok {
		t.Fatalf("SetIfAbsent after delete: ok=%v err=%v", ok, err)
	}
}

// exerciseContention checks that exactly one of many concurrent callers wins.
func exerciseContention(t *testing.T, s store.Store, workers int) {
	t.Helper()
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetIfAbsent(ctx, "contended", "x")
			if err != nil {
				t.Errorf("SetIfAbsent: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func TestInMemoryStoreProtocol(t *testing.T) {
	exerciseStore(t, store.NewInMemoryStore())
}

func TestInMemoryStoreContention(t *testing.T) {
	exerciseContention(t, store.NewInMemoryStore(), 32)
}

func TestInMemoryStoreGetReturnsValue(t *testing.T) {
	s := store.NewInMemoryStore()
	if _, err := s.SetIfAbsent(context.Background(), "k", "token"); err != nil {
		t.Fatalf("SetIfAbsent: %v", err)
	}
	if v, ok := s.Get("k"); !ok || v != "token" {
		t.Fatalf("Get: expected token, got %q ok=%v", v, ok)
	}
}

func TestInMemoryStoreExpiredContext(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if _, err := s.SetIfAbsent(ctx, "k", "v"); !errors.Is(err, warperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("key must not be written with an expired context")
	}
}
