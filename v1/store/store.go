// Package store defines the atomic key-value protocol a lock is coordinated
// through, together with the backends keylock ships: in-memory, Redis, GORM
// and NATS JetStream key-value buckets.
//
// A backend only has to provide two primitives. SetIfAbsent must be atomic
// for concurrent callers on the same key; Delete must report whether the key
// existed. Mutual exclusion is exactly as strong as the backend's
// set-if-absent.
package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const defaultOpTimeout = 5 * time.Second

// ErrNotSupported is returned by decorators when the wrapped store lacks an
// optional capability.
var ErrNotSupported = stdErrors.New("keylock: operation not supported by store")

// Store is the protocol consumed by lock.Lock.
type Store interface {
	// SetIfAbsent stores value under key only if the key does not exist.
	// It reports whether the key was absent and is now set.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// Delete removes key. It reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// Checker is implemented by stores able to report key presence without
// modifying it. The lock core never needs it; the auditor does.
type Checker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Option configures the per-operation timeout of a backend.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for backend calls.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func buildOptions(opts []Option) options {
	o := options{timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultOpTimeout
	}
	return o
}

// checkContext maps an already finished context to the shared sentinels.
func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return warperrors.ErrTimeout
		}
		return err
	}
	return nil
}

// InMemoryStore is a Store backed by a map. It is only shared within one
// process and is meant for tests and single-node setups.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]string)}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemoryStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	s.items[key] = value
	return true, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Exists implements Checker.Exists.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.items[key]
	s.mu.Unlock()
	return ok, nil
}

// Get returns the value stored under key.
func (s *InMemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	v, ok := s.items[key]
	s.mu.Unlock()
	return v, ok
}
