// Package registry keeps one Lock per key for a process, so callers can lock
// resources by name without threading Lock values around.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/store"
)

// ErrStoreNotConfigured is returned by New when neither a store nor a
// fallback store was supplied.
var ErrStoreNotConfigured = errors.New("keylock: no store configured")

// Option configures a Registry.
type Option func(*Registry)

// WithFallbackStore sets the store used when New receives a nil store.
func WithFallbackStore(s store.Store) Option {
	return func(r *Registry) {
		r.fallback = s
	}
}

// WithLockOptions sets the options applied to every lock the registry creates.
func WithLockOptions(opts ...lock.Option) Option {
	return func(r *Registry) {
		r.lockOpts = append(r.lockOpts, opts...)
	}
}

// CallOption adjusts the retry policy of a lock before a Lock or WithLock
// call. The change sticks to the lock for later calls.
type CallOption func(*lock.Lock)

// RetryCount sets the number of attempts.
func RetryCount(n int) CallOption {
	return func(l *lock.Lock) { l.RetryCount(n) }
}

// RetryInterval sets the pause between attempts.
func RetryInterval(d time.Duration) CallOption {
	return func(l *lock.Lock) { l.RetryInterval(d) }
}

// Registry lazily creates and caches locks by key. All locks share one store.
type Registry struct {
	store    store.Store
	fallback store.Store
	lockOpts []lock.Option

	mu    sync.Mutex
	locks map[string]*lock.Lock
}

// New returns a Registry backed by s, or by the fallback store when s is nil.
func New(s store.Store, opts ...Option) (*Registry, error) {
	r := &Registry{locks: make(map[string]*lock.Lock)}
	for _, opt := range opts {
		opt(r)
	}
	r.store = s
	if r.store == nil {
		r.store = r.fallback
	}
	if r.store == nil {
		return nil, ErrStoreNotConfigured
	}
	return r, nil
}

// Store returns the store shared by the registry's locks.
func (r *Registry) Store() store.Store {
	return r.store
}

// FindOrCreate returns the lock for key, creating it on first use.
func (r *Registry) FindOrCreate(key string) *lock.Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = lock.New(r.store, key, r.lockOpts...)
		r.locks[key] = l
	}
	return l
}

// Lock acquires the lock for key.
func (r *Registry) Lock(ctx context.Context, key string, opts ...CallOption) error {
	return r.prepare(key, opts).Acquire(ctx)
}

// WithLock runs work while holding the lock for key. See lock.Lock.LockForUpdate.
func (r *Registry) WithLock(ctx context.Context, key string, work func(context.Context) error, opts ...CallOption) error {
	return r.prepare(key, opts).LockForUpdate(ctx, work)
}

// Unlock releases the lock for key.
func (r *Registry) Unlock(ctx context.Context, key string) error {
	return r.FindOrCreate(key).Release(ctx)
}

// IsLocked reports whether this process holds the lock for key.
func (r *Registry) IsLocked(key string) bool {
	r.mu.Lock()
	l, ok := r.locks[key]
	r.mu.Unlock()
	return ok && l.IsLocked()
}

// Locks returns the registry's locks ordered by key.
func (r *Registry) Locks() []*lock.Lock {
	r.mu.Lock()
	out := make([]*lock.Lock, 0, len(r.locks))
	for _, l := range r.locks {
		out = append(out, l)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *Registry) prepare(key string, opts []CallOption) *lock.Lock {
	l := r.FindOrCreate(key)
	for _, opt := range opts {
		opt(l)
	}
	return l
}
