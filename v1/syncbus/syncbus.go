// Package syncbus propagates lock transitions between processes. A Lock
// configured with a Bus publishes an Event after every successful acquire
// and release; observers subscribe per key.
//
// Delivery is best effort: a slow subscriber drops events rather than
// blocking the publisher, and no backend replays missed events.
package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 16

// Kind identifies the lock transition carried by an Event.
type Kind string

const (
	Acquired Kind = "acquired"
	Released Kind = "released"
)

// Event describes one lock transition.
type Event struct {
	Key   string    `json:"key"`
	Kind  Kind      `json:"kind"`
	Token string    `json:"token,omitempty"`
	At    time.Time `json:"at"`
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Bus is a pub/sub channel for lock events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel receiving the events of key. The channel
	// is closed on Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// Metrics reports per-bus delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus, mainly for testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	b.published.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.Key] {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics returns the delivery counters.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// fanout is the subscriber bookkeeping shared by the network backends: it
// owns the subscriber channels and delivers decoded events without blocking.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan Event)}
}

func (f *fanout) add(key string) (chan Event, bool) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch <-chan Event) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, true
	}
	f.subs[key] = subs
	return found, false
}

func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Key] {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, key)
	}
}
