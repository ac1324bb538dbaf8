package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	redisChannelPfx = "keylock:events:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keylock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub, one channel per lock key.
type RedisBus struct {
	client redis.UniversalClient
	fan    *fanout

	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client redis.UniversalClient
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	return &RedisBus{
		client:  opts.Client,
		fan:     newFanout(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("keylock.key", ev.Key),
		attribute.String("keylock.event", string(ev.Kind)),
	))
	defer span.End()

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisChannelPfx+ev.Key, data).Err(); err != nil {
		span.RecordError(err)
		switch {
		case stdErrors.Is(err, context.DeadlineExceeded):
			return warperrors.ErrTimeout
		case stdErrors.Is(err, redis.ErrClosed):
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.fan.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), redisChannelPfx+key)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.fan.remove(key, ch)
			return nil, err
		}
		b.pubsubs[key] = ps
		go b.forward(ps)
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) forward(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			slog.Warn("keylock: dropping malformed redis event", "channel", msg.Channel, "error", err)
			continue
		}
		b.fan.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.fan.remove(key, ch)
	if !found || !last {
		return nil
	}
	ps, ok := b.pubsubs[key]
	if !ok {
		return nil
	}
	delete(b.pubsubs, key)
	return ps.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, ps := range b.pubsubs {
		errs = append(errs, ps.Close())
		delete(b.pubsubs, key)
	}
	b.fan.closeAll()
	return stdErrors.Join(errs...)
}

// Metrics returns the delivery counters.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
