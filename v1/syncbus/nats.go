package syncbus

import (
	"context"
	"encoding/base64"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const natsSubjectPfx = "keylock.events."

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn *nats.Conn
	fan  *fanout

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		fan:  newFanout(),
		subs: make(map[string]*nats.Subscription),
	}
}

// natsSubject keeps dots and wildcards in lock keys out of the subject.
func natsSubject(key string) string {
	return natsSubjectPfx + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubject(ev.Key), data); err != nil {
		if stdErrors.Is(err, nats.ErrConnectionClosed) {
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.fan.add(key)
	if first {
		sub, err := b.conn.Subscribe(natsSubject(key), func(msg *nats.Msg) {
			ev, err := decodeEvent(msg.Data)
			if err != nil {
				slog.Warn("keylock: dropping malformed nats event", "subject", msg.Subject, "error", err)
				return
			}
			b.fan.deliver(ev)
		})
		if err == nil {
			// make sure the server knows about the interest before returning
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.fan.remove(key, ch)
			return nil, err
		}
		b.subs[key] = sub
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.fan.remove(key, ch)
	if !found || !last {
		return nil
	}
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	if err := sub.Unsubscribe(); err != nil && !stdErrors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Metrics returns the delivery counters.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
