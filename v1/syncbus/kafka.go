package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries the events of every lock key.
const DefaultKafkaTopic = "keylock.events"

// KafkaBus implements Bus on a single Kafka topic. Messages are keyed by the
// lock key so the events of one lock stay ordered within a partition.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string
	fan      *fanout

	startOnce sync.Once
	startErr  error
	pcs       []sarama.PartitionConsumer
	wg        sync.WaitGroup
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFrom(producer, consumer, topic)
	b.client = client
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus on an existing producer and consumer.
// The bus takes ownership of both.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		fan:      newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// start attaches one partition consumer per partition of the topic, reading
// from the newest offset.
func (b *KafkaBus) start() error {
	b.startOnce.Do(func() {
		partitions, err := b.consumer.Partitions(b.topic)
		if err != nil {
			b.startErr = err
			return
		}
		for _, p := range partitions {
			pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
			if err != nil {
				b.startErr = err
				return
			}
			b.pcs = append(b.pcs, pc)
			b.wg.Add(1)
			go b.consume(pc)
		}
	})
	return b.startErr
}

func (b *KafkaBus) consume(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		ev, err := decodeEvent(msg.Value)
		if err != nil {
			slog.Warn("keylock: dropping malformed kafka event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		b.fan.deliver(ev)
	}
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := b.start(); err != nil {
		return nil, err
	}
	ch, _ := b.fan.add(key)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.fan.remove(key, ch)
	return nil
}

// Close stops the partition consumers and releases the producer and consumer.
func (b *KafkaBus) Close() error {
	var errs []error
	for _, pc := range b.pcs {
		errs = append(errs, pc.Close())
	}
	b.wg.Wait()
	b.fan.closeAll()
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	return stdErrors.Join(errs...)
}

// Metrics returns the delivery counters.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
