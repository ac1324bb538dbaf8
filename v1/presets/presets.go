// Package presets wires a Store and a Bus for the common deployments.
package presets

import (
	"context"
	"errors"
	"fmt"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-keylock/v1/store"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

const connectTimeout = 5 * time.Second

// Backend bundles a lock store with the bus used to publish lock events.
type Backend struct {
	Store store.Store
	Bus   syncbus.Bus

	closers []func() error
}

// Close releases every connection opened for the backend, last opened first.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// UseKafka replaces the backend's bus with a KafkaBus on brokers. An empty
// topic selects syncbus.DefaultKafkaTopic.
func (b *Backend) UseKafka(brokers []string, topic string) error {
	bus, err := syncbus.NewKafkaBus(brokers, sarama.NewConfig(), topic)
	if err != nil {
		return fmt.Errorf("keylock: kafka: %w", err)
	}
	b.Bus = bus
	b.closers = append(b.closers, bus.Close)
	return nil
}

// WithCircuitBreaker decorates the backend's store with a CircuitBreakerStore.
// A non-positive threshold leaves the store untouched.
func (b *Backend) WithCircuitBreaker(threshold int, timeout time.Duration) {
	if threshold <= 0 {
		return
	}
	b.Store = store.NewCircuitBreaker(b.Store, threshold, timeout)
}

// NewInMemory returns a process-local backend, useful for development and tests.
func NewInMemory() *Backend {
	return &Backend{Store: store.NewInMemoryStore(), Bus: syncbus.NewInMemoryBus()}
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// OpTimeout bounds every store call. Zero keeps the store default.
	OpTimeout time.Duration
}

// NewRedis uses Redis as both the lock store and the event bus.
func NewRedis(opts RedisOptions) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("keylock: redis %s: %w", opts.Addr, err)
	}

	bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
	return &Backend{
		Store:   store.NewRedisStore(client, store.WithTimeout(opts.OpTimeout)),
		Bus:     bus,
		closers: []func() error{client.Close, bus.Close},
	}, nil
}

// NATSOptions configures the connection to NATS.
type NATSOptions struct {
	URL string
	// Bucket is the JetStream key-value bucket holding the locks.
	Bucket    string
	OpTimeout time.Duration
}

// NewNATS uses a JetStream key-value bucket as the store and core NATS
// subjects as the bus.
func NewNATS(opts NATSOptions) (*Backend, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("keylock"), nats.Timeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("keylock: nats %s: %w", url, err)
	}
	s, err := store.NewNATSStore(conn, opts.Bucket, store.WithTimeout(opts.OpTimeout))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("keylock: nats bucket: %w", err)
	}
	return &Backend{
		Store: s,
		Bus:   syncbus.NewNATSBus(conn),
		closers: []func() error{func() error {
			return conn.Drain()
		}},
	}, nil
}

// SQLiteOptions configures a SQLite lock table.
type SQLiteOptions struct {
	// Path is the database file, or any DSN accepted by the sqlite driver.
	Path      string
	Table     string
	OpTimeout time.Duration
}

// NewSQLite stores locks in a SQLite table through GORM. SQLite has no
// pub/sub, so events stay in process unless UseKafka is called.
func NewSQLite(opts SQLiteOptions) (*Backend, error) {
	path := opts.Path
	if path == "" {
		path = "keylock.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("keylock: sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	gopts := []store.GormOption{store.WithGormStoreOptions(store.WithTimeout(opts.OpTimeout))}
	if opts.Table != "" {
		gopts = append(gopts, store.WithGormTableName(opts.Table))
	}
	s, err := store.NewGormStore(db, gopts...)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Backend{
		Store:   s,
		Bus:     syncbus.NewInMemoryBus(),
		closers: []func() error{sqlDB.Close},
	}, nil
}
