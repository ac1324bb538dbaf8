package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/presets"
)

// config is the resolved CLI configuration: flags first, then KEYLOCK_*
// environment variables, then defaults.
type config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	NATSBucket    string
	SQLitePath    string
	KafkaBrokers  []string
	KafkaTopic    string

	RetryCount       int
	RetryInterval    time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	OpTimeout        time.Duration

	LogLevel    slog.Level
	MetricsAddr string
	Trace       bool
}

func defineFlags(fs *pflag.FlagSet) {
	fs.String("backend", "memory", "lock store backend (memory, redis, nats, sqlite)")
	fs.String("redis-addr", "localhost:6379", "redis address")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.String("nats-url", "nats://127.0.0.1:4222", "nats server url")
	fs.String("nats-bucket", "keylock", "jetstream key-value bucket holding the locks")
	fs.String("sqlite-path", "keylock.db", "sqlite database file")
	fs.StringSlice("kafka-brokers", nil, "publish lock events to these kafka brokers instead of the backend bus")
	fs.String("kafka-topic", "", "kafka topic for lock events")
	fs.Int("retry-count", lock.DefaultRetryCount, "attempts before giving up on a lock")
	fs.Duration("retry-interval", lock.DefaultRetryInterval, "pause between attempts")
	fs.Int("breaker-threshold", 0, "consecutive store errors that open the circuit breaker (0 disables it)")
	fs.Duration("breaker-timeout", 5*time.Second, "how long an open circuit breaker rejects calls")
	fs.Duration("op-timeout", 0, "timeout of a single store call (0 keeps the 5s default)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Bool("trace", false, "print trace spans to stderr")
}

// initEnv loads .env files and makes viper read KEYLOCK_* variables.
func initEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("keylock")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Backend:          strings.ToLower(v.GetString("backend")),
		RedisAddr:        v.GetString("redis-addr"),
		RedisPassword:    v.GetString("redis-password"),
		RedisDB:          v.GetInt("redis-db"),
		NATSURL:          v.GetString("nats-url"),
		NATSBucket:       v.GetString("nats-bucket"),
		SQLitePath:       v.GetString("sqlite-path"),
		KafkaBrokers:     splitList(v.GetStringSlice("kafka-brokers")),
		KafkaTopic:       v.GetString("kafka-topic"),
		RetryCount:       v.GetInt("retry-count"),
		RetryInterval:    v.GetDuration("retry-interval"),
		BreakerThreshold: v.GetInt("breaker-threshold"),
		BreakerTimeout:   v.GetDuration("breaker-timeout"),
		OpTimeout:        v.GetDuration("op-timeout"),
		MetricsAddr:      v.GetString("metrics-addr"),
		Trace:            v.GetBool("trace"),
	}

	switch cfg.Backend {
	case "memory", "redis", "nats", "sqlite":
	default:
		return cfg, fmt.Errorf("invalid backend %q", cfg.Backend)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return cfg, fmt.Errorf("invalid log level %q", v.GetString("log-level"))
	}
	if cfg.RetryCount < 0 {
		return cfg, fmt.Errorf("retry-count must not be negative")
	}
	if cfg.OpTimeout < 0 {
		return cfg, fmt.Errorf("op-timeout must not be negative")
	}
	return cfg, nil
}

// splitList accepts both repeated values and a comma separated string, the
// latter being what an environment variable provides.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c config) openBackend() (*presets.Backend, error) {
	var (
		b   *presets.Backend
		err error
	)
	switch c.Backend {
	case "redis":
		b, err = presets.NewRedis(presets.RedisOptions{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB, OpTimeout: c.OpTimeout})
	case "nats":
		b, err = presets.NewNATS(presets.NATSOptions{URL: c.NATSURL, Bucket: c.NATSBucket, OpTimeout: c.OpTimeout})
	case "sqlite":
		b, err = presets.NewSQLite(presets.SQLiteOptions{Path: c.SQLitePath, OpTimeout: c.OpTimeout})
	default:
		b = presets.NewInMemory()
	}
	if err != nil {
		return nil, err
	}
	if len(c.KafkaBrokers) > 0 {
		if err := b.UseKafka(c.KafkaBrokers, c.KafkaTopic); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	b.WithCircuitBreaker(c.BreakerThreshold, c.BreakerTimeout)
	return b, nil
}

func (c config) lockOptions(b *presets.Backend, logger *slog.Logger) []lock.Option {
	return []lock.Option{
		lock.WithRetryCount(c.RetryCount),
		lock.WithRetryInterval(c.RetryInterval),
		lock.WithBus(b.Bus),
		lock.WithLogger(logger),
	}
}
