package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

func newTestViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	defineFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	v := viper.New()
	initEnv(v)
	if err := v.BindPFlags(fs); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newTestViper(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != "memory" || cfg.RetryCount != 10 || cfg.RetryInterval != 200*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFlagsAndEnv(t *testing.T) {
	t.Setenv("KEYLOCK_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("KEYLOCK_RETRY_INTERVAL", "2s")
	t.Setenv("KEYLOCK_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KEYLOCK_BACKEND", "nats")
	t.Setenv("KEYLOCK_OP_TIMEOUT", "750ms")

	cfg, err := loadConfig(newTestViper(t, "--backend=redis", "--retry-count=3", "--log-level=debug"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != "redis" {
		t.Fatalf("flag must win over env, got %q", cfg.Backend)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Fatalf("expected redis addr from env, got %q", cfg.RedisAddr)
	}
	if cfg.RetryCount != 3 || cfg.RetryInterval != 2*time.Second {
		t.Fatalf("unexpected retry policy %d %v", cfg.RetryCount, cfg.RetryInterval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OpTimeout != 750*time.Millisecond {
		t.Fatalf("expected op timeout from env, got %v", cfg.OpTimeout)
	}
	if cfg.LogLevel.String() != "DEBUG" {
		t.Fatalf("unexpected log level %v", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	if _, err := loadConfig(newTestViper(t, "--backend=etcd")); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if _, err := loadConfig(newTestViper(t, "--log-level=loud")); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
	if _, err := loadConfig(newTestViper(t, "--retry-count=-1")); err == nil {
		t.Fatalf("expected error for negative retry count")
	}
	if _, err := loadConfig(newTestViper(t, "--op-timeout=-1s")); err == nil {
		t.Fatalf("expected error for negative op timeout")
	}
}

func TestVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := execute(context.Background(), []string{"version"}, &out, &errOut); code != 0 {
		t.Fatalf("version exited %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), Version) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunKeepsExitCode(t *testing.T) {
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{"run", "job", "--", "sh", "-c", "echo inside; exit 3"}, &out, &errOut)
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d (%s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "inside") {
		t.Fatalf("command output missing: %q", out.String())
	}
}

func TestRunOnRedisContended(t *testing.T) {
	mr := miniredis.RunT(t)
	if err := mr.Set("job", "someone-else"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{
		"--backend=redis", "--redis-addr=" + mr.Addr(),
		"--retry-count=2", "--retry-interval=1ms",
		"run", "job", "--", "sh", "-c", "echo should-not-run",
	}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if strings.Contains(out.String(), "should-not-run") {
		t.Fatalf("command ran without the lock")
	}
	if !strings.Contains(errOut.String(), "unable to acquire lock for key: job") {
		t.Fatalf("unexpected error output %q", errOut.String())
	}
	if v, _ := mr.Get("job"); v != "someone-else" {
		t.Fatalf("foreign lock must be untouched, got %q", v)
	}
}

func TestRunOnSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{
		"--backend=sqlite", "--sqlite-path=" + path,
		"run", "job", "--", "true",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected success, got %d (%s)", code, errOut.String())
	}
}

func TestHold(t *testing.T) {
	mr := miniredis.RunT(t)
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{
		"--backend", "redis", "--redis-addr", mr.Addr(),
		"hold", "maintenance", "--for", "20ms", "--audit", "5ms",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("hold exited %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "acquired maintenance") || !strings.Contains(out.String(), "released maintenance") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if mr.Exists("maintenance") {
		t.Fatalf("expected key released")
	}
}

func TestWatchPrintsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	done := make(chan int)
	go func() {
		done <- execute(ctx, []string{"--backend=redis", "--redis-addr=" + mr.Addr(), "watch", "deploy"}, &out, &errOut)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), `"kind":"released"`) {
		var hOut, hErr bytes.Buffer
		execute(context.Background(), []string{
			"--backend=redis", "--redis-addr=" + mr.Addr(),
			"hold", "deploy", "--for", "1ms",
		}, &hOut, &hErr)
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if code := <-done; code != 0 {
		t.Fatalf("watch exited %d: %s", code, errOut.String())
	}

	var ev syncbus.Event
	line := strings.SplitN(strings.TrimSpace(out.String()), "\n", 2)[0]
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Key != "deploy" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestWatchListenServesEvents(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	done := make(chan int)
	go func() {
		done <- execute(ctx, []string{"watch", "--listen", addr}, &out, &errOut)
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 100; i++ {
		resp, err = http.Get("http://" + addr + "/events")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("watch exited %d: %s", code, errOut.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchNeedsKeyOrListen(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := execute(context.Background(), []string{"watch"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
