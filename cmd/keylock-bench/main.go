package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/presets"
)

var (
	concurrency = flag.Int("c", 16, "Concurrent lock holders")
	cycles      = flag.Int("n", 10000, "Total acquire/release cycles")
	contended   = flag.Bool("contended", false, "All workers lock the same key")
	target      = flag.String("target", "memory", "Targets: memory, redis, nats, sqlite or all")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL     = flag.String("nats-url", "nats://127.0.0.1:4222", "NATS url")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis", "nats", "sqlite"}
	}

	fmt.Printf("| %-8s | %-10s | %-12s | %-12s | %-8s |\n", "Backend", "Cycles/sec", "Avg Latency", "P99 Latency", "Failed")
	fmt.Println("|:---|:---|:---|:---|:---|")
	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func open(name string) (*presets.Backend, func(), error) {
	switch name {
	case "memory":
		return presets.NewInMemory(), func() {}, nil
	case "redis":
		b, err := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr})
		return b, func() {}, err
	case "nats":
		b, err := presets.NewNATS(presets.NATSOptions{URL: *natsURL, Bucket: "keylock-bench"})
		return b, func() {}, err
	case "sqlite":
		dir, err := os.MkdirTemp("", "keylock-bench")
		if err != nil {
			return nil, nil, err
		}
		b, err := presets.NewSQLite(presets.SQLiteOptions{Path: filepath.Join(dir, "bench.db")})
		return b, func() { _ = os.RemoveAll(dir) }, err
	default:
		return nil, nil, fmt.Errorf("unknown target %q", name)
	}
}

func runBenchmark(name string) {
	b, cleanup, err := open(name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		fmt.Printf("| %-8s | %-10s | %-12s | %-12s | %-8s |\n", name, "ERROR", "-", "-", "-")
		return
	}
	defer cleanup()
	defer b.Close()

	ctx := context.Background()
	perWorker := *cycles / *concurrency
	latencies := make([]int64, perWorker*(*concurrency))
	var ops, failed atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := fmt.Sprintf("bench:%d", idx)
			if *contended {
				key = "bench:shared"
			}
			l := lock.New(b.Store, key, lock.WithRetryCount(1000), lock.WithRetryInterval(time.Millisecond))
			offset := idx * perWorker
			for j := 0; j < perWorker; j++ {
				cycleStart := time.Now()
				if err := l.LockForUpdate(ctx, func(context.Context) error { return nil }); err != nil {
					failed.Add(1)
					continue
				}
				ops.Add(1)
				latencies[offset+j] = time.Since(cycleStart).Nanoseconds()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops.Load() == 0 {
		fmt.Printf("| %-8s | %-10s | %-12s | %-12s | %-8d |\n", name, "ERROR", "-", "-", failed.Load())
		return
	}

	throughput := float64(ops.Load()) / elapsed.Seconds()
	avg := time.Duration(elapsed.Nanoseconds() / ops.Load())

	valid := make([]int64, 0, ops.Load())
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	p99 := valid[min(int(float64(len(valid))*0.99), len(valid)-1)]

	fmt.Printf("| %-8s | %-10.0f | %-12s | %-12s | %-8d |\n", name, throughput, avg, time.Duration(p99), failed.Load())
}
