// Package auditor periodically checks that the locks a process believes it
// holds are still present in the store.
package auditor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/store"
)

// Mode defines auditor behaviour.
type Mode int

const (
	// ModeNoop only counts drift.
	ModeNoop Mode = iota
	// ModeAlert counts drift and logs a warning per drifted key.
	ModeAlert
)

// Source lists the locks to audit. *registry.Registry satisfies it.
type Source interface {
	Locks() []*lock.Lock
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger used in ModeAlert.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Auditor compares the held locks of a Source with the store. It never
// changes a lock's state: drift surfaces on the next release.
type Auditor struct {
	src      Source
	checker  store.Checker
	mode     Mode
	interval time.Duration
	logger   *slog.Logger
	drifts   atomic.Uint64
}

// New creates a new Auditor.
func New(src Source, c store.Checker, mode Mode, interval time.Duration, opts ...Option) *Auditor {
	a := &Auditor{src: src, checker: c, mode: mode, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run scans every interval until ctx is done. Without a checker or with a
// non-positive interval there is nothing to audit and it returns at once.
func (a *Auditor) Run(ctx context.Context) {
	if a.checker == nil || a.interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Scan(ctx)
		}
	}
}

// Scan runs a single pass and returns the keys found drifted.
func (a *Auditor) Scan(ctx context.Context) []string {
	var drifted []string
	for _, l := range a.src.Locks() {
		if !l.IsLocked() {
			continue
		}
		found, err := a.checker.Exists(ctx, l.Key())
		if err != nil {
			a.logger.Debug("keylock: audit lookup failed", "key", l.Key(), "error", err)
			continue
		}
		// released while we were looking
		if found || !l.IsLocked() {
			continue
		}
		drifted = append(drifted, l.Key())
		a.drifts.Add(1)
		metrics.DriftCounter.Inc()
		if a.mode == ModeAlert {
			a.logger.Warn("keylock: held lock missing from store", "key", l.Key())
		}
	}
	return drifted
}

// Metrics returns the number of drifted locks detected so far.
func (a *Auditor) Metrics() uint64 {
	return a.drifts.Load()
}
