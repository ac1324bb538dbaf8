package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireAttempts counts every set-if-absent round-trip made by Acquire.
	AcquireAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_acquire_attempts_total",
		Help: "Total number of set-if-absent attempts made while acquiring locks",
	})
	// Acquired counts successful acquisitions.
	Acquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_acquired_total",
		Help: "Total number of locks acquired",
	})
	// AcquireFailures counts acquisitions that exhausted their retries.
	AcquireFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_acquire_failures_total",
		Help: "Total number of acquisitions that ran out of retries",
	})
	// Released counts releases that removed the store entry.
	Released = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_released_total",
		Help: "Total number of locks released",
	})
	// UnlockFailures counts releases that found the key already gone.
	UnlockFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_unlock_failures_total",
		Help: "Total number of releases whose key had vanished",
	})
	// HeldGauge reports the number of locks this process believes it holds.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keylock_held",
		Help: "Current number of locks held by this process",
	})
	// AcquireWait observes the time spent inside successful acquisitions.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keylock_acquire_wait_seconds",
		Help:    "Time spent acquiring locks, retries included",
		Buckets: prometheus.DefBuckets,
	})
	// DriftCounter counts held locks whose key was found missing by the auditor.
	DriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_drift_total",
		Help: "Total number of held locks found missing from the store",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the keylock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireAttempts,
		Acquired,
		AcquireFailures,
		Released,
		UnlockFailures,
		HeldGauge,
		AcquireWait,
		DriftCounter,
	)
}
