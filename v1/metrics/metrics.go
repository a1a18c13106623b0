package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_lock_acquired_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockContendedCounter tracks acquisition attempts that found the lock held.
	LockContendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_lock_contended_total",
		Help: "Total number of lock attempts rejected because the lock was held",
	})
	// LockReleaseIgnoredCounter tracks releases of locks no longer owned.
	LockReleaseIgnoredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_lock_release_ignored_total",
		Help: "Total number of lock releases ignored because ownership had lapsed",
	})
	// AppendCounter tracks stream appends.
	AppendCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_stream_append_total",
		Help: "Total number of entries appended to streams",
	})
	// DeliveredCounter tracks entries delivered to consumers as new.
	DeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_stream_delivered_total",
		Help: "Total number of entries delivered to group consumers",
	})
	// AckCounter tracks acknowledged entries.
	AckCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_stream_acked_total",
		Help: "Total number of entries acknowledged",
	})
	// ReclaimedCounter tracks entries transferred away from stalled consumers.
	ReclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_stream_reclaimed_total",
		Help: "Total number of stale pending entries reclaimed",
	})
	// RetryAttemptCounter tracks individual retries of store operations.
	RetryAttemptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_retry_attempts_total",
		Help: "Total number of retried store operations",
	})
	// RetryExhaustedCounter tracks operations that failed after all retries.
	RetryExhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_retry_exhausted_total",
		Help: "Total number of operations that exhausted their retry budget",
	})
	// StoreHealthyGauge reports the last observed store connectivity state.
	StoreHealthyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_store_healthy",
		Help: "Whether the last store health probe succeeded (1) or failed (0)",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers tandem core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquiredCounter,
		LockContendedCounter,
		LockReleaseIgnoredCounter,
		AppendCounter,
		DeliveredCounter,
		AckCounter,
		ReclaimedCounter,
		RetryAttemptCounter,
		RetryExhaustedCounter,
		StoreHealthyGauge,
	)
}
