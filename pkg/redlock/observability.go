package redlock

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redlock_lock_attempts_total",
			Help: "Total number of lock acquisitions by outcome",
		},
		[]string{"operation", "result"},
	)

	lockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redlock_lock_acquire_duration_seconds",
			Help:    "Wall time spent acquiring a lock, including retries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "result"},
	)

	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redlock_store_operations_total",
			Help: "Total number of calls issued to individual lock stores",
		},
		[]string{"store", "operation", "result"},
	)
)

func recordLockAttempt(operation, result string, elapsed time.Duration) {
	operation = normalizeMetricLabel(operation)
	result = normalizeMetricLabel(result)
	lockAttemptsTotal.WithLabelValues(operation, result).Inc()
	lockAcquireDuration.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

func recordStoreOperation(store, operation, result string) {
	storeOperationsTotal.WithLabelValues(
		normalizeMetricLabel(store),
		normalizeMetricLabel(operation),
		normalizeMetricLabel(result),
	).Inc()
}

func normalizeMetricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
