package jobs

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsGuardTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redlock_jobs_guard_total",
			Help: "Total number of overlap guard decisions by job, phase and result",
		},
		[]string{"job", "phase", "result"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redlock_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		},
		[]string{"job", "status"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redlock_jobs_inflight",
			Help: "Current number of in-flight jobs being processed by workers",
		},
		[]string{"queue"},
	)
)

const (
	phaseQueue  = "queue"
	phaseHandle = "handle"
)

func recordGuard(job, phase, result string) {
	jobsGuardTotal.WithLabelValues(
		normalizeMetricLabel(job, "unknown"),
		normalizeMetricLabel(phase, "unknown"),
		normalizeMetricLabel(result, "unknown"),
	).Inc()
}

func recordJobProcessed(job, status string) {
	jobsProcessedTotal.WithLabelValues(
		normalizeMetricLabel(job, "unknown"),
		normalizeMetricLabel(status, "unknown"),
	).Inc()
}

func incrementJobInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func decrementJobInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Dec()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
