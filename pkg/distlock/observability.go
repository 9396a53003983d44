package distlock

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_acquire_total",
			Help: "Total number of lock acquisitions by result",
		},
		[]string{"result"},
	)

	acquireWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distlock_acquire_wait_seconds",
			Help:    "Time spent waiting for a lock to be acquired",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 15, 60, 300},
		},
	)

	claimAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_claim_attempts_total",
			Help: "Total number of lock row claim attempts by result",
		},
		[]string{"result"},
	)

	locksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distlock_locks_held",
			Help: "Current number of locks held by this process",
		},
	)

	releaseRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distlock_release_retries_total",
			Help: "Total number of failed lock row deletes that were retried",
		},
	)

	renewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_renew_total",
			Help: "Total number of service instance lease renewals by result",
		},
		[]string{"result"},
	)

	renewDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distlock_renew_duration_seconds",
			Help:    "Duration of service instance lease renewal queries",
			Buckets: prometheus.DefBuckets,
		},
	)

	cleanupPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distlock_cleanup_purged_total",
			Help: "Total number of expired service instances purged",
		},
	)

	terminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_terminations_total",
			Help: "Total number of fail-fast terminations by reason",
		},
		[]string{"reason"},
	)
)

func recordAcquire(result string, wait time.Duration) {
	acquireTotal.WithLabelValues(normalizeLabel(result)).Inc()
	if result == "acquired" {
		acquireWaitSeconds.Observe(wait.Seconds())
	}
}

func recordClaimAttempt(result string) {
	claimAttemptsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func recordRenew(result string, duration time.Duration) {
	renewTotal.WithLabelValues(normalizeLabel(result)).Inc()
	renewDurationSeconds.Observe(duration.Seconds())
}

func recordTermination(reason string) {
	terminationsTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
