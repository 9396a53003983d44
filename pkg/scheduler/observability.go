package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_scheduler_runs_total",
			Help: "Total number of scheduled task runs",
		},
		[]string{"task", "status"},
	)

	schedulerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distlock_scheduler_run_duration_seconds",
			Help:    "Duration of scheduled task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	schedulerRunsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distlock_scheduler_runs_inflight",
			Help: "Current number of in-flight scheduled task runs",
		},
		[]string{"task"},
	)

	schedulerLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distlock_scheduler_leader",
			Help: "1 while this instance leads the task, 0 otherwise",
		},
		[]string{"task"},
	)

	schedulerMisfiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_scheduler_misfires_total",
			Help: "Total number of schedule slots missed because a run overran",
		},
		[]string{"task"},
	)
)

func recordSchedulerRun(taskName, status string, elapsed time.Duration) {
	task := normalizeSchedulerLabel(taskName)
	schedulerRunsTotal.WithLabelValues(task, normalizeSchedulerLabel(status)).Inc()
	schedulerRunDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

func incrementSchedulerRunsInFlight(taskName string) {
	schedulerRunsInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Inc()
}

func decrementSchedulerRunsInFlight(taskName string) {
	schedulerRunsInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Dec()
}

func setSchedulerLeader(taskName string, leading bool) {
	value := 0.0
	if leading {
		value = 1
	}
	schedulerLeader.WithLabelValues(normalizeSchedulerLabel(taskName)).Set(value)
}

func recordSchedulerMisfire(taskName string) {
	schedulerMisfiresTotal.WithLabelValues(normalizeSchedulerLabel(taskName)).Inc()
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
