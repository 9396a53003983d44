package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	managementRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distlock_management_request_duration_seconds",
			Help:    "Management HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method", "code"},
	)

	managementRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlock_management_requests_total",
			Help: "Total number of management HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)

	managementRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distlock_management_requests_in_flight",
			Help: "Current number of management HTTP requests being processed",
		},
	)
)

// InstrumentHandler records request count, duration and in-flight requests for next
// under the given handler label.
func InstrumentHandler(handler string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handler}
	return promhttp.InstrumentHandlerInFlight(managementRequestsInFlight,
		promhttp.InstrumentHandlerDuration(managementRequestDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(managementRequestsTotal.MustCurryWith(labels), next),
		),
	)
}
