// Package metrics holds the Prometheus collectors for session storage and
// the expiry sweeper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StoreErrors counts failed session store calls, labeled by op:
	// "find", "commit", "delete".
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brochure_session_store_errors_total",
		Help: "Session store operations that failed and degraded to no session",
	}, []string{"op"})

	// MalformedPayloads counts stored payloads that could not be decoded.
	MalformedPayloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brochure_session_malformed_payloads_total",
		Help: "Stored session payloads that failed to decode",
	})

	// SweptSessions counts expired rows removed by the sweeper.
	SweptSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brochure_sessions_swept_total",
		Help: "Expired session rows deleted by the sweeper",
	})

	// SweepFailures counts sweeps that returned an error.
	SweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brochure_session_sweep_failures_total",
		Help: "Sweeps that failed and will be retried on the next tick",
	})

	// LiveSessions is the number of unexpired session rows, refreshed after
	// every successful sweep.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brochure_sessions_live",
		Help: "Unexpired session rows as of the last sweep",
	})

	// SweepDuration records how long each sweep took.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "brochure_session_sweep_duration_seconds",
		Help:    "Duration of expired session sweeps",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30},
	})
)

func init() {
	prometheus.MustRegister(
		StoreErrors,
		MalformedPayloads,
		SweptSessions,
		SweepFailures,
		LiveSessions,
		SweepDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
