package obs

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Client-side HTTP metrics. Labels carry method and terminal status only;
// paths are not labelled to keep cardinality bounded.
var (
	requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "finbridge_requests_in_flight",
		Help: "Outbound API requests currently in flight.",
	})

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finbridge_requests_total",
			Help: "Total outbound API requests by terminal status.",
		},
		[]string{"method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finbridge_request_duration_seconds",
			Help:    "Outbound API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	renewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finbridge_token_renewals_total",
			Help: "Token renewal attempts by outcome.",
		},
		[]string{"outcome"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finbridge_request_retries_total",
			Help: "Automatic request retries by reason (unauthorized, rate_limited).",
		},
		[]string{"reason"},
	)
)

var initOnce sync.Once

// Init registers engine metrics with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestsInFlight,
			requestsTotal,
			requestDuration,
			renewalsTotal,
			retriesTotal,
		)
	})
}

// RequestStarted marks an outbound request as in flight.
func RequestStarted() {
	requestsInFlight.Inc()
}

// RequestFinished records a completed outbound request. Status 0 means the
// request never produced an HTTP response.
func RequestFinished(method string, status int, started time.Time) {
	requestsInFlight.Dec()
	code := strconv.Itoa(status)
	requestsTotal.WithLabelValues(method, code).Inc()
	requestDuration.WithLabelValues(method, code).Observe(time.Since(started).Seconds())
}

// RenewalObserved records one renewal attempt ("success" or "failure").
func RenewalObserved(outcome string) {
	renewalsTotal.WithLabelValues(outcome).Inc()
}

// RetryObserved records one automatic retry by reason.
func RetryObserved(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}
