package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway collectors.
	Registry = prometheus.NewRegistry()

	transportAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venuegate",
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Outbound call attempts by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	overviews = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venuegate",
			Subsystem: "overview",
			Name:      "served_total",
			Help:      "Overviews served by venue and source; source is empty on total failure.",
		},
		[]string{"venue", "source", "failed"},
	)

	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venuegate",
			Subsystem: "overview",
			Name:      "fallbacks_total",
			Help:      "Primary backend misses that fell through to a direct venue.",
		},
		[]string{"venue", "reason"},
	)

	pairFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venuegate",
			Subsystem: "adapter",
			Name:      "pair_fallbacks_total",
			Help:      "Secondary pair attempts after an unknown pair rejection.",
		},
		[]string{"venue"},
	)

	overviewDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "venuegate",
			Subsystem: "overview",
			Name:      "duration_seconds",
			Help:      "Time to build an overview.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"venue"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venuegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "venuegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		transportAttempts,
		overviews,
		fallbacks,
		pairFallbacks,
		overviewDuration,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTransportAttempt counts one outbound attempt.
func RecordTransportAttempt(target, outcome string) {
	if target == "" {
		target = "unknown"
	}
	transportAttempts.WithLabelValues(target, outcome).Inc()
}

// RecordOverview counts a served overview and its build time.
func RecordOverview(venue, source string, failed bool, d time.Duration) {
	overviews.WithLabelValues(venue, source, strconv.FormatBool(failed)).Inc()
	overviewDuration.WithLabelValues(venue).Observe(d.Seconds())
}

// RecordFallback counts a primary miss.
func RecordFallback(venue, reason string) {
	fallbacks.WithLabelValues(venue, reason).Inc()
}

// RecordPairFallback counts a secondary pair attempt.
func RecordPairFallback(venue string) {
	pairFallbacks.WithLabelValues(venue).Inc()
}

// RecordHTTPRequest records one handled inbound request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
