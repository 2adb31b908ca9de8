package obs

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Client-side HTTP metrics.
var (
	apiInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_api_in_flight_requests",
		Help: "In-flight API requests issued by the console client.",
	})

	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_api_requests_total",
			Help: "Total number of API requests issued by the console client.",
		},
		[]string{"method", "path", "status"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_api_request_duration_seconds",
			Help:    "API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_token_refresh_total",
			Help: "Access-token refresh exchanges by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(apiInFlight, apiRequestsTotal, apiRequestDuration, tokenRefreshTotal)
}

// RequestStarted marks a request in flight and returns a done func that
// records duration and status once the response (or failure) is known.
func RequestStarted(method, path string) func(status int) {
	apiInFlight.Inc()
	start := time.Now()
	canonical := CanonicalPath(path)
	return func(status int) {
		duration := time.Since(start).Seconds()
		label := statusLabel(status)
		apiRequestDuration.WithLabelValues(method, canonical, label).Observe(duration)
		apiRequestsTotal.WithLabelValues(method, canonical, label).Inc()
		apiInFlight.Dec()
	}
}

// ObserveRefresh counts a refresh exchange outcome ("success", "rejected",
// "network", "no_refresh_token").
func ObserveRefresh(outcome string) {
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// CanonicalPath collapses per-request path segments so metric cardinality
// stays bounded. Upload links and user ids carry opaque tokens.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	trailing := strings.HasSuffix(path, "/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := range segments {
		if i > 0 && segments[i-1] == "upload" {
			segments[i] = ":token"
		}
		if i > 0 && segments[i-1] == "verify-email" {
			segments[i] = ":token"
		}
	}
	out := "/" + strings.Join(segments, "/")
	if trailing && out != "/" {
		out += "/"
	}
	return out
}
