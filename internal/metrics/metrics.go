// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Outcome label values for proxied requests. Error pages use their status code.
const (
	OutcomeRelayed     = "relayed"
	OutcomeRelayFailed = "relay_failed"
	OutcomeClientGone  = "client_gone"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec

	OriginDialDuration prometheus.Histogram
	OriginDialErrors   prometheus.Counter
	RelayedBytes       prometheus.Counter

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webproxy_connections_accepted_total",
			Help: "Total client connections accepted.",
		}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webproxy_connections_active",
			Help: "Number of client connections currently being served.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_requests_total",
			Help: "Total proxied requests by method and outcome.",
		}, []string{"method", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webproxy_request_duration_seconds",
			Help:    "Time from request line to connection close in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "outcome"}),

		OriginDialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webproxy_origin_dial_duration_seconds",
			Help:    "Origin connect latency in seconds.",
			Buckets: defaultBuckets,
		}),

		OriginDialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webproxy_origin_dial_errors_total",
			Help: "Total failed origin connection attempts.",
		}),

		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webproxy_relayed_bytes_total",
			Help: "Total response bytes relayed from origins to clients.",
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webproxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.RequestsTotal,
		m.RequestDuration,
		m.OriginDialDuration,
		m.OriginDialErrors,
		m.RelayedBytes,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Client-supplied methods are matched case-insensitively; anything else is "other".
func NormalizeMethod(method string) string {
	upper := strings.ToUpper(method)
	if knownMethods[upper] {
		return upper
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for admin metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
