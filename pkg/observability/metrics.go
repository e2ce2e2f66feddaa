package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization gateway metrics
	AuthDecisionsTotal *prometheus.CounterVec
	TokenRenewalsTotal *prometheus.CounterVec

	// Directory metrics
	DirectoryReadsTotal  *prometheus.CounterVec
	DirectoryCacheHits   prometheus.Counter
	DirectoryCacheMisses prometheus.Counter

	// Relay metrics
	RelayConnectionsActive prometheus.Gauge
	RelayConnectionsTotal  *prometheus.CounterVec
	RelayMessagesForwarded prometheus.Counter
	RelayBroadcastsTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdeck_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsdeck_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdeck_auth_decisions_total",
				Help: "Authorization gateway decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		TokenRenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdeck_token_renewals_total",
				Help: "Transparent session token renewals by status",
			},
			[]string{"status"},
		),
		DirectoryReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdeck_directory_reads_total",
				Help: "Unit directory list operations by backend and status",
			},
			[]string{"backend", "status"},
		),
		DirectoryCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsdeck_directory_cache_hits_total",
				Help: "Unit directory cache hits",
			},
		),
		DirectoryCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsdeck_directory_cache_misses_total",
				Help: "Unit directory cache misses",
			},
		),
		RelayConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "opsdeck_relay_connections_active",
				Help: "Currently connected log relay browser sockets",
			},
		),
		RelayConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdeck_relay_connections_total",
				Help: "Log relay connection attempts by result",
			},
			[]string{"result"},
		),
		RelayMessagesForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsdeck_relay_messages_forwarded_total",
				Help: "Upstream log messages forwarded to browser sockets",
			},
		),
		RelayBroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsdeck_relay_broadcasts_total",
				Help: "Operator side-channel messages broadcast between browser sockets",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthDecisionsTotal,
		m.TokenRenewalsTotal,
		m.DirectoryReadsTotal,
		m.DirectoryCacheHits,
		m.DirectoryCacheMisses,
		m.RelayConnectionsActive,
		m.RelayConnectionsTotal,
		m.RelayMessagesForwarded,
		m.RelayBroadcastsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry in Prometheus format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
