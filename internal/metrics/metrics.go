// Package metrics exposes the relay's Prometheus instrumentation. Metrics
// are package-level so every component can increment without threading a
// registry through; the health server mounts Handler on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of open connections on this instance",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	ConnectionsByRole = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_connections_by_role",
		Help: "Current connections by classified role",
	}, []string{"role"})

	// Message flow metrics
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "Broadcast events published to the shared channel",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_delivered_total",
		Help: "Broadcast pushes queued to local observer connections",
	})

	PushesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_pushes_dropped_total",
		Help: "Broadcast pushes dropped, by reason",
	}, []string{"reason"})

	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicates_suppressed_total",
		Help: "Broadcast events discarded by the duplicate suppression window",
	})

	ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_protocol_errors_total",
		Help: "Protocol errors reported to clients, by code",
	}, []string{"code"})

	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_frames_total",
		Help: "Inbound frames dropped by the per-connection rate limiter",
	})

	// Registry metrics
	RegistryConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registry_connected",
		Help: "Whether the shared registry connection is up (1) or down (0)",
	})

	RegistryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_registry_errors_total",
		Help: "Shared registry operations that exhausted their retries, by operation",
	}, []string{"op"})

	RegistryRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_registry_renewals_total",
		Help: "Observer record heartbeat renewals written to the registry",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		ConnectionsByRole,
		MessagesPublished,
		MessagesDelivered,
		PushesDropped,
		DuplicatesSuppressed,
		ProtocolErrors,
		RateLimitedFrames,
		RegistryConnected,
		RegistryErrors,
		RegistryRenewals,
	)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
