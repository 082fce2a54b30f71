// Package metrics exposes Prometheus instrumentation for the presence hub.
//
// All recording methods are safe to call on a nil *Registry, so components
// can be constructed without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the hub reports.
type Registry struct {
	registry *prometheus.Registry

	// Presence
	PresenceOpsTotal  *prometheus.CounterVec
	NodesOfflineTotal *prometheus.CounterVec
	LiveConnections   prometheus.Gauge
	ConnectedHosts    prometheus.Gauge

	// Liveness
	SweepsTotal        *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
	SweepActionsTotal  *prometheus.CounterVec
	LastSweepTimestamp prometheus.Gauge

	// Delivery
	PublishFailuresTotal *prometheus.CounterVec
	BusDropsTotal        *prometheus.CounterVec

	// Hub
	HubSessions   prometheus.Gauge
	RPCCallsTotal *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with all hub collectors plus the Go and
// process collectors.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.initPresenceMetrics()
	r.initLivenessMetrics()
	r.initHubMetrics()
	return r
}

func (r *Registry) initPresenceMetrics() {
	r.PresenceOpsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_presence_operations_total",
			Help: "Presence operations by operation and outcome",
		},
		[]string{"op", "status"}, // ok, error, ignored
	)

	r.NodesOfflineTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_nodes_offline_total",
			Help: "Node online-to-offline transitions by reason",
		},
		[]string{"reason"},
	)

	r.LiveConnections = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "echohub_live_connections",
			Help: "Connections currently claiming a node host",
		},
	)

	r.ConnectedHosts = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "echohub_connected_hosts",
			Help: "Hosts with at least one live connection",
		},
	)

	r.PublishFailuresTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_publish_failures_total",
			Help: "Events or pings that could not be handed to the transport",
		},
		[]string{"kind"},
	)

	r.BusDropsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_bus_dropped_total",
			Help: "Messages skipped because a subscriber's buffer was full",
		},
		[]string{"kind"}, // broadcast, ping, other
	)
}

func (r *Registry) initLivenessMetrics() {
	r.SweepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_liveness_sweeps_total",
			Help: "Liveness sweeps by outcome",
		},
		[]string{"status"}, // ok, partial, error
	)

	r.SweepDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echohub_liveness_sweep_duration_seconds",
			Help:    "Duration of liveness sweeps in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
	)

	r.SweepActionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_liveness_actions_total",
			Help: "Per-node sweep actions",
		},
		[]string{"action"}, // purged, pinged, demoted, failed
	)

	r.LastSweepTimestamp = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "echohub_liveness_last_sweep_timestamp_seconds",
			Help: "Unix time the last sweep finished",
		},
	)
}

func (r *Registry) initHubMetrics() {
	r.HubSessions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "echohub_hub_sessions",
			Help: "Open WebSocket sessions",
		},
	)

	r.RPCCallsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_hub_rpc_calls_total",
			Help: "JSON-RPC calls by method and outcome",
		},
		[]string{"method", "status"},
	)

	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echohub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer returns the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordPresenceOp records one presence operation outcome.
func (r *Registry) RecordPresenceOp(op, status string) {
	if r == nil {
		return
	}
	r.PresenceOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordNodeOffline records a node transitioning to offline.
func (r *Registry) RecordNodeOffline(reason string) {
	if r == nil {
		return
	}
	r.NodesOfflineTotal.WithLabelValues(reason).Inc()
}

// SetConnections updates the live connection gauges.
func (r *Registry) SetConnections(connections, hosts int) {
	if r == nil {
		return
	}
	r.LiveConnections.Set(float64(connections))
	r.ConnectedHosts.Set(float64(hosts))
}

// RecordPublishFailure records an event or ping the transport rejected.
func (r *Registry) RecordPublishFailure(kind string) {
	if r == nil {
		return
	}
	r.PublishFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordSweep records a completed sweep and its per-node actions.
func (r *Registry) RecordSweep(status string, duration time.Duration, purged, pinged, demoted, failed int) {
	if r == nil {
		return
	}
	r.SweepsTotal.WithLabelValues(status).Inc()
	r.SweepDuration.Observe(duration.Seconds())
	r.SweepActionsTotal.WithLabelValues("purged").Add(float64(purged))
	r.SweepActionsTotal.WithLabelValues("pinged").Add(float64(pinged))
	r.SweepActionsTotal.WithLabelValues("demoted").Add(float64(demoted))
	r.SweepActionsTotal.WithLabelValues("failed").Add(float64(failed))
	r.LastSweepTimestamp.SetToCurrentTime()
}

// RecordBusDrop records a message a slow subscriber missed.
func (r *Registry) RecordBusDrop(kind string) {
	if r == nil {
		return
	}
	r.BusDropsTotal.WithLabelValues(kind).Inc()
}

// SessionOpened increments the open session gauge.
func (r *Registry) SessionOpened() {
	if r == nil {
		return
	}
	r.HubSessions.Inc()
}

// SessionClosed decrements the open session gauge.
func (r *Registry) SessionClosed() {
	if r == nil {
		return
	}
	r.HubSessions.Dec()
}

// RecordRPC records one JSON-RPC call.
func (r *Registry) RecordRPC(method, status string) {
	if r == nil {
		return
	}
	r.RPCCallsTotal.WithLabelValues(method, status).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration.
func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
