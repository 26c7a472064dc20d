// Package metrics exposes Prometheus instrumentation for a reverseit
// mount: request counts/latency, bytes transferred, and WebSocket tunnel
// activity.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var numericSegment = regexp.MustCompile(`\d+`)

// Registry holds one mount's Prometheus collectors. Unlike a
// package-global set of vars, a Registry is constructed per-proxy so that
// multiple mounts in one process can each register into their own
// prometheus.Registerer without colliding on metric names.
type Registry struct {
	gatherer          prometheus.Gatherer
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	activeTunnels     prometheus.Gauge
	tunnelFramesTotal *prometheus.CounterVec
}

// NewRegistry builds a Registry and registers its collectors with reg. If
// reg is nil, prometheus.DefaultRegisterer is used. reg is also retained
// as the Gatherer Handler serves from, so a mount given its own
// prometheus.NewRegistry() actually exposes that registry's metrics
// rather than always falling back to the process-wide default.
func NewRegistry(namespace string, reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	r := &Registry{
		gatherer: gatherer,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests proxied, partitioned by method, normalized path, and status code.",
		}, []string{"method", "normalized_path", "status_code"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of proxied HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "normalized_path", "status_code"}),

		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_transferred_bytes_total",
			Help:      "Total bytes transferred, partitioned by direction (inbound or outbound).",
		}, []string{"direction"}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of in-flight HTTP requests currently being proxied.",
		}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_tunnels",
			Help:      "Number of WebSocket tunnels currently open.",
		}),

		tunnelFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_tunnel_frames_total",
			Help:      "Total WebSocket frames brokered, partitioned by direction and frame type.",
		}, []string{"direction", "frame_type"}),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.bytesTransferred,
		r.activeConnections,
		r.activeTunnels,
		r.tunnelFramesTotal,
	)

	return r
}

// NormalizePath replaces every run of digits in path with ":id" so that
// metrics don't explode into one series per distinct resource id. Digits
// inside a non-numeric segment are replaced too ("/v2" becomes "/v:id").
func NormalizePath(path string) string {
	return numericSegment.ReplaceAllString(path, ":id")
}

// RecordRequest records one completed HTTP proxy request.
func (r *Registry) RecordRequest(method, path string, statusCode int, durationSeconds float64) {
	labels := []string{method, NormalizePath(path), strconv.Itoa(statusCode)}
	r.requestsTotal.WithLabelValues(labels...).Inc()
	r.requestDuration.WithLabelValues(labels...).Observe(durationSeconds)
}

// RecordBytes records bytes transferred in the given direction ("inbound"
// or "outbound").
func (r *Registry) RecordBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	r.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// ConnectionOpened/ConnectionClosed track in-flight HTTP proxy requests.
func (r *Registry) ConnectionOpened() { r.activeConnections.Inc() }
func (r *Registry) ConnectionClosed() { r.activeConnections.Dec() }

// TunnelOpened/TunnelClosed track open WebSocket tunnels.
func (r *Registry) TunnelOpened() { r.activeTunnels.Inc() }
func (r *Registry) TunnelClosed() { r.activeTunnels.Dec() }

// RecordTunnelFrame records one WebSocket frame crossing the tunnel.
func (r *Registry) RecordTunnelFrame(direction, frameType string) {
	r.tunnelFramesTotal.WithLabelValues(direction, frameType).Inc()
}

// Handler returns an http.Handler serving this Registry's own metrics in
// the Prometheus exposition format, suitable for a host to mount at e.g.
// "/metrics".
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
