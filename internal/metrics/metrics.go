// Package metrics exposes a Server's connection and traffic events as
// Prometheus metrics. Construct a Collector only when metrics are
// enabled in configuration; a nil *Collector is safe to call every
// method on and becomes a pure no-op, so callers never need to branch
// on whether metrics are turned on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tunnel"
)

// Collector implements tunnel.MetricsRecorder backed by Prometheus
// instruments registered against a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	handshakeFailures prometheus.Counter
	bytesForwarded    prometheus.Counter
	requestsByKind    *prometheus.CounterVec
}

// NewCollector builds a Collector registered against a fresh registry.
// Use Registry to obtain the registry for exposition via an HTTP
// handler.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		connectionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tunnel_connections_opened_total",
			Help: "Total number of tunnel connections accepted.",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tunnel_connections_closed_total",
			Help: "Total number of tunnel connections closed.",
		}),
		handshakeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tunnel_handshake_failures_total",
			Help: "Total number of handshakes that failed authentication or I/O.",
		}),
		bytesForwarded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tunnel_bytes_forwarded_total",
			Help: "Total number of bytes forwarded to upstream destinations.",
		}),
		requestsByKind: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_requests_total",
			Help: "Total number of classified requests, labeled by kind.",
		}, []string{"kind"}),
	}
	return c
}

// Registry returns the Prometheus registry the collector's metrics are
// registered against.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsOpened.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsClosed.Inc()
}

func (c *Collector) HandshakeFailed() {
	if c == nil {
		return
	}
	c.handshakeFailures.Inc()
}

func (c *Collector) BytesForwarded(n int) {
	if c == nil {
		return
	}
	c.bytesForwarded.Add(float64(n))
}

func (c *Collector) RequestClassified(kind tunnel.RequestKind) {
	if c == nil {
		return
	}
	c.requestsByKind.WithLabelValues(kindLabel(kind)).Inc()
}

func kindLabel(kind tunnel.RequestKind) string {
	switch kind {
	case tunnel.KindKeepalive:
		return "keepalive"
	case tunnel.KindStatsRequest:
		return "stats_request"
	case tunnel.KindForward:
		return "forward"
	case tunnel.KindConnect:
		return "connect"
	default:
		return "opaque"
	}
}
