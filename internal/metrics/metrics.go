// Package metrics implements the metrics sink collaborator contract from
// spec.md section 6, grounded on cloudflared's h2mux/origin-tunnel
// packages (the closest architectural relative to this spec's mux), which
// report the same class of relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the set of counters and gauges the core emits to. A nil *Sink is
// valid and every method becomes a no-op, so callers that don't configure
// a debug listener pay nothing.
type Sink struct {
	TunnelsActive       prometheus.Gauge
	StreamsOpen         prometheus.Gauge
	BytesRelayedRx      prometheus.Counter
	BytesRelayedTx      prometheus.Counter
	HandshakeRejections *prometheus.CounterVec
	RegistrySize        prometheus.Gauge

	registry *prometheus.Registry
}

// New constructs a Sink registered against a fresh prometheus.Registry.
func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siphon", Name: "tunnels_active", Help: "Number of currently active tunnels.",
		}),
		StreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siphon", Name: "streams_open", Help: "Number of currently open logical streams across all tunnels.",
		}),
		BytesRelayedRx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siphon", Name: "bytes_relayed_rx_total", Help: "Bytes relayed from the public side into tunnels.",
		}),
		BytesRelayedTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siphon", Name: "bytes_relayed_tx_total", Help: "Bytes relayed from tunnels out to the public side.",
		}),
		HandshakeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siphon", Name: "handshake_rejections_total", Help: "Handshake rejections by reason code.",
		}, []string{"reason"}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "siphon", Name: "registry_size", Help: "Number of entries currently held in the tunnel registry.",
		}),
		registry: reg,
	}
	reg.MustRegister(s.TunnelsActive, s.StreamsOpen, s.BytesRelayedRx, s.BytesRelayedTx, s.HandshakeRejections, s.RegistrySize)
	return s
}

// Handler returns an http.Handler serving this sink's metrics in the
// Prometheus exposition format, suitable for mounting on a debug listener.
func (s *Sink) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// TunnelOpened records a tunnel becoming active.
func (s *Sink) TunnelOpened() {
	if s == nil {
		return
	}
	s.TunnelsActive.Inc()
}

// TunnelClosed records a tunnel leaving the active state.
func (s *Sink) TunnelClosed() {
	if s == nil {
		return
	}
	s.TunnelsActive.Dec()
}

// StreamOpened records a new logical stream.
func (s *Sink) StreamOpened() {
	if s == nil {
		return
	}
	s.StreamsOpen.Inc()
}

// StreamClosed records a logical stream reaching the closed state.
func (s *Sink) StreamClosed() {
	if s == nil {
		return
	}
	s.StreamsOpen.Dec()
}

// RelayedRx records n bytes relayed from the public side into a tunnel.
func (s *Sink) RelayedRx(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.BytesRelayedRx.Add(float64(n))
}

// RelayedTx records n bytes relayed from a tunnel out to the public side.
func (s *Sink) RelayedTx(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.BytesRelayedTx.Add(float64(n))
}

// HandshakeRejected records a rejected handshake by reason code.
func (s *Sink) HandshakeRejected(reason string) {
	if s == nil {
		return
	}
	s.HandshakeRejections.WithLabelValues(reason).Inc()
}

// SetRegistrySize records the current registry size.
func (s *Sink) SetRegistrySize(n int) {
	if s == nil {
		return
	}
	s.RegistrySize.Set(float64(n))
}
