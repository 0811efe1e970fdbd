package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test_nil_sink_methods_are_no_ops(t *testing.T) {
	var s *Sink
	s.TunnelOpened()
	s.TunnelClosed()
	s.StreamOpened()
	s.StreamClosed()
	s.RelayedRx(10)
	s.RelayedTx(10)
	s.HandshakeRejected("bad_subdomain")
	s.SetRegistrySize(3)

	if s.Handler() == nil {
		t.Fatal("expected a non-nil handler even for a nil sink")
	}
}

func Test_tunnel_lifecycle_counters(t *testing.T) {
	s := New()
	s.TunnelOpened()
	s.TunnelOpened()
	s.TunnelClosed()

	if got := testutil.ToFloat64(s.TunnelsActive); got != 1 {
		t.Errorf("got tunnels_active %v, want 1", got)
	}
}

func Test_handshake_rejections_labelled_by_reason(t *testing.T) {
	s := New()
	s.HandshakeRejected("subdomain_taken")
	s.HandshakeRejected("subdomain_taken")
	s.HandshakeRejected("invalid_subdomain")

	if got := testutil.ToFloat64(s.HandshakeRejections.WithLabelValues("subdomain_taken")); got != 2 {
		t.Errorf("got subdomain_taken count %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.HandshakeRejections.WithLabelValues("invalid_subdomain")); got != 1 {
		t.Errorf("got invalid_subdomain count %v, want 1", got)
	}
}

func Test_bytes_relayed_counters(t *testing.T) {
	s := New()
	s.RelayedRx(100)
	s.RelayedRx(-5) // ignored
	s.RelayedTx(50)

	if got := testutil.ToFloat64(s.BytesRelayedRx); got != 100 {
		t.Errorf("got bytes_relayed_rx %v, want 100", got)
	}
	if got := testutil.ToFloat64(s.BytesRelayedTx); got != 50 {
		t.Errorf("got bytes_relayed_tx %v, want 50", got)
	}
}
