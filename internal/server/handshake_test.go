package server

import (
	"context"
	"testing"

	"github.com/siphontunnel/siphon/internal/dnsprovisioner"
	"github.com/siphontunnel/siphon/internal/metrics"
	"github.com/siphontunnel/siphon/internal/protocol"
)

func _new_test_server(t *testing.T) *Server {
	t.Helper()
	cfg := &Config{
		Listen: ListenConfig{TCPPortStart: 40000, TCPPortEnd: 40001},
		Tunnel: TunnelConfig{BaseDomain: "test.internal"},
	}
	return New(cfg, dnsprovisioner.NoopProvisioner{}, metrics.New(), nil)
}

func Test_register_tunnel_rejects_taken_subdomain(t *testing.T) {
	s := _new_test_server(t)
	ctx := context.Background()

	first := &protocol.HelloRequest{Kind: protocol.KindHTTP, RequestedSubdomain: "taken"}
	if _, _, err := s.registerTunnel(ctx, first); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}

	second := &protocol.HelloRequest{Kind: protocol.KindHTTP, RequestedSubdomain: "taken"}
	_, code, err := s.registerTunnel(ctx, second)
	if err == nil {
		t.Fatal("expected error registering an already-taken subdomain")
	}
	if code != protocol.ErrCodeSubdomainTaken {
		t.Errorf("got reject code %q, want %q", code, protocol.ErrCodeSubdomainTaken)
	}
}

func Test_register_tunnel_rejects_invalid_subdomain(t *testing.T) {
	s := _new_test_server(t)
	req := &protocol.HelloRequest{Kind: protocol.KindHTTP, RequestedSubdomain: "Not_Valid!"}
	_, code, err := s.registerTunnel(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for invalid subdomain")
	}
	if code != protocol.ErrCodeSubdomainInvalid {
		t.Errorf("got reject code %q, want %q", code, protocol.ErrCodeSubdomainInvalid)
	}
}

func Test_register_tunnel_rejects_exhausted_tcp_pool(t *testing.T) {
	s := _new_test_server(t)
	ctx := context.Background()
	req := &protocol.HelloRequest{Kind: protocol.KindTCP}

	for i := 0; i < 2; i++ {
		if _, _, err := s.registerTunnel(ctx, req); err != nil {
			t.Fatalf("registration %d should succeed: %v", i, err)
		}
	}

	_, code, err := s.registerTunnel(ctx, req)
	if err == nil {
		t.Fatal("expected error once the tcp port pool is exhausted")
	}
	if code != protocol.ErrCodeNoTCPPortsAvailable {
		t.Errorf("got reject code %q, want %q", code, protocol.ErrCodeNoTCPPortsAvailable)
	}
}
