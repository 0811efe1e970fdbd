// Package server implements the relay side of siphon: the control-plane
// listener that accepts mTLS tunnel connections, the public HTTP and TCP
// data planes that relay untrusted inbound traffic into them, and the
// registry/DNS/metrics wiring around them. It generalizes the teacher's
// internal/relay package (Server, Pool, Tunnel, Handler) from a single
// HTTP-tunnelling relay into the multi-kind, mux-based core this build
// implements.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/siphontunnel/siphon/internal/dnsprovisioner"
	"github.com/siphontunnel/siphon/internal/metrics"
	"github.com/siphontunnel/siphon/internal/mux"
	"github.com/siphontunnel/siphon/internal/protocol"
	"github.com/siphontunnel/siphon/internal/registry"
)

// Server is the relay: one control-plane listener, one HTTP data-plane
// listener, and a dynamic set of per-tunnel TCP data-plane listeners.
type Server struct {
	cfg      *Config
	log      *slog.Logger
	registry *registry.Registry
	dns      dnsprovisioner.Provisioner
	metrics  *metrics.Sink

	tcpMu        sync.Mutex
	tcpListeners map[string]net.Listener // keyed by registry public id
}

// New constructs a configured relay server. dns and metricsSink may be
// nil; New substitutes a NoopProvisioner and a no-op metrics sink.
func New(cfg *Config, dns dnsprovisioner.Provisioner, metricsSink *metrics.Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if dns == nil {
		dns = dnsprovisioner.NoopProvisioner{}
	}
	return &Server{
		cfg:          cfg,
		log:          logger,
		registry:     registry.New(uint16(cfg.Listen.TCPPortStart), uint16(cfg.Listen.TCPPortEnd), logger),
		dns:          dns,
		metrics:      metricsSink,
		tcpListeners: make(map[string]net.Listener),
	}
}

// Run starts the control plane and HTTP data plane listeners and blocks
// until ctx is cancelled or a listener fails fatally.
func (s *Server) Run(ctx context.Context) error {
	controlTLS, err := controlPlaneTLSConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("building control plane tls config: %w", err)
	}
	controlAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.BindHost, s.cfg.Listen.ControlPort)
	controlLn, err := tls.Listen("tcp", controlAddr, controlTLS)
	if err != nil {
		return fmt.Errorf("binding control plane listener on %s: %w", controlAddr, err)
	}
	defer controlLn.Close()
	s.log.Info("control plane listening", "addr", controlAddr)

	httpLn, err := s.listenHTTPDataPlane()
	if err != nil {
		return fmt.Errorf("binding http data plane listener: %w", err)
	}
	defer httpLn.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- s.acceptControlLoop(ctx, controlLn) }()
	go func() { errCh <- s.serveHTTPDataPlane(ctx, httpLn) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// acceptControlLoop accepts control-plane connections and handles each
// handshake in its own goroutine, matching the teacher's _handle_tunnel
// shape (one goroutine per agent connection) but with mTLS and the
// stream-0 hello exchange in place of websocket upgrade + HMAC token.
func (s *Server) acceptControlLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("%w: accepting control connection: %v", protocol.ErrTransport, err)
			}
		}
		go s.handleControlConn(ctx, conn)
	}
}

func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	if t := s.cfg.Tunnel.HandshakeTimeout; t > 0 {
		conn.SetDeadline(time.Now().Add(t))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.log.Warn("tls handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	peerCN, err := peerCommonName(tlsConn.ConnectionState())
	if err != nil {
		s.log.Warn("rejecting control connection", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	codec := protocol.NewCodec(tlsConn)
	entry, session, err := s.performHandshake(ctx, codec, peerCN)
	if err != nil {
		s.log.Warn("handshake failed", "remote", conn.RemoteAddr(), "peer_cn", peerCN, "err", err)
		codec.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	s.log.Info("tunnel established", "tunnel_id", entry.PublicID, "kind", entry.Kind, "peer_cn", peerCN)
	s.metrics.TunnelOpened()
	s.metrics.SetRegistrySize(s.registry.Size())

	if entry.Kind == "tcp" {
		if err := s.startTCPDataPlane(entry); err != nil {
			s.log.Error("failed to start tcp data plane", "tunnel_id", entry.PublicID, "err", err)
			session.Close(err)
			s.teardownTunnel(ctx, entry)
			return
		}
	}

	err = session.Run(ctx)
	s.log.Info("tunnel ended", "tunnel_id", entry.PublicID, "err", err)
	s.teardownTunnel(ctx, entry)
}

// teardownTunnel removes a tunnel's registry entry, stops its TCP
// listener (if any), deletes its DNS record (best-effort), and updates
// metrics — the server-side half of P5 (no dangling state).
func (s *Server) teardownTunnel(ctx context.Context, entry *registry.Entry) {
	s.registry.Unregister(entry.PublicID)
	s.stopTCPDataPlane(entry.PublicID)
	if entry.Kind == "http" {
		if err := s.dns.Delete(ctx, entry.PublicID); err != nil {
			s.log.Warn("best-effort dns record deletion failed", "tunnel_id", entry.PublicID, "err", err)
		}
	}
	s.metrics.TunnelClosed()
	s.metrics.SetRegistrySize(s.registry.Size())
}

// lookupSession resolves a registry entry's mux.Session, for the data
// planes.
func lookupSession(e *registry.Entry) (*mux.Session, bool) {
	sess, ok := e.Tunnel.(*mux.Session)
	return sess, ok
}
