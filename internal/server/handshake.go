package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/siphontunnel/siphon/internal/mux"
	"github.com/siphontunnel/siphon/internal/protocol"
	"github.com/siphontunnel/siphon/internal/registry"
)

// performHandshake reads the client's hello frame on stream 0, registers
// the tunnel, and replies with accept/reject, exactly as spec.md section
// 4.3 describes. On success it returns the registry entry and a mux
// Session ready to Run.
func (s *Server) performHandshake(ctx context.Context, codec *protocol.Codec, peerCN string) (*registry.Entry, *mux.Session, error) {
	frame, err := codec.ReadFrame()
	if err != nil {
		return nil, nil, fmt.Errorf("reading hello frame: %w", err)
	}
	if frame.Type != protocol.TypeHello || !frame.IsControl() {
		return nil, nil, fmt.Errorf("%w: expected hello frame on stream 0, got %s on stream %d", protocol.ErrProtocol, protocol.TypeName(frame.Type), frame.StreamID)
	}
	req, err := protocol.DecodeHelloRequest(frame.Payload)
	if err != nil {
		return nil, nil, err
	}

	if req.ProtocolVersion != protocol.ProtocolVersion {
		return nil, nil, s.rejectHello(codec, protocol.ErrCodeUnsupportedVersion,
			fmt.Sprintf("server supports protocol version %d", protocol.ProtocolVersion))
	}

	negotiatedMaxFrame := req.MaxFrameSize
	if negotiatedMaxFrame == 0 || negotiatedMaxFrame > protocol.HardMaxFrameSize {
		negotiatedMaxFrame = protocol.DefaultMaxFrameSize
	}
	negotiatedWindow := req.InitialWindow
	if negotiatedWindow == 0 {
		negotiatedWindow = 256 * 1024
	}

	entry, rejectCode, err := s.registerTunnel(ctx, req)
	if err != nil {
		if rejectCode == "" {
			rejectCode = protocol.ErrCodeInternal
		}
		return nil, nil, s.rejectHello(codec, rejectCode, err.Error())
	}

	resp := &protocol.HelloResponse{
		Accepted:                true,
		NegotiatedMaxFrameSize:  negotiatedMaxFrame,
		NegotiatedInitialWindow: negotiatedWindow,
	}
	switch req.Kind {
	case protocol.KindHTTP:
		// spec.md section 4.3: assigned_public_id for http is the fully
		// qualified hostname, not the bare subdomain label the registry
		// tracks entries by.
		resp.AssignedSubdomain = entry.PublicID + "." + s.cfg.Tunnel.BaseDomain
	case protocol.KindTCP:
		resp.AssignedPort = entry.Port
	}
	if err := codec.WriteFrame(&protocol.Frame{Type: protocol.TypeHello, Payload: protocol.EncodeHelloResponse(resp)}); err != nil {
		s.registry.Unregister(entry.PublicID)
		return nil, nil, fmt.Errorf("sending hello response: %w", err)
	}

	codec.SetMaxFrameSize(negotiatedMaxFrame)
	session := mux.New(codec, entry.PublicID, mux.Config{
		IsServer:      true,
		MaxFrameSize:  negotiatedMaxFrame,
		InitialWindow: negotiatedWindow,
		PingInterval:  s.cfg.Tunnel.PingInterval,
		PongTimeout:   s.cfg.Tunnel.PongTimeout,
		DrainTimeout:  s.cfg.Tunnel.DrainTimeout,
	}, s.log.With("tunnel_id", entry.PublicID, "peer_cn", peerCN))
	entry.Tunnel = session

	return entry, session, nil
}

// rejectHello sends a hello rejection and returns an error describing it,
// so callers can propagate a single error value up to the accept loop.
func (s *Server) rejectHello(codec *protocol.Codec, code, message string) error {
	resp := &protocol.HelloResponse{Accepted: false, Error: &protocol.HelloError{Code: code, Message: message}}
	if err := codec.WriteFrame(&protocol.Frame{Type: protocol.TypeHello, Payload: protocol.EncodeHelloResponse(resp)}); err != nil {
		slog.Warn("failed to send hello rejection", "err", err)
	}
	s.metrics.HandshakeRejected(code)
	return fmt.Errorf("handshake rejected: %s: %s", code, message)
}

// registerTunnel performs the two-phase registration of section 4.4:
// reserve an identifier, then commit the external side effect (DNS
// upsert for HTTP, nothing extra for TCP since the listener is opened by
// the caller once registration succeeds).
func (s *Server) registerTunnel(ctx context.Context, req *protocol.HelloRequest) (*registry.Entry, string, error) {
	switch req.Kind {
	case protocol.KindHTTP:
		entry, err := s.registry.RegisterHTTP(req.RequestedSubdomain, nil)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrSubdomainTaken):
				return nil, protocol.ErrCodeSubdomainTaken, err
			case errors.Is(err, registry.ErrSubdomainInvalid):
				return nil, protocol.ErrCodeSubdomainInvalid, err
			default:
				return nil, protocol.ErrCodeInternal, err
			}
		}

		target := s.dnsTarget()
		if err := s.dns.Upsert(ctx, entry.PublicID, target); err != nil {
			s.registry.Unregister(entry.PublicID)
			return nil, protocol.ErrCodeDNSFailure, fmt.Errorf("%w: %v", protocol.ErrDNSFailure, err)
		}
		return entry, "", nil

	case protocol.KindTCP:
		entry, err := s.registry.RegisterTCP(nil)
		if err != nil {
			if errors.Is(err, registry.ErrNoTCPPortsAvailable) {
				return nil, protocol.ErrCodeNoTCPPortsAvailable, err
			}
			return nil, protocol.ErrCodeInternal, err
		}
		return entry, "", nil

	default:
		return nil, protocol.ErrCodeInternal, fmt.Errorf("%w: unsupported tunnel kind %d", protocol.ErrProtocol, req.Kind)
	}
}

// dnsTarget picks the configured DNS target per section 6: server_ip,
// server_cname, or — if neither is configured — the server's own
// outbound-visible address, which this build resolves from the control
// plane bind host since no outbound trace collaborator is wired in.
func (s *Server) dnsTarget() string {
	if s.cfg.DNS.ServerIP != "" {
		return s.cfg.DNS.ServerIP
	}
	if s.cfg.DNS.ServerCNAME != "" {
		return s.cfg.DNS.ServerCNAME
	}
	return s.cfg.Listen.BindHost
}
