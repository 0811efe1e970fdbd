package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/siphontunnel/siphon/internal/protocol"
)

const _badGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 18\r\nConnection: close\r\n\r\ntunnel not found\r\n"

// listenHTTPDataPlane binds the public HTTP data plane listener. SNI
// selects the subdomain (falling back to the Host header when absent),
// exactly as spec.md section 4.5 describes; the listener is a raw TLS
// byte relay, never an http.Server, since tunnelled HTTP bodies must not
// be parsed or reassembled — see DESIGN.md for why the teacher's
// handler.go (JSON request/response marshalling) does not carry over.
func (s *Server) listenHTTPDataPlane() (net.Listener, error) {
	tlsCfg, err := httpDataPlaneTLSConfig(s.cfg)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		cert, err := generateSelfSignedCert(s.cfg.Tunnel.BaseDomain)
		if err != nil {
			return nil, err
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
		s.log.Warn("no http_cert/http_key configured; using an ephemeral self-signed certificate for the http data plane")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.BindHost, s.cfg.Listen.HTTPPort)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	s.log.Info("http data plane listening", "addr", addr)
	return ln, nil
}

func (s *Server) serveHTTPDataPlane(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("%w: accepting http data plane connection: %v", protocol.ErrTransport, err)
			}
		}
		go s.handleHTTPConn(ctx, conn)
	}
}

func (s *Server) handleHTTPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return
	}

	sni := tlsConn.ConnectionState().ServerName
	reader := bufio.NewReaderSize(tlsConn, protocol.DefaultMaxFrameSize)

	subdomain := subdomainLabel(sni, s.cfg.Tunnel.BaseDomain)
	requestedHost := sni
	if subdomain == "" {
		host := peekHostHeader(reader)
		requestedHost = host
		subdomain = subdomainLabel(host, s.cfg.Tunnel.BaseDomain)
	}

	entry, ok := s.registry.Lookup(subdomain)
	if !ok || entry.Kind != "http" {
		io.WriteString(tlsConn, _badGatewayResponse)
		return
	}
	session, ok := lookupSession(entry)
	if !ok {
		io.WriteString(tlsConn, _badGatewayResponse)
		return
	}

	stream, err := session.OpenStream(&protocol.StreamOpenPreface{
		Kind:             protocol.KindHTTP,
		ClientRemoteAddr: conn.RemoteAddr().String(),
		SNI:              sni,
		RequestedHost:    requestedHost,
	})
	if err != nil {
		io.WriteString(tlsConn, _badGatewayResponse)
		return
	}
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	pumpBidirectional(reader, tlsConn, stream, s.metrics)
}

// subdomainLabel extracts the leading label of host if it is a subdomain
// of baseDomain, and "" otherwise (including when host == baseDomain
// itself, since a tunnel's public id is never the bare base domain).
func subdomainLabel(host, baseDomain string) string {
	if host == "" || baseDomain == "" {
		return ""
	}
	suffix := "." + baseDomain
	if len(host) <= len(suffix) || host[len(host)-len(suffix):] != suffix {
		return ""
	}
	return host[:len(host)-len(suffix)]
}

// peekHostHeader inspects (without discarding) enough buffered bytes to
// find an HTTP Host header, so the request can still be relayed byte for
// byte afterward. Returns "" if no Host header is found within the
// buffer.
func peekHostHeader(r *bufio.Reader) string {
	buf, _ := r.Peek(r.Size())
	idx := bytes.Index(bytes.ToLower(buf), []byte("\r\nhost:"))
	if idx < 0 {
		return ""
	}
	rest := buf[idx+len("\r\nhost:"):]
	end := bytes.IndexByte(rest, '\r')
	if end < 0 {
		return ""
	}
	return string(bytes.TrimSpace(rest[:end]))
}
