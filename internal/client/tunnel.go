package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/siphontunnel/siphon/internal/mux"
	"github.com/siphontunnel/siphon/internal/protocol"
	"github.com/siphontunnel/siphon/internal/secret"
)

// Tunnel manages the client-side mux session to the relay, generalizing
// the teacher's internal/agent/tunnel.go: same ping-loop/read-loop shape,
// but frames dispatch through mux.Session rather than a hand-rolled
// stream-id-keyed map, and stream_open triggers a dial-and-pump goroutine
// against the local backend instead of decoding a JSON HTTP request.
type Tunnel struct {
	session    *mux.Session
	assignedID string // subdomain (http) or port string (tcp)
	cfg        *Config
}

// ConnectTunnel dials the relay's control plane over mTLS (optionally
// through a proxy), performs the hello handshake, and returns a Tunnel
// ready to Run.
func ConnectTunnel(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*Tunnel, error) {
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	var rawConn net.Conn
	dctx, cancel := context.WithTimeout(ctx, cfg.Tunnel.HandshakeTimeout)
	defer cancel()
	if dialer != nil {
		rawConn, err = dialer.DialContext(dctx, "tcp", cfg.Server.Addr)
	} else {
		var d net.Dialer
		rawConn, err = d.DialContext(dctx, "tcp", cfg.Server.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialling relay %s: %v", protocol.ErrTransport, cfg.Server.Addr, err)
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(dctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("%w: tls handshake with relay: %v", protocol.ErrTransport, err)
	}

	kind, err := protocol.ParseTunnelKind(cfg.Tunnel.Kind)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}

	codec := protocol.NewCodec(tlsConn)
	maxFrame := cfg.Tunnel.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	window := cfg.Tunnel.InitialWindow
	if window == 0 {
		window = 256 * 1024
	}

	hello := &protocol.HelloRequest{
		Kind:               kind,
		RequestedSubdomain: cfg.Tunnel.RequestedSubdomain,
		ProtocolVersion:    protocol.ProtocolVersion,
		MaxFrameSize:       maxFrame,
		InitialWindow:      window,
	}
	if err := codec.WriteFrame(&protocol.Frame{Type: protocol.TypeHello, Payload: protocol.EncodeHelloRequest(hello)}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("sending hello request: %w", err)
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("reading hello response: %w", err)
	}
	if frame.Type != protocol.TypeHello {
		tlsConn.Close()
		return nil, fmt.Errorf("%w: expected hello response, got %s", protocol.ErrProtocol, protocol.TypeName(frame.Type))
	}
	resp, err := protocol.DecodeHelloResponse(frame.Payload)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	if !resp.Accepted {
		tlsConn.Close()
		code, msg := "unknown", ""
		if resp.Error != nil {
			code, msg = resp.Error.Code, resp.Error.Message
		}
		return nil, fmt.Errorf("%w: handshake rejected (%s): %s", protocol.ErrNameConflict, code, msg)
	}

	assignedID := resp.AssignedSubdomain
	if kind == protocol.KindTCP {
		assignedID = fmt.Sprintf("%d", resp.AssignedPort)
	}
	slog.Info("tunnel negotiated", "kind", kind, "assigned_id", assignedID)

	codec.SetMaxFrameSize(resp.NegotiatedMaxFrameSize)
	session := mux.New(codec, assignedID, mux.Config{
		IsServer:      false,
		MaxFrameSize:  resp.NegotiatedMaxFrameSize,
		InitialWindow: resp.NegotiatedInitialWindow,
		MaxInFlight:   cfg.Tunnel.MaxInFlight,
		PingInterval:  cfg.Tunnel.PingInterval,
		PongTimeout:   cfg.Tunnel.PongTimeout,
		DrainTimeout:  cfg.Tunnel.DrainTimeout,
	}, slog.With("tunnel_id", assignedID))

	return &Tunnel{session: session, assignedID: assignedID, cfg: cfg}, nil
}

// clientTLSConfig builds the mTLS client config for the control plane
// connection: the client presents its own certificate and verifies the
// server's against the configured CA.
func clientTLSConfig(cfg *Config) (*tls.Config, error) {
	certPEM, err := secret.Resolve(cfg.Server.Cert)
	if err != nil {
		return nil, fmt.Errorf("resolving server.cert: %w", err)
	}
	keyPEM, err := secret.Resolve(cfg.Server.Key)
	if err != nil {
		return nil, fmt.Errorf("resolving server.key: %w", err)
	}
	caPEM, err := secret.Resolve(cfg.Server.CACert)
	if err != nil {
		return nil, fmt.Errorf("resolving server.ca_cert: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: loading client keypair: %v", protocol.ErrConfigInvalid, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: ca_cert does not contain a valid certificate", protocol.ErrConfigInvalid)
	}

	serverName, _, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		serverName = cfg.Server.Addr
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Run starts the mux session and, concurrently, the accept loop that
// dials the local backend for every stream_open the relay sends. Blocks
// until the session ends.
//
// ctx cancellation (SIGINT/SIGTERM, per cmd/client/main.go) triggers the
// graceful shutdown of spec.md section 5 / end-to-end scenario 5 rather
// than an immediate teardown: it sends goaway(client_shutdown) and gives
// in-flight streams up to DrainTimeout to finish, draining through the
// session's own supervisor (session.go's draining state), before the
// transport is force-closed.
func (t *Tunnel) Run(ctx context.Context) error {
	go t._acceptLoop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	errCh := make(chan error, 1)
	go func() { errCh <- t.session.Run(runCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("tunnel shutting down, sending goaway", "tunnel_id", t.assignedID)
	t.session.GoAway(protocol.GoAwayClientShutdown, "client shutdown")

	select {
	case err := <-errCh:
		return err
	case <-time.After(t.cfg.Tunnel.DrainTimeout):
		cancelRun()
		return <-errCh
	}
}

// Close tears the tunnel's session down.
func (t *Tunnel) Close() {
	t.session.Close(nil)
}

// Done returns a channel closed once the session ends.
func (t *Tunnel) Done() <-chan struct{} { return t.session.Done() }

// _acceptLoop dials the local backend for each stream the relay opens,
// one dial per stream with no connection pooling, per spec.md section
// 4.6.
func (t *Tunnel) _acceptLoop() {
	for {
		stream, err := t.session.Accept()
		if err != nil {
			return
		}
		go t._serveStream(stream)
	}
}

func (t *Tunnel) _serveStream(stream *mux.Stream) {
	dialer := &net.Dialer{Timeout: t.cfg.Backend.DialTimeout}
	conn, err := dialer.Dial("tcp", t.cfg.Backend.TargetAddr)
	if err != nil {
		slog.Warn("local backend dial failed", "addr", t.cfg.Backend.TargetAddr, "err", err)
		stream.Reset(protocol.ResetLocalUnreachable)
		return
	}
	defer conn.Close()

	_pumpBidirectional(conn, conn, stream)
}

// halfCloser is satisfied by the local backend connection, letting a
// stream's half-close mirror through to it per spec.md section 4.6.
type halfCloser interface {
	CloseWrite() error
}

func _pumpBidirectional(localReader io.Reader, localWriter io.Writer, stream *mux.Stream) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(stream, localReader)
		stream.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(localWriter, stream)
		if hc, ok := localWriter.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
}
