package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siphontunnel/siphon/internal/protocol"
)

// Config controls a Session's negotiated parameters and timeouts. Both
// client and server construct one from the values agreed during the
// hello handshake (section 4.3).
type Config struct {
	IsServer       bool // only the server side may OpenStream (invariant: clients never open streams)
	MaxFrameSize   uint32
	InitialWindow  uint32
	MaxInFlight    int           // stream_open beyond this many concurrently open streams is answered with stream_reset(resource_exhausted) (client-side bound, default 1024)
	PingInterval   time.Duration // idle time before a ping is sent, default 30s
	PongTimeout    time.Duration // time to wait for a pong before tearing down, default 10s
	DrainTimeout   time.Duration // time streams get to finish after goaway before being reset, default 30s
	OutboundQueue  int           // per-stream outbound queue depth, default 64
}

func (c *Config) setDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = 256 * 1024
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 1024
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.OutboundQueue == 0 {
		c.OutboundQueue = 64
	}
}

// TunnelState mirrors section 4.7's tunnel-level state machine.
type TunnelState int32

const (
	TunnelConnecting TunnelState = iota
	TunnelHandshaking
	TunnelActive
	TunnelDraining
	TunnelClosed
)

// Session multiplexes logical Streams over one codec. It is used
// symmetrically by both the server (which opens streams) and the client
// (which accepts them), generalizing the teacher's separate
// relay.Tunnel/agent.Tunnel types into one.
type Session struct {
	codec  *protocol.Codec
	cfg    Config
	log    *slog.Logger
	id     string // opaque identifier for logging, assigned by the owner

	mu           sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32
	state        TunnelState

	acceptCh chan *Stream
	readyCh  chan uint32
	ctrlCh   chan *protocol.Frame

	done     chan struct{}
	closeErr error
	closeOnce sync.Once

	lastActivity atomic.Int64 // unix nanos
	pendingPing  atomic.Int64 // unix nanos when a ping awaiting pong was sent, 0 if none

	onGoAway func(code uint32, reason string)
}

// New wraps codec in a Session. The codec's negotiated max frame size
// should already be set via Codec.SetMaxFrameSize before streams start
// flowing.
func New(codec *protocol.Codec, id string, cfg Config, logger *slog.Logger) *Session {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	nextID := uint32(1)
	s := &Session{
		codec:        codec,
		cfg:          cfg,
		log:          logger,
		id:           id,
		streams:      make(map[uint32]*Stream),
		nextStreamID: nextID,
		state:        TunnelActive,
		acceptCh:     make(chan *Stream, cfg.MaxInFlight),
		readyCh:      make(chan uint32, cfg.MaxInFlight+8),
		ctrlCh:       make(chan *protocol.Frame, 256),
		done:         make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// OnGoAway registers a callback invoked when a goaway frame is received.
// Must be called before Run.
func (s *Session) OnGoAway(f func(code uint32, reason string)) { s.onGoAway = f }

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State returns the current tunnel-level state.
func (s *Session) State() TunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run starts the reader, writer, and supervisor loops and blocks until the
// session closes. Call it in its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s._readLoop() }()
	go s._writeLoop()
	go s._supervisor(ctx)

	select {
	case err := <-errCh:
		s.Close(err)
		return err
	case <-ctx.Done():
		s.Close(ctx.Err())
		return ctx.Err()
	case <-s.done:
		return s.closeErr
	}
}

// Done returns a channel closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that caused the session to close, if any.
func (s *Session) Err() error { return s.closeErr }

// Close tears the session and every stream it owns down. Idempotent.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrSessionClosed
		}
		s.mu.Lock()
		s.closeErr = cause
		s.state = TunnelClosed
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = make(map[uint32]*Stream)
		s.mu.Unlock()

		for _, st := range streams {
			st._teardown(cause)
		}
		close(s.done)
		s.codec.Close()
		s.log.Info("session closed", "tunnel_id", s.id, "err", cause)
	})
}

// OpenStream allocates a new monotonically increasing stream id and sends
// a stream_open frame. Only valid on the server side (invariant: clients
// never open streams).
func (s *Session) OpenStream(preface *protocol.StreamOpenPreface) (*Stream, error) {
	if !s.cfg.IsServer {
		return nil, ErrNotServerSide
	}
	s.mu.Lock()
	if s.state != TunnelActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session not active (state %v)", ErrSessionClosed, s.state)
	}
	id := s.nextStreamID
	s.nextStreamID++
	st := newStream(id, s, s.cfg.InitialWindow, s.cfg.InitialWindow, preface)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.sendControl(&protocol.Frame{
		Type:     protocol.TypeStreamOpen,
		StreamID: id,
		Payload:  protocol.EncodeStreamOpenPreface(preface),
	}); err != nil {
		s.removeStream(id)
		return nil, err
	}
	return st, nil
}

// Accept blocks until the peer opens a stream or the session closes.
func (s *Session) Accept() (*Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			return nil, s.closeErr
		}
		return st, nil
	case <-s.done:
		return nil, s.closeErr
	}
}

// GoAway sends a goaway frame and enters the draining state.
func (s *Session) GoAway(code uint32, reason string) error {
	s.mu.Lock()
	if s.state == TunnelActive {
		s.state = TunnelDraining
	}
	s.mu.Unlock()
	return s.sendControl(&protocol.Frame{
		Type:    protocol.TypeGoAway,
		Payload: protocol.EncodeGoAway(code, reason),
	})
}

// StreamCount returns the number of currently tracked streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) sendControl(f *protocol.Frame) error {
	select {
	case s.ctrlCh <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// _readLoop is the session's single reader, dispatching each inbound
// frame to its stream or handling it as a control frame on stream 0.
func (s *Session) _readLoop() error {
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			return err
		}
		s.lastActivity.Store(time.Now().UnixNano())

		if frame.IsControl() {
			if err := s._handleControlFrame(frame); err != nil {
				return err
			}
			continue
		}
		if !protocol.KnownType(frame.Type) {
			s._resetUnknown(frame.StreamID)
			continue
		}
		if err := s._dispatchStreamFrame(frame); err != nil {
			return err
		}
	}
}

func (s *Session) _handleControlFrame(frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeHello:
		// post-handshake, stray hello frames are a protocol error.
		return fmt.Errorf("%w: unexpected hello frame after handshake", protocol.ErrProtocol)
	case protocol.TypePing:
		return s.sendControl(&protocol.Frame{Type: protocol.TypePong})
	case protocol.TypePong:
		s.pendingPing.Store(0)
		return nil
	case protocol.TypeGoAway:
		code, reason, err := protocol.DecodeGoAway(frame.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.state = TunnelDraining
		s.mu.Unlock()
		if s.onGoAway != nil {
			s.onGoAway(code, reason)
		}
		return nil
	default:
		// unknown type on stream 0: protocol error per section 4.1.
		return fmt.Errorf("%w: unknown control frame type %s", protocol.ErrProtocol, protocol.TypeName(frame.Type))
	}
}

func (s *Session) _dispatchStreamFrame(frame *protocol.Frame) error {
	if frame.Type == protocol.TypeStreamOpen {
		return s._onStreamOpen(frame)
	}

	s.mu.Lock()
	st, ok := s.streams[frame.StreamID]
	s.mu.Unlock()
	if !ok {
		// S3: a late reset/close on an unknown id is tolerated silently;
		// anything else referencing a closed id is a protocol error.
		if frame.Type == protocol.TypeStreamReset || frame.Type == protocol.TypeStreamClose {
			return nil
		}
		s._resetUnknown(frame.StreamID)
		return nil
	}

	switch frame.Type {
	case protocol.TypeStreamData:
		if st.State() == StateHalfClosedRemote || st.State() == StateClosed {
			return fmt.Errorf("%w: stream_data on stream %d in state %v", protocol.ErrProtocol, frame.StreamID, st.State())
		}
		if err := st._deliver(frame.Payload); err != nil {
			st.Reset(protocol.ResetProtocolError)
			return nil
		}
		return nil
	case protocol.TypeStreamClose:
		st._onRemoteClose()
		return nil
	case protocol.TypeStreamReset:
		code, _ := protocol.DecodeStreamReset(frame.Payload)
		st._onRemoteReset(code)
		return nil
	case protocol.TypeWindowUpdate:
		n, err := protocol.DecodeWindowUpdate(frame.Payload)
		if err != nil {
			return err
		}
		st._grantSendWindow(n)
		return nil
	default:
		s._resetUnknown(frame.StreamID)
		return nil
	}
}

func (s *Session) _onStreamOpen(frame *protocol.Frame) error {
	if s.cfg.IsServer {
		// servers never receive stream_open; clients never open streams.
		return fmt.Errorf("%w: server received stream_open", protocol.ErrProtocol)
	}
	preface, err := protocol.DecodeStreamOpenPreface(frame.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	full := len(s.streams) >= s.cfg.MaxInFlight
	draining := s.state == TunnelDraining
	if !full && !draining {
		if frame.StreamID < s.nextStreamID && s.nextStreamID != 1 {
			s.mu.Unlock()
			return fmt.Errorf("%w: stream id %d is not monotonically increasing", protocol.ErrProtocol, frame.StreamID)
		}
		s.nextStreamID = frame.StreamID + 1
	}
	s.mu.Unlock()

	if full {
		return s.sendControl(&protocol.Frame{Type: protocol.TypeStreamReset, StreamID: frame.StreamID, Payload: protocol.EncodeStreamReset(protocol.ResetResourceExhausted)})
	}
	if draining {
		return s.sendControl(&protocol.Frame{Type: protocol.TypeStreamReset, StreamID: frame.StreamID, Payload: protocol.EncodeStreamReset(protocol.ResetProtocolError)})
	}

	st := newStream(frame.StreamID, s, s.cfg.InitialWindow, s.cfg.InitialWindow, preface)
	s.mu.Lock()
	s.streams[frame.StreamID] = st
	s.mu.Unlock()

	select {
	case s.acceptCh <- st:
	case <-s.done:
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) _resetUnknown(streamID uint32) {
	_ = s.sendControl(&protocol.Frame{
		Type:     protocol.TypeStreamReset,
		StreamID: streamID,
		Payload:  protocol.EncodeStreamReset(protocol.ResetProtocolError),
	})
}

// _writeLoop is the session's single writer. Control frames (ping, pong,
// goaway, window_update, stream_open, stream_reset) preempt data frames;
// data frames are drained round-robin from whichever streams are ready.
// stream_close is the one exception: it never preempts, since spec
// section 4.2 only lists ping/pong/goaway/window_update as preemptive and
// an overtaking close would make the peer discard bytes still in flight.
// A stream with closePending set is revisited via the normal ready path
// and only emits stream_close once its own outQueue has drained.
func (s *Session) _writeLoop() {
	for {
		select {
		case f := <-s.ctrlCh:
			s._writeFrame(f)
			continue
		default:
		}

		select {
		case f := <-s.ctrlCh:
			s._writeFrame(f)
		case id := <-s.readyCh:
			s._writeOneChunk(id)
		case <-s.done:
			return
		}
	}
}

func (s *Session) _writeFrame(f *protocol.Frame) {
	if err := s.codec.WriteFrame(f); err != nil {
		s.Close(err)
		return
	}
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) _writeOneChunk(id uint32) {
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	atomic.StoreInt32(&st.queued, 0)

	select {
	case chunk := <-st.outQueue:
		s._writeFrame(&protocol.Frame{Type: protocol.TypeStreamData, StreamID: id, Payload: chunk})
	default:
	}

	if len(st.outQueue) > 0 {
		s.markReady(st)
		return
	}

	// outQueue is empty: if a stream_close was queued behind it, this is
	// the first safe point to emit it without overtaking trailing data.
	if atomic.CompareAndSwapInt32(&st.closePending, 1, 0) {
		s._writeFrame(&protocol.Frame{Type: protocol.TypeStreamClose, StreamID: id})
	}
}

// _supervisor enforces idle pings/pong timeouts and the drain grace
// period after goaway.
func (s *Session) _supervisor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval / 2)
	defer ticker.Stop()

	var drainDeadline <-chan time.Time
	for {
		select {
		case <-ticker.C:
			s._checkIdle()
			s.mu.Lock()
			draining := s.state == TunnelDraining
			s.mu.Unlock()
			if draining && drainDeadline == nil {
				timer := time.NewTimer(s.cfg.DrainTimeout)
				drainDeadline = timer.C
			}
		case <-drainDeadline:
			s._resetAllStreams()
			s.Close(fmt.Errorf("drain timeout elapsed"))
			return
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) _checkIdle() {
	now := time.Now()
	idleSince := time.Unix(0, s.lastActivity.Load())
	pendingSince := s.pendingPing.Load()

	if pendingSince != 0 {
		if now.Sub(time.Unix(0, pendingSince)) > s.cfg.PongTimeout {
			s.Close(fmt.Errorf("%w: no pong within %s", protocol.ErrTransport, s.cfg.PongTimeout))
		}
		return
	}
	if now.Sub(idleSince) > s.cfg.PingInterval {
		s.pendingPing.Store(now.UnixNano())
		_ = s.sendControl(&protocol.Frame{Type: protocol.TypePing})
	}
}

func (s *Session) _resetAllStreams() {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.Reset(protocol.ResetProtocolError)
	}
}
