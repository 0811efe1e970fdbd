package mux

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/siphontunnel/siphon/internal/protocol"
)

// State is a stream's position in the half-close state machine of
// spec section 4.7.
type State int32

const (
	StateOpen State = iota
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one logical bidirectional byte channel inside a Session,
// corresponding to one inbound public connection. It implements
// io.ReadWriteCloser so the data-plane and client-dialer pumps can treat
// it like any other connection.
type Stream struct {
	id      uint32
	session *Session
	preface *protocol.StreamOpenPreface

	mu    sync.Mutex
	state State

	sendWindow   int64 // accessed atomically; bytes we may still send
	windowNotify chan struct{}

	recvWindowSize uint32
	recvRemaining  int64 // bytes the peer may still send us
	consumed       int64 // bytes delivered to Read since the last window_update

	inbox      chan []byte
	pending    []byte // leftover from a partially-read inbox chunk
	inboxOnce  sync.Once
	readErr    error

	outQueue     chan []byte
	queued       int32 // atomic flag: already signalled as ready to the writer
	closePending int32 // atomic flag: stream_close queued behind outQueue, not yet written

	localClosed  bool
	remoteClosed bool
	resetErr     error
}

func newStream(id uint32, session *Session, recvWindowSize uint32, sendWindowSize uint32, preface *protocol.StreamOpenPreface) *Stream {
	return &Stream{
		id:             id,
		session:        session,
		preface:        preface,
		state:          StateOpen,
		sendWindow:     int64(sendWindowSize),
		windowNotify:   make(chan struct{}, 1),
		recvWindowSize: recvWindowSize,
		recvRemaining:  int64(recvWindowSize),
		inbox:          make(chan []byte, 64),
		outQueue:       make(chan []byte, session.cfg.OutboundQueue),
	}
}

// ID returns the tunnel-scoped stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Preface returns the stream_open preface this stream was opened with,
// whether it was opened locally or by the peer.
func (s *Stream) Preface() *protocol.StreamOpenPreface { return s.preface }

// State returns the stream's current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read implements io.Reader, blocking until data, EOF (remote half-close),
// or a reset/session-close error is available.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, ok := <-s.inbox
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s._afterRead(n)
	return n, nil
}

// _afterRead records consumption for receive-window accounting and emits a
// window_update once consumption reaches half the granted window.
func (s *Stream) _afterRead(n int) {
	consumed := atomic.AddInt64(&s.consumed, int64(n))
	if consumed*2 >= int64(s.recvWindowSize) && consumed > 0 {
		if atomic.CompareAndSwapInt64(&s.consumed, consumed, 0) {
			atomic.AddInt64(&s.recvRemaining, consumed)
			s.session.sendControl(&protocol.Frame{
				Type:     protocol.TypeWindowUpdate,
				StreamID: s.id,
				Payload:  protocol.EncodeWindowUpdate(uint32(consumed)),
			})
		}
	}
}

// Write implements io.Writer, chunking into frames no larger than the
// session's negotiated max frame size and blocking on both the peer's
// flow-control window and the bounded per-stream outbound queue.
func (s *Stream) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		s.mu.Lock()
		closed := s.localClosed
		resetErr := s.resetErr
		s.mu.Unlock()
		if resetErr != nil {
			return total - len(p), resetErr
		}
		if closed {
			return total - len(p), ErrStreamClosed
		}

		n, err := s._reserveWindow(len(p))
		if err != nil {
			return total - len(p), err
		}
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		select {
		case s.outQueue <- chunk:
		case <-s.session.done:
			return total - len(p), ErrSessionClosed
		}
		s.session.markReady(s)
		p = p[n:]
	}
	return total, nil
}

// _reserveWindow blocks until at least one byte of send window is
// available and returns how many of maxWant bytes were reserved.
func (s *Stream) _reserveWindow(maxWant int) (int, error) {
	maxFrame := int(s.session.cfg.MaxFrameSize)
	if maxWant > maxFrame {
		maxWant = maxFrame
	}
	for {
		avail := atomic.LoadInt64(&s.sendWindow)
		if avail > 0 {
			n := int64(maxWant)
			if n > avail {
				n = avail
			}
			if atomic.CompareAndSwapInt64(&s.sendWindow, avail, avail-n) {
				return int(n), nil
			}
			continue
		}
		select {
		case <-s.windowNotify:
		case <-s.session.done:
			return 0, ErrSessionClosed
		}
	}
}

// _grantSendWindow adds n bytes to the send window in response to a
// window_update frame from the peer, waking any blocked writer.
func (s *Stream) _grantSendWindow(n uint32) {
	atomic.AddInt64(&s.sendWindow, int64(n))
	select {
	case s.windowNotify <- struct{}{}:
	default:
	}
}

// _deliver hands a received stream_data payload to the reader side,
// enforcing the receive window (P3's mirror: the peer must not have sent
// more than we granted).
func (s *Stream) _deliver(payload []byte) error {
	remaining := atomic.AddInt64(&s.recvRemaining, -int64(len(payload)))
	if remaining < 0 {
		return fmt.Errorf("%w: stream %d exceeded granted receive window", protocol.ErrProtocol, s.id)
	}
	select {
	case s.inbox <- payload:
		return nil
	case <-s.session.done:
		return ErrSessionClosed
	}
}

// CloseWrite transitions to half-closed-local (or closed, if the remote
// side already closed) and queues stream_close behind any data chunks
// still sitting in outQueue. Per spec section 4.2, only ping/pong/goaway/
// window_update preempt data; stream_close must not overtake the trailing
// bytes of the stream it closes, so it rides the same per-stream ready
// path as stream_data instead of jumping the line on ctrlCh.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	s._advanceLocked()
	s.mu.Unlock()

	atomic.StoreInt32(&s.closePending, 1)
	s.session.markReady(s)
	return nil
}

// Close tears the stream down from the local side: it closes the write
// direction and, if the remote has not already closed, leaves the stream
// half-closed-local to drain. Close never blocks on I/O.
func (s *Stream) Close() error {
	return s.CloseWrite()
}

// Reset abortively tears down the stream in both directions and notifies
// the peer with a stream_reset frame.
func (s *Stream) Reset(code uint32) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.resetErr = fmt.Errorf("%w (code %d)", ErrStreamReset, code)
	s.mu.Unlock()

	s._teardown(s.resetErr)
	s.session.removeStream(s.id)
	return s.session.sendControl(&protocol.Frame{
		Type:     protocol.TypeStreamReset,
		StreamID: s.id,
		Payload:  protocol.EncodeStreamReset(code),
	})
}

// _onRemoteClose handles an inbound stream_close frame.
func (s *Stream) _onRemoteClose() {
	s.mu.Lock()
	if s.remoteClosed {
		s.mu.Unlock()
		return
	}
	s.remoteClosed = true
	closed := s._advanceLocked()
	s.mu.Unlock()

	s.inboxOnce.Do(func() { close(s.inbox) })
	if closed {
		s.session.removeStream(s.id)
	}
}

// _onRemoteReset handles an inbound stream_reset frame. Per S3, a reset
// referencing an already-closed id is tolerated silently by the caller
// (Session._dispatchStreamFrame checks the table first).
func (s *Stream) _onRemoteReset(code uint32) {
	s.mu.Lock()
	s.state = StateClosed
	s.resetErr = fmt.Errorf("%w (code %d)", ErrStreamReset, code)
	s.mu.Unlock()

	s._teardown(s.resetErr)
	s.session.removeStream(s.id)
}

// _teardown unblocks any pending Read/Write calls with err.
func (s *Stream) _teardown(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.inboxOnce.Do(func() { close(s.inbox) })
	select {
	case s.windowNotify <- struct{}{}:
	default:
	}
}

// _advanceLocked recomputes state from localClosed/remoteClosed and
// returns whether the stream just reached StateClosed. Caller holds s.mu.
func (s *Stream) _advanceLocked() bool {
	switch {
	case s.localClosed && s.remoteClosed:
		s.state = StateClosed
		return true
	case s.localClosed:
		s.state = StateHalfClosedLocal
	case s.remoteClosed:
		s.state = StateHalfClosedRemote
	}
	return false
}

// markReady is a convenience wrapper so Stream.Write doesn't reach into
// Session internals directly from multiple call sites.
func (s *Session) markReady(st *Stream) {
	if !atomic.CompareAndSwapInt32(&st.queued, 0, 1) {
		return
	}
	select {
	case s.readyCh <- st.id:
	case <-s.done:
	}
}
