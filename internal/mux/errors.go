// Package mux multiplexes an unbounded number of independent logical
// streams over one authenticated transport, applying per-stream flow
// control and half-close semantics. It generalizes the teacher's
// relay.Tunnel and agent.Tunnel (both a *websocket.Conn plus a read loop
// and a stream table) into one peer-symmetric Session type.
package mux

import "errors"

var (
	// ErrSessionClosed is returned by Stream/Session operations once the
	// underlying transport has gone away.
	ErrSessionClosed = errors.New("mux: session closed")
	// ErrStreamClosed is returned by Write once the local side has closed
	// the stream. Read reports a remote half-close as io.EOF instead.
	ErrStreamClosed = errors.New("mux: stream closed")
	// ErrStreamReset is returned when a stream was torn down abortively.
	ErrStreamReset = errors.New("mux: stream reset by peer")
	// ErrNotServerSide is returned by OpenStream on a client-side session;
	// per the tunnel invariant, only the server ever opens streams.
	ErrNotServerSide = errors.New("mux: only the server side may open streams")
	// ErrTooManyStreams names the in-flight stream limit being reached.
	// Accept does not return it: a stream_open beyond the limit is answered
	// with stream_reset(resource_exhausted) and never reaches Accept.
	ErrTooManyStreams = errors.New("mux: in-flight stream limit reached")
)
