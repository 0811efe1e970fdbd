package server

import (
	"io"
	"sync"

	"github.com/siphontunnel/siphon/internal/metrics"
	"github.com/siphontunnel/siphon/internal/mux"
)

// halfCloser is satisfied by *tls.Conn, letting the public side of the
// pump mirror a stream's half-close the way spec.md section 4.5 requires
// instead of always fully closing the inbound connection.
type halfCloser interface {
	CloseWrite() error
}

// pumpBidirectional runs the two short-lived pump tasks of spec.md
// section 5 for one inbound public connection against one mux stream:
// local→remote (public reader into the stream) and remote→local (stream
// into the public writer). It blocks until both directions finish.
func pumpBidirectional(publicReader io.Reader, publicConn io.Writer, stream *mux.Stream, sink *metrics.Sink) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(stream, publicReader)
		sink.RelayedRx(int(n))
		stream.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(publicConn, stream)
		sink.RelayedTx(int(n))
		if hc, ok := publicConn.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
}
