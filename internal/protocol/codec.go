package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
)

// Codec handles reading and writing length-prefixed frames over a raw
// connection (a *tls.Conn once the mTLS handshake has completed). Writes
// are serialised; reads are not, matching the mux's single-reader,
// single-writer ownership model.
type Codec struct {
	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex

	maxFrameSize uint32 // 0 until negotiated; see SetMaxFrameSize
}

// NewCodec wraps a connection with frame encoding/decoding. maxFrameSize
// may be 0 before the handshake negotiates one; in that case frames are
// bounded only by HardMaxFrameSize.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn: conn,
		r:    bufio.NewReaderSize(conn, HardMaxFrameSize),
	}
}

// SetMaxFrameSize records the negotiated maximum frame size for subsequent
// reads and writes.
func (c *Codec) SetMaxFrameSize(n uint32) {
	c.maxFrameSize = n
}

// WriteFrame serialises and sends a frame over the connection.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := MarshalFrame(f, c.maxFrameSize)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: writing frame: %v", ErrTransport, err)
	}
	return nil
}

// ReadFrame reads and deserialises one frame from the connection.
func (c *Codec) ReadFrame() (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.r, header); err != nil {
		return nil, fmt.Errorf("%w: reading frame header: %v", ErrTransport, err)
	}
	limit := c.maxFrameSize
	if limit == 0 {
		limit = HardMaxFrameSize
	}
	msgType, streamID, payloadLen, err := _decode_header(header, limit)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, fmt.Errorf("%w: reading frame payload: %v", ErrTransport, err)
		}
	}
	return &Frame{Type: msgType, StreamID: streamID, Payload: payload}, nil
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the underlying connection's local address.
func (c *Codec) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the underlying connection's remote address.
func (c *Codec) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
