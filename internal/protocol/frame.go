// Package protocol implements the siphon wire protocol: a length-prefixed
// binary frame format carried directly over a TLS byte stream.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// frame types for the tunnel wire protocol.
const (
	TypeHello        uint8 = 0x01
	TypePing         uint8 = 0x02
	TypePong         uint8 = 0x03
	TypeGoAway       uint8 = 0x04
	TypeStreamOpen   uint8 = 0x10
	TypeStreamData   uint8 = 0x11
	TypeStreamClose  uint8 = 0x12
	TypeStreamReset  uint8 = 0x13
	TypeWindowUpdate uint8 = 0x14
)

// header size: 1 byte type + 4 byte stream id + 4 byte payload length.
const HeaderSize = 9

// DefaultMaxFrameSize is the frame size negotiated when a handshake does
// not request a smaller one.
const DefaultMaxFrameSize = 16 * 1024

// HardMaxFrameSize is the largest frame size a handshake may negotiate.
const HardMaxFrameSize = 1024 * 1024

// ControlStreamID is the reserved stream id for tunnel-level control
// frames (hello, ping, pong, goaway).
const ControlStreamID uint32 = 0

// Frame represents a single wire-protocol frame.
type Frame struct {
	Type     uint8
	StreamID uint32
	Payload  []byte
}

// IsControl reports whether the frame targets the reserved control stream.
func (f *Frame) IsControl() bool {
	return f.StreamID == ControlStreamID
}

// _encode_header writes the frame header into a 9-byte buffer.
func _encode_header(buf []byte, f *Frame) {
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.StreamID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
}

// _decode_header reads a frame header from a 9-byte buffer, rejecting a
// payload length that exceeds maxFrameSize.
func _decode_header(buf []byte, maxFrameSize uint32) (msgType uint8, streamID uint32, payloadLen uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("buffer too small for header: %d bytes", len(buf))
	}
	msgType = buf[0]
	streamID = binary.BigEndian.Uint32(buf[1:5])
	payloadLen = binary.BigEndian.Uint32(buf[5:9])
	if payloadLen > maxFrameSize {
		return 0, 0, 0, fmt.Errorf("%w: payload size %d exceeds negotiated maximum %d", ErrProtocol, payloadLen, maxFrameSize)
	}
	return msgType, streamID, payloadLen, nil
}

// MarshalFrame serialises a frame into bytes (header + payload). maxFrameSize
// of 0 disables the size check, used for pre-handshake control frames.
func MarshalFrame(f *Frame, maxFrameSize uint32) ([]byte, error) {
	if maxFrameSize > 0 && len(f.Payload) > int(maxFrameSize) {
		return nil, fmt.Errorf("%w: payload size %d exceeds maximum %d", ErrProtocol, len(f.Payload), maxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	_encode_header(buf, f)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// UnmarshalFrame deserialises bytes into a frame, given the negotiated
// maximum frame size (0 bounds the payload by HardMaxFrameSize instead).
func UnmarshalFrame(data []byte, maxFrameSize uint32) (*Frame, error) {
	limit := maxFrameSize
	if limit == 0 {
		limit = HardMaxFrameSize
	}
	msgType, streamID, payloadLen, err := _decode_header(data, limit)
	if err != nil {
		return nil, err
	}
	totalLen := HeaderSize + int(payloadLen)
	if len(data) < totalLen {
		return nil, fmt.Errorf("data too short: have %d, need %d", len(data), totalLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:totalLen])
	return &Frame{
		Type:     msgType,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// KnownType reports whether t is one of the frame types defined above.
func KnownType(t uint8) bool {
	switch t {
	case TypeHello, TypePing, TypePong, TypeGoAway,
		TypeStreamOpen, TypeStreamData, TypeStreamClose, TypeStreamReset, TypeWindowUpdate:
		return true
	default:
		return false
	}
}

// TypeName returns a human-readable frame type name for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeHello:
		return "hello"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeGoAway:
		return "goaway"
	case TypeStreamOpen:
		return "stream_open"
	case TypeStreamData:
		return "stream_data"
	case TypeStreamClose:
		return "stream_close"
	case TypeStreamReset:
		return "stream_reset"
	case TypeWindowUpdate:
		return "window_update"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}
