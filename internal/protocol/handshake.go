package protocol

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion is the currently supported handshake protocol version.
const ProtocolVersion uint16 = 1

// TunnelKind identifies whether a tunnel carries HTTP or raw TCP traffic.
type TunnelKind uint8

const (
	KindHTTP TunnelKind = 1
	KindTCP  TunnelKind = 2
)

func (k TunnelKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseTunnelKind converts the configuration string form ("http"/"tcp")
// to a TunnelKind. On the wire the kind travels as a single byte.
func ParseTunnelKind(s string) (TunnelKind, error) {
	switch s {
	case "http":
		return KindHTTP, nil
	case "tcp":
		return KindTCP, nil
	default:
		return 0, fmt.Errorf("%w: unknown tunnel kind %q", ErrProtocol, s)
	}
}

// HelloRequest is the client's initial handshake payload, sent as a hello
// frame on the control stream.
type HelloRequest struct {
	Kind                TunnelKind
	RequestedSubdomain  string // empty means "assign one"
	ProtocolVersion     uint16
	MaxFrameSize        uint32
	InitialWindow       uint32
}

// HelloError carries a rejection code and human-readable message.
type HelloError struct {
	Code    string
	Message string
}

// HelloResponse is the server's handshake reply.
type HelloResponse struct {
	Accepted                 bool
	AssignedSubdomain        string // fully qualified hostname, set when Kind == KindHTTP && Accepted
	AssignedPort             uint16 // set when Kind == KindTCP && Accepted
	NegotiatedMaxFrameSize   uint32
	NegotiatedInitialWindow  uint32
	Error                    *HelloError
}

func putString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func takeString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrProtocol)
	}
	n := binary.BigEndian.Uint16(data)
	data = data[2:]
	if len(data) < int(n) {
		return "", nil, fmt.Errorf("%w: truncated string body", ErrProtocol)
	}
	return string(data[:n]), data[n:], nil
}

// EncodeHelloRequest serialises a HelloRequest into a hello frame payload.
func EncodeHelloRequest(h *HelloRequest) []byte {
	buf := make([]byte, 0, 32+len(h.RequestedSubdomain))
	buf = append(buf, byte(h.Kind))
	buf = putString(buf, h.RequestedSubdomain)
	buf = binary.BigEndian.AppendUint16(buf, h.ProtocolVersion)
	buf = binary.BigEndian.AppendUint32(buf, h.MaxFrameSize)
	buf = binary.BigEndian.AppendUint32(buf, h.InitialWindow)
	return buf
}

// DecodeHelloRequest parses a hello frame payload sent by a client.
func DecodeHelloRequest(data []byte) (*HelloRequest, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty hello request", ErrProtocol)
	}
	kind := TunnelKind(data[0])
	rest := data[1:]
	subdomain, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 10 {
		return nil, fmt.Errorf("%w: truncated hello request", ErrProtocol)
	}
	version := binary.BigEndian.Uint16(rest[0:2])
	maxFrame := binary.BigEndian.Uint32(rest[2:6])
	initialWindow := binary.BigEndian.Uint32(rest[6:10])
	return &HelloRequest{
		Kind:               kind,
		RequestedSubdomain: subdomain,
		ProtocolVersion:    version,
		MaxFrameSize:       maxFrame,
		InitialWindow:      initialWindow,
	}, nil
}

// EncodeHelloResponse serialises a HelloResponse into a hello frame payload.
func EncodeHelloResponse(h *HelloResponse) []byte {
	buf := make([]byte, 0, 32)
	if h.Accepted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putString(buf, h.AssignedSubdomain)
	buf = binary.BigEndian.AppendUint16(buf, h.AssignedPort)
	buf = binary.BigEndian.AppendUint32(buf, h.NegotiatedMaxFrameSize)
	buf = binary.BigEndian.AppendUint32(buf, h.NegotiatedInitialWindow)
	if h.Error != nil {
		buf = append(buf, 1)
		buf = putString(buf, h.Error.Code)
		buf = putString(buf, h.Error.Message)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeHelloResponse parses a hello frame payload sent by the server.
func DecodeHelloResponse(data []byte) (*HelloResponse, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty hello response", ErrProtocol)
	}
	accepted := data[0] != 0
	rest := data[1:]
	subdomain, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 11 {
		return nil, fmt.Errorf("%w: truncated hello response", ErrProtocol)
	}
	port := binary.BigEndian.Uint16(rest[0:2])
	maxFrame := binary.BigEndian.Uint32(rest[2:6])
	initialWindow := binary.BigEndian.Uint32(rest[6:10])
	hasErr := rest[10] != 0
	rest = rest[11:]

	resp := &HelloResponse{
		Accepted:                accepted,
		AssignedSubdomain:       subdomain,
		AssignedPort:            port,
		NegotiatedMaxFrameSize:  maxFrame,
		NegotiatedInitialWindow: initialWindow,
	}
	if hasErr {
		code, rest2, err := takeString(rest)
		if err != nil {
			return nil, err
		}
		message, _, err := takeString(rest2)
		if err != nil {
			return nil, err
		}
		resp.Error = &HelloError{Code: code, Message: message}
	}
	return resp, nil
}

// EncodeGoAway serialises a goaway frame payload.
func EncodeGoAway(code uint32, reason string) []byte {
	buf := binary.BigEndian.AppendUint32(nil, code)
	return append(buf, reason...)
}

// DecodeGoAway parses a goaway frame payload.
func DecodeGoAway(data []byte) (code uint32, reason string, err error) {
	if len(data) < 4 {
		return 0, "", fmt.Errorf("%w: truncated goaway", ErrProtocol)
	}
	return binary.BigEndian.Uint32(data[0:4]), string(data[4:]), nil
}

// StreamOpenPreface is carried in a stream_open frame's payload, describing
// the inbound public connection the server is asking the client to relay.
type StreamOpenPreface struct {
	Kind            TunnelKind
	ClientRemoteAddr string
	SNI             string // http only
	RequestedHost   string // http only
}

// EncodeStreamOpenPreface serialises a StreamOpenPreface.
func EncodeStreamOpenPreface(p *StreamOpenPreface) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(p.Kind))
	buf = putString(buf, p.ClientRemoteAddr)
	buf = putString(buf, p.SNI)
	buf = putString(buf, p.RequestedHost)
	return buf
}

// DecodeStreamOpenPreface parses a StreamOpenPreface.
func DecodeStreamOpenPreface(data []byte) (*StreamOpenPreface, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty stream_open preface", ErrProtocol)
	}
	kind := TunnelKind(data[0])
	rest := data[1:]
	remote, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	sni, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	host, _, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	return &StreamOpenPreface{
		Kind:             kind,
		ClientRemoteAddr: remote,
		SNI:              sni,
		RequestedHost:    host,
	}, nil
}

// EncodeWindowUpdate serialises a window_update frame payload.
func EncodeWindowUpdate(n uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, n)
}

// DecodeWindowUpdate parses a window_update frame payload.
func DecodeWindowUpdate(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: truncated window_update", ErrProtocol)
	}
	return binary.BigEndian.Uint32(data), nil
}

// EncodeStreamReset serialises a stream_reset frame payload.
func EncodeStreamReset(code uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, code)
}

// DecodeStreamReset parses a stream_reset frame payload.
func DecodeStreamReset(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: truncated stream_reset", ErrProtocol)
	}
	return binary.BigEndian.Uint32(data), nil
}
