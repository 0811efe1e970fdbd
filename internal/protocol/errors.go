package protocol

import "errors"

// Error kinds as named in spec section 7. These are sentinels, not types:
// wrap them with fmt.Errorf("...: %w", ErrX) for context and compare with
// errors.Is.
var (
	// ErrTransport indicates an underlying TLS/TCP failure.
	ErrTransport = errors.New("transport error")
	// ErrProtocol indicates a malformed frame, oversize payload, or
	// unknown stream-0 frame type.
	ErrProtocol = errors.New("protocol error")
	// ErrResourceExhausted indicates no free TCP port or too many
	// in-flight streams.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNameConflict indicates the requested subdomain is already taken.
	ErrNameConflict = errors.New("name conflict")
	// ErrLocalUnreachable indicates the client's local dial failed.
	ErrLocalUnreachable = errors.New("local service unreachable")
	// ErrDNSFailure indicates the DNS provisioner failed during HTTP
	// tunnel registration.
	ErrDNSFailure = errors.New("dns provisioning failure")
	// ErrConfigInvalid is a fatal startup-only configuration error.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrSecretUnavailable is a fatal startup-only secret resolution
	// error.
	ErrSecretUnavailable = errors.New("secret unavailable")
)

// GoAway error codes, carried as the u32 in a goaway frame's payload.
const (
	GoAwayNone           uint32 = 0
	GoAwayProtocolError  uint32 = 1
	GoAwayClientShutdown uint32 = 2
	GoAwayServerShutdown uint32 = 3
	GoAwayIdleTimeout    uint32 = 4
)

// Stream reset error codes, carried as the u32 in a stream_reset frame's
// payload.
const (
	ResetNone             uint32 = 0
	ResetLocalUnreachable uint32 = 1
	ResetResourceExhausted uint32 = 2
	ResetProtocolError    uint32 = 3
	ResetPeerReset        uint32 = 4
)

// Hello rejection codes, per spec section 4.3.
const (
	ErrCodeSubdomainTaken      = "subdomain_taken"
	ErrCodeSubdomainInvalid    = "subdomain_invalid"
	ErrCodeNoTCPPortsAvailable = "no_tcp_ports_available"
	ErrCodeUnsupportedVersion  = "unsupported_version"
	ErrCodeDNSFailure          = "dns_failure"
	ErrCodeInternal            = "internal"
)
