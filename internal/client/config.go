package client

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siphontunnel/siphon/internal/protocol"
)

// Config holds the client configuration, following the shape of the
// teacher's agent.Config: a defaults struct literal, yaml.Unmarshal, then
// validation, with an environment-overlay pass added for
// SIPHON_CLIENT_<SECTION>_<FIELD> overrides of the fields listed in
// _applyEnvOverrides.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Backend BackendConfig `yaml:"backend"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
}

// ServerConfig specifies the relay's control plane address and the mTLS
// material used to reach it.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
	CACert string `yaml:"ca_cert"`
}

// ProxyConfig controls routing the control-plane connection through a
// corporate SOCKS5/HTTP-CONNECT proxy, kept from the teacher unchanged.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// BackendConfig specifies the local service the tunnel exposes.
type BackendConfig struct {
	TargetAddr  string        `yaml:"target_addr"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TunnelConfig controls tunnel negotiation, reconnection, and keepalive.
type TunnelConfig struct {
	Kind               string        `yaml:"kind"` // "http" or "tcp"
	RequestedSubdomain string        `yaml:"requested_subdomain"`
	MaxFrameSize       uint32        `yaml:"max_frame_size"`
	InitialWindow      uint32        `yaml:"initial_window"`
	MaxInFlight        int           `yaml:"max_in_flight"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"` // graceful-shutdown grace period, spec section 5
}

// LoadConfig reads and parses a client configuration file, then applies
// SIPHON_CLIENT_<SECTION>_<FIELD> environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Backend: BackendConfig{DialTimeout: 500 * time.Millisecond},
		Tunnel: TunnelConfig{
			Kind:              "http",
			MaxInFlight:       1024,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
			PingInterval:      30 * time.Second,
			PongTimeout:       10 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			DrainTimeout:      30 * time.Second,
		},
		Proxy: ProxyConfig{
			HealthTimeout:   10 * time.Second,
			RecheckInterval: 5 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	_applyEnvOverrides(cfg)

	if cfg.Server.Addr == "" {
		return nil, fmt.Errorf("%w: server.addr is required", protocol.ErrConfigInvalid)
	}
	if cfg.Server.Cert == "" || cfg.Server.Key == "" || cfg.Server.CACert == "" {
		return nil, fmt.Errorf("%w: server.cert, server.key and server.ca_cert are required", protocol.ErrConfigInvalid)
	}
	if cfg.Backend.TargetAddr == "" {
		return nil, fmt.Errorf("%w: backend.target_addr is required", protocol.ErrConfigInvalid)
	}
	if _, err := protocol.ParseTunnelKind(cfg.Tunnel.Kind); err != nil {
		return nil, fmt.Errorf("%w: tunnel.kind must be \"http\" or \"tcp\"", protocol.ErrConfigInvalid)
	}
	return cfg, nil
}

func _applyEnvOverrides(cfg *Config) {
	overlay := map[string]func(string){
		"SIPHON_CLIENT_SERVER_ADDR":             func(v string) { cfg.Server.Addr = v },
		"SIPHON_CLIENT_SERVER_CERT":             func(v string) { cfg.Server.Cert = v },
		"SIPHON_CLIENT_SERVER_KEY":              func(v string) { cfg.Server.Key = v },
		"SIPHON_CLIENT_SERVER_CA_CERT":          func(v string) { cfg.Server.CACert = v },
		"SIPHON_CLIENT_PROXY_URL":               func(v string) { cfg.Proxy.URL = v },
		"SIPHON_CLIENT_BACKEND_TARGET_ADDR":     func(v string) { cfg.Backend.TargetAddr = v },
		"SIPHON_CLIENT_TUNNEL_KIND":             func(v string) { cfg.Tunnel.Kind = v },
		"SIPHON_CLIENT_TUNNEL_REQUESTED_SUBDOMAIN": func(v string) { cfg.Tunnel.RequestedSubdomain = v },
		"SIPHON_CLIENT_TUNNEL_MAX_IN_FLIGHT":    intSetter(&cfg.Tunnel.MaxInFlight),
	}
	for name, set := range overlay {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			set(v)
		}
	}
}

func intSetter(dst *int) func(string) {
	return func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
