package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siphontunnel/siphon/internal/protocol"
)

// Config holds the relay server configuration, loaded the way the
// teacher's relay.Config is: a defaults struct literal, then
// yaml.Unmarshal, then validation — with an added environment-overlay
// pass so the listener, TLS, base-domain and DNS fields may also be set
// via SIPHON_SERVER_<FIELD>. The tunnel timeouts have no environment
// override.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	DNS    DNSConfig    `yaml:"dns"`
}

// ListenConfig controls the addresses and ports the server binds.
type ListenConfig struct {
	BindHost     string `yaml:"bind_host"`
	ControlPort  int    `yaml:"control_port"`
	HTTPPort     int    `yaml:"http_port"`
	TCPPortStart int    `yaml:"tcp_port_start"`
	TCPPortEnd   int    `yaml:"tcp_port_end"`
}

// TLSConfig holds the secret-source URIs for mTLS and optional public
// HTTP TLS material.
type TLSConfig struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	CACert     string `yaml:"ca_cert"`
	HTTPCert   string `yaml:"http_cert"`
	HTTPKey    string `yaml:"http_key"`
	AutoOriginCA bool `yaml:"auto_origin_ca"`
}

// TunnelConfig controls the base domain and per-tunnel timeouts.
type TunnelConfig struct {
	BaseDomain     string        `yaml:"base_domain"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// DNSConfig holds Cloudflare DNS automation settings.
type DNSConfig struct {
	CloudflareAPIToken string `yaml:"cloudflare_api_token"`
	CloudflareZoneID   string `yaml:"cloudflare_zone_id"`
	ServerIP           string `yaml:"server_ip"`
	ServerCNAME        string `yaml:"server_cname"`
}

// LoadConfig reads and parses a server configuration file, then applies
// any SIPHON_SERVER_<FIELD> environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{
			BindHost:     "0.0.0.0",
			ControlPort:  4443,
			HTTPPort:     8080,
			TCPPortStart: 30000,
			TCPPortEnd:   31000,
		},
		Tunnel: TunnelConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			PongTimeout:      10 * time.Second,
			DrainTimeout:     30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	_applyEnvOverrides(cfg)

	if cfg.Tunnel.BaseDomain == "" {
		return nil, fmt.Errorf("%w: tunnel.base_domain is required", protocol.ErrConfigInvalid)
	}
	if cfg.TLS.Cert == "" || cfg.TLS.Key == "" || cfg.TLS.CACert == "" {
		return nil, fmt.Errorf("%w: tls.cert, tls.key and tls.ca_cert are required", protocol.ErrConfigInvalid)
	}
	if cfg.Listen.TCPPortStart > cfg.Listen.TCPPortEnd {
		return nil, fmt.Errorf("%w: tcp_port_start must not exceed tcp_port_end", protocol.ErrConfigInvalid)
	}
	if cfg.DNS.ServerIP != "" && cfg.DNS.ServerCNAME != "" {
		return nil, fmt.Errorf("%w: at most one of server_ip/server_cname may be set", protocol.ErrConfigInvalid)
	}
	return cfg, nil
}

// _applyEnvOverrides mutates cfg in place from SIPHON_SERVER_<FIELD>
// environment variables, following the naming convention documented in
// SPEC_FULL.md: SIPHON_SERVER_BASE_DOMAIN, SIPHON_SERVER_CONTROL_PORT, etc.
func _applyEnvOverrides(cfg *Config) {
	overlay := map[string]func(string){
		"SIPHON_SERVER_BIND_HOST":             func(v string) { cfg.Listen.BindHost = v },
		"SIPHON_SERVER_CONTROL_PORT":          intSetter(&cfg.Listen.ControlPort),
		"SIPHON_SERVER_HTTP_PORT":             intSetter(&cfg.Listen.HTTPPort),
		"SIPHON_SERVER_TCP_PORT_START":        intSetter(&cfg.Listen.TCPPortStart),
		"SIPHON_SERVER_TCP_PORT_END":          intSetter(&cfg.Listen.TCPPortEnd),
		"SIPHON_SERVER_BASE_DOMAIN":           func(v string) { cfg.Tunnel.BaseDomain = v },
		"SIPHON_SERVER_CERT":                  func(v string) { cfg.TLS.Cert = v },
		"SIPHON_SERVER_KEY":                   func(v string) { cfg.TLS.Key = v },
		"SIPHON_SERVER_CA_CERT":               func(v string) { cfg.TLS.CACert = v },
		"SIPHON_SERVER_HTTP_CERT":             func(v string) { cfg.TLS.HTTPCert = v },
		"SIPHON_SERVER_HTTP_KEY":              func(v string) { cfg.TLS.HTTPKey = v },
		"SIPHON_SERVER_AUTO_ORIGIN_CA":        boolSetter(&cfg.TLS.AutoOriginCA),
		"SIPHON_SERVER_CLOUDFLARE_API_TOKEN":  func(v string) { cfg.DNS.CloudflareAPIToken = v },
		"SIPHON_SERVER_CLOUDFLARE_ZONE_ID":    func(v string) { cfg.DNS.CloudflareZoneID = v },
		"SIPHON_SERVER_SERVER_IP":             func(v string) { cfg.DNS.ServerIP = v },
		"SIPHON_SERVER_SERVER_CNAME":          func(v string) { cfg.DNS.ServerCNAME = v },
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

func boolSetter(dst *bool) func(string) {
	return func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
