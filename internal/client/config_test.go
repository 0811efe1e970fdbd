package client

import (
	"os"
	"path/filepath"
	"testing"
)

func _write_client_config(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func Test_load_config_applies_defaults(t *testing.T) {
	path := _write_client_config(t, `
server:
  addr: relay.example.com:4443
  cert: file:///tmp/cert.pem
  key: file:///tmp/key.pem
  ca_cert: file:///tmp/ca.pem
backend:
  target_addr: 127.0.0.1:8000
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tunnel.Kind != "http" {
		t.Errorf("got kind %q, want http", cfg.Tunnel.Kind)
	}
	if cfg.Tunnel.MaxInFlight != 1024 {
		t.Errorf("got max_in_flight %d, want 1024", cfg.Tunnel.MaxInFlight)
	}
	if cfg.Backend.DialTimeout == 0 {
		t.Error("expected a non-zero default dial timeout")
	}
}

func Test_load_config_missing_server_addr(t *testing.T) {
	path := _write_client_config(t, `
server:
  cert: file:///tmp/cert.pem
  key: file:///tmp/key.pem
  ca_cert: file:///tmp/ca.pem
backend:
  target_addr: 127.0.0.1:8000
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing server.addr")
	}
}

func Test_load_config_missing_backend(t *testing.T) {
	path := _write_client_config(t, `
server:
  addr: relay.example.com:4443
  cert: file:///tmp/cert.pem
  key: file:///tmp/key.pem
  ca_cert: file:///tmp/ca.pem
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing backend.target_addr")
	}
}

func Test_load_config_invalid_kind(t *testing.T) {
	path := _write_client_config(t, `
server:
  addr: relay.example.com:4443
  cert: file:///tmp/cert.pem
  key: file:///tmp/key.pem
  ca_cert: file:///tmp/ca.pem
backend:
  target_addr: 127.0.0.1:8000
tunnel:
  kind: carrier-pigeon
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid tunnel.kind")
	}
}

func Test_load_config_env_override(t *testing.T) {
	path := _write_client_config(t, `
server:
  addr: relay.example.com:4443
  cert: file:///tmp/cert.pem
  key: file:///tmp/key.pem
  ca_cert: file:///tmp/ca.pem
backend:
  target_addr: 127.0.0.1:8000
`)
	t.Setenv("SIPHON_CLIENT_TUNNEL_KIND", "tcp")
	t.Setenv("SIPHON_CLIENT_BACKEND_TARGET_ADDR", "127.0.0.1:9000")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tunnel.Kind != "tcp" {
		t.Errorf("got kind %q, want tcp from env override", cfg.Tunnel.Kind)
	}
	if cfg.Backend.TargetAddr != "127.0.0.1:9000" {
		t.Errorf("got target_addr %q, want override from env", cfg.Backend.TargetAddr)
	}
}
