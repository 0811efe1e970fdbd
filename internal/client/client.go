// Package client implements the developer-machine side of siphon: it
// dials the relay's control plane, negotiates a tunnel, and dials the
// local backend once per stream the relay opens. It generalizes the
// teacher's internal/agent package (Agent, Tunnel, ProxyDialer, Verifier)
// from an HTTP-only JSON-over-websocket relay client into a mux-based
// client that can carry either HTTP or raw TCP tunnels.
package client

import (
	"context"
	"log/slog"
	"time"
)

// Client manages the lifecycle of the tunnel connection to the relay,
// including backend verification and automatic reconnection, exactly as
// the teacher's Agent does.
type Client struct {
	cfg    *Config
	dialer *ProxyDialer
}

// New creates a new client from the given configuration.
func New(cfg *Config) (*Client, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Client{cfg: cfg, dialer: dialer}, nil
}

// Run verifies the local backend is reachable, then enters the reconnect
// loop. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	verifier := NewVerifier(c.cfg.Backend.TargetAddr, c.cfg.Backend.DialTimeout)
	if err := verifier.CheckHealth(ctx); err != nil {
		slog.Warn("local backend not reachable at startup, continuing anyway", "err", err)
	}

	return c._reconnectLoop(ctx)
}

// _reconnectLoop continuously attempts to connect and maintain the
// tunnel, with exponential backoff, exactly as the teacher's
// agent._reconnect_loop does.
func (c *Client) _reconnectLoop(ctx context.Context) error {
	delay := c.cfg.Tunnel.ReconnectDelay
	for {
		err := c._runTunnel(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = delay * 2
		if delay > c.cfg.Tunnel.MaxReconnectDelay {
			delay = c.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// _runTunnel connects to the relay and processes frames until
// disconnection, exactly as the teacher's agent._run_tunnel does.
func (c *Client) _runTunnel(ctx context.Context) error {
	tunnel, err := ConnectTunnel(ctx, c.cfg, c.dialer)
	if err != nil {
		return err
	}
	defer tunnel.Close()

	var stopCheck func()
	if c.cfg.Proxy.RecheckInterval > 0 {
		verifier := NewVerifier(c.cfg.Backend.TargetAddr, c.cfg.Backend.DialTimeout)
		stopCheck = StartPeriodicCheck(verifier, c.cfg.Proxy.RecheckInterval)
		defer stopCheck()
	}

	return tunnel.Run(ctx)
}
