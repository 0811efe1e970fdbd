package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Verifier checks that the configured local backend is reachable. It
// repurposes the teacher's internal/agent/verify.go — originally "is our
// egress IP different from our direct IP" for a residential-proxy
// deployment — into a local-backend reachability prober, since this spec
// has no residential-proxy routing concept. A negative result is logged,
// not fatal: spec.md section 4.6 handles local-unreachable per-stream
// (stream_reset), not by gating the whole tunnel on backend health.
type Verifier struct {
	targetAddr string
	timeout    time.Duration
}

// NewVerifier creates a local-backend reachability verifier.
func NewVerifier(targetAddr string, timeout time.Duration) *Verifier {
	return &Verifier{targetAddr: targetAddr, timeout: timeout}
}

// CheckHealth dials the local backend once and reports whether it
// accepted the connection.
func (v *Verifier) CheckHealth(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: v.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", v.targetAddr)
	if err != nil {
		return fmt.Errorf("local backend %s unreachable: %w", v.targetAddr, err)
	}
	conn.Close()
	return nil
}

// StartPeriodicCheck runs backend health checks at the given interval,
// logging failures rather than treating them as fatal. Returns a stop
// function, kept for symmetry with the teacher's agent.StartPeriodicCheck
// even though the client never closes the tunnel on a failed check.
func StartPeriodicCheck(v *Verifier, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
				if err := v.CheckHealth(ctx); err != nil {
					slog.Warn("periodic backend health check failed", "err", err)
				} else {
					slog.Debug("periodic backend health check passed")
				}
				cancel()
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
