package main

import (
	"log/slog"
	"net/http"

	"github.com/siphontunnel/siphon/internal/metrics"
)

// serveMetrics runs the optional debug listener exposing the metrics
// sink over promhttp, as described in SPEC_FULL.md section 6.
func serveMetrics(addr string, sink *metrics.Sink) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sink.Handler())
	slog.Info("debug metrics listener starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("debug metrics listener exited", "err", err)
	}
}
