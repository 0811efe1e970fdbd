package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/siphontunnel/siphon/internal/dnsprovisioner"
	"github.com/siphontunnel/siphon/internal/metrics"
	"github.com/siphontunnel/siphon/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to server configuration file")
	debugAddr := flag.String("debug-addr", "", "optional address to serve /metrics on (empty disables it)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	var dns dnsprovisioner.Provisioner = dnsprovisioner.NoopProvisioner{}
	if cfg.DNS.CloudflareAPIToken != "" && cfg.DNS.CloudflareZoneID != "" {
		dns = dnsprovisioner.NewCloudflareProvisioner(cfg.DNS.CloudflareAPIToken, cfg.DNS.CloudflareZoneID, cfg.Tunnel.BaseDomain)
	}

	sink := metrics.New()
	if *debugAddr != "" {
		go serveMetrics(*debugAddr, sink)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg, dns, sink, slog.Default())
	slog.Info("server starting")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
