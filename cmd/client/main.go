package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/siphontunnel/siphon/internal/client"
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to client configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.New(cfg)
	if err != nil {
		slog.Error("failed to create client", "err", err)
		os.Exit(1)
	}

	slog.Info("client starting")
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("client exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("client stopped")
}
