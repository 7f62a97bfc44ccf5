// Steammarket - escrowed skin trading for Steam inventories
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZhaslanToishybayev/steammarket/internal/config"
	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.Env == "production" {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)
	logger.Info("starting steammarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		_ = srv.Shutdown()
		os.Exit(1)
	}

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
