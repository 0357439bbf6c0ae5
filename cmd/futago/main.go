package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/futago"
	"github.com/ashita-ai/futago/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger, closeLog := config.SetupLogger(cfg.LogFile, level)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	app, err := futago.New(
		futago.WithConfig(cfg),
		futago.WithLogger(logger),
		futago.WithVersion(version),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
