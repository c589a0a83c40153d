package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"veil-chat/go-core/internal/config"
	"veil-chat/go-core/internal/daemon"
	"veil-chat/go-core/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to veild.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for local encrypted data (optional)")
	relayURL := flag.String("relay-url", "", "Relay base URL override (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("veild version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *relayURL != "" {
		_ = os.Setenv("VEIL_RELAY_URL", *relayURL)
	}
	if *dataDir != "" {
		_ = os.Setenv("VEIL_DATA_DIR", *dataDir)
	}

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	svc, err := daemon.New(cfg, logger)
	if err != nil {
		log.Fatalf("veild failed to initialize: %v", err)
	}

	logger.Info("veild starting", "data_dir", cfg.DataDir, "relay", cfg.Relay.BaseURL)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("veild failed: %v", err)
	}
	logger.Info("veild stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}
