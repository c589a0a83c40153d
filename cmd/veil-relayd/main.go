package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"veil-chat/go-core/internal/config"
	"veil-chat/go-core/internal/platform/privacylog"
	"veil-chat/go-core/internal/relayserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to veil-relayd.yaml (optional)")
	listen := flag.String("listen", "", "Listen address override (optional)")
	storePath := flag.String("store", "", "Queue store path override (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("veil-relayd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *listen != "" {
		_ = os.Setenv("VEIL_RELAY_LISTEN", *listen)
	}
	if *storePath != "" {
		_ = os.Setenv("VEIL_RELAY_STORE", *storePath)
	}

	cfg := config.LoadServer(*configPath)
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	store, err := relayserver.OpenQueueStore(cfg.StorePath)
	if err != nil {
		log.Fatalf("veil-relayd failed to open store: %v", err)
	}
	defer store.Close()

	srv := relayserver.NewServer(store,
		relayserver.WithServerLogger(logger),
		relayserver.WithRateLimit(cfg.RateRPS, cfg.RateBurst),
	)
	go srv.RunSweeper(ctx, cfg.SweepInterval)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("veil-relayd starting", "listen", cfg.Listen, "store", cfg.StorePath)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("veil-relayd failed: %v", err)
	}
	logger.Info("veil-relayd stopped")
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
