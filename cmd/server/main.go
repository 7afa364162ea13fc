// Command server runs the watch-party coordinator: the Connection Gateway,
// Room Registry and Coordinator, and Media Store & Streamer, all behind one
// HTTP/websocket listener.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"watchsync/internal/core"
	"watchsync/internal/httpapi"
	"watchsync/internal/media"
	"watchsync/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	envFile := ".env"
	if os.Getenv("APP_ENV") == "production" {
		envFile = ".env.production"
	}
	if err := godotenv.Load(envFile); err != nil {
		slog.Debug("no env file loaded", "file", envFile, "err", err)
	}

	addr := flag.String("addr", envOr("WATCHSYNC_ADDR", ":8080"), "HTTP/WebSocket listen address")
	dataDir := flag.String("data-dir", envOr("WATCHSYNC_DATA_DIR", "data"), "directory for the media catalog database")
	mediaDir := flag.String("media-dir", envOr("WATCHSYNC_MEDIA_DIR", "data/media"), "directory uploaded video files are written to")
	logLevel := flag.String("log-level", envOr("WATCHSYNC_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	configureLogging(*logLevel)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		slog.Error("create data directory", "dir", *dataDir, "err", err)
		os.Exit(1)
	}

	catalog, err := store.Open(*dataDir + "/catalog.db")
	if err != nil {
		slog.Error("open media catalog", "err", err)
		os.Exit(1)
	}
	defer catalog.Close()

	mediaStore, err := media.NewStore(*mediaDir, catalog)
	if err != nil {
		slog.Error("open media store", "err", err)
		os.Exit(1)
	}

	if n, err := mediaStore.Rebuild(context.Background()); err != nil {
		slog.Error("rebuild media catalog", "err", err)
	} else {
		slog.Info("media catalog rebuilt", "records", n)
	}

	registry := core.NewRegistry()
	api := httpapi.New(registry, mediaStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go core.RunStatsLogger(ctx, registry, 30*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	slog.Info("watchsync server starting", "addr", *addr, "media_dir", *mediaDir)
	if err := api.Run(ctx, *addr); err != nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("watchsync server stopped")
}

func configureLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
