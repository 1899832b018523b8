package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sor4chi/feed-worker/internal/config"
	"github.com/sor4chi/feed-worker/internal/discord"
	"github.com/sor4chi/feed-worker/internal/feed"
	"github.com/sor4chi/feed-worker/internal/kv"
	"github.com/sor4chi/feed-worker/internal/scheduler"
	"github.com/sor4chi/feed-worker/internal/store"
	"github.com/sor4chi/feed-worker/internal/subscription"
	"github.com/sor4chi/feed-worker/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	kvStore, err := kv.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = kvStore.Close() }()

	st := store.New(kvStore)
	notifier := discord.New(http.DefaultClient, cfg.DiscordBotToken)
	svc := subscription.New(st, feed.NewProber(http.DefaultClient), log)

	sched := scheduler.New(st, notifier, log)
	sched.SetTickInterval(cfg.PollInterval)
	sched.SetFetchTimeout(cfg.FetchTimeout)
	sched.SetBackoffThreshold(cfg.BackoffThreshold)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook.New(svc, log))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting feed worker", "addr", cfg.ListenAddr, "poll_interval", cfg.PollInterval)

	go sched.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "error", err)
		os.Exit(1)
	}

	log.Info("feed worker stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
