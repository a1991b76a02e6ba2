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

	"github.com/vyvo/laminar/pkg/config"
	"github.com/vyvo/laminar/pkg/engine"
	"github.com/vyvo/laminar/pkg/server"
	"github.com/vyvo/laminar/pkg/store"
	"github.com/vyvo/laminar/pkg/telemetry"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		slog.Error("load settings", "error", err)
		os.Exit(1)
	}

	log := newLogger(settings.LogLevel)
	slog.SetDefault(log)

	if err := os.MkdirAll(settings.Home, 0o755); err != nil {
		log.Error("create home directory", "dir", settings.Home, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(filepath.Join(settings.Home, "laminar.sqlite"), log)
	if err != nil {
		log.Error("open build database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	eng, err := engine.New(settings, db, log)
	if err != nil {
		log.Error("initialize engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "laminard", log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	closeWatcher, err := server.WatchConfig(settings.Home, eng, log)
	if err != nil {
		log.Error("watch configuration", "error", err)
		os.Exit(1)
	}
	defer closeWatcher()

	srv := &http.Server{
		Addr:    listenAddr(settings.BindHTTP),
		Handler: server.New(eng, log).Router(),
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		eng.AbortAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("laminard listening", "addr", srv.Addr, "home", settings.Home)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// listenAddr converts the LAMINAR_BIND_HTTP form (*:8080) into the
// net/http listen form (:8080).
func listenAddr(bind string) string {
	if host, port, ok := strings.Cut(bind, ":"); ok {
		if host == "*" {
			return ":" + port
		}
	}
	return bind
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
