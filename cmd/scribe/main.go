package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/scribe/internal/collab"
	"github.com/ent0n29/scribe/internal/config"
	"github.com/ent0n29/scribe/internal/httpapi"
	"github.com/ent0n29/scribe/internal/logging"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/session"
	"github.com/ent0n29/scribe/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, slog.LevelInfo, "text").Error("config error", "error", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(os.Stderr, level, cfg.LogFormat)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	engine, err := collab.Open(ctx, collab.Config{
		Backend:     cfg.CollabBackend,
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
		Prefix:      cfg.CollabChannelPrefix,
	}, logger)
	if err != nil {
		logger.Error("collab engine init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	dialer := upstream.NewDialer(upstream.DialerConfig{
		URL:         cfg.UpstreamURL,
		APIKey:      cfg.OpenAIAPIKey,
		DialTimeout: cfg.UpstreamDialTimeout,
		Attempts:    cfg.UpstreamDialAttempts,
		CloseGrace:  cfg.CloseGracePeriod,
	}, logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session inactive, closing", "session_id", s.ID, "timeout", cfg.SessionInactivityTimeout.String())
	})

	api := httpapi.New(cfg, sessions, httpapi.UpstreamDialer(dialer), engine, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("relay listening",
			"addr", cfg.BindAddr,
			"path", cfg.RelayPath,
			"collab_backend", engine.Backend(),
			"realtime_models", cfg.RealtimeModels)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	if n := api.Shutdown(); n > 0 {
		logger.Info("closing live sessions", "count", n)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	for sessions.ActiveCount() > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	logger.Info("shutdown complete")
}
