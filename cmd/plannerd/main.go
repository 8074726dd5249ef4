// Command plannerd serves the planner API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/planwise/planner/pkg/config"
	"github.com/planwise/planner/pkg/provider"
	"github.com/planwise/planner/pkg/provider/gemini"
	"github.com/planwise/planner/pkg/server"
	"github.com/planwise/planner/pkg/store/sqlite"
)

func main() {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var p provider.Provider
	switch cfg.Provider {
	case "gemini":
		p, err = gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			slog.Error("failed to initialize Gemini provider", "error", err)
			os.Exit(1)
		}
	default:
		p = &provider.Static{Delay: 50 * time.Millisecond}
	}
	slog.Info("using model provider", "provider", p.Name())

	srv := server.New(st, st, p, server.Options{
		Tokens:       cfg.AuthTokens,
		SessionLimit: cfg.SessionLimit,
		RateLimit:    cfg.RateLimit,
	})

	// Shut down cleanly on SIGINT/SIGTERM.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
