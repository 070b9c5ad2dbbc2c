// Command loomd runs the chat orchestration server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/providers"
	"github.com/loomchat/loom/internal/recall"
	"github.com/loomchat/loom/internal/sandbox"
	"github.com/loomchat/loom/internal/server"
	"github.com/loomchat/loom/internal/store"
	"github.com/loomchat/loom/internal/tools"
)

func main() {
	// Load .env if present; real env vars win.
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("loomd", flag.ExitOnError)
	addr := fs.String("addr", envOrDefault("LOOM_ADDR", "127.0.0.1:5000"), "listen address")
	dataDir := fs.String("data", envOrDefault("LOOM_DATA_DIR", "data"), "data directory for the database and search index")
	configDir := fs.String("config", envOrDefault("LOOM_CONFIG_DIR", "."), "directory holding model_config.yaml and api_keys.yaml")
	toolWorkers := fs.Int("tool-workers", 4, "size of the blocking tool worker pool")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	cfg := config.NewManager(
		filepath.Join(*configDir, "model_config.yaml"),
		filepath.Join(*configDir, "api_keys.yaml"),
		logger,
	)
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer cfg.Close()

	st, err := store.Open(ctx, filepath.Join(*dataDir, "loom.db"), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	index, err := recall.Open(filepath.Join(*dataDir, "recall.bleve"), logger)
	if err != nil {
		return fmt.Errorf("failed to open recall index: %w", err)
	}
	defer index.Close()
	st.SetIndexer(index)

	registry := tools.NewRegistry(*toolWorkers, logger)
	defer registry.Close()
	err = tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Recall:  index,
		Sandbox: sandbox.NewDefaultRunner(logger),
	})
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	active := engine.NewActiveRegistry()
	resolver := providers.NewResolver(cfg, logger)
	pipeline := engine.NewPipeline(st, resolver, registry, active, logger)

	srv := server.New(server.Options{
		Store:    st,
		Pipeline: pipeline,
		Registry: active,
		Tools:    registry,
		Config:   cfg,
		Logger:   logger,
	})
	if err := srv.Start(*addr); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Abort live generations first so their pipelines persist partials and
	// release their SSE connections, then drain the HTTP server.
	active.AbortAll()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
