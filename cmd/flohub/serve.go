package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robman/flohub/internal/config"
	"github.com/robman/flohub/internal/hub"
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		Long: `Start the hub server with the configured providers and tools.

The server will:
1. Load configuration from the specified file
2. Open the agent store and audit database
3. Start the scheduler and skill watcher
4. Listen for WebSocket clients and HTTP API traffic

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  flohub serve

  # Start with custom config
  flohub serve --config /etc/flohub/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "flohub.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command: configuration loading, hub
// construction, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	slog.Info("starting flohub",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	h, err := hub.New(cfg, hub.WithLogger(logger.With("component", "hub")))
	if err != nil {
		return fmt.Errorf("failed to initialize hub: %w", err)
	}
	defer h.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("flohub stopped gracefully")
	return nil
}

// buildLogger constructs the process logger from the logging section.
// The debug flag forces debug level regardless of configuration.
func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
