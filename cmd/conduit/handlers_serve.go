package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/conduit/internal/app"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/observability"
	"golang.org/x/term"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command: configuration loading, runtime
// assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if err := loadDotenv(); err != nil {
		return err
	}

	resolved := resolveConfigPath(configPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := buildLogger(cfg.Logging)
	logger.Info(ctx, "starting conduit",
		"version", version,
		"commit", commit,
		"config", resolved,
		"engine", cfg.Engines.Default,
	)

	runtime, err := app.New(ctx, cfg, app.Options{Logger: logger, Version: version})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		_ = runtime.Stop(stopCtx)
		return fmt.Errorf("start runtime: %w", err)
	}

	// Changes to the config file are reported, not hot-applied: engines
	// and listeners are built once at startup.
	if _, statErr := os.Stat(resolved); statErr == nil {
		watcher, werr := config.Watch(ctx, resolved, func(_ *config.Config, err error) {
			if err != nil {
				logger.Warn(ctx, "config changed but does not load", "error", err)
				return
			}
			logger.Info(ctx, "config changed; restart to apply")
		}, config.WatchOptions{Logger: logger.Slog()})
		if werr != nil {
			logger.Warn(ctx, "config watch unavailable", "error", werr)
		} else {
			defer watcher.Close()
		}
	}

	if addr := runtime.GatewayAddr(); addr != "" {
		logger.Info(ctx, "conduit ready", "gateway", addr)
	} else {
		logger.Info(ctx, "conduit ready")
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := runtime.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info(context.Background(), "conduit stopped gracefully")
	return nil
}

// buildLogger constructs the process logger. When the config does not
// pick a format, a TTY gets text and everything else gets JSON.
func buildLogger(cfg config.LoggingConfig) *observability.Logger {
	format := cfg.Format
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}
	return observability.NewLogger(observability.LogConfig{
		Level:     cfg.Level,
		Format:    format,
		Output:    os.Stderr,
		AddSource: cfg.AddSource,
	})
}
