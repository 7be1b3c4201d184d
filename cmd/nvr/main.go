package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/topqaz/nvr/app"
	"github.com/topqaz/nvr/config"
)

const defaultConfigPath = "config/nvr.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	// Setup structured logger
	logLevel, _ := config.ParseLevel(cfg.Logging.Level)
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("starting nvr service",
		"config", *configPath,
		"debug", *debug,
		"camera_backend", cfg.Camera.Backend,
		"recordings", cfg.Recording.Dir,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to create nvr service", "error", err)
		os.Exit(1)
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
		}
		cancel()
	}

	// Graceful shutdown
	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("nvr service stopped successfully")
}

// loadConfig reads path, falling back to defaults when the default path is
// absent.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			slog.Warn("config file not found, using defaults", "config", path)
			cfg := config.Default()
			return cfg, config.Validate(cfg)
		}
	}
	return config.Load(path)
}
