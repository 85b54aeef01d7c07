// Package main implements the gantrybridge binary. It accepts SIRID
// controller connections, starts the traffic simulator on demand and relays
// commands and detector telemetry between the two.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/gantrybridge/bridge"
	"github.com/c360/gantrybridge/config"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/health"
	"github.com/c360/gantrybridge/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gantrybridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, logger, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	catalog, err := loadCatalog(cfg.Catalog.Path, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(cfg, catalog, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses and validates the flags
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration loads the configuration layers, applies the logging
// flags on top and installs the default logger.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, *slog.Logger, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	cfg, err := loader.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	logger.Info("Starting gantrybridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cfg, logger, nil
}

// loadCatalog loads the gantry catalog. Entries the catalog skipped are
// reported but do not stop the bridge.
func loadCatalog(path string, logger *slog.Logger) (*gantry.Catalog, error) {
	catalog, err := gantry.LoadCatalogFile(path)
	if catalog == nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err != nil {
		logger.Warn("Catalog loaded with skipped entries", "path", path, "error", err)
	}
	logger.Info("Catalog loaded", "path", path,
		"servers", len(catalog.Servers), "detectors", len(catalog.Detectors))
	return catalog, nil
}

func runWithSignalHandling(cfg *config.Config, catalog *gantry.Catalog, logger *slog.Logger, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	outputs, err := bridge.OpenOutputs(signalCtx, cfg, logger, registry, monitor)
	if err != nil {
		return fmt.Errorf("open outputs: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := outputs.Close(closeCtx); err != nil {
			logger.Warn("Closing outputs failed", "error", err)
		}
	}()

	b, err := bridge.New(bridge.Deps{
		Config:   cfg,
		Catalog:  catalog,
		Logger:   logger,
		Registry: registry,
		Health:   monitor,
		Stores:   outputs.Stores,
		Sinks:    outputs.Sinks,
		Services: outputs.Services,
	})
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- b.Run(signalCtx)
	}()
	logger.Info("gantrybridge started",
		"controller", cfg.Controller.Listen,
		"engine", cfg.Engine.Listen,
		"metrics_port", cfg.Metrics.Port)

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("bridge stopped: %w", err)
		}
		return nil
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown failed: still running after %s", shutdownTimeout)
	}

	logger.Info("gantrybridge shutdown complete")
	return nil
}
