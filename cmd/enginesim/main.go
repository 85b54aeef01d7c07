// Package main implements enginesim, a stand-in for the traffic simulator.
// It runs the engine plugin against the synthetic host and connects to the
// bridge the same way the plugin does inside the real simulator.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/gantrybridge/engine"
	"github.com/c360/gantrybridge/engine/simhost"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/lockstep"
	"github.com/c360/gantrybridge/metric"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/pkg/buffer"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "enginesim"
)

// commandQueueSize bounds the commands waiting for the next simulation step.
const commandQueueSize = 1024

type options struct {
	Bridge      string
	Catalog     string
	Replication int
	Start       string
	Duration    time.Duration
	Step        time.Duration
	WarmUp      time.Duration
	Interval    time.Duration
	Pace        time.Duration
	MetricsPort int
	LogLevel    string
	LogFormat   string
	ShowVersion bool
}

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
		slog.Error("Simulation failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func parseFlags() *options {
	def := simhost.DefaultConfig()
	o := &options{}

	flag.StringVar(&o.Bridge, "bridge", "localhost:1251", "Bridge engine listener address")
	flag.StringVar(&o.Catalog, "catalog", "sokp.xml", "Gantry catalog file")
	flag.IntVar(&o.Replication, "replication", 31334, "Replication id, logged only")
	flag.StringVar(&o.Start, "start", def.Start.Format(time.DateTime), "Scenario start, local time")
	flag.DurationVar(&o.Duration, "duration", def.Duration, "Simulated duration")
	flag.DurationVar(&o.Step, "step", def.Step, "Simulation step")
	flag.DurationVar(&o.WarmUp, "warm-up", def.WarmUp, "Warm-up period without detection")
	flag.DurationVar(&o.Interval, "interval", def.DetectionInterval, "Detection interval")
	flag.DurationVar(&o.Pace, "pace", 0, "Wall-clock time per step, 0 runs as fast as possible")
	flag.IntVar(&o.MetricsPort, "metrics-port", 0, "Metrics port, 0 to disable")
	flag.StringVar(&o.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&o.LogFormat, "log-format", "text", "Log format: json, text")
	flag.BoolVar(&o.ShowVersion, "version", false, "Show version information")
	flag.Parse()
	return o
}

func run() error {
	opts := parseFlags()
	if opts.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(opts.LogLevel, opts.LogFormat)
	slog.SetDefault(logger)

	start, err := time.ParseInLocation(time.DateTime, opts.Start, time.Local)
	if err != nil {
		return fmt.Errorf("invalid start %q: %w", opts.Start, err)
	}

	catalog, err := gantry.LoadCatalogFile(opts.Catalog)
	if catalog == nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err != nil {
		logger.Warn("Catalog loaded with skipped entries", "error", err)
	}

	host, err := simhost.New(catalog, simhost.Config{
		Start:             start,
		Step:              opts.Step,
		Duration:          opts.Duration,
		WarmUp:            opts.WarmUp,
		DetectionInterval: opts.Interval,
		VehicleTypes:      simhost.DefaultConfig().VehicleTypes,
		Pace:              opts.Pace,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	queue, err := buffer.NewRing[packet.Command](commandQueueSize,
		buffer.WithOverflowPolicy[packet.Command](buffer.Block),
		buffer.WithMetrics[packet.Command](registry, "engine_commands"))
	if err != nil {
		return err
	}
	coordinator := lockstep.New(logger, registry.CoreMetrics())

	logger.Info("Connecting to bridge", "bridge", opts.Bridge, "replication", opts.Replication)
	link, err := engine.Dial(ctx, opts.Bridge, engine.LinkDeps{
		Commands:    queue,
		Coordinator: coordinator,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer link.Close()

	plugin, err := engine.NewPlugin(host, engine.Deps{
		Catalog:     catalog,
		Commands:    queue,
		Publisher:   link,
		Coordinator: coordinator,
		Metrics:     registry,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	simCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(simCtx)

	g.Go(func() error {
		// The bridge closing the link or sending @EXIT ends the run.
		defer cancel()
		return link.Run(gctx)
	})
	g.Go(func() error {
		defer link.Close()
		err := host.Run(gctx, plugin)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if opts.MetricsPort > 0 {
		srv := metric.NewServer(":"+strconv.Itoa(opts.MetricsPort), "/metrics", registry, nil)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Stop(shutdownCtx)
		})
	}

	err = g.Wait()
	speedLimits, closures := plugin.ActiveActions()
	logger.Info("Simulation ended", "sim_time", host.SimTime(),
		"speed_limits", speedLimits, "closures", closures, "synchronous", link.Synchronous())
	return err
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", appName, "version", Version, "pid", os.Getpid())
}
