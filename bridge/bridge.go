package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/gantrybridge/config"
	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/health"
	"github.com/c360/gantrybridge/metric"
	"github.com/c360/gantrybridge/session"
	"github.com/c360/gantrybridge/storage/snapshot"
)

// SystemName names the bridge in health reports.
const SystemName = "gantrybridge"

// shutdownTimeout bounds the stop of sink workers and servers.
const shutdownTimeout = 5 * time.Second

// Service is a component started with the bridge and stopped after it, such
// as the websocket feed.
type Service interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Deps holds everything a Bridge needs.
type Deps struct {
	Config  *config.Config
	Catalog *gantry.Catalog
	Logger  *slog.Logger

	// Registry enables metrics. Nil runs without them.
	Registry *metric.MetricsRegistry
	// Health defaults to a fresh monitor.
	Health *health.Monitor
	// Launcher defaults to an ExecLauncher when a launcher command is
	// configured and to a NoopLauncher otherwise.
	Launcher Launcher

	// Stores are read once to seed the snapshot cache and then receive
	// every new snapshot.
	Stores   []snapshot.Store
	Sinks    []Sink
	Services []Service
}

// Bridge connects controllers to one simulation engine.
type Bridge struct {
	cfg       *config.Config
	catalog   *gantry.Catalog
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	registrar metric.MetricsRegistrar
	health    *health.Monitor
	launcher  Launcher
	sessions  *session.Manager
	stores    []snapshot.Store
	sinks     []*sinkWorker
	services  []Service
	dropLog   *rate.Limiter

	lnMu       sync.Mutex
	controller net.Listener
	engineLn   net.Listener

	// startMu is the startup lock: it guards engine.
	startMu sync.Mutex
	engine  *engineLink

	cacheMu  sync.RWMutex
	snapshot []byte
	seq      int

	wg sync.WaitGroup
}

// New validates deps and builds a bridge. Nothing is bound until Listen.
func New(deps Deps) (*Bridge, error) {
	if deps.Config == nil || deps.Catalog == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: config and catalog are required", errors.ErrMissingConfig),
			"Bridge", "New", "dependency check")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")

	b := &Bridge{
		cfg:      deps.Config,
		catalog:  deps.Catalog,
		logger:   logger,
		registry: deps.Registry,
		health:   deps.Health,
		launcher: deps.Launcher,
		stores:   deps.Stores,
		services: deps.Services,
		dropLog:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
	if b.registry != nil {
		b.metrics = b.registry.CoreMetrics()
		b.registrar = b.registry
	}
	if b.health == nil {
		b.health = health.NewMonitor()
	}
	if b.launcher == nil {
		if len(b.cfg.Engine.Launcher) > 0 {
			b.launcher = &ExecLauncher{Command: b.cfg.Engine.Launcher, Logger: logger}
		} else {
			b.launcher = NoopLauncher{Logger: logger}
		}
	}
	b.sessions = session.NewManager(logger, b.metrics)

	sinks := make([]Sink, 0, len(deps.Stores)+len(deps.Sinks))
	for i, store := range deps.Stores {
		sinks = append(sinks, NewStoreSink(fmt.Sprintf("snapshot_%d", i), store))
	}
	sinks = append(sinks, deps.Sinks...)
	for _, s := range sinks {
		w, err := b.newSinkWorker(s)
		if err != nil {
			return nil, err
		}
		b.sinks = append(b.sinks, w)
	}

	b.health.UpdateDegraded("engine", "not running")
	return b, nil
}

// Listen seeds the snapshot cache and binds the controller and engine
// listeners. Run calls it when it has not been called yet.
func (b *Bridge) Listen(ctx context.Context) error {
	b.lnMu.Lock()
	defer b.lnMu.Unlock()
	if b.controller != nil {
		return nil
	}

	if data, ok := snapshot.Seed(ctx, b.stores...); ok {
		b.cacheMu.Lock()
		b.snapshot = data
		b.cacheMu.Unlock()
		b.logger.Info("Snapshot cache seeded", "bytes", len(data))
	}

	var lc net.ListenConfig
	controller, err := lc.Listen(ctx, "tcp", b.cfg.Controller.Listen)
	if err != nil {
		return errors.WrapFatal(err, "Bridge", "Listen", "controller listen on "+b.cfg.Controller.Listen)
	}
	engineLn, err := lc.Listen(ctx, "tcp", b.cfg.Engine.Listen)
	if err != nil {
		controller.Close()
		return errors.WrapFatal(err, "Bridge", "Listen", "engine listen on "+b.cfg.Engine.Listen)
	}
	b.controller = controller
	b.engineLn = engineLn
	b.logger.Info("Bridge listening", "controller", controller.Addr().String(), "engine", engineLn.Addr().String())
	return nil
}

// ControllerAddr returns the bound controller address, or "" before Listen.
func (b *Bridge) ControllerAddr() string {
	b.lnMu.Lock()
	defer b.lnMu.Unlock()
	if b.controller == nil {
		return ""
	}
	return b.controller.Addr().String()
}

// EngineAddr returns the bound engine address, or "" before Listen.
func (b *Bridge) EngineAddr() string {
	b.lnMu.Lock()
	defer b.lnMu.Unlock()
	if b.engineLn == nil {
		return ""
	}
	return b.engineLn.Addr().String()
}

// Run serves controllers until ctx is done, then closes every connection and
// drains the sinks.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Listen(ctx); err != nil {
		return err
	}

	for _, w := range b.sinks {
		if err := w.pool.Start(ctx); err != nil {
			return errors.WrapFatal(err, "Bridge", "Run", "start sink "+w.sink.Name())
		}
	}
	for _, s := range b.services {
		if err := s.Start(ctx); err != nil {
			b.stop()
			return errors.WrapFatal(err, "Bridge", "Run", "start service")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.acceptLoop(gctx)
	})
	if b.registry != nil && b.cfg.Metrics.Port > 0 {
		server := metric.NewServer(fmt.Sprintf(":%d", b.cfg.Metrics.Port), b.cfg.Metrics.Path, b.registry,
			b.health.Handler(SystemName))
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Stop(stopCtx)
		})
	}

	b.health.UpdateHealthy("controller", "accepting connections")
	err := g.Wait()
	b.stop()
	return err
}

func (b *Bridge) stop() {
	b.lnMu.Lock()
	if b.controller != nil {
		b.controller.Close()
	}
	if b.engineLn != nil {
		b.engineLn.Close()
	}
	b.lnMu.Unlock()

	b.startMu.Lock()
	eng := b.engine
	b.startMu.Unlock()
	if eng != nil {
		eng.exit()
	}

	b.wg.Wait()

	for _, w := range b.sinks {
		if err := w.pool.Stop(shutdownTimeout); err != nil {
			b.logger.Warn("Sink did not drain", "sink", w.sink.Name(), "error", err)
		}
	}
	for _, s := range b.services {
		if err := s.Stop(shutdownTimeout); err != nil {
			b.logger.Warn("Service stop failed", "error", err)
		}
	}
	b.health.UpdateUnhealthy("controller", "stopped")
	b.logger.Info("Bridge stopped")
}

// Running reports whether an engine is connected.
func (b *Bridge) Running() bool {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.engine != nil
}

// Snapshot returns the last rendered telemetry and its sequence number.
func (b *Bridge) Snapshot() ([]byte, int) {
	b.cacheMu.RLock()
	defer b.cacheMu.RUnlock()
	return b.snapshot, b.seq
}

// Sessions returns the number of connected controllers.
func (b *Bridge) Sessions() int {
	return b.sessions.Count()
}

// Health returns the aggregated bridge health.
func (b *Bridge) Health() health.Status {
	return b.health.AggregateHealth(SystemName)
}

func (b *Bridge) logDrop(msg string, args ...any) {
	if b.dropLog.Allow() {
		b.logger.Warn(msg, args...)
	}
}
