package bridge

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/config"
	"github.com/c360/gantrybridge/engine"
	gberrors "github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/health"
	"github.com/c360/gantrybridge/lockstep"
	"github.com/c360/gantrybridge/metric"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/pkg/buffer"
	"github.com/c360/gantrybridge/pkg/retry"
	"github.com/c360/gantrybridge/stanza"
	"github.com/c360/gantrybridge/storage/snapshot"
)

const testCatalog = `<root>
  <gantry id="R01">
    <device id="3" ppk="PPK3" stationing="350.1" position="R">
      <subdevice id="0" type="LED" prefix="B93501"/>
      <subdevice id="1" type="LED" prefix="B33501"/>
    </device>
    <device id="20" ppk="LD" stationing="350.1" position="R">
      <subdevice id="1" type="LD4" prefix="LDX13501">
        <lane id="0" type="LD4" position="left" prefix="LD93501"/>
        <lane id="2" type="LD4" position="shoulder" prefix="LD13501"/>
      </subdevice>
    </device>
  </gantry>
</root>`

const (
	longStatus = `<gantry msg="get_long_status"></gantry>`
	readyRoot  = `<root msg="simulation_ready"></root>`
	finishRoot = `<root msg="simulation_finished"></root>`
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Controller.Listen = "127.0.0.1:0"
	cfg.Controller.ReadBackoff = config.Duration(time.Millisecond)
	cfg.Engine.Listen = "127.0.0.1:0"
	cfg.Engine.HandshakeTimeout = config.Duration(2 * time.Second)
	cfg.Snapshot.Path = ""
	cfg.Metrics.Port = 0
	return cfg
}

func loadCatalog(t *testing.T) *gantry.Catalog {
	t.Helper()
	cat, err := gantry.LoadCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	return cat
}

// startBridge runs a bridge until the test ends.
func startBridge(t *testing.T, cfg *config.Config, deps Deps) (*Bridge, *metric.MetricsRegistry) {
	t.Helper()
	reg := metric.NewMetricsRegistry()
	deps.Config = cfg
	deps.Registry = reg
	if deps.Catalog == nil {
		deps.Catalog = loadCatalog(t)
	}
	b, err := New(deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Listen(ctx))
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})
	return b, reg
}

// fakeEngine is the engine side of a link, driven by the test.
type fakeEngine struct {
	link  *engine.Link
	queue *buffer.Ring[packet.Command]
	coord *lockstep.Coordinator
}

// engineHarness launches fake engines that dial back to the bridge.
type engineHarness struct {
	t       *testing.T
	engines chan *fakeEngine

	mu           sync.Mutex
	replications []int
}

func newEngineHarness(t *testing.T) *engineHarness {
	return &engineHarness{t: t, engines: make(chan *fakeEngine, 4)}
}

func (h *engineHarness) launcher() LauncherFunc {
	return func(_ context.Context, replication, port int) error {
		h.mu.Lock()
		h.replications = append(h.replications, replication)
		h.mu.Unlock()

		go func() {
			queue, err := buffer.NewRing[packet.Command](16)
			if !assert.NoError(h.t, err) {
				return
			}
			coord := lockstep.New(nil, nil)
			link, err := engine.Dial(context.Background(), fmt.Sprintf("127.0.0.1:%d", port), engine.LinkDeps{
				Commands:    queue,
				Coordinator: coord,
				Retry:       retry.Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
			})
			if !assert.NoError(h.t, err) {
				return
			}
			h.t.Cleanup(func() { link.Close() })
			h.engines <- &fakeEngine{link: link, queue: queue, coord: coord}
		}()
		return nil
	}
}

func (h *engineHarness) next() *fakeEngine {
	h.t.Helper()
	select {
	case e := <-h.engines:
		return e
	case <-time.After(3 * time.Second):
		h.t.Fatal("no engine was launched")
		return nil
	}
}

func (h *engineHarness) launched() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.replications...)
}

type controller struct {
	t       *testing.T
	conn    net.Conn
	scanner *stanza.Scanner
}

func dialController(t *testing.T, addr string) *controller {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &controller{t: t, conn: conn, scanner: stanza.NewScanner(conn)}
}

func (c *controller) send(s string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(s))
	require.NoError(c.t, err)
}

func (c *controller) next() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := c.scanner.Next()
	require.NoError(c.t, err)
	return string(data)
}

func testBatch(cat *gantry.Catalog) packet.Batch {
	var m gantry.Measurement
	m.Count[2], m.Speed[2], m.Occupancy[2] = 12, 97.5, 4
	m.Count[gantry.CategoryAll], m.Speed[gantry.CategoryAll] = 12, 97.5
	return packet.Batch{
		Time: "2016-05-10 07:01:00",
		Readings: []packet.Reading{
			{Name: "LD93501", Map: cat.Detectors["LD93501"], Measurement: m},
		},
	}
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(Deps{Config: config.Default()})
	assert.ErrorIs(t, err, gberrors.ErrMissingConfig)
	assert.True(t, gberrors.IsInvalid(err))
}

func TestNew_DefaultLauncher(t *testing.T) {
	cfg := testConfig()
	b, err := New(Deps{Config: cfg, Catalog: loadCatalog(t)})
	require.NoError(t, err)
	assert.IsType(t, NoopLauncher{}, b.launcher)

	cfg.Engine.Launcher = []string{"aimsun", "{replication}"}
	b, err = New(Deps{Config: cfg, Catalog: loadCatalog(t)})
	require.NoError(t, err)
	assert.IsType(t, &ExecLauncher{}, b.launcher)
}

func TestBridge_TelemetryFlow(t *testing.T) {
	cat := loadCatalog(t)
	h := newEngineHarness(t)
	b, reg := startBridge(t, testConfig(), Deps{Catalog: cat, Launcher: h.launcher()})

	first := dialController(t, b.ControllerAddr())
	first.send(longStatus)
	eng := h.next()
	require.Eventually(t, b.Running, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{31334}, h.launched(), "configured replication")
	assert.Equal(t, lockstep.Async, eng.coord.Mode())

	require.NoError(t, eng.link.Publish(testBatch(cat)))
	doc := first.next()
	assert.True(t, strings.HasPrefix(doc, `<root msg="long_status">`), doc)
	assert.Contains(t, doc, `<seq_nr>1</seq_nr>`)
	assert.Contains(t, doc, `<send_time>2016-05-10 07:01:00</send_time>`)

	cached, seq := b.Snapshot()
	assert.Equal(t, 1, seq)
	assert.Contains(t, string(cached), doc)

	// A late controller gets the cached snapshot; the engine is not restarted.
	second := dialController(t, b.ControllerAddr())
	second.send(longStatus)
	assert.Equal(t, doc, second.next())
	assert.Len(t, h.launched(), 1)

	require.NoError(t, eng.link.Close())
	assert.Equal(t, finishRoot, first.next())
	assert.Equal(t, finishRoot, second.next())
	require.Eventually(t, func() bool { return !b.Running() }, 2*time.Second, 10*time.Millisecond)

	m := reg.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EngineStarts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SeqNr))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EngineRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Stanzas.WithLabelValues("get_long_status", "ok")))

	status, ok := b.health.Get("engine")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())
}

func TestBridge_ConcurrentStartLaunchesOnce(t *testing.T) {
	cat := loadCatalog(t)
	h := newEngineHarness(t)
	release := make(chan struct{})
	var calls atomic.Int32
	launch := h.launcher()
	blocking := LauncherFunc(func(ctx context.Context, replication, port int) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return launch(ctx, replication, port)
	})
	b, reg := startBridge(t, testConfig(), Deps{Catalog: cat, Launcher: blocking})

	first := dialController(t, b.ControllerAddr())
	second := dialController(t, b.ControllerAddr())
	require.Eventually(t, func() bool { return b.sessions.Count() == 2 }, 2*time.Second, 10*time.Millisecond)
	first.send(longStatus)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	second.send(longStatus)

	// The second request waits behind the launch in progress.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	close(release)

	eng := h.next()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.Metrics.Stanzas.WithLabelValues("get_long_status", "ok")) == 2
	}, 2*time.Second, 10*time.Millisecond, "both requests are served by the same engine")
	assert.Len(t, h.launched(), 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.EngineStarts.WithLabelValues("ok")))

	require.NoError(t, eng.link.Publish(testBatch(cat)))
	doc := first.next()
	assert.True(t, strings.HasPrefix(doc, `<root msg="long_status">`), doc)
	assert.Equal(t, doc, second.next())
}

func TestBridge_EngineRestartsAfterFinish(t *testing.T) {
	h := newEngineHarness(t)
	b, _ := startBridge(t, testConfig(), Deps{Launcher: h.launcher()})

	c := dialController(t, b.ControllerAddr())
	c.send(longStatus)
	first := h.next()
	require.NoError(t, first.link.Close())
	assert.Equal(t, finishRoot, c.next())
	require.Eventually(t, func() bool { return !b.Running() }, 2*time.Second, 10*time.Millisecond)

	c.send(`<gantry msg="get_long_status"><replication>42</replication></gantry>`)
	h.next()
	require.Eventually(t, b.Running, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{31334, 42}, h.launched())
}

func TestBridge_SynchronousCommands(t *testing.T) {
	h := newEngineHarness(t)
	b, reg := startBridge(t, testConfig(), Deps{Launcher: h.launcher()})

	c := dialController(t, b.ControllerAddr())
	c.send(`<gantry msg="get_long_status"><synchronous> true </synchronous><replication>7</replication></gantry>`)
	eng := h.next()
	assert.Equal(t, readyRoot, c.next())
	assert.Equal(t, []int{7}, h.launched())
	assert.True(t, eng.link.Synchronous())
	assert.Equal(t, lockstep.SyncLocked, eng.coord.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.link.Run(ctx) }()

	c.send(`<root>
  <gantry id="R01"><device id="3"><subdevice id="0"><command validity="60"><symbol>1</symbol></command></subdevice></device></gantry>
  <gantry id="R01"><device id="99"><subdevice id="0"><command validity="60"><symbol>1</symbol></command></subdevice></device></gantry>
  <gantry id="R01"><device id="3"><subdevice id="1"><command validity="30"><symbol>3</symbol></command></subdevice></device></gantry>
</root>`)

	require.Eventually(t, func() bool { return eng.coord.Mode() == lockstep.SyncIdle }, 2*time.Second, 10*time.Millisecond,
		"the batch is followed by an unlock")
	assert.Equal(t, []packet.Command{
		{GantryServer: "R01", Command: gantry.Command{Device: 3, SubDevice: 0, MessageID: 1, Validity: 60}},
		{GantryServer: "R01", Command: gantry.Command{Device: 3, SubDevice: 1, MessageID: 3, Validity: 30}},
	}, eng.queue.Drain())

	m := reg.Metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stanzas.WithLabelValues("command_batch", "ok")))
}

func TestBridge_AsynchronousCommandsDoNotUnlock(t *testing.T) {
	h := newEngineHarness(t)
	b, _ := startBridge(t, testConfig(), Deps{Launcher: h.launcher()})

	c := dialController(t, b.ControllerAddr())
	// A command batch starts the engine as well.
	c.send(`<root><gantry id="R01"><device id="3"><subdevice id="0"><command validity="60"><symbol>2</symbol></command></subdevice></device></gantry></root>`)
	eng := h.next()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.link.Run(ctx) }()

	require.Eventually(t, func() bool { return eng.queue.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lockstep.Async, eng.coord.Mode())
	assert.Equal(t, 2, eng.queue.Drain()[0].Command.MessageID)
}

func TestBridge_SeededSnapshotAndPersistence(t *testing.T) {
	cat := loadCatalog(t)
	path := filepath.Join(t.TempDir(), snapshot.DefaultFileName)
	seed := `<root msg="long_status"><gantry msg="long_status" id="R01"></gantry></root>`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	h := newEngineHarness(t)
	b, _ := startBridge(t, testConfig(), Deps{
		Catalog:  cat,
		Launcher: h.launcher(),
		Stores:   []snapshot.Store{snapshot.NewFileStore(path)},
	})

	data, seq := b.Snapshot()
	assert.Equal(t, seed, string(data))
	assert.Zero(t, seq)

	c := dialController(t, b.ControllerAddr())
	c.send(longStatus)
	eng := h.next()
	assert.Equal(t, seed, c.next(), "served before any live batch")

	require.NoError(t, eng.link.Publish(testBatch(cat)))
	c.next()
	live, _ := b.Snapshot()
	require.Eventually(t, func() bool {
		saved, err := os.ReadFile(path)
		return err == nil && string(saved) == string(live)
	}, 2*time.Second, 10*time.Millisecond, "every batch overwrites the snapshot file")
}

func TestBridge_EngineStartTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.HandshakeTimeout = config.Duration(100 * time.Millisecond)
	mon := health.NewMonitor()
	b, reg := startBridge(t, cfg, Deps{
		Health:   mon,
		Launcher: LauncherFunc(func(context.Context, int, int) error { return nil }),
	})

	c := dialController(t, b.ControllerAddr())
	c.send(longStatus)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.Metrics.Stanzas.WithLabelValues("get_long_status", "engine_unavailable")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.Running())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.EngineStarts.WithLabelValues("failed")))

	status, ok := mon.Get("engine")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())

	// The connection stays usable.
	c.send(`<ping/>`)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.Metrics.Stanzas.WithLabelValues("unsupported", "unsupported")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_LaunchFailure(t *testing.T) {
	b, reg := startBridge(t, testConfig(), Deps{
		Launcher: LauncherFunc(func(context.Context, int, int) error { return fmt.Errorf("no simulator installed") }),
	})

	c := dialController(t, b.ControllerAddr())
	c.send(longStatus)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.Metrics.EngineStarts.WithLabelValues("failed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.Running())
}

func TestBridge_BadStanzasKeepConnection(t *testing.T) {
	h := newEngineHarness(t)
	b, reg := startBridge(t, testConfig(), Deps{Launcher: h.launcher()})

	c := dialController(t, b.ControllerAddr())
	c.send(`<root><gantry id="R01"><device id="x"/></gantry></root>`)
	c.send(`<hello who="world"/>`)
	c.send(`<gantry msg="get_long_status"><synchronous>true</synchronous></gantry>`)
	h.next()
	assert.Equal(t, readyRoot, c.next())

	m := reg.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stanzas.WithLabelValues("unsupported", "malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stanzas.WithLabelValues("unsupported", "unsupported")))
	assert.Equal(t, 1, b.Sessions())
}

func TestBridge_ControllerDisconnect(t *testing.T) {
	b, _ := startBridge(t, testConfig(), Deps{})

	c := dialController(t, b.ControllerAddr())
	require.Eventually(t, func() bool { return b.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_StopExitsEngine(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	h := newEngineHarness(t)
	b, err := New(Deps{Config: testConfig(), Catalog: loadCatalog(t), Registry: reg, Launcher: h.launcher()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Listen(ctx))
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	c := dialController(t, b.ControllerAddr())
	c.send(longStatus)
	eng := h.next()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.link.Run(context.Background()) }()
	require.Eventually(t, b.Running, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
	select {
	case err := <-runErr:
		assert.NoError(t, err, "the engine leaves on @EXIT")
	case <-time.After(2 * time.Second):
		t.Fatal("engine link did not stop")
	}
	assert.False(t, b.Running())
	assert.False(t, b.Health().Healthy)
}
