package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gberrors "github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/lockstep"
	"github.com/c360/gantrybridge/metric"
	"github.com/c360/gantrybridge/packet"
)

type pluginFixture struct {
	host      *fakeHost
	queue     interface{ Push(packet.Command) error }
	publisher *recordingPublisher
	plugin    *Plugin
}

func newPluginFixture(t *testing.T, host *fakeHost, coordinator *lockstep.Coordinator) *pluginFixture {
	t.Helper()
	queue := newCommandQueue(t)
	pub := &recordingPublisher{}
	p, err := NewPlugin(host, Deps{
		Catalog:     loadEngineCatalog(t),
		Commands:    queue,
		Publisher:   pub,
		Coordinator: coordinator,
	})
	require.NoError(t, err)
	require.NoError(t, p.OnLoad())
	require.NoError(t, p.OnInit())
	return &pluginFixture{host: host, queue: queue, publisher: pub, plugin: p}
}

func (f *pluginFixture) push(t *testing.T, server string, device, sub, msg int) {
	t.Helper()
	require.NoError(t, f.queue.Push(packet.Command{
		GantryServer: server,
		Command:      gantry.Command{Device: device, SubDevice: sub, MessageID: msg, Validity: 60},
	}))
}

func TestNewPlugin_MissingDeps(t *testing.T) {
	host := newFakeHost()
	cat := loadEngineCatalog(t)
	queue := newCommandQueue(t)
	pub := &recordingPublisher{}

	tests := []struct {
		name string
		host Host
		deps Deps
	}{
		{"no host", nil, Deps{Catalog: cat, Commands: queue, Publisher: pub}},
		{"no catalog", host, Deps{Commands: queue, Publisher: pub}},
		{"no queue", host, Deps{Catalog: cat, Publisher: pub}},
		{"no publisher", host, Deps{Catalog: cat, Commands: queue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlugin(tt.host, tt.deps)
			assert.ErrorIs(t, err, gberrors.ErrMissingConfig)
			assert.True(t, gberrors.IsInvalid(err))
		})
	}
}

func TestOnInit_ZeroIntervalRejected(t *testing.T) {
	host := newFakeHost()
	host.interval = 0
	p, err := NewPlugin(host, Deps{Catalog: loadEngineCatalog(t), Commands: newCommandQueue(t), Publisher: &recordingPublisher{}})
	require.NoError(t, err)
	assert.ErrorIs(t, p.OnInit(), gberrors.ErrInvalidConfig)
}

func TestOnInit_Discovery(t *testing.T) {
	f := newPluginFixture(t, newFakeHost(), nil)

	assert.Equal(t, 360*time.Second, f.plugin.NextDetection())
	assert.Equal(t, []Section{
		{ID: 11, Name: "S13501.1", Lanes: 2},
		{ID: 12, Name: "S13501.2", Lanes: 2},
	}, f.plugin.gantrySections("P13501"))
	assert.Empty(t, f.plugin.gantrySections("P09999"))

	var names []string
	for _, d := range f.plugin.detectors {
		names = append(names, d.name)
	}
	assert.Equal(t, []string{"LD93501", "LD13501"}, names, "catalog detectors in discovery order")
}

func TestOnManage_WarmUpLeavesQueue(t *testing.T) {
	f := newPluginFixture(t, newFakeHost(), nil)
	f.push(t, "R01", 3, 0, 1)

	require.NoError(t, f.plugin.OnManage(context.Background(), 299*time.Second))
	assert.Empty(t, f.host.active())
	assert.Equal(t, 1, f.plugin.commands.Len())
}

func TestOnManage_AppliesCommandsAndActions(t *testing.T) {
	f := newPluginFixture(t, newFakeHost(), nil)
	ctx := context.Background()

	f.push(t, "R01", 3, 0, 1) // B93501: 120 on EDS lane 9
	f.push(t, "R01", 3, 1, 3) // B33501: 80 on EDS lane 3
	f.push(t, "R01", 3, 2, gantry.SignNoTrucks)
	f.push(t, "R01", 3, 9, 1)  // unknown sub-device
	f.push(t, "R99", 3, 0, 1)  // unknown gantry server
	f.push(t, "R01", 3, 0, 42) // out of range, B93501 keeps 120

	require.NoError(t, f.plugin.OnManage(ctx, 300*time.Second))
	assert.Equal(t, 0, f.plugin.commands.Len())

	want := []string{
		"close s11 l0 c5", "close s11 l0 c6", "close s11 l0 c7",
		"close s12 l0 c5", "close s12 l0 c6", "close s12 l0 c7",
		"speed s11 l0 120 c0", "speed s11 l1 80 c0",
		"speed s12 l0 120 c0", "speed s12 l1 80 c0",
	}
	if diff := cmp.Diff(want, f.host.active()); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	speed, closures := f.plugin.ActiveActions()
	assert.Equal(t, 4, speed)
	assert.Equal(t, 6, closures)
	assert.Equal(t,
		"B93501/PPK3 - 120\nB33501/PPK3 - 80\nF93501/PPK3 - Zákaz vjezdu NV\nA93501/PPK3 - Zhasnuto\n",
		f.host.vms["P13501"])

	// Arrow replaces the truck ban, blank speed sign removes its limit, the
	// unchanged 80 stays installed.
	f.push(t, "R01", 3, 2, gantry.SignLeftLaneClosed)
	f.push(t, "R01", 3, 0, 0)
	require.NoError(t, f.plugin.OnManage(ctx, 301*time.Second))

	want = []string{
		"close s11 l0 c0", "close s12 l0 c0",
		"speed s11 l1 80 c0", "speed s12 l1 80 c0",
	}
	if diff := cmp.Diff(want, f.host.active()); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 8, f.host.removed)
	assert.Equal(t, ActionID(12), f.host.nextID, "only the two new closures were installed")

	// Regulation off opens the lane again.
	f.push(t, "R01", 3, 2, gantry.SignRegulationOff)
	require.NoError(t, f.plugin.OnManage(ctx, 302*time.Second))
	_, closures = f.plugin.ActiveActions()
	assert.Zero(t, closures)
}

func TestOnManage_ActionFailureReported(t *testing.T) {
	f := newPluginFixture(t, newFakeHost(), nil)
	f.host.failAdd = errors.New("simulator refused")
	f.push(t, "R01", 3, 0, 1)

	err := f.plugin.OnManage(context.Background(), 300*time.Second)
	require.Error(t, err)
	assert.True(t, gberrors.IsTransient(err))
	assert.Contains(t, err.Error(), "simulator refused")

	srv, err := f.plugin.catalog.Server("R01")
	require.NoError(t, err)
	sd, err := srv.Locate(3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sd.MessageID(), "sign state is kept even when the simulator refuses the action")
}

func TestOnPostManage_Batch(t *testing.T) {
	f := newPluginFixture(t, newFakeHost(), nil)
	ctx := context.Background()

	require.NoError(t, f.plugin.OnPostManage(ctx, 359*time.Second))
	assert.Empty(t, f.publisher.published())

	require.NoError(t, f.plugin.OnPostManage(ctx, 360*time.Second))
	batches := f.publisher.published()
	require.Len(t, batches, 1)
	b := batches[0]

	assert.Equal(t, "2016-05-10 07:01:00", b.Time)
	require.Len(t, b.Readings, 2)
	assert.Equal(t, "LD93501", b.Readings[0].Name)
	assert.Equal(t, "LD13501", b.Readings[1].Name)
	assert.Equal(t, "R01", b.Readings[0].Map.GantryServer)

	var want gantry.Measurement
	want.Count[2], want.Speed[2], want.Occupancy[2] = 7, 95, 3
	want.Count[3], want.Speed[3], want.Occupancy[3] = 3, 80, 2
	want.Count[9], want.Speed[9], want.Occupancy[9] = 10, 90, 5
	if diff := cmp.Diff(want, b.Readings[0].Measurement); diff != "" {
		t.Errorf("measurement mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, gantry.Measurement{}, b.Readings[1].Measurement)

	assert.Equal(t, 6, f.host.reads)
	assert.Equal(t, 420*time.Second, f.plugin.NextDetection())

	// The loop detector keeps the last read-out of each of its lanes.
	srv, err := f.plugin.catalog.Server("R01")
	require.NoError(t, err)
	ld, err := srv.Locate(20, 1)
	require.NoError(t, err)
	stored, ok := ld.Measurement(0)
	require.True(t, ok)
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("stored measurement mismatch (-want +got):\n%s", diff)
	}
	stored, ok = ld.Measurement(2)
	require.True(t, ok)
	assert.Equal(t, gantry.Measurement{}, stored)
	_, ok = ld.Measurement(1)
	assert.False(t, ok, "lane without a detector has no read-out")

	require.NoError(t, f.plugin.OnPostManage(ctx, 361*time.Second))
	assert.Len(t, f.publisher.published(), 1)
}

func TestOnPostManage_VehicleTypesClamped(t *testing.T) {
	host := newFakeHost()
	host.types = 12
	f := newPluginFixture(t, host, nil)

	require.NoError(t, f.plugin.OnPostManage(context.Background(), 360*time.Second))
	assert.Equal(t, 2*8, f.host.reads, "types 0..7 fill slots 1..8, slot 9 is the aggregate")
}

func TestOnPostManage_PublishFailure(t *testing.T) {
	f := newPluginFixture(t, newFakeHost(), nil)
	boom := errors.New("link down")
	f.publisher.err = boom

	err := f.plugin.OnPostManage(context.Background(), 360*time.Second)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 420*time.Second, f.plugin.NextDetection())
}

func TestOnPostManage_SynchronousWaitsForUnlock(t *testing.T) {
	coordinator := lockstep.New(nil, nil)
	coordinator.Configure(true)
	f := newPluginFixture(t, newFakeHost(), coordinator)

	done := make(chan error, 1)
	go func() { done <- f.plugin.OnPostManage(context.Background(), 360*time.Second) }()

	require.Eventually(t, func() bool { return len(f.publisher.published()) == 1 },
		time.Second, 5*time.Millisecond, "batch is published before waiting")
	select {
	case <-done:
		t.Fatal("read-out returned before unlock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, coordinator.Unlock())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("unlock did not release the read-out")
	}
	assert.Equal(t, lockstep.SyncLocked, coordinator.Mode())
}

func TestOnPostManage_WaitCancelled(t *testing.T) {
	coordinator := lockstep.New(nil, nil)
	coordinator.Configure(true)
	f := newPluginFixture(t, newFakeHost(), coordinator)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.plugin.OnPostManage(ctx, 360*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPluginMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	host := newFakeHost()
	queue := newCommandQueue(t)
	p, err := NewPlugin(host, Deps{
		Catalog:   loadEngineCatalog(t),
		Commands:  queue,
		Publisher: &recordingPublisher{},
		Metrics:   reg,
	})
	require.NoError(t, err)
	require.NoError(t, p.OnLoad())
	require.NoError(t, p.OnInit())

	require.NoError(t, queue.Push(packet.Command{GantryServer: "R01", Command: gantry.Command{Device: 3, SubDevice: 0, MessageID: 2}}))
	require.NoError(t, queue.Push(packet.Command{GantryServer: "R01", Command: gantry.Command{Device: 3, SubDevice: 7}}))
	require.NoError(t, p.OnManage(context.Background(), 300*time.Second))
	require.NoError(t, p.OnPostManage(context.Background(), 360*time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.commands.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.commands.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.actions.WithLabelValues("speed_limit", "add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.batches))

	_, err = NewPlugin(host, Deps{
		Catalog:   loadEngineCatalog(t),
		Commands:  queue,
		Publisher: &recordingPublisher{},
		Metrics:   reg,
	})
	assert.Error(t, err, "a second plugin on the same registry cannot register")
}
