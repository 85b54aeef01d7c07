package bridge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/config"
	"github.com/c360/gantrybridge/health"
	"github.com/c360/gantrybridge/natsclient"
)

func TestOpenOutputs_FileOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "last_measurements.xml")
	monitor := health.NewMonitor()

	out, err := OpenOutputs(context.Background(), cfg, nil, nil, monitor)
	require.NoError(t, err)
	assert.Len(t, out.Stores, 1)
	assert.Empty(t, out.Sinks)
	assert.NoError(t, out.Close(context.Background()))

	_, ok := monitor.Get("nats")
	assert.False(t, ok, "disabled NATS is not reported")
}

func TestOpenOutputs_NATSUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://127.0.0.1:1"
	monitor := health.NewMonitor()

	_, err := OpenOutputs(context.Background(), cfg, nil, nil, monitor)
	require.Error(t, err)
	status, ok := monitor.Get("nats")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())
}

func TestNATSOptions(t *testing.T) {
	cfg := config.Default().NATS
	cfg.User, cfg.Password = "bridge", "hunter2"

	opts := natsOptions(cfg, nil, health.NewMonitor())
	assert.Len(t, opts, 6)
	_, err := natsclient.NewClient(cfg.URL, opts...)
	require.NoError(t, err)

	assert.Len(t, natsOptions(cfg, nil, nil), 4, "no callbacks without a monitor")
}

func TestNATSHealth(t *testing.T) {
	monitor := health.NewMonitor()
	onDisconnect, onReconnect := natsHealth(monitor)

	onDisconnect(assert.AnError)
	status, ok := monitor.Get("nats")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())
	assert.True(t, monitor.AggregateHealth(SystemName).IsDegraded())

	onReconnect()
	status, _ = monitor.Get("nats")
	assert.True(t, status.IsHealthy())
}
