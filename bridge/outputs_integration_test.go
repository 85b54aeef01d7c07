//go:build integration

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/gantrybridge/health"
	"github.com/c360/gantrybridge/natsclient"
)

func startNATS(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegrationOutputs_NATS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	url := startNATS(ctx, t)

	cfg := testConfig()
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "last_measurements.xml")
	cfg.NATS.Enabled = true
	cfg.NATS.URL = url
	cfg.NATS.KV = true

	monitor := health.NewMonitor()
	outputs, err := OpenOutputs(ctx, cfg, nil, nil, monitor)
	require.NoError(t, err)
	defer outputs.Close(ctx)
	require.Len(t, outputs.Stores, 2)
	require.Len(t, outputs.Sinks, 1)
	status, ok := monitor.Get("nats")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	observer, err := natsclient.NewClient(url)
	require.NoError(t, err)
	require.NoError(t, observer.Connect(ctx))
	defer observer.Close(ctx)
	published := make(chan string, 4)
	require.NoError(t, observer.Subscribe(ctx, "gantry.>", func(b []byte) { published <- string(b) }))
	require.NoError(t, observer.Flush())

	cat := loadCatalog(t)
	h := newEngineHarness(t)
	b, _ := startBridge(t, cfg, Deps{
		Catalog:  cat,
		Launcher: h.launcher(),
		Stores:   outputs.Stores,
		Sinks:    outputs.Sinks,
	})

	c := dialController(t, b.ControllerAddr())
	c.send(longStatus)
	eng := h.next()
	require.NoError(t, eng.link.Publish(testBatch(cat)))
	doc := c.next()

	select {
	case got := <-published:
		assert.Contains(t, got, doc)
	case <-ctx.Done():
		t.Fatal("snapshot was not published")
	}

	// Both stores, the KV bucket first, end up with the snapshot.
	for _, store := range outputs.Stores {
		require.Eventually(t, func() bool {
			data, err := store.Load(ctx)
			return err == nil && strings.Contains(string(data), doc)
		}, 5*time.Second, 50*time.Millisecond)
	}

	require.NoError(t, eng.link.Close())
	assert.Equal(t, finishRoot, c.next())
	select {
	case got := <-published:
		assert.Contains(t, got, "simulation_finished")
	case <-ctx.Done():
		t.Fatal("notice was not published")
	}
}
