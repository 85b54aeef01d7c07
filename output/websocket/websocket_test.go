package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/metric"
)

func startOutput(t *testing.T, reg metric.MetricsRegistrar) *Output {
	t.Helper()
	out, err := NewOutput(Config{Addr: "127.0.0.1:0", Path: "/ws"}, nil, reg)
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	t.Cleanup(func() { _ = out.Stop(time.Second) })
	return out
}

func dial(t *testing.T, out *Output) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+out.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) MessageEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestBroadcastToClients(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	out := startOutput(t, reg)
	a := dial(t, out)
	b := dial(t, out)
	require.Eventually(t, func() bool { return out.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	n, err := out.Send(context.Background(), TypeLongStatus, []byte(`<root msg="long_status"/>`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, TypeLongStatus, env.Type)
		assert.Equal(t, uint64(1), env.ID)
		assert.Equal(t, `<root msg="long_status"/>`, env.Payload)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(out.metrics.messagesSent.WithLabelValues(TypeLongStatus)))
	assert.Equal(t, 2.0, testutil.ToFloat64(out.metrics.clientsConnected))
}

func TestClosedClientIsRemoved(t *testing.T) {
	out := startOutput(t, nil)
	conn := dial(t, out)
	require.Eventually(t, func() bool { return out.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return out.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	n, err := out.Send(context.Background(), TypeNotice, []byte("x"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartTwiceFails(t *testing.T) {
	out := startOutput(t, nil)
	assert.Error(t, out.Start(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	out, err := NewOutput(Config{Addr: "127.0.0.1:0"}, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, out.Stop(time.Second))
	assert.Empty(t, out.Addr())
}
