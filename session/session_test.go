package session

import (
	"bytes"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/errors"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
	closed bool
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.writes = append(w.writes, bytes.Clone(p))
	return len(p), nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	last     int
	failures []string
}

func (o *countingObserver) SessionsChanged(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = count
}

func (o *countingObserver) DeliveryFailed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, reason)
}

func TestBroadcastRemovesOnlyFailingSession(t *testing.T) {
	obs := &countingObserver{}
	m := NewManager(nil, obs)

	a := &recordingWriter{err: syscall.EPIPE}
	b := &recordingWriter{}
	sa := m.Register(a, "10.0.0.1:5000")
	sb := m.Register(b, "10.0.0.2:5000")
	require.Equal(t, 2, m.Count())

	msg := []byte(`<root msg="long_status"></root>`)
	delivered := m.Broadcast(msg)

	assert.Equal(t, 1, delivered)
	_, ok := m.Get(sa.ID)
	assert.False(t, ok, "failing session must be removed")
	_, ok = m.Get(sb.ID)
	assert.True(t, ok)
	assert.Equal(t, [][]byte{msg}, b.writes, "healthy session gets exactly one copy")
	assert.True(t, a.closed)
	assert.False(t, b.closed)
	assert.Equal(t, 1, obs.last)
	assert.Equal(t, []string{"peer_gone"}, obs.failures)
}

func TestUnicast(t *testing.T) {
	m := NewManager(nil, nil)
	a := &recordingWriter{}
	b := &recordingWriter{}
	sa := m.Register(a, "a")
	m.Register(b, "b")

	require.NoError(t, m.Unicast(sa.ID, []byte("snapshot")))
	assert.Len(t, a.writes, 1)
	assert.Empty(t, b.writes)
	assert.Equal(t, int64(1), sa.Sent())

	err := m.Unicast("missing", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestUnicastFailureRemovesSession(t *testing.T) {
	m := NewManager(nil, nil)
	a := &recordingWriter{err: syscall.ECONNRESET}
	sa := m.Register(a, "a")

	err := m.Unicast(sa.ID, []byte("snapshot"))
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Equal(t, 0, m.Count())
}

func TestFinishAllKeepsHealthySessions(t *testing.T) {
	m := NewManager(nil, nil)
	a := &recordingWriter{}
	b := &recordingWriter{err: net.ErrClosed}
	m.Register(a, "a")
	m.Register(b, "b")

	assert.Equal(t, 1, m.FinishAll([]byte("finished")))
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, [][]byte{[]byte("finished")}, a.writes)
}

func TestRemove(t *testing.T) {
	obs := &countingObserver{}
	m := NewManager(nil, obs)
	s := m.Register(&recordingWriter{}, "a")
	assert.Equal(t, 1, obs.last)

	m.Remove(s.ID)
	m.Remove(s.ID)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, obs.last)
}

func TestBroadcastOverPipe(t *testing.T) {
	m := NewManager(nil, nil)
	server, client := net.Pipe()
	defer client.Close()
	m.Register(server, "pipe")

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		got <- buf[:n]
	}()

	assert.Equal(t, 1, m.Broadcast([]byte("hello")))
	select {
	case b := <-got:
		assert.Equal(t, "hello", string(b))
	case <-time.After(time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestConcurrentRegistrationAndBroadcast(t *testing.T) {
	m := NewManager(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := m.Register(&recordingWriter{}, "c")
			m.Remove(s.ID)
		}()
		go func() {
			defer wg.Done()
			m.Broadcast([]byte("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
