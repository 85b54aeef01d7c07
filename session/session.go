// Package session keeps the registry of connected controllers and delivers
// telemetry to them.
//
// Every write to a controller happens under the single registry lock, so a
// write never races a registration or a teardown of the same connection. A
// failed write removes only the failing session.
package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/gantrybridge/errors"
)

// WriteTimeout bounds a single write to a controller.
const WriteTimeout = 10 * time.Second

// Observer receives registry events; used for metrics.
type Observer interface {
	SessionsChanged(count int)
	DeliveryFailed(reason string)
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Session is one registered controller output channel.
type Session struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	w    io.Writer
	sent atomic.Int64
}

// Sent returns the number of messages delivered to the session.
func (s *Session) Sent() int64 {
	return s.sent.Load()
}

func (s *Session) write(msg []byte) error {
	if d, ok := s.w.(deadlineWriter); ok {
		_ = d.SetWriteDeadline(time.Now().Add(WriteTimeout))
	}
	if _, err := s.w.Write(msg); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// Manager is the session registry.
type Manager struct {
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty registry. A nil logger falls back to slog.Default().
func NewManager(logger *slog.Logger, observer Observer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "session"),
		observer: observer,
		sessions: make(map[string]*Session),
	}
}

// Register adds w as a new output channel.
func (m *Manager) Register(w io.Writer, remote string) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		Remote:      remote,
		ConnectedAt: time.Now(),
		w:           w,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("controller session registered", "session", s.ID, "remote", remote, "sessions", count)
	m.changed(count)
	return s
}

// Remove drops a session. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.logger.Info("controller session removed", "session", id, "sessions", count)
		m.changed(count)
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Broadcast writes msg to every session and returns how many received it.
// Sessions whose write fails are removed.
func (m *Manager) Broadcast(msg []byte) int {
	return m.deliverAll(msg, "broadcast")
}

// FinishAll sends the terminal notice to every session. Failures are logged
// and the failing sessions removed; the others stay registered for the next run.
func (m *Manager) FinishAll(msg []byte) int {
	return m.deliverAll(msg, "finish")
}

// Unicast writes msg to one session. A failed write removes the session and
// returns an ErrTransport error.
func (m *Manager) Unicast(id string, msg []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s", errors.ErrNotFound, id)
	}
	err := s.write(msg)
	if err != nil {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if err != nil {
		m.dropped(s, "unicast", err, count)
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Manager", "Unicast", "session write")
	}
	return nil
}

func (m *Manager) deliverAll(msg []byte, op string) int {
	type failure struct {
		s   *Session
		err error
	}

	m.mu.Lock()
	var failed []failure
	delivered := 0
	for id, s := range m.sessions {
		if err := s.write(msg); err != nil {
			delete(m.sessions, id)
			failed = append(failed, failure{s, err})
			continue
		}
		delivered++
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, f := range failed {
		m.dropped(f.s, op, f.err, count)
	}
	return delivered
}

func (m *Manager) dropped(s *Session, op string, err error, count int) {
	reason := "write_error"
	if errors.IsPeerGone(err) {
		reason = "peer_gone"
	}
	m.logger.Warn("controller write failed, session removed",
		"session", s.ID, "remote", s.Remote, "op", op, "reason", reason, "error", err)
	if c, ok := s.w.(io.Closer); ok {
		_ = c.Close()
	}
	if m.observer != nil {
		m.observer.DeliveryFailed(reason)
	}
	m.changed(count)
}

func (m *Manager) changed(count int) {
	if m.observer != nil {
		m.observer.SessionsChanged(count)
	}
}
