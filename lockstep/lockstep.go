// Package lockstep implements the synchronous mode handshake between the
// controller and the simulation thread.
//
// In synchronous mode the coordinator is locked when the engine starts. Each
// detector read-out publishes its batch and then calls Wait, which suspends the
// simulation until an unlock arrives from the controller side and re-locks on
// the way out. Every Unlock therefore releases exactly one Wait. In
// asynchronous mode Wait never blocks and unlocks are ignored.
package lockstep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/gantrybridge/errors"
)

// Mode is the coordinator state.
type Mode int

const (
	// Async never blocks the simulation.
	Async Mode = iota
	// SyncIdle is synchronous mode with the simulation free to advance.
	SyncIdle
	// SyncLocked is synchronous mode with the simulation held at the next read-out.
	SyncLocked
)

func (m Mode) String() string {
	switch m {
	case Async:
		return "async"
	case SyncIdle:
		return "sync_idle"
	case SyncLocked:
		return "sync_locked"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Observer receives coordinator events; used for metrics.
type Observer interface {
	Waited(blocked bool)
	Violation(op string)
}

// Coordinator is a binary semaphore with an explicit mode. The token channel
// holds one token while unlocked and is empty while locked.
type Coordinator struct {
	logger   *slog.Logger
	observer Observer

	mu          sync.Mutex
	synchronous bool
	token       chan struct{}
}

// New creates an asynchronous coordinator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger, observer Observer) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger:   logger.With("component", "lockstep"),
		observer: observer,
		token:    make(chan struct{}, 1),
	}
	c.token <- struct{}{}
	return c
}

// Configure fixes the mode for the current engine run. Switching to
// synchronous mode locks immediately; switching to asynchronous mode releases
// any held lock.
func (c *Coordinator) Configure(synchronous bool) {
	c.mu.Lock()
	c.synchronous = synchronous
	c.mu.Unlock()

	if synchronous {
		c.logger.Info("synchronous operation mode")
		_ = c.Lock()
		return
	}
	select {
	case c.token <- struct{}{}:
	default:
	}
	c.logger.Info("asynchronous operation mode")
}

// Synchronous reports the configured mode.
func (c *Coordinator) Synchronous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synchronous
}

// Mode reports the current state.
func (c *Coordinator) Mode() Mode {
	if !c.Synchronous() {
		return Async
	}
	if len(c.token) == 0 {
		return SyncLocked
	}
	return SyncIdle
}

// Lock takes the lock without blocking. Locking an already locked coordinator
// is a contract violation: it is logged and skipped.
func (c *Coordinator) Lock() error {
	if !c.Synchronous() {
		return nil
	}
	select {
	case <-c.token:
		c.logger.Debug("locked simulation thread")
		return nil
	default:
		return c.violation("lock", "lock requested while already locked")
	}
}

// Unlock releases one waiting read-out. Unlocking while unlocked is a contract
// violation: it is logged and skipped. In asynchronous mode unlocks are ignored.
func (c *Coordinator) Unlock() error {
	if !c.Synchronous() {
		c.logger.Warn("unlock received in asynchronous mode, ignored")
		return nil
	}
	select {
	case c.token <- struct{}{}:
		c.logger.Debug("unlocked simulation thread")
		return nil
	default:
		return c.violation("unlock", "unlock requested while not locked")
	}
}

// Wait suspends the caller until the coordinator is unlocked, then locks it
// again. It returns immediately in asynchronous mode and returns ctx.Err()
// when ctx ends first.
func (c *Coordinator) Wait(ctx context.Context) error {
	if !c.Synchronous() {
		return nil
	}

	select {
	case <-c.token:
		c.observe(false)
		return nil
	default:
	}

	c.logger.Debug("waiting for controller unlock")
	select {
	case <-c.token:
		c.observe(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) observe(blocked bool) {
	if c.observer != nil {
		c.observer.Waited(blocked)
	}
}

func (c *Coordinator) violation(op, msg string) error {
	c.logger.Warn(msg)
	if c.observer != nil {
		c.observer.Violation(op)
	}
	return fmt.Errorf("%w: %s", errors.ErrSyncViolation, msg)
}
