package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/lockstep"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/pkg/buffer"
	"github.com/c360/gantrybridge/pkg/retry"
)

// DefaultHandshakeTimeout bounds the wait for the engine configuration.
const DefaultHandshakeTimeout = 60 * time.Second

// LinkDeps holds the collaborators of a Link.
type LinkDeps struct {
	Commands    *buffer.Ring[packet.Command]
	Coordinator *lockstep.Coordinator
	// Retry controls dialing; zero value means retry.EngineDial().
	Retry            retry.Config
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Link is the engine end of the packet channel to the bridge.
type Link struct {
	conn        net.Conn
	comm        *packet.Communicator
	commands    *buffer.Ring[packet.Command]
	coordinator *lockstep.Coordinator
	logger      *slog.Logger

	synchronous bool
	closeOnce   sync.Once

	backlog backlog
}

// backlog holds commands read from the bridge that the command queue has not
// taken yet. Reading never waits on the queue, so control words behind a
// large batch are still seen while the simulation is held.
type backlog struct {
	mu    sync.Mutex
	items []packet.Command
	ready chan struct{}
}

func (b *backlog) add(cmd packet.Command) {
	b.mu.Lock()
	b.items = append(b.items, cmd)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *backlog) take() []packet.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Dial connects to the bridge at addr, retrying while the bridge is not yet
// listening, sends the handshake and applies the configuration it answers with.
func Dial(ctx context.Context, addr string, deps LinkDeps) (*Link, error) {
	if deps.Commands == nil || deps.Coordinator == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: command queue and coordinator are required", errors.ErrMissingConfig),
			"Link", "Dial", "dependency check")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine_link", "bridge", addr)

	cfg := deps.Retry
	if cfg == (retry.Config{}) {
		cfg = retry.EngineDial()
	}
	timeout := deps.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	var dialer net.Dialer
	conn, err := retry.DoWithResult(ctx, cfg, func() (net.Conn, error) {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Debug("bridge not reachable yet", "error", err)
		}
		return c, err
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrNoConnection, err), "Link", "Dial", "bridge dial")
	}

	l := &Link{
		conn:        conn,
		comm:        packet.NewCommunicator(conn, logger),
		commands:    deps.Commands,
		coordinator: deps.Coordinator,
		logger:      logger,
		backlog:     backlog{ready: make(chan struct{}, 1)},
	}
	if err := l.handshake(timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *Link) handshake(timeout time.Duration) error {
	if err := l.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return errors.WrapTransient(err, "Link", "handshake", "deadline setup")
	}
	defer l.conn.SetDeadline(time.Time{})

	if err := l.comm.Send([]byte(packet.Handshake)); err != nil {
		return errors.WrapTransient(err, "Link", "handshake", "handshake send")
	}
	l.logger.Info("handshake sent")

	frame, err := l.comm.Receive()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			err = errors.ErrConnectionLost
		}
		return errors.WrapTransient(err, "Link", "handshake", "configuration receive")
	}
	if frame.IsControl() {
		return errors.WrapInvalid(fmt.Errorf("%w: control word %s instead of configuration", errors.ErrFraming, frame.Control),
			"Link", "handshake", "configuration check")
	}
	cfg, err := packet.DecodeConfig(frame.Payload)
	if err != nil {
		return err
	}

	l.synchronous = cfg.Synchronous
	l.coordinator.Configure(cfg.Synchronous)
	return nil
}

// Synchronous reports the mode the bridge requested.
func (l *Link) Synchronous() bool {
	return l.synchronous
}

// Run receives commands and control words until the bridge closes the
// connection, sends @EXIT or ctx ends. A clean end returns nil. Commands
// still waiting for queue space when Run ends are dropped.
func (l *Link) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	finish := make(chan struct{})
	pumpErr := make(chan error, 1)
	go func() {
		err := l.pump(pumpCtx, finish)
		if err != nil && pumpCtx.Err() == nil {
			// The queue refuses commands; stop reading from the bridge.
			_ = l.Close()
			pumpErr <- errors.Wrap(err, "Link", "Run", "command enqueue")
			return
		}
		pumpErr <- nil
	}()

	err := l.receive(ctx)
	close(finish)
	cancel()
	if perr := <-pumpErr; perr != nil {
		return perr
	}
	return err
}

func (l *Link) receive(ctx context.Context) error {
	for {
		frame, err := l.comm.Receive()
		if err != nil {
			if stderrors.Is(err, io.EOF) || ctx.Err() != nil {
				l.logger.Info("bridge connection closed")
				return nil
			}
			if stderrors.Is(err, errors.ErrFraming) {
				l.logger.Warn("unreadable packet, connection dropped", "error", err)
			}
			return err
		}

		switch frame.Control {
		case packet.Unlock:
			_ = l.coordinator.Unlock()
		case packet.Lock:
			_ = l.coordinator.Lock()
		case packet.Exit:
			l.logger.Info("exit requested")
			return nil
		default:
			cmd, err := packet.DecodeCommand(frame.Payload)
			if err != nil {
				l.logger.Warn("command packet dropped", "error", err)
				continue
			}
			l.backlog.add(cmd)
		}
	}
}

// pump moves backlogged commands into the command queue in arrival order,
// waiting for space as long as ctx allows. After finish is closed it makes
// one last pass and returns.
func (l *Link) pump(ctx context.Context, finish <-chan struct{}) error {
	for {
		select {
		case <-l.backlog.ready:
		case <-finish:
			return l.flush(ctx)
		}
		if err := l.flush(ctx); err != nil {
			return err
		}
	}
}

func (l *Link) flush(ctx context.Context) error {
	items := l.backlog.take()
	for i, cmd := range items {
		if err := l.commands.PushContext(ctx, cmd); err != nil {
			l.logger.Warn("commands dropped", "count", len(items)-i, "error", err)
			return err
		}
	}
	return nil
}

// Publish sends a measurement batch to the bridge.
func (l *Link) Publish(b packet.Batch) error {
	data, err := packet.EncodeBatch(b)
	if err != nil {
		return err
	}
	return l.comm.Send(data)
}

// Close closes the connection. It is safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}
