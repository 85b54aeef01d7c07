package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/pkg/retry"
	"github.com/c360/gantrybridge/router"
	"github.com/c360/gantrybridge/session"
	"github.com/c360/gantrybridge/stanza"
)

// Stanza outcomes recorded in metrics.
const (
	resultOK          = "ok"
	resultMalformed   = "malformed"
	resultUnsupported = "unsupported"
	resultNoEngine    = "engine_unavailable"
)

var errEmptyRead = stderrors.New("empty read")

// acceptLoop serves every controller connection on its own goroutine until
// ctx is done.
func (b *Bridge) acceptLoop(ctx context.Context) error {
	b.lnMu.Lock()
	ln := b.controller
	b.lnMu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.WrapTransient(err, "Bridge", "acceptLoop", "accept controller")
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveController(ctx, conn)
		}()
	}
}

// controllerConn is the per-connection state. The synchronous flag belongs to
// the connection and is only changed by its own long status requests.
type controllerConn struct {
	sess        *session.Session
	synchronous bool
}

func (b *Bridge) serveController(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sess := b.sessions.Register(conn, remote)
	b.health.UpdateHealthy("sessions", fmt.Sprintf("%d connected", b.sessions.Count()))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		b.sessions.Remove(sess.ID)
		b.health.UpdateHealthy("sessions", fmt.Sprintf("%d connected", b.sessions.Count()))
		conn.Close()
		b.logger.Info("Controller disconnected", "session", sess.ID, "remote", remote)
	}()

	reader := &retryReader{
		ctx: ctx,
		r:   conn,
		cfg: retry.Config{
			MaxAttempts:  b.cfg.Controller.ReadRetries + 1,
			InitialDelay: b.cfg.Controller.ReadBackoff.Std(),
			MaxDelay:     max(b.cfg.Controller.ReadBackoff.Std()*8, b.cfg.Controller.ReadBackoff.Std()),
			Multiplier:   2,
		},
	}
	scanner := stanza.NewScanner(reader, stanza.WithMaxSize(b.cfg.Controller.MaxStanzaSize))
	cc := &controllerConn{sess: sess}

	resets := 0
	for {
		data, err := scanner.Next()
		if n := scanner.Framer().Resets(); n > resets {
			for ; resets < n; resets++ {
				b.metrics.RecordFramerReset()
			}
			b.logDrop("Stanza buffer overflow, input discarded", "session", sess.ID,
				"limit", b.cfg.Controller.MaxStanzaSize)
		}
		if err != nil {
			if !errors.IsPeerGone(err) && ctx.Err() == nil {
				b.logger.Warn("Controller read failed", "session", sess.ID, "error", err)
			}
			return
		}
		b.handleStanza(cc, data)
	}
}

// handleStanza decodes and dispatches one stanza. Errors never close the
// connection; they are logged and the stanza is dropped.
func (b *Bridge) handleStanza(cc *controllerConn, data []byte) {
	msg, err := router.Decode(data)
	if err != nil {
		b.metrics.RecordStanza(msg.Kind.String(), resultMalformed)
		b.logDrop("Dropping malformed stanza", "session", cc.sess.ID, "bytes", len(data), "error", err)
		return
	}

	switch msg.Kind {
	case router.LongStatus:
		if msg.Synchronous != nil {
			cc.synchronous = *msg.Synchronous
			b.logger.Info("Controller operation mode", "session", cc.sess.ID, "synchronous", cc.synchronous)
		}
		if !b.startFor(cc, msg) {
			return
		}
		b.metrics.RecordStanza(msg.Kind.String(), resultOK)
		b.sendStatus(cc.sess)

	case router.CommandBatch:
		if !b.startFor(cc, msg) {
			return
		}
		b.metrics.RecordStanza(msg.Kind.String(), resultOK)
		b.forward(cc, msg.Commands)

	default:
		b.metrics.RecordStanza(msg.Kind.String(), resultUnsupported)
		b.logDrop("Unsupported message", "session", cc.sess.ID, "root", msg.Root)
	}
}

func (b *Bridge) startFor(cc *controllerConn, msg router.Message) bool {
	if err := b.ensureEngine(cc.sess, cc.synchronous, msg.Replication); err != nil {
		b.metrics.RecordStanza(msg.Kind.String(), resultNoEngine)
		b.logger.Error("Engine is not available, dropping request", "session", cc.sess.ID,
			"kind", msg.Kind.String(), "error", err)
		return false
	}
	return true
}

// forward sends every addressable command to the engine in order, then
// releases the engine when the connection is synchronous.
func (b *Bridge) forward(cc *controllerConn, cmds []packet.Command) {
	eng := b.currentEngine()
	if eng == nil {
		for range cmds {
			b.metrics.RecordCommand("dropped")
		}
		b.logDrop("Engine went away, dropping commands", "session", cc.sess.ID, "commands", len(cmds))
		return
	}

	for i, cmd := range cmds {
		if err := router.Validate(b.catalog, cmd); err != nil {
			b.metrics.RecordCommand("rejected")
			b.logDrop("Rejecting command", "session", cc.sess.ID, "gantry_server", cmd.GantryServer,
				"device", cmd.Command.Device, "sub_device", cmd.Command.SubDevice, "error", err)
			continue
		}
		if err := eng.send(cmd); err != nil {
			for range cmds[i:] {
				b.metrics.RecordCommand("dropped")
			}
			b.logger.Warn("Forwarding to engine failed", "session", cc.sess.ID, "error", err)
			return
		}
		b.metrics.RecordCommand("forwarded")
	}

	if cc.synchronous {
		if err := eng.comm.SendControl(packet.Unlock); err != nil {
			b.logger.Warn("Unlocking engine failed", "session", cc.sess.ID, "error", err)
		}
	}
}

// retryReader retries reads that return no data and no error, which some
// stacks report instead of blocking.
type retryReader struct {
	ctx context.Context
	r   io.Reader
	cfg retry.Config
}

func (rr *retryReader) Read(p []byte) (int, error) {
	var n int
	err := retry.Do(rr.ctx, rr.cfg, func() error {
		var err error
		n, err = rr.r.Read(p)
		if n > 0 {
			return nil
		}
		if err != nil {
			return retry.NonRetryable(err)
		}
		return errEmptyRead
	})
	if err == nil || n > 0 {
		return n, nil
	}
	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		return 0, nre.Err
	}
	if stderrors.Is(err, errEmptyRead) {
		return 0, io.ErrNoProgress
	}
	return 0, err
}
