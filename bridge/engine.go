package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/router"
	"github.com/c360/gantrybridge/session"
)

// engineLink is the connection to one running engine.
type engineLink struct {
	conn        net.Conn
	comm        *packet.Communicator
	synchronous bool
	closeOnce   sync.Once
}

func (e *engineLink) send(cmd packet.Command) error {
	data, err := packet.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return e.comm.Send(data)
}

// exit asks the engine to stop and closes the connection.
func (e *engineLink) exit() {
	e.closeOnce.Do(func() {
		_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = e.comm.SendControl(packet.Exit)
		e.conn.Close()
	})
}

func (e *engineLink) close() {
	e.closeOnce.Do(func() { e.conn.Close() })
}

func (b *Bridge) currentEngine() *engineLink {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.engine
}

// ensureEngine starts the engine unless one is running. Only one caller can
// win the start; the others wait on the startup lock and find it running.
// The synchronous flag and replication of the winning caller fix the mode of
// the run.
func (b *Bridge) ensureEngine(sess *session.Session, synchronous bool, replication int) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.engine != nil {
		return nil
	}

	if replication <= 0 {
		replication = b.cfg.Engine.Replication
	}
	eng, err := b.startEngine(synchronous, replication)
	if err != nil {
		b.health.UpdateUnhealthy("engine", err.Error())
		b.metrics.RecordEngineStart("failed")
		return err
	}
	b.engine = eng
	b.metrics.RecordEngineStart("ok")
	b.metrics.RecordEngineRunning(true)
	b.health.UpdateHealthy("engine", fmt.Sprintf("running, synchronous=%t", synchronous))
	b.logger.Info("Engine is up and running", "remote", eng.conn.RemoteAddr().String(),
		"synchronous", synchronous, "replication", replication)

	b.wg.Add(1)
	go b.receive(eng)

	if synchronous {
		if err := b.sessions.Unicast(sess.ID, []byte(router.SimulationReady)); err != nil {
			b.logger.Warn("Failed to send simulation_ready", "session", sess.ID, "error", err)
		}
	}
	return nil
}

// startEngine launches the engine, waits for it to dial back, checks the
// handshake and sends the run configuration. Called with startMu held.
func (b *Bridge) startEngine(synchronous bool, replication int) (*engineLink, error) {
	b.lnMu.Lock()
	ln := b.engineLn
	b.lnMu.Unlock()
	if ln == nil {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "Bridge", "startEngine", "engine listener check")
	}

	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	timeout := b.cfg.Engine.HandshakeTimeout.Std()

	launchCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.launcher.Launch(launchCtx, replication, port); err != nil {
		return nil, errors.Wrap(err, "Bridge", "startEngine", "launch engine")
	}

	if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		_ = d.SetDeadline(time.Now().Add(timeout))
		defer d.SetDeadline(time.Time{})
	}
	conn, err := ln.Accept()
	if err != nil {
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			return nil, errors.WrapTransient(fmt.Errorf("%w: no engine after %s", errors.ErrConnectionTimeout, timeout),
				"Bridge", "startEngine", "accept engine")
		}
		return nil, errors.WrapTransient(err, "Bridge", "startEngine", "accept engine")
	}
	b.logger.Info("Engine connected", "remote", conn.RemoteAddr().String())

	eng := &engineLink{conn: conn, comm: packet.NewCommunicator(conn, b.logger), synchronous: synchronous}
	if err := b.handshake(eng, timeout); err != nil {
		eng.close()
		return nil, err
	}
	return eng, nil
}

func (b *Bridge) handshake(eng *engineLink, timeout time.Duration) error {
	_ = eng.conn.SetDeadline(time.Now().Add(timeout))
	defer eng.conn.SetDeadline(time.Time{})

	frame, err := eng.comm.Receive()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			err = errors.ErrConnectionLost
		}
		return errors.WrapTransient(err, "Bridge", "handshake", "receive handshake")
	}
	if frame.IsControl() || string(frame.Payload) != packet.Handshake {
		return errors.WrapInvalid(fmt.Errorf("%w: unexpected handshake %q", errors.ErrFraming, frame.Payload),
			"Bridge", "handshake", "check handshake")
	}

	cfg, err := packet.EncodeConfig(packet.EngineConfig{Synchronous: eng.synchronous})
	if err != nil {
		return err
	}
	if err := eng.comm.Send(cfg); err != nil {
		return errors.WrapTransient(err, "Bridge", "handshake", "send configuration")
	}
	return nil
}

// receive turns engine batches into telemetry until the engine disconnects.
func (b *Bridge) receive(eng *engineLink) {
	defer b.wg.Done()
	defer b.engineGone(eng)

	for {
		frame, err := eng.comm.Receive()
		if err != nil {
			if !stderrors.Is(err, io.EOF) {
				b.logger.Warn("Engine receive failed", "error", err)
			}
			return
		}
		if frame.IsControl() {
			b.logger.Debug("Ignoring control word from engine", "word", frame.Control)
			continue
		}
		batch, err := packet.DecodeBatch(frame.Payload)
		if err != nil {
			b.logDrop("Dropping undecodable batch", "bytes", len(frame.Payload), "error", err)
			continue
		}
		b.publish(batch)
	}
}

// publish renders batch, caches it, broadcasts it to every controller and
// hands it to the sinks. A batch that fails to render is not published.
func (b *Bridge) publish(batch packet.Batch) {
	b.cacheMu.Lock()
	seq := b.seq + 1
	doc, err := router.RenderTelemetry(seq, batch)
	if err != nil {
		b.cacheMu.Unlock()
		b.logger.Error("Failed to render telemetry", "time", batch.Time, "error", err)
		return
	}
	b.seq = seq
	b.snapshot = doc
	b.cacheMu.Unlock()

	b.metrics.RecordBatch(seq)
	delivered := b.sessions.Broadcast(doc)
	b.logger.Debug("Telemetry broadcast", "seq", seq, "time", batch.Time,
		"readings", len(batch.Readings), "sessions", delivered)
	b.dispatch(delivery{seq: seq, payload: doc})
}

// engineGone flips the run state so the next request restarts the engine and
// tells every controller the simulation is over.
func (b *Bridge) engineGone(eng *engineLink) {
	eng.close()
	b.metrics.RecordEngineRunning(false)
	b.health.UpdateDegraded("engine", "not running")

	b.startMu.Lock()
	if b.engine == eng {
		b.engine = nil
	}
	b.startMu.Unlock()

	notified := b.sessions.FinishAll([]byte(router.SimulationFinished))
	b.dispatch(delivery{payload: []byte(router.SimulationFinished), notice: true})
	b.logger.Info("Engine disconnected", "notified", notified)
}

// sendStatus unicasts the cached snapshot to sess.
func (b *Bridge) sendStatus(sess *session.Session) {
	data, seq := b.Snapshot()
	if len(data) == 0 {
		b.logger.Info("No snapshot available, ignoring long status request", "session", sess.ID)
		return
	}
	if err := b.sessions.Unicast(sess.ID, data); err != nil {
		b.logger.Warn("Long status delivery failed", "session", sess.ID, "seq", seq, "error", err)
	}
}
