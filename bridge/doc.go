// Package bridge is the gantry protocol bridge: it accepts controller
// connections speaking the streaming XML protocol, starts and talks to one
// simulation engine over the length-prefixed packet channel, and fans the
// engine telemetry out to every controller and to the configured sinks.
//
// A Bridge is the explicit context of one running instance. It owns the
// session registry, the engine link, the snapshot cache and the sink workers;
// nothing is process global.
//
// Three locks are kept apart:
//
//   - the startup lock, held while an engine is launched and handshaken, so
//     only one controller can start it;
//   - the session registry lock, held for every write to a controller;
//   - the cache lock, held while a batch is rendered and cached.
//
// The lock-step semaphore that pauses the simulation lives in the engine
// process; the bridge only forwards @UNLOCK after a synchronous controller's
// command batch.
//
// Usage:
//
//	b, err := bridge.New(bridge.Deps{Config: cfg, Catalog: cat, Registry: reg})
//	if err != nil {
//		return err
//	}
//	return b.Run(ctx)
package bridge
