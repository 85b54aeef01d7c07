// Package gantrybridge connects SIRID traffic control software to a
// microscopic traffic simulator that stands in for the real motorway.
//
// # Architecture
//
// Two processes talk over two protocols:
//
//	controller --XML stanzas/TCP--> bridge --length-prefixed packets/TCP--> engine
//	controller <--long_status XML-- bridge <--detector batches (JSON)------ engine
//
// The bridge (package bridge, binary cmd/gantrybridge) accepts any number of
// controller connections. The first get_long_status or command batch starts
// the simulator, which dials back to the engine listener. Commands are
// validated against the gantry catalog and forwarded to the engine. Detector
// batches are rendered once as long_status documents, cached as the snapshot
// and broadcast to every connected controller. When the engine goes away,
// every controller receives simulation_finished and the next request starts a
// new run.
//
// The engine side (package engine) runs inside the simulator as a plugin. It
// keeps the gantry model of every server, turns sign states into simulator
// actions (speed limits, lane closures, VMS texts) and reads detectors once
// per interval. In synchronous mode the simulation waits after every batch
// until the controller has sent its commands.
//
// # Packages
//
// Protocol layer:
//   - stanza: incremental framing of the controller XML stream
//   - packet: length-prefixed packet channel, control words, payload codec
//   - router: controller message decoding, command validation, telemetry rendering
//
// Domain:
//   - gantry: servers, devices, sub-devices and the catalog they are loaded from
//   - lockstep: the synchronous mode semaphore
//   - session: controller registry with broadcast and unicast
//   - engine, engine/simhost: simulator plugin and a synthetic simulator
//
// Infrastructure:
//   - config, errors, metric, health
//   - natsclient, storage/snapshot, output/websocket: telemetry outputs
//   - pkg/buffer, pkg/retry, pkg/worker
//
// # Binaries
//
//   - cmd/gantrybridge: the bridge
//   - cmd/enginesim: the plugin driven by the synthetic simulator
//   - cmd/siridclient: sends an XML file and prints the answers
package gantrybridge
