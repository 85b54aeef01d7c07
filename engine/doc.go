// Package engine is the simulator side of the gantry bridge.
//
// A Plugin is driven by the traffic simulator through four callbacks:
//
//   - OnLoad once, when the simulator loads the plugin,
//   - OnInit once, after the network is loaded,
//   - OnManage before every simulation step,
//   - OnPostManage after every simulation step.
//
// The simulator itself is hidden behind the Host interface. OnInit discovers
// the sections and detectors that belong to gantries by name. OnManage drains
// the command queue filled by the Link, applies every command to its gantry
// server and mirrors the resulting sign state into simulator actions (speed
// limits, lane closures) and VMS texts. OnPostManage reads all detectors once
// per detection interval, publishes the batch and, in synchronous mode, holds
// the simulation until the controller unlocks it.
//
// Link is the client end of the binary packet channel to the bridge. It runs
// on its own goroutine, pushes decoded commands onto the queue and turns
// control words into lockstep operations:
//
//	link, err := engine.Dial(ctx, "localhost:1251", engine.LinkDeps{...})
//	go link.Run(ctx)
//	plugin, err := engine.NewPlugin(host, engine.Deps{Publisher: link, ...})
package engine
