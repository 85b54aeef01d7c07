// Package gantry models the gantry address space: gantry servers own physical
// gantries, gantries own devices and devices own sub-devices.
//
// A sub-device is one of a closed set of variants (warning sign, warning info,
// speed limit, regulatory sign, regulatory info, loop detector). The variant is
// chosen once at registration by the first entry of an ordered table whose
// prefix letter and type code accept the sub-device.
//
// Device ids are scoped to a gantry server, not to a gantry: a detector cabinet
// may be numbered once but straddle both carriageways. Server.Locate therefore
// searches every gantry registered against the device id.
//
// The package is not safe for concurrent mutation. The engine plugin applies
// commands from a single goroutine; the bridge only reads.
package gantry
