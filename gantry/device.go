package gantry

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/c360/gantrybridge/errors"
)

// Device is a physical unit on a gantry holding sub-devices keyed by id.
type Device struct {
	ID  int
	PPK string

	subDevices map[int]*SubDevice
}

func newDevice(id int, ppk string) *Device {
	return &Device{ID: id, PPK: ppk, subDevices: make(map[int]*SubDevice)}
}

// AddSubDevice builds and stores a sub-device. Sub-device ids are unique per device.
func (d *Device) AddSubDevice(id int, typeCode, prefix string) (*SubDevice, error) {
	if _, exists := d.subDevices[id]; exists {
		return nil, fmt.Errorf("%w: gantry device %s (id:%d) already has a sub-device with id %d",
			errors.ErrDuplicate, d.PPK, d.ID, id)
	}
	sd, err := NewSubDevice(prefix, id, typeCode)
	if err != nil {
		return nil, err
	}
	d.subDevices[id] = sd
	return sd, nil
}

// SubDevice returns the sub-device with the given id.
func (d *Device) SubDevice(id int) (*SubDevice, bool) {
	sd, ok := d.subDevices[id]
	return sd, ok
}

// SubDeviceIDs returns the sub-device ids in ascending order.
func (d *Device) SubDeviceIDs() []int {
	return sortedKeys(d.subDevices)
}

// Gantry is a physical signpost identified by a P<direction><stationing> label.
type Gantry struct {
	Label string

	devices map[int]*Device
}

func newGantry(label string) *Gantry {
	return &Gantry{Label: label, devices: make(map[int]*Device)}
}

// AddDevice adds a device; device ids are unique per gantry.
func (g *Gantry) AddDevice(id int, ppk string) (*Device, error) {
	if _, exists := g.devices[id]; exists {
		return nil, fmt.Errorf("%w: gantry %s already has a device %d with ppk %s", errors.ErrDuplicate, g.Label, id, ppk)
	}
	d := newDevice(id, ppk)
	g.devices[id] = d
	return d, nil
}

// Device returns the device with the given id.
func (g *Gantry) Device(id int) (*Device, bool) {
	d, ok := g.devices[id]
	return d, ok
}

// DeviceIDs returns the device ids in ascending order.
func (g *Gantry) DeviceIDs() []int {
	return sortedKeys(g.devices)
}

// Direction derives the carriageway from the label digit.
func (g *Gantry) Direction() Direction {
	if len(g.Label) > 1 && g.Label[1] == '1' {
		return DirectionRight
	}
	return DirectionLeft
}

// each visits every sub-device in device then sub-device id order.
func (g *Gantry) each(fn func(d *Device, sd *SubDevice)) {
	for _, did := range g.DeviceIDs() {
		d := g.devices[did]
		for _, sid := range d.SubDeviceIDs() {
			fn(d, d.subDevices[sid])
		}
	}
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
