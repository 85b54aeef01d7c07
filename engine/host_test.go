package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/pkg/buffer"
)

const engineCatalog = `<?xml version="1.0" encoding="utf-8"?>
<root>
  <gantry id="R01">
    <device id="3" ppk="PPK3" stationing="350.1" position="R">
      <subdevice id="0" type="LED" prefix="B93501"><aimsunid>-1</aimsunid></subdevice>
      <subdevice id="1" type="LED" prefix="B33501"><aimsunid>-1</aimsunid></subdevice>
      <subdevice id="2" type="LED" prefix="F93501"><aimsunid>-1</aimsunid></subdevice>
      <subdevice id="3" type="LED" prefix="A93501"><aimsunid>-1</aimsunid></subdevice>
    </device>
    <device id="20" ppk="LD" stationing="350.1" position="R">
      <subdevice id="1" type="LD4" prefix="LDX13501">
        <lane id="0" type="LD4" position="left" prefix="LD93501"><aimsunid>-1</aimsunid></lane>
        <lane id="2" type="LD4" position="shoulder" prefix="LD13501"><aimsunid>-1</aimsunid></lane>
      </subdevice>
    </device>
  </gantry>
</root>`

func loadEngineCatalog(t *testing.T) *gantry.Catalog {
	t.Helper()
	cat, err := gantry.LoadCatalog(strings.NewReader(engineCatalog))
	require.NoError(t, err)
	return cat
}

// fakeHost records every action as a readable string.
type fakeHost struct {
	mu sync.Mutex

	start     time.Time
	sections  []Section
	detectors []Detector
	types     int
	interval  time.Duration
	warmUp    time.Duration

	readings map[int][]Reading
	reads    int

	nextID  ActionID
	actions map[ActionID]string
	removed int
	vms     map[string]string
	failAdd error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		start: time.Date(2016, 5, 10, 7, 0, 0, 0, time.UTC),
		sections: []Section{
			{ID: 11, Name: "S13501.1", Lanes: 2},
			{ID: 12, Name: "S13501.2", Lanes: 2},
			{ID: 13, Name: "S9999", Lanes: 2},
			{ID: 14, Name: "ramp", Lanes: 1},
		},
		detectors: []Detector{
			{ID: 101, Name: "LD93501"},
			{ID: 102, Name: "LD13501_a"},
			{ID: 103, Name: "LD77777"},
			{ID: 104, Name: "counter"},
		},
		types:    2,
		interval: 60 * time.Second,
		warmUp:   300 * time.Second,
		readings: map[int][]Reading{
			101: {{Count: 10, Speed: 90, Occupancy: 5}, {Count: 7, Speed: 95, Occupancy: 3}, {Count: 3, Speed: 80, Occupancy: 2}},
		},
		actions: make(map[ActionID]string),
		vms:     make(map[string]string),
	}
}

func (h *fakeHost) ScenarioStart() (time.Time, error) { return h.start, nil }
func (h *fakeHost) Sections() []Section               { return h.sections }
func (h *fakeHost) Detectors() []Detector             { return h.detectors }
func (h *fakeHost) VehicleTypes() int                 { return h.types }
func (h *fakeHost) DetectionInterval() time.Duration  { return h.interval }
func (h *fakeHost) WarmUp() time.Duration             { return h.warmUp }

func (h *fakeHost) ReadDetector(detector, vehicleType int) Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads++
	if r, ok := h.readings[detector]; ok && vehicleType < len(r) {
		return r[vehicleType]
	}
	return Reading{}
}

func (h *fakeHost) add(desc string) (ActionID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAdd != nil {
		return 0, h.failAdd
	}
	h.nextID++
	h.actions[h.nextID] = desc
	return h.nextID, nil
}

func (h *fakeHost) AddSpeedLimit(section, lane, limit, class int) (ActionID, error) {
	return h.add(fmt.Sprintf("speed s%d l%d %d c%d", section, lane, limit, class))
}

func (h *fakeHost) AddLaneClosure(section, lane, class int) (ActionID, error) {
	return h.add(fmt.Sprintf("close s%d l%d c%d", section, lane, class))
}

func (h *fakeHost) RemoveAction(id ActionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.actions[id]; !ok {
		return fmt.Errorf("unknown action %d", id)
	}
	delete(h.actions, id)
	h.removed++
	return nil
}

func (h *fakeHost) SetVMSText(gantry, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vms[gantry] = text
	return nil
}

func (h *fakeHost) active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.actions))
	for _, desc := range h.actions {
		out = append(out, desc)
	}
	slices.Sort(out)
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches []packet.Batch
	err     error
}

func (p *recordingPublisher) Publish(b packet.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, b)
	return nil
}

func (p *recordingPublisher) published() []packet.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.batches)
}

func newCommandQueue(t *testing.T) *buffer.Ring[packet.Command] {
	t.Helper()
	q, err := buffer.NewRing[packet.Command](64)
	require.NoError(t, err)
	return q
}
