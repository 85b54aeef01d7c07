// Package simhost is a deterministic stand-in for the traffic simulator. It
// derives a small network from the device catalog, produces repeatable
// detector counts and records the actions the plugin installs, so the whole
// bridge can run without the third-party simulator.
package simhost

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/c360/gantrybridge/engine"
	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
)

// Action kinds.
const (
	KindSpeedLimit  = "speed_limit"
	KindLaneClosure = "lane_closure"
)

// freeSpeed is the unrestricted speed per vehicle type in km/h.
var freeSpeed = []float64{0, 130, 125, 100, 110, 90, 85, 85, 95}

// Config describes the simulated run.
type Config struct {
	Start             time.Time
	Step              time.Duration
	Duration          time.Duration
	WarmUp            time.Duration
	DetectionInterval time.Duration
	VehicleTypes      int
	// Pace is the wall-clock time per step; zero runs as fast as possible.
	Pace time.Duration
}

// DefaultConfig returns a one hour run with one minute detection intervals.
func DefaultConfig() Config {
	return Config{
		Start:             time.Date(2016, 5, 10, 7, 0, 0, 0, time.Local),
		Step:              time.Second,
		Duration:          time.Hour,
		WarmUp:            5 * time.Minute,
		DetectionInterval: time.Minute,
		VehicleTypes:      7,
	}
}

// Action is an action installed by the plugin.
type Action struct {
	ID      engine.ActionID
	Kind    string
	Section int
	Lane    int
	Limit   int
	Class   int
}

// Plugin is the callback set driven by Run.
type Plugin interface {
	OnLoad() error
	OnInit() error
	OnManage(ctx context.Context, simTime time.Duration) error
	OnPostManage(ctx context.Context, simTime time.Duration) error
}

// Host implements engine.Host.
type Host struct {
	cfg    Config
	logger *slog.Logger

	sections       []engine.Section
	sectionGantry  map[int]int
	detectors      []engine.Detector
	detectorGantry map[int]int

	mu      sync.Mutex
	simTime time.Duration
	nextID  engine.ActionID
	actions map[engine.ActionID]Action
	vms     map[string]string
}

var _ engine.Host = (*Host)(nil)

// New builds the network for cat: two sections behind every gantry and one
// detector per catalog detector. A gantry whose detectors include a middle
// lane gets three traffic lanes, otherwise two.
func New(cat *gantry.Catalog, cfg Config, logger *slog.Logger) (*Host, error) {
	if cat == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: catalog", errors.ErrMissingConfig), "simhost", "New", "dependency check")
	}
	if cfg.Step <= 0 || cfg.DetectionInterval <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: step and detection interval must be positive", errors.ErrInvalidConfig),
			"simhost", "New", "config check")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Host{
		cfg:            cfg,
		logger:         logger.With("component", "simhost"),
		sectionGantry:  make(map[int]int),
		detectorGantry: make(map[int]int),
		actions:        make(map[engine.ActionID]Action),
		vms:            make(map[string]string),
	}

	threeLanes := make(map[int]bool)
	names := lo.Keys(cat.Detectors)
	slices.Sort(names)
	for i, name := range names {
		num, ok := gantryNumber(name)
		if !ok {
			continue
		}
		id := 1000 + i
		h.detectors = append(h.detectors, engine.Detector{ID: id, Name: name})
		h.detectorGantry[id] = num
		if cat.Detectors[name].LaneStr == "middle" {
			threeLanes[num] = true
		}
	}

	var numbers []int
	for _, srv := range cat.Servers {
		for _, label := range srv.GantryLabels() {
			if n, err := strconv.Atoi(label[1:]); err == nil {
				numbers = append(numbers, n)
			}
		}
	}
	numbers = lo.Uniq(numbers)
	slices.Sort(numbers)
	for i, n := range numbers {
		lanes := 2
		if threeLanes[n] {
			lanes = 3
		}
		for part := 1; part <= 2; part++ {
			id := 100 + 2*i + part
			h.sections = append(h.sections, engine.Section{ID: id, Name: fmt.Sprintf("S%05d.%d", n, part), Lanes: lanes})
			h.sectionGantry[id] = n
		}
	}
	return h, nil
}

// gantryNumber derives the numeric gantry label from a detector name.
func gantryNumber(name string) (int, bool) {
	label, err := gantry.GantryLabel(name)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(label[1:])
	return n, err == nil
}

func (h *Host) ScenarioStart() (time.Time, error) { return h.cfg.Start, nil }
func (h *Host) Sections() []engine.Section        { return slices.Clone(h.sections) }
func (h *Host) Detectors() []engine.Detector      { return slices.Clone(h.detectors) }
func (h *Host) VehicleTypes() int                 { return h.cfg.VehicleTypes }
func (h *Host) DetectionInterval() time.Duration  { return h.cfg.DetectionInterval }
func (h *Host) WarmUp() time.Duration             { return h.cfg.WarmUp }

// ReadDetector returns the counts of the last detection interval. Counts are a
// fixed function of detector, vehicle type and interval; speeds respect the
// lowest speed limit installed behind the detector's gantry.
func (h *Host) ReadDetector(detector, vehicleType int) engine.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()

	interval := int(h.simTime / h.cfg.DetectionInterval)
	limit := h.limitFor(h.detectorGantry[detector])

	if vehicleType > 0 {
		return h.reading(detector, vehicleType, interval, limit)
	}

	var total engine.Reading
	var weighted float64
	for t := 1; t <= h.cfg.VehicleTypes; t++ {
		r := h.reading(detector, t, interval, limit)
		total.Count += r.Count
		total.Occupancy += r.Occupancy
		weighted += r.Count * r.Speed
	}
	if total.Count > 0 {
		total.Speed = weighted / total.Count
	}
	total.Occupancy = min(total.Occupancy, 100)
	return total
}

func (h *Host) reading(detector, vehicleType, interval int, limit float64) engine.Reading {
	count := float64((detector*7+vehicleType*3+interval)%11 + 1)
	speed := freeSpeed[vehicleType%len(freeSpeed)]
	if speed == 0 {
		speed = 100
	}
	if limit > 0 {
		speed = min(speed, limit)
	}
	return engine.Reading{Count: count, Speed: speed, Occupancy: min(count*0.4, 100)}
}

// limitFor is called with h.mu held.
func (h *Host) limitFor(gantryNum int) float64 {
	var limit float64
	for _, a := range h.actions {
		if a.Kind != KindSpeedLimit || h.sectionGantry[a.Section] != gantryNum {
			continue
		}
		if limit == 0 || float64(a.Limit) < limit {
			limit = float64(a.Limit)
		}
	}
	return limit
}

func (h *Host) AddSpeedLimit(section, lane, limit, class int) (engine.ActionID, error) {
	return h.add(Action{Kind: KindSpeedLimit, Section: section, Lane: lane, Limit: limit, Class: class})
}

func (h *Host) AddLaneClosure(section, lane, class int) (engine.ActionID, error) {
	return h.add(Action{Kind: KindLaneClosure, Section: section, Lane: lane, Class: class})
}

func (h *Host) add(a Action) (engine.ActionID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sectionGantry[a.Section]; !ok {
		return 0, fmt.Errorf("%w: section %d", errors.ErrNotFound, a.Section)
	}
	h.nextID++
	a.ID = h.nextID
	h.actions[a.ID] = a
	h.logger.Info("action installed", "id", a.ID, "kind", a.Kind, "section", a.Section, "lane", a.Lane,
		"limit", a.Limit, "class", a.Class)
	return a.ID, nil
}

func (h *Host) RemoveAction(id engine.ActionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.actions[id]; !ok {
		return fmt.Errorf("%w: action %d", errors.ErrNotFound, id)
	}
	delete(h.actions, id)
	h.logger.Info("action removed", "id", id)
	return nil
}

func (h *Host) SetVMSText(label, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.vms[label] != text {
		h.logger.Info("vms text changed", "gantry", label, "text", text)
	}
	h.vms[label] = text
	return nil
}

// Actions returns the installed actions ordered by id.
func (h *Host) Actions() []Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := lo.Values(h.actions)
	slices.SortFunc(out, func(a, b Action) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// VMSText returns the text shown on a gantry.
func (h *Host) VMSText(label string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vms[label]
}

// SimTime returns the current simulation time.
func (h *Host) SimTime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.simTime
}

// Run loads p and steps the simulation until the configured duration or ctx
// ends. Callback errors are logged; the simulation keeps going.
func (h *Host) Run(ctx context.Context, p Plugin) error {
	if err := p.OnLoad(); err != nil {
		return err
	}
	if err := p.OnInit(); err != nil {
		return err
	}

	var ticker *time.Ticker
	if h.cfg.Pace > 0 {
		ticker = time.NewTicker(h.cfg.Pace)
		defer ticker.Stop()
	}

	for t := h.cfg.Step; t <= h.cfg.Duration; t += h.cfg.Step {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		h.simTime = t
		h.mu.Unlock()

		if err := p.OnManage(ctx, t); err != nil {
			h.logger.Warn("manage step failed", "sim_time", t, "error", err)
		}
		if err := p.OnPostManage(ctx, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Warn("post-manage step failed", "sim_time", t, "error", err)
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	h.logger.Info("simulation finished", "sim_time", h.cfg.Duration)
	return nil
}
