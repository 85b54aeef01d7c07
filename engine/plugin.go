package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/lockstep"
	"github.com/c360/gantrybridge/metric"
	"github.com/c360/gantrybridge/packet"
	"github.com/c360/gantrybridge/pkg/buffer"
	"github.com/c360/gantrybridge/router"
)

var (
	// Sections behind a gantry are named S<gantry number>.<n>.
	sectionName = regexp.MustCompile(`^S(\d{5})[.]\d`)
	// Detectors are named LD<gantry lane and stationing>; the match is the catalog key.
	detectorName = regexp.MustCompile(`^LD\d{5}`)
)

// Deps holds the collaborators of a Plugin.
type Deps struct {
	Catalog     *gantry.Catalog
	Commands    *buffer.Ring[packet.Command]
	Publisher   Publisher
	Coordinator *lockstep.Coordinator
	Metrics     metric.MetricsRegistrar
	Logger      *slog.Logger
}

type detector struct {
	id   int
	name string
	dm   gantry.DetectorMap
}

// Plugin implements the simulator callbacks. The callbacks must be called from
// a single goroutine, the simulation thread.
type Plugin struct {
	host        Host
	catalog     *gantry.Catalog
	commands    *buffer.Ring[packet.Command]
	publisher   Publisher
	coordinator *lockstep.Coordinator
	logger      *slog.Logger
	metrics     *engineMetrics
	actions     *actionCache

	scenarioStart time.Time
	sections      map[int][]Section
	detectors     []detector
	vehicleTypes  int
	interval      time.Duration
	warmUp        time.Duration
	detectionTime time.Duration
}

// NewPlugin creates a plugin for host. Catalog, Commands and Publisher are
// required; a nil Coordinator runs asynchronously.
func NewPlugin(host Host, deps Deps) (*Plugin, error) {
	switch {
	case host == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: host", errors.ErrMissingConfig), "Plugin", "NewPlugin", "dependency check")
	case deps.Catalog == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: catalog", errors.ErrMissingConfig), "Plugin", "NewPlugin", "dependency check")
	case deps.Commands == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: command queue", errors.ErrMissingConfig), "Plugin", "NewPlugin", "dependency check")
	case deps.Publisher == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: publisher", errors.ErrMissingConfig), "Plugin", "NewPlugin", "dependency check")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	coordinator := deps.Coordinator
	if coordinator == nil {
		coordinator = lockstep.New(logger, nil)
	}

	m, err := newEngineMetrics(deps.Metrics)
	if err != nil {
		return nil, errors.WrapTransient(err, "Plugin", "NewPlugin", "metrics registration")
	}

	return &Plugin{
		host:        host,
		catalog:     deps.Catalog,
		commands:    deps.Commands,
		publisher:   deps.Publisher,
		coordinator: coordinator,
		logger:      logger,
		metrics:     m,
		actions:     newActionCache(host, logger, m),
	}, nil
}

// OnLoad records the scenario start time used to stamp measurements.
func (p *Plugin) OnLoad() error {
	start, err := p.host.ScenarioStart()
	if err != nil {
		return errors.WrapFatal(err, "Plugin", "OnLoad", "scenario time")
	}
	p.scenarioStart = start
	p.logger.Info("plugin loaded",
		"scenario_start", start.Format(router.TimeLayout),
		"gantry_servers", len(p.catalog.Servers),
		"catalog_detectors", len(p.catalog.Detectors))
	return nil
}

// OnInit discovers gantry sections and detectors and schedules the first
// detection at warm-up plus one detection interval.
func (p *Plugin) OnInit() error {
	p.sections = lo.GroupBy(
		lo.Filter(p.host.Sections(), func(s Section, _ int) bool {
			return sectionName.MatchString(s.Name)
		}),
		func(s Section) int {
			n, _ := strconv.Atoi(sectionName.FindStringSubmatch(s.Name)[1])
			return n
		})

	p.detectors = p.detectors[:0]
	for _, d := range p.host.Detectors() {
		name := detectorName.FindString(d.Name)
		if name == "" {
			continue
		}
		dm, ok := p.catalog.Detectors[name]
		if !ok {
			p.logger.Warn("detector not in catalog, not reported", "detector", d.Name, "id", d.ID)
			continue
		}
		p.detectors = append(p.detectors, detector{id: d.ID, name: name, dm: dm})
	}

	p.vehicleTypes = p.host.VehicleTypes()
	p.interval = p.host.DetectionInterval()
	p.warmUp = p.host.WarmUp()
	if p.interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: detection interval %s", errors.ErrInvalidConfig, p.interval),
			"Plugin", "OnInit", "detection interval check")
	}
	p.detectionTime = p.interval + p.warmUp

	p.logger.Info("network discovered",
		"gantry_sections", len(p.sections),
		"detectors", len(p.detectors),
		"vehicle_types", p.vehicleTypes,
		"detection_interval", p.interval,
		"next_detection", p.detectionTime)
	return nil
}

// OnManage applies the queued commands. Nothing happens during warm-up.
func (p *Plugin) OnManage(ctx context.Context, simTime time.Duration) error {
	if simTime < p.warmUp {
		return nil
	}

	touched := make(map[string]*gantry.Server)
	for ctx.Err() == nil {
		cmd, ok := p.commands.TryPop()
		if !ok {
			break
		}
		srv, err := p.catalog.Server(cmd.GantryServer)
		if err == nil {
			_, err = srv.ProcessCommand(cmd.Command)
		}
		if err != nil {
			p.metrics.recordCommand("rejected")
			p.logger.Warn("command dropped", "gantry_server", cmd.GantryServer,
				"device", cmd.Command.Device, "sub_device", cmd.Command.SubDevice,
				"message_id", cmd.Command.MessageID, "error", err)
			continue
		}
		p.metrics.recordCommand("applied")
		touched[srv.ID] = srv
	}
	if len(touched) == 0 {
		return nil
	}

	var errs *multierror.Error
	ids := lo.Keys(touched)
	slices.Sort(ids)
	for _, id := range ids {
		srv := touched[id]
		p.logger.Debug("gantry server updated", "state", srv.String())
		if err := p.refresh(srv); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return errors.WrapTransient(err, "Plugin", "OnManage", "simulator update")
	}
	return nil
}

// refresh mirrors the signs of srv into simulator actions and VMS texts.
func (p *Plugin) refresh(srv *gantry.Server) error {
	var errs *multierror.Error

	limits := srv.SpeedLimits()
	closures := srv.LaneClosures()
	for _, label := range srv.GantryLabels() {
		g, _ := srv.Gantry(label)
		dir := g.Direction()
		for _, sec := range p.gantrySections(label) {
			for _, info := range limits[label] {
				lane, ok := gantry.MapLane(dir, sec.Lanes, info.Lane)
				if !ok {
					p.logger.Debug("speed limit sign without simulator lane", "prefix", info.Prefix, "section", sec.ID)
					continue
				}
				if err := p.actions.setSpeedLimit(speedKey{section: sec.ID, lane: lane}, lo.FromPtr(info.Limit), info.Class); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
			for _, info := range closures[label] {
				if info.Lane == gantry.NoLane {
					continue
				}
				lane, ok := gantry.MapLane(dir, sec.Lanes, info.Lane)
				if !ok {
					p.logger.Debug("regulatory sign without simulator lane", "prefix", info.Prefix, "section", sec.ID)
					continue
				}
				if err := p.actions.setClosures(sec.ID, lane, closureClasses(info.MessageID)); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	}

	for label, text := range srv.GantryMessages() {
		if err := p.host.SetVMSText(label, text); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("vms text of %s: %w", label, err))
		}
	}
	return errs.ErrorOrNil()
}

// gantrySections returns the sections behind the gantry with the given label,
// e.g. P13501 owns sections S13501.1, S13501.2.
func (p *Plugin) gantrySections(label string) []Section {
	n, err := strconv.Atoi(label[1:])
	if err != nil {
		return nil
	}
	return p.sections[n]
}

// OnPostManage publishes a measurement batch once the detection time is
// reached and, in synchronous mode, waits for the controller.
func (p *Plugin) OnPostManage(ctx context.Context, simTime time.Duration) error {
	if simTime < p.warmUp || simTime < p.detectionTime {
		return nil
	}
	defer func() { p.detectionTime += p.interval }()

	batch := p.readDetectors(simTime)
	if err := p.publisher.Publish(batch); err != nil {
		return errors.Wrap(err, "Plugin", "OnPostManage", "batch publish")
	}
	p.metrics.recordBatch(len(batch.Readings))
	p.logger.Debug("measurements published", "time", batch.Time, "readings", len(batch.Readings))

	start := time.Now()
	if err := p.coordinator.Wait(ctx); err != nil {
		return errors.WrapTransient(err, "Plugin", "OnPostManage", "lockstep wait")
	}
	p.metrics.recordWait(time.Since(start).Seconds())
	return nil
}

// readDetectors reads every reported detector. Vehicle type t lands in class
// slot t+1; the aggregate (type 0) is then moved from slot 1 to the "all"
// slot.
func (p *Plugin) readDetectors(simTime time.Duration) packet.Batch {
	batch := packet.Batch{
		Time:     p.scenarioStart.Add(simTime - p.warmUp).Format(router.TimeLayout),
		Readings: make([]packet.Reading, 0, len(p.detectors)),
	}
	for _, d := range p.detectors {
		var m gantry.Measurement
		for t := 0; t <= p.vehicleTypes && t+1 < gantry.CategoryAll; t++ {
			r := p.host.ReadDetector(d.id, t)
			m.Count[t+1] = r.Count
			m.Speed[t+1] = r.Speed
			m.Occupancy[t+1] = r.Occupancy
		}
		m.Count[gantry.CategoryAll], m.Count[1] = m.Count[1], 0
		m.Speed[gantry.CategoryAll], m.Speed[1] = m.Speed[1], 0
		m.Occupancy[gantry.CategoryAll], m.Occupancy[1] = m.Occupancy[1], 0

		p.storeMeasurement(d, m)
		batch.Readings = append(batch.Readings, packet.Reading{Name: d.name, Map: d.dm, Measurement: m})
	}
	return batch
}

// storeMeasurement keeps the read-out on the loop detector sub-device the
// detector belongs to.
func (p *Plugin) storeMeasurement(d detector, m gantry.Measurement) {
	srv, err := p.catalog.Server(d.dm.GantryServer)
	if err != nil {
		p.logger.Debug("detector without gantry server", "detector", d.name, "error", err)
		return
	}
	sd, err := srv.Locate(d.dm.Device, d.dm.SubDevice)
	if err != nil {
		p.logger.Debug("detector without sub-device", "detector", d.name, "error", err)
		return
	}
	if !sd.SetMeasurement(d.dm.Lane, m) {
		p.logger.Debug("detector mapped to a non-detector sub-device", "detector", d.name, "kind", sd.Kind.String())
	}
}

// NextDetection returns the simulation time of the next read-out.
func (p *Plugin) NextDetection() time.Duration {
	return p.detectionTime
}

// ActiveActions returns the number of installed speed limit and lane closure actions.
func (p *Plugin) ActiveActions() (speedLimits, closures int) {
	return p.actions.counts()
}
