package engine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/c360/gantrybridge/gantry"
)

// Vehicle classes closed by the no-trucks sign: trucks, trucks with trailer
// and semitrailer trucks.
var truckClasses = []int{5, 6, 7}

type speedKey struct {
	section int
	lane    int
}

type closureKey struct {
	section int
	lane    int
	class   int
}

type speedAction struct {
	id    ActionID
	limit int
	class int
}

// actionCache mirrors sign state into simulator actions. It remembers the
// action installed per (section, lane) for speed limits and per
// (section, lane, class) for closures, so a changed sign replaces the previous
// action and an unchanged sign leaves it alone.
type actionCache struct {
	host    Host
	logger  *slog.Logger
	metrics *engineMetrics

	speed    map[speedKey]speedAction
	closures map[closureKey]ActionID
}

func newActionCache(host Host, logger *slog.Logger, metrics *engineMetrics) *actionCache {
	return &actionCache{
		host:     host,
		logger:   logger,
		metrics:  metrics,
		speed:    make(map[speedKey]speedAction),
		closures: make(map[closureKey]ActionID),
	}
}

// setSpeedLimit installs limit on key. A limit of 0 removes the action.
func (a *actionCache) setSpeedLimit(key speedKey, limit, class int) error {
	prev, ok := a.speed[key]
	if ok && prev.limit == limit && prev.class == class {
		return nil
	}
	if ok {
		if err := a.host.RemoveAction(prev.id); err != nil {
			return fmt.Errorf("remove speed limit on section %d lane %d: %w", key.section, key.lane, err)
		}
		delete(a.speed, key)
		a.metrics.recordAction("speed_limit", "remove")
	}
	if limit <= 0 {
		return nil
	}

	id, err := a.host.AddSpeedLimit(key.section, key.lane, limit, class)
	if err != nil {
		return fmt.Errorf("speed limit %d on section %d lane %d: %w", limit, key.section, key.lane, err)
	}
	a.speed[key] = speedAction{id: id, limit: limit, class: class}
	a.metrics.recordAction("speed_limit", "add")
	a.logger.Debug("speed limit installed", "section", key.section, "lane", key.lane, "limit", limit, "class", class)
	return nil
}

// setClosures makes classes the set of vehicle classes for which lane of
// section is closed.
func (a *actionCache) setClosures(section, lane int, classes []int) error {
	var errs *multierror.Error

	for key, id := range a.closures {
		if key.section != section || key.lane != lane || slices.Contains(classes, key.class) {
			continue
		}
		if err := a.host.RemoveAction(id); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove closure on section %d lane %d class %d: %w",
				section, lane, key.class, err))
			continue
		}
		delete(a.closures, key)
		a.metrics.recordAction("lane_closure", "remove")
	}

	for _, class := range lo.Uniq(classes) {
		key := closureKey{section: section, lane: lane, class: class}
		if _, ok := a.closures[key]; ok {
			continue
		}
		id, err := a.host.AddLaneClosure(section, lane, class)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close section %d lane %d class %d: %w",
				section, lane, class, err))
			continue
		}
		a.closures[key] = id
		a.metrics.recordAction("lane_closure", "add")
		a.logger.Debug("lane closed", "section", section, "lane", lane, "class", class)
	}
	return errs.ErrorOrNil()
}

// closureClasses returns the vehicle classes a regulatory sign closes its
// lane for. Arrows close the lane for all traffic, the no-trucks sign closes
// it for trucks only, anything else opens it.
func closureClasses(messageID int) []int {
	switch messageID {
	case gantry.SignRightLaneClosed, gantry.SignLeftLaneClosed:
		return []int{0}
	case gantry.SignNoTrucks:
		return truckClasses
	default:
		return nil
	}
}

func (a *actionCache) counts() (speedLimits, closures int) {
	return len(a.speed), len(a.closures)
}
