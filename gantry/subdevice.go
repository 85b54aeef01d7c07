package gantry

import (
	"fmt"
	"slices"

	"github.com/c360/gantrybridge/errors"
)

// Kind identifies a sub-device variant. The set is closed.
type Kind int

// Sub-device variants in dispatch priority order.
const (
	WarningSign Kind = iota
	SpeedLimit
	RegulatorySign
	WarningInfo
	RegulatoryInfo
	LoopDetector
)

func (k Kind) String() string {
	switch k {
	case WarningSign:
		return "WarningSign"
	case SpeedLimit:
		return "SpeedLimit"
	case RegulatorySign:
		return "RegulatorySign"
	case WarningInfo:
		return "WarningInfo"
	case RegulatoryInfo:
		return "RegulatoryInfo"
	case LoopDetector:
		return "LoopDetector"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Regulatory sign message ids acted upon by the simulator.
const (
	SignNoTrucks        = 2
	SignRightLaneClosed = 3
	SignLeftLaneClosed  = 4
	SignRegulationOff   = 5
)

// NoLane is the lane of sub-devices not bound to a lane.
const NoLane = -1

// Positions of the lane digit inside the prefix.
const (
	signLaneDigit     = 1
	detectorLaneDigit = 3
)

// Message catalogs. Index 0 is always the blank sign.
var (
	WarningSignMessages = []string{
		"Zhasnuto", "A8 -Nebezpečí smyku", "A15 -Práce na silnici", "A22 -Jiné nebezpečí",
		"A23 - Tvorba kolon", "A24 - Náledí", "A26 – Mlha", "A27 – Nehoda",
	}
	WarningInfoMessages = []string{
		"Zhasnuto", "500m", "1000m", "1500m", "2000m", "2500m", "3000m", "3500m", "4000m",
		"4500m", "5000m", "5500m", "6000m", "6500m", "7000m", "7500m", "8000m", "8500m",
		"9000m", "9500m", "10000m",
	}
	SpeedLimitMessages = []string{"Zhasnuto", "120", "100", "80", "60"}
	// RegulatorySignMessages: command 8 is translated to blank by the signs.
	RegulatorySignMessages = []string{
		"Zhasnuto", "(nedefinováno)", "Zákaz vjezdu NV", "Šipka vlevo", "Šipka vpravo",
		"Konec omezení", "(nedefinováno)", "(nedefinováno)", "Zhasnuto",
	}
	RegulatoryInfoMessages = []string{"Zhasnuto", "3,5t", "6t", "7,5t", "9t", "12t"}

	// SpeedLimits holds km/h per SpeedLimit message id; 0 means no limit.
	SpeedLimits = []int{0, 120, 100, 80, 60}
)

// variant describes one member of the closed sub-device set.
type variant struct {
	kind     Kind
	prefix   byte
	types    []string
	messages []string
	build    func(sd *SubDevice) error
}

func (v variant) accepts(prefix, typeCode string) bool {
	return len(prefix) > 0 && prefix[0] == v.prefix && slices.Contains(v.types, typeCode)
}

// variants is evaluated in order; the first accepting variant wins.
var variants = []variant{
	{kind: WarningSign, prefix: 'A', types: []string{"LED", "LED+DT"}, messages: WarningSignMessages},
	{kind: SpeedLimit, prefix: 'B', types: []string{"LED"}, messages: SpeedLimitMessages, build: buildSpeedLimit},
	{kind: RegulatorySign, prefix: 'F', types: []string{"LED", "LED+DT"}, messages: RegulatorySignMessages, build: buildRegulatorySign},
	// Info tables should carry EA/EF prefixes but the installed gantries use A/F.
	{kind: WarningInfo, prefix: 'A', types: []string{"DT"}, messages: WarningInfoMessages},
	{kind: RegulatoryInfo, prefix: 'F', types: []string{"DT"}, messages: RegulatoryInfoMessages},
	{kind: LoopDetector, prefix: 'L', types: []string{"LD4"}, build: buildLoopDetector},
}

// Measurement is the last detector read-out, one slot per vehicle class.
type Measurement struct {
	Count     [NumCategories]float64 `json:"count"`
	Speed     [NumCategories]float64 `json:"speed"`
	Occupancy [NumCategories]float64 `json:"occupancy"`
}

// SubDevice is an individually addressable sign or sensor.
type SubDevice struct {
	Kind   Kind
	ID     int
	Prefix string
	Type   string

	messages  []string
	messageID int
	hasText   bool

	lane    int
	laneStr string

	measurements map[int]Measurement
}

// NewSubDevice builds the variant accepting (prefix, typeCode).
func NewSubDevice(prefix string, id int, typeCode string) (*SubDevice, error) {
	for _, v := range variants {
		if !v.accepts(prefix, typeCode) {
			continue
		}
		sd := &SubDevice{
			Kind:     v.kind,
			ID:       id,
			Prefix:   prefix,
			Type:     typeCode,
			messages: v.messages,
			hasText:  true,
			lane:     NoLane,
		}
		if v.build != nil {
			if err := v.build(sd); err != nil {
				return nil, err
			}
		}
		return sd, nil
	}
	return nil, fmt.Errorf("%w: incompatible prefix (%s) and type (%s) of gantry sub-device",
		errors.ErrAddressing, prefix, typeCode)
}

func laneDigit(prefix string, pos int) (int, bool) {
	if len(prefix) <= pos || prefix[pos] < '0' || prefix[pos] > '9' {
		return 0, false
	}
	return int(prefix[pos] - '0'), true
}

func buildSpeedLimit(sd *SubDevice) error {
	lane, ok := laneDigit(sd.Prefix, signLaneDigit)
	if !ok {
		return fmt.Errorf("%w: speed limit prefix %s has no lane digit", errors.ErrAddressing, sd.Prefix)
	}
	sd.lane = lane
	sd.laneStr = LaneIDToStr[lane]
	return nil
}

// Regulatory signs hang over a lane too; the simulator needs it to close lanes.
func buildRegulatorySign(sd *SubDevice) error {
	if lane, ok := laneDigit(sd.Prefix, signLaneDigit); ok {
		sd.lane = lane
		sd.laneStr = LaneIDToStr[lane]
	}
	return nil
}

func buildLoopDetector(sd *SubDevice) error {
	lane, ok := laneDigit(sd.Prefix, detectorLaneDigit)
	if !ok {
		return fmt.Errorf("%w: detector prefix %s has no lane digit", errors.ErrAddressing, sd.Prefix)
	}
	name, ok := LaneIDToStr[lane]
	if !ok {
		return fmt.Errorf("%w: detector prefix %s has unknown lane %d", errors.ErrAddressing, sd.Prefix, lane)
	}
	sd.lane = lane
	sd.laneStr = name
	sd.hasText = false
	return nil
}

// HasMessageText is false only for loop detectors.
func (sd *SubDevice) HasMessageText() bool {
	return sd.hasText
}

// Messages returns the message catalog of the variant.
func (sd *SubDevice) Messages() []string {
	return sd.messages
}

// MessageID returns the index of the displayed message.
func (sd *SubDevice) MessageID() int {
	return sd.messageID
}

// MessageText returns the displayed message, empty for sub-devices without text.
func (sd *SubDevice) MessageText() string {
	if !sd.hasText {
		return ""
	}
	return sd.messages[sd.messageID]
}

// CheckMessageID reports whether SetMessageID(id) would be accepted.
func (sd *SubDevice) CheckMessageID(id int) error {
	if !sd.hasText {
		return fmt.Errorf("%w: cannot set message text on sub-device %d (%s) that does not support it",
			errors.ErrMutation, sd.ID, sd.Prefix)
	}
	if id < 0 || id >= len(sd.messages) {
		return fmt.Errorf("%w: unsupported command %d on sub-device %d", errors.ErrMutation, id, sd.ID)
	}
	return nil
}

// SetMessageID changes the displayed message. Rejected ids leave the state unchanged.
func (sd *SubDevice) SetMessageID(id int) error {
	if err := sd.CheckMessageID(id); err != nil {
		return err
	}
	sd.messageID = id
	return nil
}

// Lane returns the EDS lane number, or NoLane for sub-devices not bound to a lane.
func (sd *SubDevice) Lane() int {
	return sd.lane
}

// LaneStr names the lane position (left, middle, right, shoulder).
func (sd *SubDevice) LaneStr() string {
	return sd.laneStr
}

// SpeedLimitInfo is the active limit of one speed limit sign.
type SpeedLimitInfo struct {
	Prefix string
	Lane   int
	// Limit is nil when the sign is blank.
	Limit *int
	// Class is the vehicle class the limit applies to; 0 means all vehicles.
	Class int
}

// SpeedLimit returns the limit shown by a SpeedLimit sub-device.
func (sd *SubDevice) SpeedLimit() (SpeedLimitInfo, bool) {
	if sd.Kind != SpeedLimit {
		return SpeedLimitInfo{}, false
	}
	info := SpeedLimitInfo{Prefix: sd.Prefix, Lane: sd.lane}
	if limit := SpeedLimits[sd.messageID]; limit > 0 {
		info.Limit = &limit
	}
	return info, true
}

// LaneClosureInfo is the regulation shown by one regulatory sign.
type LaneClosureInfo struct {
	Prefix    string
	Lane      int
	MessageID int
}

// LaneClosure returns the regulation shown by a RegulatorySign sub-device.
func (sd *SubDevice) LaneClosure() (LaneClosureInfo, bool) {
	if sd.Kind != RegulatorySign {
		return LaneClosureInfo{}, false
	}
	return LaneClosureInfo{Prefix: sd.Prefix, Lane: sd.lane, MessageID: sd.messageID}, true
}

// SetMeasurement stores the last read-out of the given lane. One LD4 loop
// detector spans several lanes, so read-outs are kept per lane. It reports
// false for sub-devices that are not loop detectors.
func (sd *SubDevice) SetMeasurement(lane int, m Measurement) bool {
	if sd.Kind != LoopDetector {
		return false
	}
	if sd.measurements == nil {
		sd.measurements = make(map[int]Measurement)
	}
	sd.measurements[lane] = m
	return true
}

// Measurement returns the last read-out of the given lane, if any.
func (sd *SubDevice) Measurement(lane int) (Measurement, bool) {
	m, ok := sd.measurements[lane]
	return m, ok
}
