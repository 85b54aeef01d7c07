package router

import (
	"encoding/xml"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/packet"
)

// Notices sent to controllers outside the telemetry stream.
const (
	SimulationReady    = `<?xml version="1.0" encoding="UTF-8" ?><root msg="simulation_ready"></root>`
	SimulationFinished = `<?xml version="1.0" encoding="UTF-8" ?><root msg="simulation_finished"></root>`
)

// TimeLayout formats measurement time stamps.
const TimeLayout = "2006-01-02 15:04:05"

type laneEntry struct {
	detType string
	laneStr string
	m       gantry.Measurement
}

type subDeviceEntry struct {
	typ         string
	description string
	lanes       map[int]laneEntry
}

type deviceEntry struct {
	typ        string
	subDevices map[int]*subDeviceEntry
}

// grouping is gantry server -> device -> sub-device -> lane.
type grouping map[string]map[int]*deviceEntry

func group(b packet.Batch) grouping {
	g := make(grouping)
	for _, r := range b.Readings {
		dm := r.Map
		devices, ok := g[dm.GantryServer]
		if !ok {
			devices = make(map[int]*deviceEntry)
			g[dm.GantryServer] = devices
		}
		dev, ok := devices[dm.Device]
		if !ok {
			dev = &deviceEntry{subDevices: make(map[int]*subDeviceEntry)}
			devices[dm.Device] = dev
		}
		dev.typ = dm.DeviceType

		sub, ok := dev.subDevices[dm.SubDevice]
		if !ok {
			sub = &subDeviceEntry{lanes: make(map[int]laneEntry)}
			dev.subDevices[dm.SubDevice] = sub
		}
		sub.typ = dm.SubDeviceType
		sub.description = dm.SubDeviceDescription
		sub.lanes[dm.Lane] = laneEntry{detType: dm.DetType, laneStr: dm.LaneStr, m: r.Measurement}
	}
	return g
}

type statusXML struct {
	XMLName xml.Name    `xml:"root"`
	Msg     string      `xml:"msg,attr"`
	Servers []serverXML `xml:"gantry"`
}

type serverXML struct {
	Msg      string      `xml:"msg,attr"`
	ID       string      `xml:"id,attr"`
	SeqNr    int         `xml:"seq_nr"`
	SendTime string      `xml:"send_time"`
	Sender   string      `xml:"sender"`
	Devices  []deviceXML `xml:"device"`
}

type deviceXML struct {
	ID         int            `xml:"id,attr"`
	Type       string         `xml:"type,attr"`
	SubDevices []subDeviceXML `xml:"subdevice"`
}

type subDeviceXML struct {
	ID          int       `xml:"id,attr"`
	TimeStamp   string    `xml:"time_stamp,attr"`
	Type        string    `xml:"type,attr"`
	Description string    `xml:"description,attr"`
	Lanes       []laneXML `xml:"lane"`
}

type laneXML struct {
	ID         int           `xml:"id,attr"`
	Type       string        `xml:"type,attr"`
	Lane       string        `xml:"lane,attr"`
	Categories []categoryXML `xml:"category"`
}

type categoryXML struct {
	ID          int     `xml:"id,attr"`
	Type        string  `xml:"type,attr"`
	Description string  `xml:"description,attr"`
	Intensity   int     `xml:"intensity"`
	Speed       decimal `xml:"speed"`
	Occupancy   decimal `xml:"occupancy"`
}

// decimal always renders with a fractional part: 0 is "0.0", 87.5 is "87.5".
type decimal float64

func (d decimal) MarshalText() ([]byte, error) {
	f := float64(d)
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if math.IsNaN(f) || math.IsInf(f, 0) || strings.Contains(s, ".") {
		return []byte(s), nil
	}
	return []byte(s + ".0"), nil
}

// RenderTelemetry renders a measurement batch as the long status document
// broadcast to controllers. Children appear in ascending id order.
func RenderTelemetry(seq int, b packet.Batch) ([]byte, error) {
	g := group(b)
	doc := statusXML{Msg: "long_status"}

	for _, serverID := range sortedKeys(g) {
		devices := g[serverID]
		sx := serverXML{Msg: "long_status", ID: serverID, SeqNr: seq, SendTime: b.Time, Sender: serverID}
		for _, devID := range sortedKeys(devices) {
			dev := devices[devID]
			dx := deviceXML{ID: devID, Type: dev.typ}
			for _, subID := range sortedKeys(dev.subDevices) {
				sub := dev.subDevices[subID]
				subx := subDeviceXML{ID: subID, TimeStamp: b.Time, Type: sub.typ, Description: sub.description}
				for _, laneID := range sortedKeys(sub.lanes) {
					subx.Lanes = append(subx.Lanes, renderLane(laneID, sub.lanes[laneID]))
				}
				dx.SubDevices = append(dx.SubDevices, subx)
			}
			sx.Devices = append(sx.Devices, dx)
		}
		doc.Servers = append(doc.Servers, sx)
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.WrapInvalid(err, "router", "RenderTelemetry", "telemetry marshal")
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func renderLane(id int, l laneEntry) laneXML {
	lx := laneXML{ID: id, Type: l.detType, Lane: l.laneStr}
	for i := 0; i < gantry.ReportedCategories; i++ {
		c := gantry.Categories[i]
		lx.Categories = append(lx.Categories, categoryXML{
			ID:          c.ID,
			Type:        c.Type,
			Description: c.Description,
			Intensity:   int(l.m.Count[i]),
			Speed:       decimal(l.m.Speed[i]),
			Occupancy:   decimal(l.m.Occupancy[i]),
		})
	}
	return lx
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
