package gantry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/gantrybridge/errors"
)

var (
	positivePrefix = regexp.MustCompile(`^[A-Z]+(\d)(\d{4})`)
	legacyPrefix   = regexp.MustCompile(`^[A-Z]+(\d)(\dM\d\d)`)
)

// Command is a single device mutation: show message MessageID on
// (Device, SubDevice) for Validity seconds.
type Command struct {
	Device    int `json:"device"`
	SubDevice int `json:"sub_device"`
	MessageID int `json:"message_id"`
	Validity  int `json:"validity"`
}

// GantryLabel derives the gantry label from a sub-device prefix. The lane digit
// parity selects the carriageway; legacy negative stationing codes are
// translated to the canonical stationing.
func GantryLabel(prefix string) (string, error) {
	if m := positivePrefix.FindStringSubmatch(prefix); m != nil {
		return label(m[1], m[2]), nil
	}
	m := legacyPrefix.FindStringSubmatch(prefix)
	if m == nil {
		return "", fmt.Errorf("%w: device prefix %q does not match template", errors.ErrAddressing, prefix)
	}
	stationing, ok := StationingTranslation[m[2]]
	if !ok {
		return "", fmt.Errorf("%w: unknown legacy stationing %s in prefix %q", errors.ErrAddressing, m[2], prefix)
	}
	return label(m[1], stationing), nil
}

func label(laneDigit, stationing string) string {
	parity := int(laneDigit[0]-'0') % 2
	return fmt.Sprintf("P%d%s", parity, stationing)
}

// Server is one controller-visible gantry server. Device ids are unique per
// server but a device may be split over several physical gantries, so lookups
// go through the device to gantries index.
type Server struct {
	ID string

	gantries       map[string]*Gantry
	deviceGantries map[int][]*Gantry
}

// NewServer creates an empty gantry server.
func NewServer(id string) *Server {
	return &Server{
		ID:             id,
		gantries:       make(map[string]*Gantry),
		deviceGantries: make(map[int][]*Gantry),
	}
}

// Register adds a sub-device, creating its gantry and device on first use.
func (s *Server) Register(deviceID int, ppk string, subDeviceID int, typeCode, prefix string) (*SubDevice, error) {
	lbl, err := GantryLabel(prefix)
	if err != nil {
		return nil, err
	}

	g, ok := s.gantries[lbl]
	if !ok {
		g = newGantry(lbl)
		s.gantries[lbl] = g
	}

	d, ok := g.Device(deviceID)
	if !ok {
		if d, err = g.AddDevice(deviceID, ppk); err != nil {
			return nil, err
		}
		s.deviceGantries[deviceID] = append(s.deviceGantries[deviceID], g)
	}

	return d.AddSubDevice(subDeviceID, typeCode, prefix)
}

// Locate finds a sub-device across every gantry holding the device.
func (s *Server) Locate(deviceID, subDeviceID int) (*SubDevice, error) {
	for _, g := range s.deviceGantries[deviceID] {
		d, _ := g.Device(deviceID)
		if sd, ok := d.SubDevice(subDeviceID); ok {
			return sd, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown (device, sub-device) pair (%d,%d) on gantry server %s",
		errors.ErrNotFound, deviceID, subDeviceID, s.ID)
}

// ProcessCommand applies a command to the addressed sub-device.
func (s *Server) ProcessCommand(cmd Command) (*SubDevice, error) {
	sd, err := s.Locate(cmd.Device, cmd.SubDevice)
	if err != nil {
		return nil, err
	}
	if err := sd.SetMessageID(cmd.MessageID); err != nil {
		return nil, err
	}
	return sd, nil
}

// Gantry returns the gantry with the given label.
func (s *Server) Gantry(label string) (*Gantry, bool) {
	g, ok := s.gantries[label]
	return g, ok
}

// GantryLabels returns the labels of all gantries, sorted.
func (s *Server) GantryLabels() []string {
	return sortedKeys(s.gantries)
}

// GantryMessages returns, per gantry label, one "<prefix>/<ppk> - <text>" line
// per text-bearing sub-device. Gantries showing nothing are omitted.
func (s *Server) GantryMessages() map[string]string {
	out := make(map[string]string)
	for _, lbl := range s.GantryLabels() {
		var b strings.Builder
		s.gantries[lbl].each(func(d *Device, sd *SubDevice) {
			if sd.HasMessageText() {
				fmt.Fprintf(&b, "%s/%s - %s\n", sd.Prefix, d.PPK, sd.MessageText())
			}
		})
		if b.Len() > 0 {
			out[lbl] = b.String()
		}
	}
	return out
}

// SpeedLimits returns the speed limit signs per gantry label.
func (s *Server) SpeedLimits() map[string][]SpeedLimitInfo {
	out := make(map[string][]SpeedLimitInfo)
	for _, lbl := range s.GantryLabels() {
		s.gantries[lbl].each(func(_ *Device, sd *SubDevice) {
			if info, ok := sd.SpeedLimit(); ok {
				out[lbl] = append(out[lbl], info)
			}
		})
	}
	return out
}

// LaneClosures returns the regulatory signs per gantry label.
func (s *Server) LaneClosures() map[string][]LaneClosureInfo {
	out := make(map[string][]LaneClosureInfo)
	for _, lbl := range s.GantryLabels() {
		s.gantries[lbl].each(func(_ *Device, sd *SubDevice) {
			if info, ok := sd.LaneClosure(); ok {
				out[lbl] = append(out[lbl], info)
			}
		})
	}
	return out
}

// String renders the displayed texts, e.g.
// "R01: P13501 {3/PPK1 {0/B93501 - 120}}".
func (s *Server) String() string {
	gantries := make([]string, 0, len(s.gantries))
	for _, lbl := range s.GantryLabels() {
		g := s.gantries[lbl]
		devices := make([]string, 0, len(g.devices))
		for _, did := range g.DeviceIDs() {
			d := g.devices[did]
			var subs []string
			for _, sid := range d.SubDeviceIDs() {
				sd := d.subDevices[sid]
				if sd.HasMessageText() {
					subs = append(subs, fmt.Sprintf("%d/%s - %s", sd.ID, sd.Prefix, sd.MessageText()))
				}
			}
			devices = append(devices, fmt.Sprintf("%d/%s {%s}", d.ID, d.PPK, strings.Join(subs, ", ")))
		}
		gantries = append(gantries, fmt.Sprintf("%s {%s}", g.Label, strings.Join(devices, ", ")))
	}
	return s.ID + ": " + strings.Join(gantries, ", ")
}
