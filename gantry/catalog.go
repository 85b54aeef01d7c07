package gantry

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/gantrybridge/errors"
)

// DetectorMap binds a simulator detector to its place in the controller
// address space and carries the attributes rendered into telemetry.
type DetectorMap struct {
	GantryServer         string `json:"gantry_server"`
	Device               int    `json:"device"`
	DeviceType           string `json:"device_type"`
	SubDevice            int    `json:"sub_device"`
	SubDeviceType        string `json:"sub_device_type"`
	SubDeviceDescription string `json:"sub_device_description"`
	Lane                 int    `json:"lane"`
	DetType              string `json:"det_type"`
	LaneStr              string `json:"lane_str"`
	Prefix               string `json:"prefix"`
}

type catalogXML struct {
	XMLName  xml.Name        `xml:"root"`
	Gantries []catalogGantry `xml:"gantry"`
}

type catalogGantry struct {
	ID      string          `xml:"id,attr"`
	Devices []catalogDevice `xml:"device"`
}

type catalogDevice struct {
	ID         int                `xml:"id,attr"`
	PPK        string             `xml:"ppk,attr"`
	Type       string             `xml:"type,attr"`
	Stationing string             `xml:"stationing,attr"`
	Position   string             `xml:"position,attr"`
	SubDevices []catalogSubDevice `xml:"subdevice"`
}

type catalogSubDevice struct {
	ID          int           `xml:"id,attr"`
	Type        string        `xml:"type,attr"`
	Prefix      string        `xml:"prefix,attr"`
	Description string        `xml:"description,attr"`
	Lanes       []catalogLane `xml:"lane"`
}

type catalogLane struct {
	ID       int    `xml:"id,attr"`
	Type     string `xml:"type,attr"`
	Position string `xml:"position,attr"`
	Prefix   string `xml:"prefix,attr"`
}

const defaultDetectorDescription = "loop_detector"

// Catalog is the device catalog: gantry servers by id plus the detector map
// keyed by detector name (lane prefix).
type Catalog struct {
	Servers   map[string]*Server
	Detectors map[string]DetectorMap
}

// Server returns the gantry server with the given id.
func (c *Catalog) Server(id string) (*Server, error) {
	s, ok := c.Servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: gantry server %s", errors.ErrNotFound, id)
	}
	return s, nil
}

// ServerIDs returns the gantry server ids, sorted.
func (c *Catalog) ServerIDs() []string {
	return sortedKeys(c.Servers)
}

// LoadCatalogFile loads the catalog from an XML file.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.WrapFatal(err, "Catalog", "LoadCatalogFile", "catalog open")
	}
	defer f.Close()
	return LoadCatalog(f)
}

// LoadCatalog parses a catalog document. A document that cannot be parsed is
// an error with a nil catalog. Entries that cannot be registered are skipped;
// the catalog is still returned together with a *multierror.Error listing them.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var doc catalogXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrFraming, err), "Catalog", "LoadCatalog", "catalog parse")
	}

	cat := &Catalog{
		Servers:   make(map[string]*Server),
		Detectors: make(map[string]DetectorMap),
	}
	var skipped *multierror.Error

	for _, gn := range doc.Gantries {
		srv, ok := cat.Servers[gn.ID]
		if !ok {
			srv = NewServer(gn.ID)
			cat.Servers[gn.ID] = srv
		}
		for _, dn := range gn.Devices {
			for _, sn := range dn.SubDevices {
				sd, err := srv.Register(dn.ID, dn.PPK, sn.ID, sn.Type, sn.Prefix)
				if err != nil {
					skipped = multierror.Append(skipped,
						fmt.Errorf("gantry server %s device %d sub-device %d: %w", gn.ID, dn.ID, sn.ID, err))
					continue
				}
				if sd.Kind == LoopDetector {
					addDetectors(cat, gn.ID, dn, sn)
				}
			}
		}
	}

	return cat, skipped.ErrorOrNil()
}

func addDetectors(cat *Catalog, serverID string, dn catalogDevice, sn catalogSubDevice) {
	deviceType := dn.Type
	if deviceType == "" {
		deviceType = sn.Type
	}
	description := sn.Description
	if description == "" {
		description = defaultDetectorDescription
	}
	for _, ln := range sn.Lanes {
		cat.Detectors[ln.Prefix] = DetectorMap{
			GantryServer:         serverID,
			Device:               dn.ID,
			DeviceType:           deviceType,
			SubDevice:            sn.ID,
			SubDeviceType:        sn.Type,
			SubDeviceDescription: description,
			Lane:                 ln.ID,
			DetType:              ln.Type,
			LaneStr:              ln.Position,
			Prefix:               ln.Prefix,
		}
	}
}
