package engine

import (
	"time"

	"github.com/c360/gantrybridge/packet"
)

// Section is a road section of the simulated network.
type Section struct {
	ID   int
	Name string
	// Lanes is the number of traffic lanes, shoulder excluded.
	Lanes int
}

// Detector is a loop detector of the simulated network.
type Detector struct {
	ID   int
	Name string
}

// Reading is the aggregated read-out of one detector for one vehicle type.
type Reading struct {
	Count     float64
	Speed     float64
	Occupancy float64
}

// ActionID identifies an action installed in the simulator.
type ActionID int

// Host is the simulator API used by the plugin.
//
// Vehicle type 0 is the aggregate over all vehicles; types 1..VehicleTypes()
// are the individual types.
type Host interface {
	ScenarioStart() (time.Time, error)
	Sections() []Section
	Detectors() []Detector
	VehicleTypes() int
	DetectionInterval() time.Duration
	WarmUp() time.Duration

	ReadDetector(detector, vehicleType int) Reading

	// AddSpeedLimit limits lane of section to limit km/h for the vehicle
	// class; class 0 applies to all vehicles.
	AddSpeedLimit(section, lane, limit, class int) (ActionID, error)
	// AddLaneClosure closes lane of section for the vehicle class; class 0
	// closes it for all vehicles.
	AddLaneClosure(section, lane, class int) (ActionID, error)
	RemoveAction(id ActionID) error

	// SetVMSText shows text on the VMS object of a gantry.
	SetVMSText(gantry, text string) error
}

// Publisher delivers measurement batches to the bridge.
type Publisher interface {
	Publish(b packet.Batch) error
}
