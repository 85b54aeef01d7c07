package gantry

// LaneIDToStr names EDS lane numbers. Odd numbers are lanes in the direction of
// growing stationing (9 left, 5 middle, 3 right, 1 shoulder), even numbers the
// opposite direction (0 left, 6 middle, 4 right, 2 shoulder).
var LaneIDToStr = map[int]string{
	0: "left",
	2: "shoulder",
	4: "right",
	6: "middle",
	1: "shoulder",
	3: "right",
	5: "middle",
	9: "left",
}

// StationingTranslation maps legacy negative stationing codes to the canonical
// hectometre stationing. Some elements carry both notations with slightly
// different values; the table is authoritative.
var StationingTranslation = map[string]string{
	"0M10": "0815",
	"0M12": "0813",
	"0M28": "0797",
	"0M27": "0797",
	"0M42": "0783",
	"0M44": "0781",
	"0M54": "0771",
	"0M55": "0770",
}

// Category describes one vehicle class of the controller protocol.
type Category struct {
	ID          int
	Type        string
	Description string
}

// Categories lists the vehicle classes by id. Class 9 aggregates all vehicles.
var Categories = [NumCategories]Category{
	{0, "-?-", "others"},
	{1, "mot", "motorcycle"},
	{2, "car", "car"},
	{3, "c+t", "car_with_trailer"},
	{4, "van", "delivery_van"},
	{5, "lor", "truck"},
	{6, "h+t", "truck_with_trailer"},
	{7, "trc", "semitrailer_truck"},
	{8, "bus", "bus"},
	{9, "all", "all"},
}

const (
	// NumCategories is the number of vehicle class slots in a measurement.
	NumCategories = 10
	// CategoryAll is the slot holding the aggregate over all vehicles.
	CategoryAll = 9
	// ReportedCategories is the number of classes rendered in telemetry (0..8).
	ReportedCategories = 9
)

// Direction of travel relative to the infrastructure stationing.
type Direction int

const (
	// DirectionLeft is the even-lane carriageway (gantry label P0...).
	DirectionLeft Direction = 0
	// DirectionRight is the odd-lane carriageway (gantry label P1...).
	DirectionRight Direction = 1
)

// EDS lane number to simulator lane number, per carriageway and lane count.
var (
	LaneMapR2 = map[int]int{9: 0, 3: 1, 1: 2}
	LaneMapL2 = map[int]int{0: 0, 4: 1, 2: 2}
	LaneMapR3 = map[int]int{9: 0, 5: 1, 3: 2, 1: 3}
	LaneMapL3 = map[int]int{0: 0, 6: 1, 4: 2, 2: 3}

	LaneMapR = map[int]map[int]int{2: LaneMapR2, 3: LaneMapR3}
	LaneMapL = map[int]map[int]int{2: LaneMapL2, 3: LaneMapL3}

	// LaneMap is indexed by Direction, then lane count, then EDS lane.
	LaneMap = [2]map[int]map[int]int{LaneMapL, LaneMapR}
)

// MapLane translates an EDS lane number to the simulator lane number for a
// carriageway with numLanes lanes. ok is false for unsupported lane counts and
// lanes that do not exist on that carriageway.
func MapLane(dir Direction, numLanes, edsLane int) (lane int, ok bool) {
	if dir != DirectionLeft && dir != DirectionRight {
		return 0, false
	}
	byCount, ok := LaneMap[dir][numLanes]
	if !ok {
		return 0, false
	}
	lane, ok = byCount[edsLane]
	return lane, ok
}
