package opt

import (
	"fmt"
	"math"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/pathfind"
)

type VehicleStatus string

const (
	StatusActive       VehicleStatus = "active"
	StatusIdle         VehicleStatus = "idle"
	StatusMaintenance  VehicleStatus = "maintenance"
	StatusOutOfService VehicleStatus = "out_of_service"
)

// Vehicle is a fleet unit. Only active or idle vehicles receive routes.
type Vehicle struct {
	ID          string
	Position    geo.Position
	Capacity    float64
	CurrentLoad float64
	Status      VehicleStatus
	Class       string // free-form, e.g. "van" or "truck"
}

func (v Vehicle) Available() bool {
	return v.Status == StatusActive || v.Status == StatusIdle || v.Status == ""
}

// Remaining is the capacity still free on the vehicle.
func (v Vehicle) Remaining() float64 { return math.Max(0, v.Capacity-v.CurrentLoad) }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// TimeWindow is expressed in seconds from route departure.
type TimeWindow struct {
	Start float64
	End   float64
}

type Delivery struct {
	ID         string
	Position   geo.Position
	Weight     float64
	Volume     float64
	Priority   Priority
	Window     *TimeWindow
	ServiceSec float64
}

// Constraints are checked by every constructor. Zero caps mean "no limit".
type Constraints struct {
	TimeWindows bool
	MaxDistance float64 // metres per route
	MaxDuration float64 // seconds per route
	MaxVehicles int
	AllowSplit  bool
}

// Problem is one routing instance. Matrix index 0 is the depot and index i+1
// is Deliveries[i]. Distance may be nil, in which case it is built from
// haversine distances; Time may be nil and is then derived at SpeedKph.
type Problem struct {
	Depot       geo.Position
	Vehicles    []Vehicle
	Deliveries  []Delivery
	Distance    [][]float64
	Time        [][]float64
	Constraints Constraints
	SpeedKph    float64
}

type ViolationKind string

const (
	ViolationCapacity    ViolationKind = "capacity"
	ViolationTimeWindow  ViolationKind = "time_window"
	ViolationMaxDistance ViolationKind = "max_distance"
	ViolationMaxDuration ViolationKind = "max_duration"
	ViolationMaxVehicles ViolationKind = "max_vehicles"
	ViolationUnassigned  ViolationKind = "unassigned"
)

type Violation struct {
	Kind       ViolationKind `json:"kind"`
	DeliveryID string        `json:"deliveryId,omitempty"`
	VehicleID  string        `json:"vehicleId,omitempty"`
	Detail     string        `json:"detail"`
}

// Leg is the detailed road path between two consecutive stops. Estimated is
// set when no graph path existed and the leg is a straight line.
type Leg struct {
	From      geo.Position
	To        geo.Position
	Segments  []pathfind.Segment
	Estimated bool
}

// Route is an ordered visit sequence served by one vehicle trip.
type Route struct {
	VehicleID  string
	Stops      []int // indices into Problem.Deliveries
	Load       float64
	Distance   float64 // metres, depot -> stops -> depot
	Duration   float64 // seconds including service and waiting
	Arrivals   []float64
	Violations []Violation
	Legs       []Leg
}

// DeliveryIDs maps the route's stops back to delivery identifiers.
func (r Route) DeliveryIDs(p *Problem) []string {
	out := make([]string, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = p.Deliveries[s].ID
	}
	return out
}

// RunMetrics summarise one optimisation run.
type RunMetrics struct {
	Algorithm        string
	Iterations       int
	Improvements     int
	InitialObjective float64
	FinalObjective   float64
	Moves            map[string]int // local-search moves by operator name
	Elapsed          time.Duration
}

type Solution struct {
	Routes        []Route
	Unassigned    []string
	Violations    []Violation // solution-level, e.g. unassigned deliveries
	TotalDistance float64
	TotalDuration float64
	Objective     float64
	Feasible      bool
	Converged     bool
	Algorithm     string
	Metrics       RunMetrics
}

// ViolationCount counts route and solution level violations.
func (s Solution) ViolationCount() int {
	n := len(s.Violations)
	for _, r := range s.Routes {
		n += len(r.Violations)
	}
	return n
}

// VehiclesUsed returns the number of distinct vehicles with at least one route.
func (s Solution) VehiclesUsed() int {
	seen := map[string]bool{}
	for _, r := range s.Routes {
		seen[r.VehicleID] = true
	}
	return len(seen)
}

// instance is a validated Problem with derived matrices.
type instance struct {
	p     *Problem
	dist  [][]float64
	time  [][]float64
	avail []int // indices of available vehicles, ascending remaining capacity
}

// maxRemaining is the largest free capacity over available vehicles.
func (in *instance) maxRemaining() float64 {
	if len(in.avail) == 0 {
		return 0
	}
	return in.p.Vehicles[in.avail[len(in.avail)-1]].Remaining()
}

func newInstance(p *Problem) (*instance, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := len(p.Deliveries) + 1
	in := &instance{p: p, dist: p.Distance, time: p.Time}
	if in.dist == nil {
		pts := make([]geo.Position, 0, n)
		pts = append(pts, p.Depot)
		for _, d := range p.Deliveries {
			pts = append(pts, d.Position)
		}
		in.dist = geo.BuildMatrix(pts)
	}
	if in.time == nil {
		in.time = geo.DurationMatrix(in.dist, p.SpeedKph)
	}
	for i, v := range p.Vehicles {
		if v.Available() {
			in.avail = append(in.avail, i)
		}
	}
	sortStable(in.avail, func(a, b int) bool {
		return p.Vehicles[a].Remaining() < p.Vehicles[b].Remaining()
	})
	return in, nil
}

// Validate checks structural invariants. Every error wraps ErrInvalidInput.
func (p *Problem) Validate() error {
	if len(p.Vehicles) == 0 {
		return invalid("no vehicles")
	}
	if len(p.Deliveries) == 0 {
		return invalid("no deliveries")
	}
	if !p.Depot.Valid() {
		return invalid("depot position %v out of range", p.Depot)
	}
	if p.Constraints.AllowSplit {
		return invalid("split deliveries are not supported")
	}
	if p.Constraints.MaxDistance < 0 || p.Constraints.MaxDuration < 0 || p.Constraints.MaxVehicles < 0 {
		return invalid("negative constraint cap")
	}
	vids := map[string]bool{}
	for i, v := range p.Vehicles {
		if v.ID == "" {
			return invalid("vehicle %d has empty id", i)
		}
		if vids[v.ID] {
			return invalid("duplicate vehicle id %q", v.ID)
		}
		vids[v.ID] = true
		if v.Capacity < 0 || v.CurrentLoad < 0 || math.IsNaN(v.Capacity) {
			return invalid("vehicle %q has negative capacity or load", v.ID)
		}
		switch v.Status {
		case "", StatusActive, StatusIdle, StatusMaintenance, StatusOutOfService:
		default:
			return invalid("vehicle %q has unknown status %q", v.ID, v.Status)
		}
	}
	dids := map[string]bool{}
	for i, d := range p.Deliveries {
		if d.ID == "" {
			return invalid("delivery %d has empty id", i)
		}
		if dids[d.ID] {
			return invalid("duplicate delivery id %q", d.ID)
		}
		dids[d.ID] = true
		if d.Weight < 0 || d.Volume < 0 || d.ServiceSec < 0 || math.IsNaN(d.Weight) {
			return invalid("delivery %q has a negative weight, volume or service time", d.ID)
		}
		if !d.Position.Valid() {
			return invalid("delivery %q position %v out of range", d.ID, d.Position)
		}
		if w := d.Window; w != nil && (w.Start < 0 || w.End < w.Start) {
			return invalid("delivery %q has an empty time window [%v,%v]", d.ID, w.Start, w.End)
		}
	}
	n := len(p.Deliveries) + 1
	if p.Distance != nil {
		if err := checkMatrix("distance", p.Distance, n); err != nil {
			return err
		}
	}
	if p.Time != nil {
		if err := checkMatrix("time", p.Time, n); err != nil {
			return err
		}
	}
	return nil
}

func checkMatrix(name string, m [][]float64, n int) error {
	if len(m) != n {
		return invalid("%s matrix has %d rows, want %d", name, len(m), n)
	}
	for i, row := range m {
		if len(row) != n {
			return invalid("%s matrix row %d has %d columns, want %d", name, i, len(row), n)
		}
		for j, v := range row {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return invalid("%s matrix entry [%d][%d] = %v", name, i, j, v)
			}
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
