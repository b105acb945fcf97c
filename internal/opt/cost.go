package opt

import "fmt"

// Penalty is added to the objective once per constraint violation.
const Penalty = 1e6

const capEps = 1e-9

// evaluate computes the aggregates of one trip. v may be nil when only the
// schedule and distance caps matter.
func (in *instance) evaluate(stops []int, v *Vehicle) Route {
	r := Route{Stops: stops, Arrivals: make([]float64, len(stops))}
	if v != nil {
		r.VehicleID = v.ID
	}
	c := in.p.Constraints
	prev, t := 0, 0.0
	for k, s := range stops {
		node := s + 1
		d := in.p.Deliveries[s]
		r.Load += d.Weight
		r.Distance += in.dist[prev][node]
		t += in.time[prev][node]
		if w := d.Window; w != nil && c.TimeWindows {
			if t < w.Start {
				t = w.Start
			}
			if t > w.End {
				r.Violations = append(r.Violations, Violation{
					Kind: ViolationTimeWindow, DeliveryID: d.ID, VehicleID: r.VehicleID,
					Detail: fmt.Sprintf("arrives at %.0fs, window closes at %.0fs", t, w.End),
				})
			}
		}
		r.Arrivals[k] = t
		t += d.ServiceSec
		prev = node
	}
	r.Distance += in.dist[prev][0]
	t += in.time[prev][0]
	r.Duration = t

	if v != nil && r.Load > v.Remaining()+capEps {
		r.Violations = append(r.Violations, Violation{
			Kind: ViolationCapacity, VehicleID: v.ID,
			Detail: fmt.Sprintf("load %.2f exceeds remaining capacity %.2f", r.Load, v.Remaining()),
		})
	}
	if c.MaxDistance > 0 && r.Distance > c.MaxDistance {
		r.Violations = append(r.Violations, Violation{
			Kind: ViolationMaxDistance, VehicleID: r.VehicleID,
			Detail: fmt.Sprintf("distance %.0fm exceeds %.0fm", r.Distance, c.MaxDistance),
		})
	}
	if c.MaxDuration > 0 && r.Duration > c.MaxDuration {
		r.Violations = append(r.Violations, Violation{
			Kind: ViolationMaxDuration, VehicleID: r.VehicleID,
			Detail: fmt.Sprintf("duration %.0fs exceeds %.0fs", r.Duration, c.MaxDuration),
		})
	}
	return r
}

func (in *instance) load(stops []int) float64 {
	total := 0.0
	for _, s := range stops {
		total += in.p.Deliveries[s].Weight
	}
	return total
}

// feasible reports whether stops fits within limit and violates no schedule
// or cap constraint.
func (in *instance) feasible(stops []int, limit float64) bool {
	if in.load(stops) > limit+capEps {
		return false
	}
	return len(in.evaluate(stops, nil).Violations) == 0
}

// assign hands each trip to the smallest available vehicle that can carry it.
// A vehicle may serve several trips. Trips no vehicle can take are reported
// as unassigned deliveries.
func (in *instance) assign(trips [][]int) Solution {
	var sol Solution
	maxV := in.p.Constraints.MaxVehicles
	used := map[int]bool{}
	for _, trip := range trips {
		if len(trip) == 0 {
			continue
		}
		load := in.load(trip)
		chosen := -1
		for _, vi := range in.avail {
			if in.p.Vehicles[vi].Remaining()+capEps < load {
				continue
			}
			if maxV > 0 && !used[vi] && len(used) >= maxV {
				continue
			}
			chosen = vi
			break
		}
		if chosen < 0 {
			kind, detail := ViolationCapacity, fmt.Sprintf("no available vehicle can carry %.2f", load)
			if load <= in.maxRemaining()+capEps {
				kind, detail = ViolationMaxVehicles, fmt.Sprintf("vehicle limit %d reached", maxV)
			}
			for _, s := range trip {
				id := in.p.Deliveries[s].ID
				sol.Unassigned = append(sol.Unassigned, id)
				sol.Violations = append(sol.Violations, Violation{Kind: kind, DeliveryID: id, Detail: detail})
			}
			continue
		}
		used[chosen] = true
		sol.Routes = append(sol.Routes, in.evaluate(trip, &in.p.Vehicles[chosen]))
	}
	in.finalize(&sol)
	return sol
}

// finalize recomputes totals, objective and feasibility.
func (in *instance) finalize(sol *Solution) {
	sol.TotalDistance, sol.TotalDuration = 0, 0
	for _, r := range sol.Routes {
		sol.TotalDistance += r.Distance
		sol.TotalDuration += r.Duration
	}
	v := sol.ViolationCount()
	sol.Objective = sol.TotalDistance + Penalty*float64(v)
	sol.Feasible = v == 0
}

// vehicle looks up a vehicle by id.
func (in *instance) vehicle(id string) *Vehicle {
	for i := range in.p.Vehicles {
		if in.p.Vehicles[i].ID == id {
			return &in.p.Vehicles[i]
		}
	}
	return nil
}
