package api

import (
	"fmt"
	"math"
	"time"

	"fleetopt/internal/config"
	"fleetopt/internal/geo"
	"fleetopt/internal/model"
	"fleetopt/internal/opt"
	"fleetopt/internal/pathfind"
)

func toPosition(p model.GeoPoint) geo.Position { return geo.Position{Lat: p.Lat, Lng: p.Lng} }
func fromPosition(p geo.Position) model.GeoPoint { return model.GeoPoint{Lat: p.Lat, Lng: p.Lng} }

// finite drops non-finite values, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func toProblem(req model.OptimizeRequest, defaults config.Optimizer) opt.Problem {
	p := opt.Problem{
		Depot:    toPosition(req.Depot),
		Distance: req.DistanceMatrix,
		Time:     req.TimeMatrix,
		Constraints: opt.Constraints{
			TimeWindows: req.Constraints.TimeWindows,
			MaxDistance: req.Constraints.MaxDistanceM,
			MaxDuration: req.Constraints.MaxDurationSec,
			MaxVehicles: req.Constraints.MaxVehicles,
			AllowSplit:  req.Constraints.AllowSplit,
		},
		SpeedKph: req.SpeedKph,
	}
	if p.SpeedKph == 0 {
		p.SpeedKph = defaults.SpeedKph
	}
	for _, v := range req.Vehicles {
		p.Vehicles = append(p.Vehicles, opt.Vehicle{
			ID:          v.ID,
			Position:    toPosition(v.Location),
			Capacity:    v.Capacity,
			CurrentLoad: v.CurrentLoad,
			Status:      opt.VehicleStatus(v.Status),
			Class:       v.Class,
		})
	}
	for _, d := range req.Deliveries {
		od := opt.Delivery{
			ID:         d.ID,
			Position:   toPosition(d.Location),
			Weight:     d.Weight,
			Volume:     d.Volume,
			Priority:   opt.Priority(d.Priority),
			ServiceSec: d.ServiceSec,
		}
		if d.TimeWindow != nil {
			od.Window = &opt.TimeWindow{Start: d.TimeWindow.StartSec, End: d.TimeWindow.EndSec}
		}
		p.Deliveries = append(p.Deliveries, od)
	}
	return p
}

// toOptions resolves request settings against the server defaults. Every
// error wraps opt.ErrInvalidInput.
func toOptions(req model.OptimizeRequest, defaults config.Optimizer) (opt.Options, error) {
	name := req.Strategy
	if name == "" {
		name = defaults.Strategy
	}
	strategy, err := opt.ParseStrategy(name)
	if err != nil {
		return opt.Options{}, err
	}
	o := opt.Options{
		Strategy:             strategy,
		SavingsMaxDeliveries: defaults.SavingsMaxDeliveries,
		LocalSearch:          opt.LocalSearchParams{Seed: req.Seed},
		Timeout:              defaults.TimeBudget,
	}
	opNames := req.Operators
	if opNames == nil {
		opNames = defaults.Operators
	}
	if opNames != nil {
		o.Operators = make([]opt.Operator, 0, len(opNames))
		for _, n := range opNames {
			op, err := opt.ParseOperator(n)
			if err != nil {
				return opt.Options{}, err
			}
			o.Operators = append(o.Operators, op)
		}
		o.SkipImprovement = len(o.Operators) == 0
	}
	if req.TimeBudgetMs > 0 {
		o.Timeout = time.Duration(req.TimeBudgetMs) * time.Millisecond
	}
	if defaults.MaxTimeBudget > 0 && (o.Timeout <= 0 || o.Timeout > defaults.MaxTimeBudget) {
		o.Timeout = defaults.MaxTimeBudget
	}
	o.Genetic.Seed = req.Seed
	if g := req.Genetic; g != nil {
		o.Genetic.PopulationSize = g.PopulationSize
		o.Genetic.Generations = g.Generations
		o.Genetic.MutationRate = g.MutationRate
		o.Genetic.CrossoverRate = g.CrossoverRate
		o.Genetic.EliteSize = g.EliteSize
		o.Genetic.StagnationLimit = g.StagnationLimit
	}
	if req.Graph != nil {
		g, err := buildGraph(*req.Graph)
		if err != nil {
			return opt.Options{}, err
		}
		o.Graph = g
	}
	return o, nil
}

func buildGraph(in model.GraphIn) (*pathfind.Graph, error) {
	g := pathfind.NewGraph()
	for _, n := range in.Nodes {
		if !toPosition(n.Location).Valid() {
			return nil, fmt.Errorf("%w: node %q position out of range", opt.ErrInvalidInput, n.ID)
		}
		g.AddNode(pathfind.Node{ID: pathfind.NodeID(n.ID), Position: toPosition(n.Location)})
	}
	for _, e := range in.Edges {
		d := -1.0
		if e.DistanceM != nil {
			d = *e.DistanceM
			if d < 0 || math.IsNaN(d) {
				return nil, fmt.Errorf("%w: edge %s->%s has negative length", opt.ErrInvalidInput, e.From, e.To)
			}
		}
		if err := g.AddEdge(pathfind.NodeID(e.From), pathfind.NodeID(e.To), d, e.Bidirectional); err != nil {
			return nil, fmt.Errorf("%w: %v", opt.ErrInvalidInput, err)
		}
	}
	return g, nil
}

func fromSolution(p opt.Problem, sol opt.Solution, id string, created time.Time) model.Solution {
	out := model.Solution{
		ID:            id,
		CreatedAt:     created.UTC().Format(time.RFC3339),
		Algorithm:     sol.Algorithm,
		Routes:        make([]model.Route, 0, len(sol.Routes)),
		Unassigned:    append([]string{}, sol.Unassigned...),
		Violations:    fromViolations(sol.Violations),
		TotalDistance: sol.TotalDistance,
		TotalDuration: sol.TotalDuration,
		Objective:     finite(sol.Objective),
		Feasible:      sol.Feasible,
		Converged:     sol.Converged,
		VehiclesUsed:  sol.VehiclesUsed(),
		Metrics:       fromMetrics(sol.Metrics),
	}
	for _, r := range sol.Routes {
		mr := model.Route{
			VehicleID:   r.VehicleID,
			Stops:       make([]model.Stop, len(r.Stops)),
			Load:        r.Load,
			DistanceM:   r.Distance,
			DurationSec: r.Duration,
			Violations:  fromViolations(r.Violations),
		}
		for k, s := range r.Stops {
			d := p.Deliveries[s]
			mr.Stops[k] = model.Stop{Seq: k + 1, DeliveryID: d.ID, Location: fromPosition(d.Position)}
			if k < len(r.Arrivals) {
				mr.Stops[k].ArrivalSec = r.Arrivals[k]
			}
		}
		for _, l := range r.Legs {
			mr.Legs = append(mr.Legs, model.Leg{
				From:      fromPosition(l.From),
				To:        fromPosition(l.To),
				Estimated: l.Estimated,
				Segments:  fromSegments(l.Segments),
			})
		}
		out.Routes = append(out.Routes, mr)
	}
	return out
}

func fromViolations(vs []opt.Violation) []model.Violation {
	if len(vs) == 0 {
		return nil
	}
	out := make([]model.Violation, len(vs))
	for i, v := range vs {
		out[i] = model.Violation{Kind: string(v.Kind), DeliveryID: v.DeliveryID, VehicleID: v.VehicleID, Detail: v.Detail}
	}
	return out
}

func fromMetrics(m opt.RunMetrics) model.RunMetrics {
	return model.RunMetrics{
		Algorithm:        m.Algorithm,
		Iterations:       m.Iterations,
		Improvements:     m.Improvements,
		InitialObjective: finite(m.InitialObjective),
		FinalObjective:   finite(m.FinalObjective),
		Moves:            m.Moves,
		ElapsedMs:        m.Elapsed.Milliseconds(),
	}
}

func fromSegments(segs []pathfind.Segment) []model.Segment {
	out := make([]model.Segment, len(segs))
	for i, s := range segs {
		out[i] = model.Segment{
			FromID:      string(s.FromID),
			ToID:        string(s.ToID),
			From:        fromPosition(s.From),
			To:          fromPosition(s.To),
			DistanceM:   s.Distance,
			DurationSec: s.Duration,
			Instruction: s.Instruction,
		}
	}
	return out
}

func fromProgress(runID string, p opt.Progress) model.ProgressEvent {
	return model.ProgressEvent{
		RunID:         runID,
		Stage:         string(p.Stage),
		Algorithm:     p.Algorithm,
		Iteration:     p.Iteration,
		Route:         p.Route,
		BestObjective: finite(p.BestObjective),
	}
}
