package opt

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/pathfind"
)

func TestOptimizeAutoPicksSavingsForSmallInstances(t *testing.T) {
	p := randomProblem(21, 30, 100, 100)
	sol, err := Optimize(context.Background(), p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if sol.Algorithm != "savings" {
		t.Fatalf("algorithm = %q", sol.Algorithm)
	}
	checkCapacity(t, &p, sol)
	checkCoverage(t, &p, sol)
}

func TestOptimizeAutoPicksGeneticAboveThreshold(t *testing.T) {
	p := randomProblem(22, 15, 100)
	sol, err := Optimize(context.Background(), p, Options{
		SavingsMaxDeliveries: 10,
		Genetic:              GeneticParams{PopulationSize: 10, Generations: 10, Seed: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sol.Algorithm != "genetic" {
		t.Fatalf("algorithm = %q", sol.Algorithm)
	}
}

func TestOptimizePolishingNeverWorsens(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		p := randomProblem(seed, 40, 120, 120)
		raw, err := Optimize(context.Background(), p, Options{Strategy: StrategySavings, SkipImprovement: true})
		if err != nil {
			t.Fatal(err)
		}
		polished, err := Optimize(context.Background(), p, Options{Strategy: StrategySavings})
		if err != nil {
			t.Fatal(err)
		}
		if polished.Objective > raw.Objective+1e-6 {
			t.Fatalf("seed %d: polishing raised objective %.1f -> %.1f", seed, raw.Objective, polished.Objective)
		}
		for i, r := range polished.Routes {
			if want := tourDistance(&p, r); abs(r.Distance-want) > 1e-6 {
				t.Fatalf("route %d distance %.3f, want %.3f", i, r.Distance, want)
			}
		}
		checkCoverage(t, &p, polished)
	}
}

func TestOptimizeHybridKeepsBest(t *testing.T) {
	p := randomProblem(23, 20, 80, 80)
	o := Options{Genetic: GeneticParams{PopulationSize: 10, Generations: 10, Seed: 2}, SkipImprovement: true}
	o.Strategy = StrategySavings
	sv, _ := Optimize(context.Background(), p, o)
	o.Strategy = StrategyGenetic
	ga, _ := Optimize(context.Background(), p, o)
	o.Strategy = StrategyHybrid
	hy, err := Optimize(context.Background(), p, o)
	if err != nil {
		t.Fatal(err)
	}
	best := sv.Objective
	if ga.Objective < best {
		best = ga.Objective
	}
	if abs(hy.Objective-best) > 1e-6 {
		t.Fatalf("hybrid %.1f, best of parts %.1f", hy.Objective, best)
	}
}

func TestOptimizeInvalidInput(t *testing.T) {
	_, err := Optimize(context.Background(), Problem{}, Options{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestOptimizeDeadlineReturnsBestSoFar(t *testing.T) {
	p := randomProblem(24, 60, 100, 100)
	sol, err := Optimize(context.Background(), p, Options{
		Strategy: StrategyGenetic,
		Genetic:  GeneticParams{PopulationSize: 40, Generations: 1 << 20, StagnationLimit: 1 << 20, Seed: 1},
		Timeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sol.Converged {
		t.Fatalf("deadline-bounded run should not report convergence")
	}
	if len(sol.Routes) == 0 {
		t.Fatalf("expected the best solution found before the deadline")
	}
}

func TestOptimizeProgressDoesNotBlock(t *testing.T) {
	ch := make(chan Progress) // unbuffered and never read
	p := randomProblem(25, 12, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := Optimize(context.Background(), p, Options{Progress: ch}); err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("optimize blocked on an unread progress channel")
	}
}

func TestOptimizeProgressEvents(t *testing.T) {
	ch := make(chan Progress, 256)
	p := randomProblem(26, 12, 100)
	if _, err := Optimize(context.Background(), p, Options{Progress: ch}); err != nil {
		t.Fatal(err)
	}
	close(ch)
	var last Progress
	for ev := range ch {
		last = ev
	}
	if last.Stage != StageDone {
		t.Fatalf("last event stage = %q", last.Stage)
	}
}

func TestOptimizeMaterializesLegs(t *testing.T) {
	p := Problem{
		Depot:    geo.Position{Lat: 0, Lng: 0},
		Vehicles: []Vehicle{{ID: "v", Capacity: 10}},
		Deliveries: []Delivery{
			delivery("a", 0.001, 0, 1),
			delivery("far", 5, 5, 1),
		},
	}
	g := pathfind.NewGraph()
	g.AddNode(pathfind.Node{ID: "depot", Position: p.Depot})
	g.AddNode(pathfind.Node{ID: "mid", Position: geo.Position{Lat: 0.0005, Lng: 0.0001}})
	g.AddNode(pathfind.Node{ID: "a", Position: p.Deliveries[0].Position})
	g.AddNode(pathfind.Node{ID: "island", Position: geo.Position{Lat: 5, Lng: 5}})
	if err := g.AddEdge("depot", "mid", -1, true); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("mid", "a", -1, true); err != nil {
		t.Fatal(err)
	}
	sol, err := Optimize(context.Background(), p, Options{Graph: g})
	if err != nil {
		t.Fatal(err)
	}
	var routed, estimated int
	for _, r := range sol.Routes {
		if len(r.Legs) != len(r.Stops)+1 {
			t.Fatalf("route has %d legs for %d stops", len(r.Legs), len(r.Stops))
		}
		for _, l := range r.Legs {
			if l.Estimated {
				estimated++
			} else {
				routed++
			}
			if len(l.Segments) == 0 {
				t.Fatalf("leg without segments")
			}
		}
	}
	if routed == 0 || estimated == 0 {
		t.Fatalf("routed=%d estimated=%d, want both", routed, estimated)
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": StrategyAuto, "GA": StrategyGenetic, "savings": StrategySavings, "hybrid": StrategyHybrid} {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseStrategy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStrategy("tabu"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("tabu accepted")
	}
}

func TestNewOptimizer(t *testing.T) {
	var o Optimizer = New(Options{Strategy: StrategySavings})
	sol, err := o.Solve(context.Background(), randomProblem(27, 8, 100))
	if err != nil || len(sol.Routes) == 0 {
		t.Fatalf("solve: %v %+v", err, sol)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestOptimizeEstimatedLegUsesMatrix(t *testing.T) {
	p := Problem{
		Depot:      geo.Position{Lat: 0, Lng: 0},
		Vehicles:   []Vehicle{{ID: "v", Capacity: 10}},
		Deliveries: []Delivery{delivery("a", 0.01, 0, 1)},
		Distance:   [][]float64{{0, 5000}, {5000, 0}},
		Time:       [][]float64{{0, 600}, {600, 0}},
	}
	g := pathfind.NewGraph()
	g.AddNode(pathfind.Node{ID: "depot", Position: p.Depot})
	g.AddNode(pathfind.Node{ID: "a", Position: p.Deliveries[0].Position})
	sol, err := Optimize(context.Background(), p, Options{Graph: g})
	if err != nil {
		t.Fatal(err)
	}
	r := sol.Routes[0]
	var sum float64
	for _, l := range r.Legs {
		if !l.Estimated || len(l.Segments) != 1 {
			t.Fatalf("leg = %+v, want one estimated segment", l)
		}
		seg := l.Segments[0]
		if seg.Distance != 5000 || seg.Duration != 600 {
			t.Fatalf("estimated segment %.1f m %.1f s, want matrix 5000 m 600 s", seg.Distance, seg.Duration)
		}
		sum += seg.Distance
	}
	if sum != r.Distance {
		t.Fatalf("legs sum to %.1f, route distance %.1f", sum, r.Distance)
	}
}

func TestOptimizeSameNodeLegIsEstimated(t *testing.T) {
	p := Problem{
		Depot:      geo.Position{Lat: 0, Lng: 0},
		Vehicles:   []Vehicle{{ID: "v", Capacity: 10}},
		Deliveries: []Delivery{delivery("a", 0.001, 0, 1)},
	}
	g := pathfind.NewGraph()
	g.AddNode(pathfind.Node{ID: "only", Position: geo.Position{Lat: 0.0005, Lng: 0}})
	sol, err := Optimize(context.Background(), p, Options{Graph: g})
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range sol.Routes[0].Legs {
		if !l.Estimated || len(l.Segments) != 1 {
			t.Fatalf("leg snapped to one node = %+v, want one estimated segment", l)
		}
	}
}

func TestOptimizeRejectsUnknownStrategy(t *testing.T) {
	p := randomProblem(23, 3, 100)
	if _, err := Optimize(context.Background(), p, Options{Strategy: Strategy(42)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if got := Strategy(42).String(); got != "Strategy(42)" {
		t.Fatalf("String() = %q", got)
	}
}
