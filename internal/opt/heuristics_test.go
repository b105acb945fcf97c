package opt

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"fleetopt/internal/geo"
)

var allOperators = []Operator{TwoOpt, ThreeOpt, OrOpt, SimulatedAnnealing, LinKernighan}

func randomPoints(rng *rand.Rand, n int) []geo.Position {
	pts := make([]geo.Position, n)
	for i := range pts {
		pts[i] = geo.Position{Lat: 52 + rng.Float64()*0.3, Lng: 13 + rng.Float64()*0.3}
	}
	return pts
}

func pathCost(pts []geo.Position, closed bool) float64 {
	total := 0.0
	for i := 0; i+1 < len(pts); i++ {
		total += geo.HaversineMeters(pts[i], pts[i+1])
	}
	if closed && len(pts) > 1 {
		total += geo.HaversineMeters(pts[len(pts)-1], pts[0])
	}
	return total
}

func TestTwoOptUncrossesSquare(t *testing.T) {
	in := []geo.Position{{Lat: 0, Lng: 0}, {Lat: 2, Lng: 0}, {Lat: 0, Lng: 2}, {Lat: 2, Lng: 2}}
	out, st, err := ImprovePositions(context.Background(), in, TwoOpt, LocalSearchParams{})
	if err != nil {
		t.Fatal(err)
	}
	if st.FinalCost >= st.InitialCost {
		t.Fatalf("2-opt did not improve: %.0f -> %.0f", st.InitialCost, st.FinalCost)
	}
	// either direction around the square is uncrossed
	cw := []geo.Position{{Lat: 0, Lng: 0}, {Lat: 2, Lng: 0}, {Lat: 2, Lng: 2}, {Lat: 0, Lng: 2}}
	ccw := []geo.Position{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 2}, {Lat: 2, Lng: 2}, {Lat: 2, Lng: 0}}
	if !reflect.DeepEqual(out, cw) && !reflect.DeepEqual(out, ccw) {
		t.Fatalf("got %v, want a non-crossing cycle", out)
	}
}

func TestAnnealingBelowFloorIsNoop(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	in := randomPoints(rng, 12)
	out, st, err := ImprovePositions(context.Background(), in, SimulatedAnnealing, LocalSearchParams{InitialTemp: 0.5, MinTemp: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("annealing below floor changed the tour")
	}
	if st.Iterations != 0 {
		t.Fatalf("iterations = %d", st.Iterations)
	}
}

func TestOperatorsNeverWorsen(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 15; trial++ {
		pts := randomPoints(rng, 4+rng.Intn(14))
		for _, open := range []bool{false, true} {
			for _, op := range allOperators {
				params := LocalSearchParams{Open: open, Seed: int64(trial)}
				out, st, err := ImprovePositions(context.Background(), pts, op, params)
				if err != nil {
					t.Fatalf("%s: %v", op, err)
				}
				before, after := pathCost(pts, !open), pathCost(out, !open)
				if after > before+1e-6 {
					t.Fatalf("%s open=%v: cost rose %.1f -> %.1f", op, open, before, after)
				}
				if st.FinalCost > st.InitialCost+1e-6 {
					t.Fatalf("%s stats report a worse tour", op)
				}
				if out[0] != pts[0] {
					t.Fatalf("%s moved the first element", op)
				}
				if !samePositions(pts, out) {
					t.Fatalf("%s changed the multiset of positions", op)
				}
			}
		}
	}
}

func TestTwoOptFixedPoint(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	dist := func(m [][]float64) DistFunc { return func(a, b int) float64 { return m[a][b] } }
	for trial := 0; trial < 10; trial++ {
		pts := randomPoints(rng, 15)
		m := geo.BuildMatrix(pts)
		once, _, err := ImproveOrder(context.Background(), dist(m), identity(15), TwoOpt, LocalSearchParams{})
		if err != nil {
			t.Fatal(err)
		}
		twice, st, err := ImproveOrder(context.Background(), dist(m), once, TwoOpt, LocalSearchParams{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(once, twice) || st.Moves != 0 {
			t.Fatalf("2-opt is not idempotent: %v -> %v", once, twice)
		}
	}
}

func TestThreeOptAtLeastAsGoodAsTwoOptOnSmallTours(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pts := randomPoints(rng, 10)
	two, _, err := ImprovePositions(context.Background(), pts, TwoOpt, LocalSearchParams{})
	if err != nil {
		t.Fatal(err)
	}
	three, _, err := ImprovePositions(context.Background(), two, ThreeOpt, LocalSearchParams{})
	if err != nil {
		t.Fatal(err)
	}
	if pathCost(three, true) > pathCost(two, true)+1e-6 {
		t.Fatalf("3-opt on a 2-opt tour made it worse")
	}
}

func TestAnnealingBestNeverIncreases(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	pts := randomPoints(rng, 20)
	_, st, err := ImprovePositions(context.Background(), pts, SimulatedAnnealing, LocalSearchParams{Seed: 1, Trace: true, CoolingRate: 0.99})
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Trace) == 0 {
		t.Fatalf("no trace recorded")
	}
	for i := 1; i < len(st.Trace); i++ {
		if st.Trace[i].Best > st.Trace[i-1].Best+1e-9 {
			t.Fatalf("best rose at step %d: %.3f -> %.3f", i, st.Trace[i-1].Best, st.Trace[i].Best)
		}
		if st.Trace[i].Best > st.Trace[i].Current+1e-6 {
			t.Fatalf("best %.3f above current %.3f at step %d", st.Trace[i].Best, st.Trace[i].Current, i)
		}
	}
	if !st.Converged {
		t.Fatalf("annealing should converge once the floor is reached")
	}
}

func TestMaxIterationsClearsConverged(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pts := randomPoints(rng, 30)
	_, st, err := ImprovePositions(context.Background(), pts, TwoOpt, LocalSearchParams{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	if st.Converged {
		t.Fatalf("one pass over a random 30-node tour should not converge")
	}
}

func TestImproveOrderInputErrors(t *testing.T) {
	d := func(a, b int) float64 { return 1 }
	if _, _, err := ImproveOrder(context.Background(), d, []int{0, 1, 1}, TwoOpt, LocalSearchParams{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate node: %v", err)
	}
	if _, _, err := ImproveOrder(context.Background(), d, []int{0, 1, 2}, Operator(99), LocalSearchParams{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown operator: %v", err)
	}
	if _, err := ParseOperator("4opt"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseOperator accepted 4opt")
	}
	for _, op := range allOperators {
		got, err := ParseOperator(op.String())
		if err != nil || got != op {
			t.Fatalf("round trip %s: %v %v", op, got, err)
		}
	}
}

func TestShortToursUnchanged(t *testing.T) {
	for _, n := range []int{0, 1, 2} {
		pts := randomPoints(rand.New(rand.NewSource(int64(n))), n)
		out, st, err := ImprovePositions(context.Background(), pts, ThreeOpt, LocalSearchParams{})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != n || !st.Converged {
			t.Fatalf("n=%d: out=%v stats=%+v", n, out, st)
		}
	}
}

func samePositions(a, b []geo.Position) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(p []geo.Position) []string {
		out := make([]string, len(p))
		for i, x := range p {
			out[i] = geoKey(x)
		}
		sort.Strings(out)
		return out
	}
	return reflect.DeepEqual(key(a), key(b))
}

func geoKey(p geo.Position) string {
	return fmt.Sprintf("%.9f/%.9f", p.Lat, p.Lng)
}

func TestAnnealingDeterministicForSeed(t *testing.T) {
	pts := randomPoints(rand.New(rand.NewSource(8)), 25)
	params := LocalSearchParams{Seed: 99, CoolingRate: 0.98}
	a, sa, err := ImprovePositions(context.Background(), pts, SimulatedAnnealing, params)
	if err != nil {
		t.Fatal(err)
	}
	b, sb, err := ImprovePositions(context.Background(), pts, SimulatedAnnealing, params)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) || sa.Moves != sb.Moves || sa.Iterations != sb.Iterations {
		t.Fatalf("same seed diverged: moves %d vs %d", sa.Moves, sb.Moves)
	}
}
