package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"fleetopt/internal/geo"
)

// Operator selects a local-search improvement.
type Operator int

const (
	TwoOpt Operator = iota + 1
	ThreeOpt
	OrOpt
	SimulatedAnnealing
	LinKernighan
)

var operatorNames = map[Operator]string{
	TwoOpt:             "2opt",
	ThreeOpt:           "3opt",
	OrOpt:              "oropt",
	SimulatedAnnealing: "sa",
	LinKernighan:       "lk",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// ParseOperator accepts the short names plus a few spelled-out aliases.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)) {
	case "2opt", "twoopt":
		return TwoOpt, nil
	case "3opt", "threeopt":
		return ThreeOpt, nil
	case "oropt":
		return OrOpt, nil
	case "sa", "simulatedannealing", "annealing":
		return SimulatedAnnealing, nil
	case "lk", "linkernighan":
		return LinKernighan, nil
	}
	return 0, fmt.Errorf("%w: unknown operator %q", ErrInvalidInput, s)
}

// LocalSearchParams tune every operator; each reads only what it needs.
type LocalSearchParams struct {
	MaxIterations int  // passes for 2/3-opt, Or-opt and LK; steps for SA. 0 = until converged
	Open          bool // do not count the return leg to the first element

	InitialTemp float64 // SA; 0 derives a temperature from the tour length
	CoolingRate float64 // SA; in (0,1), default 0.995
	MinTemp     float64 // SA; default 1e-3
	Seed        int64   // SA

	MaxDepth int // LK chain depth, default 5

	Trace bool // SA records current and best cost per step
}

// TracePoint is one SA step.
type TracePoint struct {
	Current float64
	Best    float64
}

// ImproveStats describes one operator run.
type ImproveStats struct {
	Operator    Operator
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Moves       int
	Converged   bool
	Trace       []TracePoint
}

// DistFunc returns the travel cost between two node identifiers.
type DistFunc func(from, to int) float64

const improveEps = 1e-9

// ImproveOrder runs op on order, keeping order[0] fixed. The result is a
// permutation of order whose cost is never greater than the input's.
func ImproveOrder(ctx context.Context, dist DistFunc, order []int, op Operator, params LocalSearchParams) ([]int, ImproveStats, error) {
	if dist == nil {
		return nil, ImproveStats{}, fmt.Errorf("%w: nil distance function", ErrInvalidInput)
	}
	if _, ok := operatorNames[op]; !ok {
		return nil, ImproveStats{}, fmt.Errorf("%w: unknown operator %d", ErrInvalidInput, int(op))
	}
	seen := make(map[int]bool, len(order))
	for _, v := range order {
		if seen[v] {
			return nil, ImproveStats{}, fmt.Errorf("%w: node %d repeated in order", ErrInvalidInput, v)
		}
		seen[v] = true
	}

	t := tour{dist: dist, closed: !params.Open}
	in := append([]int(nil), order...)
	stats := ImproveStats{Operator: op, InitialCost: t.cost(in), Converged: true}
	if len(in) < 3 {
		stats.FinalCost = stats.InitialCost
		return in, stats, nil
	}
	work := append([]int(nil), in...)
	var out []int
	switch op {
	case TwoOpt:
		out = t.twoOpt(ctx, work, params, &stats)
	case ThreeOpt:
		out = t.threeOpt(ctx, work, params, &stats)
	case OrOpt:
		out = t.orOpt(ctx, work, params, &stats)
	case SimulatedAnnealing:
		out = t.anneal(ctx, work, params, &stats)
	case LinKernighan:
		out = t.linKernighan(ctx, work, params, &stats)
	}
	// delta evaluation assumes symmetric costs; never hand back a worse tour
	if c := t.cost(out); c > stats.InitialCost {
		out = in
	}
	stats.FinalCost = t.cost(out)
	return out, stats, nil
}

// ImprovePositions orders raw coordinates with haversine costs. The first
// position stays first. The result is a rearrangement of the input.
func ImprovePositions(ctx context.Context, pts []geo.Position, op Operator, params LocalSearchParams) ([]geo.Position, ImproveStats, error) {
	for i, p := range pts {
		if !p.Valid() {
			return nil, ImproveStats{}, fmt.Errorf("%w: position %d out of range", ErrInvalidInput, i)
		}
	}
	m := geo.BuildMatrix(pts)
	order, stats, err := ImproveOrder(ctx, func(a, b int) float64 { return m[a][b] }, identity(len(pts)), op, params)
	if err != nil {
		return nil, stats, err
	}
	out := make([]geo.Position, len(order))
	for i, idx := range order {
		out[i] = pts[idx]
	}
	return out, stats, nil
}

type tour struct {
	dist   DistFunc
	closed bool
}

func (t tour) cost(order []int) float64 {
	total := 0.0
	for i := 0; i+1 < len(order); i++ {
		total += t.dist(order[i], order[i+1])
	}
	if t.closed && len(order) > 1 {
		total += t.dist(order[len(order)-1], order[0])
	}
	return total
}

// succ returns the node after position i, or -1 when the tour is open and i
// is the last position.
func (t tour) succ(order []int, i int) int {
	if i+1 < len(order) {
		return order[i+1]
	}
	if t.closed {
		return order[0]
	}
	return -1
}

// d treats -1 as "no node" so open tours get a free final leg.
func (t tour) d(a, b int) float64 {
	if a < 0 || b < 0 {
		return 0
	}
	return t.dist(a, b)
}

func budgetHit(ctx context.Context, pass, max int) bool {
	return (max > 0 && pass >= max) || ctx.Err() != nil
}

// twoOptDelta is the change from reversing order[i..k], 1 <= i < k.
func (t tour) twoOptDelta(order []int, i, k int) float64 {
	a, b, c, e := order[i-1], order[i], order[k], t.succ(order, k)
	return t.d(a, c) + t.d(b, e) - t.d(a, b) - t.d(c, e)
}

func reverse(order []int, i, k int) {
	for i < k {
		order[i], order[k] = order[k], order[i]
		i++
		k--
	}
}

func (t tour) twoOpt(ctx context.Context, order []int, params LocalSearchParams, st *ImproveStats) []int {
	n := len(order)
	for pass := 0; ; pass++ {
		if budgetHit(ctx, pass, params.MaxIterations) {
			st.Converged = false
			return order
		}
		st.Iterations++
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				if t.twoOptDelta(order, i, k) < -improveEps {
					reverse(order, i, k)
					st.Moves++
					improved = true
				}
			}
		}
		if !improved {
			return order
		}
	}
}

// segment is order[lo..hi], read backwards when rev is set.
type segment struct {
	lo, hi int
	rev    bool
}

func (s segment) reversed() segment { return segment{s.lo, s.hi, !s.rev} }

func (s segment) head(order []int) int {
	if s.rev {
		return order[s.hi]
	}
	return order[s.lo]
}

func (s segment) tail(order []int) int {
	if s.rev {
		return order[s.lo]
	}
	return order[s.hi]
}

// threeOpt removes three edges (a,b) (c,d) (e,f) and tries the seven
// reconnections of the segments S1=b..c and S2=d..e.
func (t tour) threeOpt(ctx context.Context, order []int, params LocalSearchParams, st *ImproveStats) []int {
	n := len(order)
	for pass := 0; ; pass++ {
		if budgetHit(ctx, pass, params.MaxIterations) {
			st.Converged = false
			return order
		}
		st.Iterations++
		improved := false
		for i := 1; i < n-1; i++ {
			if ctx.Err() != nil {
				st.Converged = false
				return order
			}
			for j := i + 1; j < n; j++ {
				for k := j + 1; k <= n; k++ {
					a, b, c := order[i-1], order[i], order[j-1]
					d, e := order[j], order[k-1]
					f := -1
					if k < n {
						f = order[k]
					} else if t.closed {
						f = order[0]
					}
					before := t.d(a, b) + t.d(c, d) + t.d(e, f)
					s1, s2 := segment{i, j - 1, false}, segment{j, k - 1, false}
					r1, r2 := s1.reversed(), s2.reversed()
					for _, cand := range [7][2]segment{
						{r1, s2}, {s1, r2}, {r2, r1}, {r1, r2}, {s2, r1}, {r2, s1}, {s2, s1},
					} {
						x, y := cand[0], cand[1]
						after := t.d(a, x.head(order)) + t.d(x.tail(order), y.head(order)) + t.d(y.tail(order), f)
						if after-before < -improveEps {
							order = splice(order, i, k, x, y)
							st.Moves++
							improved = true
							break
						}
					}
				}
			}
		}
		if !improved {
			return order
		}
	}
}

// splice rebuilds order with positions [i,k) replaced by x followed by y.
func splice(order []int, i, k int, x, y segment) []int {
	out := make([]int, 0, len(order))
	out = append(out, order[:i]...)
	for _, s := range [2]segment{x, y} {
		if s.rev {
			for p := s.hi; p >= s.lo; p-- {
				out = append(out, order[p])
			}
		} else {
			out = append(out, order[s.lo:s.hi+1]...)
		}
	}
	return append(out, order[k:]...)
}

// orOpt relocates runs of one to three consecutive nodes.
func (t tour) orOpt(ctx context.Context, order []int, params LocalSearchParams, st *ImproveStats) []int {
	n := len(order)
	for pass := 0; ; pass++ {
		if budgetHit(ctx, pass, params.MaxIterations) {
			st.Converged = false
			return order
		}
		st.Iterations++
		improved := false
	scan:
		for l := 1; l <= 3; l++ {
			for i := 1; i+l <= n; i++ {
				s0, sl := order[i], order[i+l-1]
				p := order[i-1]
				q := t.succ(order, i+l-1)
				removeGain := t.d(p, s0) + t.d(sl, q) - t.d(p, q)
				rest := make([]int, 0, n-l)
				rest = append(rest, order[:i]...)
				rest = append(rest, order[i+l:]...)
				for m := 0; m < len(rest); m++ {
					if m == i-1 {
						continue
					}
					u := rest[m]
					v := -1
					if m+1 < len(rest) {
						v = rest[m+1]
					} else if t.closed {
						v = rest[0]
					}
					add := t.d(u, s0) + t.d(sl, v) - t.d(u, v)
					if add-removeGain < -improveEps {
						next := make([]int, 0, n)
						next = append(next, rest[:m+1]...)
						next = append(next, order[i:i+l]...)
						next = append(next, rest[m+1:]...)
						order = next
						st.Moves++
						improved = true
						continue scan
					}
				}
			}
		}
		if !improved {
			return order
		}
	}
}

// linKernighan chains the best 2-opt move from each start position up to
// MaxDepth times and keeps the best tour seen along the chain, even when an
// intermediate step made the tour longer.
func (t tour) linKernighan(ctx context.Context, order []int, params LocalSearchParams, st *ImproveStats) []int {
	n := len(order)
	depth := params.MaxDepth
	if depth <= 0 {
		depth = 5
	}
	for pass := 0; ; pass++ {
		if budgetHit(ctx, pass, params.MaxIterations) {
			st.Converged = false
			return order
		}
		st.Iterations++
		improved := false
		for i := 1; i < n-1; i++ {
			cur := append([]int(nil), order...)
			gain, bestGain := 0.0, 0.0
			var best []int
			used := make(map[int]bool, depth)
			for step := 0; step < depth; step++ {
				bk, bd := -1, math.Inf(1)
				for k := i + 1; k < n; k++ {
					if used[k] {
						continue
					}
					if d := t.twoOptDelta(cur, i, k); d < bd {
						bk, bd = k, d
					}
				}
				if bk < 0 {
					break
				}
				reverse(cur, i, bk)
				used[bk] = true
				gain -= bd
				if gain > bestGain+improveEps {
					bestGain = gain
					best = append(best[:0], cur...)
				}
			}
			if best != nil {
				order = best
				st.Moves++
				improved = true
			}
		}
		if !improved {
			return order
		}
	}
}

// anneal runs simulated annealing over random 2-opt moves and returns the
// best tour seen.
func (t tour) anneal(ctx context.Context, order []int, params LocalSearchParams, st *ImproveStats) []int {
	n := len(order)
	cooling := params.CoolingRate
	if cooling <= 0 || cooling >= 1 {
		cooling = 0.995
	}
	floor := params.MinTemp
	if floor <= 0 {
		floor = 1e-3
	}
	temp := params.InitialTemp
	if temp == 0 {
		temp = t.cost(order) / float64(n) * 0.1
	}
	if temp <= floor {
		return order
	}
	rng := rand.New(rand.NewSource(params.Seed))
	cur := order
	curCost := t.cost(cur)
	best := append([]int(nil), cur...)
	bestCost := curCost
	for step := 0; temp > floor; step++ {
		if (params.MaxIterations > 0 && step >= params.MaxIterations) || (step&255 == 0 && ctx.Err() != nil) {
			st.Converged = false
			break
		}
		i := 1 + rng.Intn(n-1)
		k := 1 + rng.Intn(n-1)
		if i == k {
			temp *= cooling
			st.Iterations++
			continue
		}
		if i > k {
			i, k = k, i
		}
		delta := t.twoOptDelta(cur, i, k)
		if delta < 0 || rng.Float64() < math.Exp(-delta/temp) {
			reverse(cur, i, k)
			curCost += delta
			st.Moves++
			if curCost < bestCost-improveEps {
				bestCost = curCost
				best = append(best[:0], cur...)
			}
		}
		if params.Trace {
			st.Trace = append(st.Trace, TracePoint{Current: curCost, Best: bestCost})
		}
		temp *= cooling
		st.Iterations++
	}
	return best
}
