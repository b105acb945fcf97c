package opt

import (
	"context"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// SavingsParams tune the Clarke-Wright constructor.
type SavingsParams struct {
	MaxMerges int // 0 = unlimited
	Workers   int // savings computation; 0 = GOMAXPROCS
}

type saving struct {
	i, j int
	val  float64
}

// trip is a route under construction.
type trip struct {
	stops []int
	load  float64
}

// Savings builds routes with the Clarke-Wright savings heuristic. Each
// delivery starts on its own trip; trips are merged end-to-head in descending
// order of saving while the merged trip stays within the largest free
// capacity in the fleet and violates no enabled constraint. Trips are then
// handed to vehicles smallest-first.
func Savings(ctx context.Context, p Problem, params SavingsParams) (Solution, error) {
	in, err := newInstance(&p)
	if err != nil {
		return Solution{}, err
	}
	return savingsSolve(ctx, in, params, nil)
}

func savingsSolve(ctx context.Context, in *instance, params SavingsParams, progress func(Progress)) (Solution, error) {
	start := time.Now()
	n := len(in.p.Deliveries)
	converged := true
	list, err := computeSavings(ctx, in, params.Workers)
	if err != nil {
		// cancelled before any merge: every delivery keeps its own trip
		list, converged = nil, false
	}

	trips := make([]*trip, n)
	owner := make([]int, n) // delivery -> trip index
	for i := 0; i < n; i++ {
		trips[i] = &trip{stops: []int{i}, load: in.p.Deliveries[i].Weight}
		owner[i] = i
	}
	limit := in.maxRemaining()

	merges := 0
	for k, s := range list {
		if k&1023 == 0 && ctx.Err() != nil {
			converged = false
			break
		}
		if params.MaxMerges > 0 && merges >= params.MaxMerges {
			converged = false
			break
		}
		ri, rj := owner[s.i], owner[s.j]
		if ri == rj {
			continue
		}
		a, b := trips[ri], trips[rj]
		var (
			merged     []int
			keep, drop int
		)
		for _, o := range [2]struct {
			head, tail *trip
			keep, drop int
			ok         bool
		}{
			{a, b, ri, rj, last(a) == s.i && b.stops[0] == s.j},
			{b, a, rj, ri, last(b) == s.j && a.stops[0] == s.i},
		} {
			if !o.ok || o.head.load+o.tail.load > limit+capEps {
				continue
			}
			cand := make([]int, 0, len(o.head.stops)+len(o.tail.stops))
			cand = append(cand, o.head.stops...)
			cand = append(cand, o.tail.stops...)
			if in.feasible(cand, limit) {
				merged, keep, drop = cand, o.keep, o.drop
				break
			}
		}
		if merged == nil {
			continue
		}
		for _, d := range trips[drop].stops {
			owner[d] = keep
		}
		trips[keep] = &trip{stops: merged, load: a.load + b.load}
		trips[drop] = nil
		merges++
		if progress != nil && merges%64 == 0 {
			progress(Progress{Stage: StageConstruct, Algorithm: "savings", Iteration: merges})
		}
	}

	var groups [][]int
	for i := 0; i < n; i++ {
		if t := trips[owner[i]]; t != nil && t.stops[0] == i {
			groups = append(groups, t.stops)
		}
	}
	sol := in.assign(groups)
	sol.Algorithm = "savings"
	sol.Converged = converged
	sol.Metrics = RunMetrics{
		Algorithm:      "savings",
		Iterations:     merges,
		FinalObjective: sol.Objective,
		Elapsed:        time.Since(start),
	}
	return sol, nil
}

func last(t *trip) int { return t.stops[len(t.stops)-1] }

// computeSavings returns every pair saving sorted descending. Pairs are
// emitted in (i, j) order before the stable sort so equal savings keep a
// deterministic order. Negative savings, only possible with non-metric
// matrices, are dropped.
func computeSavings(ctx context.Context, in *instance, workers int) ([]saving, error) {
	n := len(in.p.Deliveries)
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if n < 100 {
		workers = 1
	}
	rows := make([][]saving, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := make([]saving, 0, n-i-1)
			for j := i + 1; j < n; j++ {
				v := in.dist[0][i+1] + in.dist[0][j+1] - in.dist[i+1][j+1]
				if v < -capEps {
					continue
				}
				row = append(row, saving{i: i, j: j, val: v})
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := 0
	for _, r := range rows {
		total += len(r)
	}
	list := make([]saving, 0, total)
	for _, r := range rows {
		list = append(list, r...)
	}
	sort.SliceStable(list, func(a, b int) bool { return list[a].val > list[b].val })
	return list, nil
}
