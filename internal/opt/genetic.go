package opt

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// GeneticParams tune the permutation GA. Zero values take defaults.
type GeneticParams struct {
	PopulationSize  int
	Generations     int
	MutationRate    float64
	CrossoverRate   float64
	EliteSize       int
	TournamentSize  int
	StagnationLimit int // generations without improvement before stopping
	Workers         int // fitness evaluation; 0 = GOMAXPROCS
	Seed            int64
}

func (g GeneticParams) withDefaults() GeneticParams {
	if g.PopulationSize <= 0 {
		g.PopulationSize = 50
	}
	if g.Generations <= 0 {
		g.Generations = 200
	}
	if g.MutationRate <= 0 || g.MutationRate > 1 {
		g.MutationRate = 0.1
	}
	if g.CrossoverRate <= 0 || g.CrossoverRate > 1 {
		g.CrossoverRate = 0.8
	}
	if g.EliteSize < 0 {
		g.EliteSize = 0
	} else if g.EliteSize == 0 {
		g.EliteSize = 2
	}
	if g.EliteSize > g.PopulationSize {
		g.EliteSize = g.PopulationSize
	}
	if g.TournamentSize <= 0 {
		g.TournamentSize = 3
	}
	if g.StagnationLimit <= 0 {
		g.StagnationLimit = 50
	}
	if g.Workers <= 0 {
		g.Workers = runtime.GOMAXPROCS(0)
	}
	return g
}

type chromosome []int

// Genetic evolves a population of delivery permutations. A chromosome is
// decoded by cutting the permutation into trips whenever the next delivery
// would exceed the largest free capacity in the fleet. The same seed always
// yields the same Solution.
func Genetic(ctx context.Context, p Problem, params GeneticParams) (Solution, error) {
	in, err := newInstance(&p)
	if err != nil {
		return Solution{}, err
	}
	return geneticSolve(ctx, in, params, nil)
}

func geneticSolve(ctx context.Context, in *instance, params GeneticParams, progress func(Progress)) (Solution, error) {
	start := time.Now()
	params = params.withDefaults()
	rng := rand.New(rand.NewSource(params.Seed))
	n := len(in.p.Deliveries)

	pop := make([]chromosome, params.PopulationSize)
	pop[0] = identity(n)
	for i := 1; i < len(pop); i++ {
		pop[i] = rng.Perm(n)
	}

	var (
		best       Solution
		bestFit    = math.Inf(1)
		haveBest   bool
		stagnation int
		gen        int
		improved   int
		initial    = math.NaN()
		converged  bool
	)
	fitness := make([]float64, len(pop))
	decoded := make([]Solution, len(pop))
	for gen = 0; gen < params.Generations; gen++ {
		if ctx.Err() != nil {
			break
		}
		if err := evaluatePopulation(ctx, in, pop, fitness, decoded, params.Workers); err != nil {
			break
		}
		bi := 0
		for i := range fitness {
			if fitness[i] < fitness[bi] {
				bi = i
			}
		}
		if math.IsNaN(initial) {
			initial = fitness[bi]
		}
		if fitness[bi] < bestFit-capEps {
			bestFit, best, haveBest = fitness[bi], decoded[bi], true
			stagnation = 0
			improved++
		} else {
			stagnation++
		}
		if progress != nil {
			progress(Progress{Stage: StageConstruct, Algorithm: "genetic", Iteration: gen + 1, BestObjective: bestFit})
		}
		if stagnation >= params.StagnationLimit {
			converged = true
			gen++
			break
		}
		if gen == params.Generations-1 {
			gen++
			break
		}
		pop = breed(pop, fitness, params, rng)
	}

	if !haveBest {
		return Solution{
			Algorithm: "genetic",
			Objective: math.Inf(1),
			Metrics:   RunMetrics{Algorithm: "genetic", Iterations: gen, Elapsed: time.Since(start)},
		}, nil
	}
	best.Algorithm = "genetic"
	best.Converged = converged
	if !best.Feasible {
		best.Objective = math.Inf(1)
	}
	best.Metrics = RunMetrics{
		Algorithm:        "genetic",
		Iterations:       gen,
		Improvements:     improved,
		InitialObjective: initial,
		FinalObjective:   bestFit,
		Elapsed:          time.Since(start),
	}
	return best, nil
}

// evaluatePopulation decodes every chromosome concurrently. Results land at
// the chromosome's index so scheduling order cannot affect the outcome.
func evaluatePopulation(ctx context.Context, in *instance, pop []chromosome, fitness []float64, out []Solution, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range pop {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = in.assign(in.decode(pop[i]))
			fitness[i] = out[i].Objective
			return nil
		})
	}
	return g.Wait()
}

// decode splits c into trips bounded by the largest free vehicle capacity.
func (in *instance) decode(c chromosome) [][]int {
	limit := in.maxRemaining()
	var (
		trips [][]int
		cur   []int
		load  float64
	)
	for _, d := range c {
		w := in.p.Deliveries[d].Weight
		if len(cur) > 0 && load+w > limit+capEps {
			trips = append(trips, cur)
			cur, load = nil, 0
		}
		cur = append(cur, d)
		load += w
	}
	if len(cur) > 0 {
		trips = append(trips, cur)
	}
	return trips
}

func breed(pop []chromosome, fitness []float64, params GeneticParams, rng *rand.Rand) []chromosome {
	order := identity(len(pop))
	sort.SliceStable(order, func(a, b int) bool { return fitness[order[a]] < fitness[order[b]] })
	next := make([]chromosome, 0, len(pop))
	for i := 0; i < params.EliteSize; i++ {
		next = append(next, append(chromosome(nil), pop[order[i]]...))
	}
	for len(next) < len(pop) {
		p1 := tournament(pop, fitness, params.TournamentSize, rng)
		p2 := tournament(pop, fitness, params.TournamentSize, rng)
		var child chromosome
		if rng.Float64() < params.CrossoverRate {
			child = orderCrossover(p1, p2, rng)
		} else {
			child = append(chromosome(nil), p1...)
		}
		if rng.Float64() < params.MutationRate {
			swapMutate(child, rng)
		}
		next = append(next, child)
	}
	return next
}

func tournament(pop []chromosome, fitness []float64, size int, rng *rand.Rand) chromosome {
	best := rng.Intn(len(pop))
	for i := 1; i < size; i++ {
		if c := rng.Intn(len(pop)); fitness[c] < fitness[best] {
			best = c
		}
	}
	return pop[best]
}

// orderCrossover copies a random slice of a into the child and fills the
// remaining positions with b's genes in b's order.
func orderCrossover(a, b chromosome, rng *rand.Rand) chromosome {
	n := len(a)
	child := make(chromosome, n)
	if n < 2 {
		copy(child, a)
		return child
	}
	lo, hi := rng.Intn(n), rng.Intn(n)
	if lo > hi {
		lo, hi = hi, lo
	}
	used := make([]bool, n)
	for i := range child {
		child[i] = -1
	}
	for i := lo; i <= hi; i++ {
		child[i] = a[i]
		used[a[i]] = true
	}
	pos := 0
	for _, g := range b {
		if used[g] {
			continue
		}
		for child[pos] != -1 {
			pos++
		}
		child[pos] = g
		used[g] = true
	}
	return child
}

func swapMutate(c chromosome, rng *rand.Rand) {
	if len(c) < 2 {
		return
	}
	i, j := rng.Intn(len(c)), rng.Intn(len(c))
	c[i], c[j] = c[j], c[i]
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
