package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"fleetopt/internal/geo"
	"fleetopt/internal/logging"
	"fleetopt/internal/pathfind"
	"fleetopt/internal/tracing"
)

const tracerName = "fleetopt/internal/opt"

// Strategy picks the constructor used by Optimize.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategySavings
	StrategyGenetic
	StrategyHybrid
)

func (s Strategy) String() string {
	switch s {
	case StrategySavings:
		return "savings"
	case StrategyGenetic:
		return "genetic"
	case StrategyHybrid:
		return "hybrid"
	case StrategyAuto:
		return "auto"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case "savings", "clarke-wright", "cw":
		return StrategySavings, nil
	case "genetic", "ga":
		return StrategyGenetic, nil
	case "hybrid":
		return StrategyHybrid, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, s)
}

// Optimizer produces a Solution for a routing problem.
type Optimizer interface {
	Solve(ctx context.Context, p Problem) (Solution, error)
}

// New returns an Optimizer that runs Optimize with o.
func New(o Options) Optimizer { return engine{opts: o} }

type engine struct{ opts Options }

func (e engine) Solve(ctx context.Context, p Problem) (Solution, error) {
	return Optimize(ctx, p, e.opts)
}

// constructor is implemented by every strategy variant.
type constructor interface {
	construct(ctx context.Context, in *instance, progress func(Progress)) (Solution, error)
}

// constructor resolves StrategyAuto against the instance size.
func (s Strategy) constructor(n int, o Options) (constructor, error) {
	sv, ga := savingsOptimizer{o.Savings}, geneticOptimizer{o.Genetic}
	switch s.resolve(n, o) {
	case StrategySavings:
		return sv, nil
	case StrategyGenetic:
		return ga, nil
	case StrategyHybrid:
		return hybridOptimizer{sv, ga}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %s", ErrInvalidInput, s)
}

func (s Strategy) resolve(n int, o Options) Strategy {
	if s != StrategyAuto {
		return s
	}
	if n <= o.SavingsMaxDeliveries {
		return StrategySavings
	}
	return StrategyGenetic
}

type savingsOptimizer struct{ params SavingsParams }

func (s savingsOptimizer) construct(ctx context.Context, in *instance, progress func(Progress)) (Solution, error) {
	return savingsSolve(ctx, in, s.params, progress)
}

type geneticOptimizer struct{ params GeneticParams }

func (g geneticOptimizer) construct(ctx context.Context, in *instance, progress func(Progress)) (Solution, error) {
	return geneticSolve(ctx, in, g.params, progress)
}

// hybridOptimizer runs both constructors and keeps the lower objective.
type hybridOptimizer struct {
	savings savingsOptimizer
	genetic geneticOptimizer
}

func (h hybridOptimizer) construct(ctx context.Context, in *instance, progress func(Progress)) (Solution, error) {
	var a, b Solution
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		a, err = h.savings.construct(gctx, in, progress)
		return err
	})
	g.Go(func() (err error) {
		b, err = h.genetic.construct(gctx, in, progress)
		return err
	})
	if err := g.Wait(); err != nil {
		return Solution{}, err
	}
	best := a
	if b.Objective < a.Objective {
		best = b
	}
	best.Algorithm = "hybrid/" + best.Algorithm
	best.Converged = a.Converged && b.Converged
	return best, nil
}

// Stage names the phase a Progress event belongs to.
type Stage string

const (
	StageConstruct Stage = "construct"
	StageImprove   Stage = "improve"
	StagePaths     Stage = "paths"
	StageDone      Stage = "done"
)

// Progress is a best-effort snapshot. Events are dropped when the receiver
// is not ready.
type Progress struct {
	Stage         Stage   `json:"stage"`
	Algorithm     string  `json:"algorithm,omitempty"`
	Iteration     int     `json:"iteration"`
	BestObjective float64 `json:"bestObjective,omitempty"`
	Route         int     `json:"route,omitempty"`
}

// Options configure Optimize. The zero value is usable.
type Options struct {
	Strategy             Strategy
	SavingsMaxDeliveries int // Auto uses Savings up to this size; default 200
	Savings              SavingsParams
	Genetic              GeneticParams
	LocalSearch          LocalSearchParams
	Operators            []Operator // polishing pipeline; nil = 2-opt, Or-opt, 3-opt
	SkipImprovement      bool
	MaxImproveRounds     int // default 3
	Workers              int // concurrent route polishing; default GOMAXPROCS
	Timeout              time.Duration

	Graph *pathfind.Graph // when set, legs are expanded into road segments

	Progress chan<- Progress
	Logger   logging.Logger
}

func (o Options) withDefaults() Options {
	if o.SavingsMaxDeliveries <= 0 {
		o.SavingsMaxDeliveries = 200
	}
	if o.Operators == nil {
		o.Operators = []Operator{TwoOpt, OrOpt, ThreeOpt}
	}
	if o.MaxImproveRounds <= 0 {
		o.MaxImproveRounds = 3
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	return o
}

func (o Options) emit(p Progress) {
	if o.Progress == nil {
		return
	}
	select {
	case o.Progress <- p:
	default:
	}
}

// Optimize validates p, builds routes with the selected strategy, polishes
// every route with the local-search pipeline and, when a graph is supplied,
// expands each leg into a road path. When ctx expires the best solution found
// so far is returned with Converged unset.
func Optimize(ctx context.Context, p Problem, o Options) (Solution, error) {
	o = o.withDefaults()
	start := time.Now()
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	ctx, span := tracing.Start(ctx, tracerName, "opt.Optimize",
		attribute.Int("deliveries", len(p.Deliveries)),
		attribute.Int("vehicles", len(p.Vehicles)),
		attribute.String("strategy", o.Strategy.String()),
	)
	defer span.End()

	ctor, err := o.Strategy.constructor(len(p.Deliveries), o)
	if err != nil {
		span.RecordError(err)
		return Solution{}, err
	}
	in, err := newInstance(&p)
	if err != nil {
		span.RecordError(err)
		return Solution{}, err
	}
	log := o.Logger.With(logging.String("strategy", o.Strategy.resolve(len(p.Deliveries), o).String()))

	sol, err := ctor.construct(ctx, in, o.emit)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn(ctx, "construction interrupted", logging.Err(err))
		}
		span.RecordError(err)
		return Solution{}, err
	}
	initial := sol.Objective
	if sol.Metrics.InitialObjective == 0 {
		sol.Metrics.InitialObjective = initial
	}
	o.emit(Progress{Stage: StageConstruct, Algorithm: sol.Algorithm, BestObjective: sol.Objective})

	if !o.SkipImprovement && len(sol.Routes) > 0 {
		moves, converged := polish(ctx, in, &sol, o)
		sol.Metrics.Moves = moves
		sol.Converged = sol.Converged && converged
		if sol.Objective < initial {
			sol.Metrics.Improvements++
		}
	}
	if o.Graph != nil {
		materialize(ctx, in, &sol, o)
	}
	if ctx.Err() != nil {
		sol.Converged = false
	}
	sol.Metrics.FinalObjective = sol.Objective
	sol.Metrics.Elapsed = time.Since(start)
	o.emit(Progress{Stage: StageDone, Algorithm: sol.Algorithm, BestObjective: sol.Objective})

	span.SetAttributes(
		attribute.Float64("objective", sol.Objective),
		attribute.Int("routes", len(sol.Routes)),
		attribute.Bool("feasible", sol.Feasible),
	)
	log.Info(ctx, "optimization finished",
		logging.String("algorithm", sol.Algorithm),
		logging.Int("routes", len(sol.Routes)),
		logging.Int("unassigned", len(sol.Unassigned)),
		logging.Float("distance_m", sol.TotalDistance),
		logging.Bool("feasible", sol.Feasible),
		logging.Duration("elapsed", sol.Metrics.Elapsed),
	)
	return sol, nil
}

// polish runs the operator pipeline on every route concurrently. A polished
// order that introduces new violations is discarded.
func polish(ctx context.Context, in *instance, sol *Solution, o Options) (map[string]int, bool) {
	dist := func(a, b int) float64 { return in.dist[a][b] }
	ls := o.LocalSearch
	ls.Open = false
	unbounded := math.IsInf(sol.Objective, 1)
	type result struct {
		route     Route
		moves     map[string]int
		converged bool
	}
	results := make([]result, len(sol.Routes))
	g := new(errgroup.Group)
	g.SetLimit(o.Workers)
	for ri := range sol.Routes {
		g.Go(func() error {
			r := sol.Routes[ri]
			res := result{route: r, moves: map[string]int{}, converged: true}
			seq := make([]int, 0, len(r.Stops)+1)
			seq = append(seq, 0)
			for _, s := range r.Stops {
				seq = append(seq, s+1)
			}
			for round := 0; round < o.MaxImproveRounds; round++ {
				before := (tour{dist: dist, closed: true}).cost(seq)
				for _, op := range o.Operators {
					out, st, err := ImproveOrder(ctx, dist, seq, op, ls)
					if err != nil {
						return err
					}
					seq = out
					res.moves[op.String()] += st.Moves
					res.converged = res.converged && st.Converged
				}
				if (tour{dist: dist, closed: true}).cost(seq) >= before-improveEps {
					break
				}
			}
			stops := make([]int, len(seq)-1)
			for i, v := range seq[1:] {
				stops[i] = v - 1
			}
			cand := in.evaluate(stops, in.vehicle(r.VehicleID))
			if len(cand.Violations) <= len(r.Violations) && cand.Distance <= r.Distance {
				res.route = cand
			}
			results[ri] = res
			o.emit(Progress{Stage: StageImprove, Route: ri + 1})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.Logger.Error(ctx, "route polishing failed", logging.Err(err))
		return nil, false
	}
	moves := map[string]int{}
	converged := true
	for i, res := range results {
		sol.Routes[i] = res.route
		for k, v := range res.moves {
			moves[k] += v
		}
		converged = converged && res.converged
	}
	in.finalize(sol)
	if unbounded && !sol.Feasible {
		sol.Objective = math.Inf(1)
	}
	return moves, converged
}

// materialize expands each leg into graph segments. Legs without a graph
// path fall back to a single segment carrying the matrix estimate.
func materialize(ctx context.Context, in *instance, sol *Solution, o Options) {
	c := &pathfind.Constraints{SpeedKph: in.p.SpeedKph}
	for ri := range sol.Routes {
		r := &sol.Routes[ri]
		// matrix indices: 0 is the depot, stop s is s+1
		nodes := make([]int, 0, len(r.Stops)+2)
		nodes = append(nodes, 0)
		for _, s := range r.Stops {
			nodes = append(nodes, s+1)
		}
		nodes = append(nodes, 0)
		r.Legs = make([]Leg, 0, len(nodes)-1)
		for i := 0; i+1 < len(nodes); i++ {
			a, b := nodes[i], nodes[i+1]
			leg := Leg{From: in.position(a), To: in.position(b)}
			from, ok1 := o.Graph.Nearest(leg.From)
			to, ok2 := o.Graph.Nearest(leg.To)
			if ok1 && ok2 {
				segs, err := pathfind.FindPath(ctx, from, to, o.Graph.Neighbors, c)
				if err == nil {
					leg.Segments = segs
				} else if !errors.Is(err, pathfind.ErrNoPath) {
					o.Logger.Warn(ctx, "path lookup failed", logging.Int("route", ri), logging.Err(err))
				}
			}
			if len(leg.Segments) == 0 {
				leg.Estimated = true
				leg.Segments = []pathfind.Segment{in.estimatedSegment(a, b)}
			}
			r.Legs = append(r.Legs, leg)
		}
		o.emit(Progress{Stage: StagePaths, Route: ri + 1})
	}
}

func (in *instance) position(node int) geo.Position {
	if node == 0 {
		return in.p.Depot
	}
	return in.p.Deliveries[node-1].Position
}

// estimatedSegment spans matrix nodes a and b with the matrix distance and
// travel time, so the leg agrees with the route totals.
func (in *instance) estimatedSegment(a, b int) pathfind.Segment {
	from, to := in.position(a), in.position(b)
	d := in.dist[a][b]
	return pathfind.Segment{
		From:        from,
		To:          to,
		Distance:    d,
		Duration:    in.time[a][b],
		Instruction: fmt.Sprintf("Head %s for %.0f m (estimated)", geo.Compass(geo.Bearing(from, to)), d),
	}
}
