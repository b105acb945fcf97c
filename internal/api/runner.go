package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/cache"
	"fleetopt/internal/config"
	"fleetopt/internal/logging"
	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/opt"
	"fleetopt/internal/store"
	"fleetopt/internal/webhooks"
)

const solutionKeyPrefix = "fleetopt:solution:"

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// optimizerDefaults overlays the stored optimizer config on the configured
// defaults. Unknown keys and mistyped values are ignored.
func (s *Server) optimizerDefaults(ctx context.Context) config.Optimizer {
	d := s.Cfg.Optimizer
	d.Operators = append([]string(nil), d.Operators...)
	overlay, err := s.Store.GetOptimizerConfig(ctx)
	if err != nil {
		logging.FromContext(ctx, s.Log).Warn(ctx, "optimizer config unavailable", logging.Err(err))
		return d
	}
	if v, ok := overlay["strategy"].(string); ok && v != "" {
		d.Strategy = v
	}
	if v, ok := overlay["timeBudgetMs"].(float64); ok && v > 0 {
		d.TimeBudget = time.Duration(v) * time.Millisecond
	}
	if v, ok := overlay["savingsMaxDeliveries"].(float64); ok && v > 0 {
		d.SavingsMaxDeliveries = int(v)
	}
	if v, ok := overlay["speedKph"].(float64); ok && v > 0 {
		d.SpeedKph = v
	}
	if v, ok := overlay["operators"].([]any); ok {
		ops := make([]string, 0, len(v))
		for _, o := range v {
			if name, ok := o.(string); ok {
				ops = append(ops, name)
			}
		}
		d.Operators = ops
	}
	return d
}

// optimizerConfigView is the merged config as served to clients.
func optimizerConfigView(d config.Optimizer) map[string]any {
	return map[string]any{
		"strategy":             d.Strategy,
		"timeBudgetMs":         d.TimeBudget.Milliseconds(),
		"maxTimeBudgetMs":      d.MaxTimeBudget.Milliseconds(),
		"savingsMaxDeliveries": d.SavingsMaxDeliveries,
		"operators":            d.Operators,
		"speedKph":             d.SpeedKph,
	}
}

// solve runs one registered optimisation end to end: cache lookup, engine,
// persistence, metrics and notifications. Progress and the final stage are
// published on the broker under runID. The returned solution carries ID
// runID unless it came from the cache.
func (s *Server) solve(ctx context.Context, runID string, req model.OptimizeRequest) (model.Solution, error) {
	log := logging.FromContext(ctx, s.Log).With(logging.String("run_id", runID))
	sol, err := s.solveOnce(ctx, runID, req, log)
	evt := model.ProgressEvent{RunID: runID, Stage: runCompleted, SolutionID: sol.ID}
	if err != nil {
		evt = model.ProgressEvent{RunID: runID, Stage: runFailed, Error: err.Error()}
		log.Warn(ctx, "optimization failed", logging.Err(err))
	} else {
		evt.Algorithm = sol.Algorithm
		evt.BestObjective = sol.Objective
	}
	s.runs.finish(runID, sol.ID, err)
	s.Broker.Publish(runID, evt)
	return sol, err
}

func (s *Server) solveOnce(ctx context.Context, runID string, req model.OptimizeRequest, log logging.Logger) (model.Solution, error) {
	if err := s.validateStruct(&req); err != nil {
		return model.Solution{}, err
	}
	if err := validateOptimizeRequest(&req); err != nil {
		return model.Solution{}, err
	}
	defaults := s.optimizerDefaults(ctx)

	// Defaults are part of the key so a config overlay change misses.
	keyReq := req
	keyReq.Async = false
	key, keyErr := cache.Key(solutionKeyPrefix, struct {
		Request  model.OptimizeRequest
		Defaults config.Optimizer
	}{keyReq, defaults})
	if keyErr == nil {
		if sol, ok := s.cached(ctx, key, log); ok {
			return sol, nil
		}
	}

	p := toProblem(req, defaults)
	o, err := toOptions(req, defaults)
	if err != nil {
		return model.Solution{}, err
	}
	progress := make(chan opt.Progress, 32)
	o.Progress = progress
	o.Logger = log
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for ev := range progress {
			s.Broker.Publish(runID, fromProgress(runID, ev))
		}
	}()
	started := time.Now()
	res, err := opt.Optimize(ctx, p, o)
	close(progress)
	<-fwdDone
	if err != nil {
		return model.Solution{}, err
	}
	sol := fromSolution(p, res, runID, started)

	// persistence is best effort; the caller still gets the result
	if err := s.Store.SaveSolution(ctx, store.Record{Solution: sol, Request: req}); err != nil {
		log.Error(ctx, "save solution failed", logging.Err(err))
	}
	if err := s.Store.SaveRunMetrics(ctx, runID, sol.Metrics); err != nil {
		log.Error(ctx, "save run metrics failed", logging.Err(err))
	}
	s.RunMetrics.Record(runID, res.Metrics)
	metrics.RecordRun(res.Algorithm, res.Feasible, res.Metrics.Elapsed.Seconds(), res.Objective, res.Metrics.Moves)

	if keyErr == nil {
		if body, err := json.Marshal(sol); err == nil {
			if err := s.Cache.Set(ctx, key, body, s.Cfg.Cache.TTL); err != nil {
				log.Warn(ctx, "cache set failed", logging.Err(err))
			}
		}
	}
	if _, err := s.Pub.Emit(ctx, webhooks.EventOptimizationCompleted, map[string]any{
		"solutionId":     sol.ID,
		"algorithm":      sol.Algorithm,
		"feasible":       sol.Feasible,
		"totalDistanceM": sol.TotalDistance,
		"unassigned":     len(sol.Unassigned),
	}); err != nil {
		log.Warn(ctx, "webhook enqueue failed", logging.Err(err))
	}
	return sol, nil
}

func (s *Server) cached(ctx context.Context, key string, log logging.Logger) (model.Solution, bool) {
	body, ok, err := s.Cache.Get(ctx, key)
	if err != nil {
		log.Warn(ctx, "cache get failed", logging.Err(err))
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return model.Solution{}, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return model.Solution{}, false
	}
	var sol model.Solution
	if err := json.Unmarshal(body, &sol); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return model.Solution{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	sol.Cached = true
	return sol, true
}

// Optimize solves req synchronously under a new run id. It is the entry
// point for in-process callers such as the CLI.
func (s *Server) Optimize(ctx context.Context, req model.OptimizeRequest) (model.Solution, error) {
	runID := newRunID()
	s.runs.start(runID)
	return s.solve(ctx, runID, req)
}

// startAsync runs req in the background under the server lifetime.
func (s *Server) startAsync(ctx context.Context, runID string, req model.OptimizeRequest) {
	runCtx := logging.ContextWithLogger(s.base, logging.FromContext(ctx, s.Log))
	s.runs.start(runID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.solve(runCtx, runID, req)
	}()
}

// reoptimizeRequest builds a request for the deliveries of rec still
// outstanding after the ones in body.CompletedDeliveryIDs.
func reoptimizeRequest(rec store.Record, body model.ReoptimizeRequest) (model.OptimizeRequest, error) {
	orig := rec.Request
	planned := map[string]bool{}
	vehicleFound := body.VehicleID == ""
	for _, r := range rec.Solution.Routes {
		if body.VehicleID != "" && r.VehicleID != body.VehicleID {
			continue
		}
		vehicleFound = true
		for _, st := range r.Stops {
			planned[st.DeliveryID] = true
		}
	}
	if !vehicleFound {
		return model.OptimizeRequest{}, fmt.Errorf("%w: vehicle %q has no route in solution %s", opt.ErrInvalidInput, body.VehicleID, rec.Solution.ID)
	}
	if body.VehicleID == "" {
		for _, id := range rec.Solution.Unassigned {
			planned[id] = true
		}
	}
	done := map[string]bool{}
	for _, id := range body.CompletedDeliveryIDs {
		done[id] = true
	}

	out := orig
	out.Async = false
	out.Deliveries = nil
	keep := []int{0}
	for i, d := range orig.Deliveries {
		if planned[d.ID] && !done[d.ID] {
			out.Deliveries = append(out.Deliveries, d)
			keep = append(keep, i+1)
		}
	}
	if len(out.Deliveries) == 0 {
		return model.OptimizeRequest{}, fmt.Errorf("%w: no outstanding deliveries", opt.ErrInvalidInput)
	}
	if body.VehicleID != "" {
		out.Vehicles = nil
		for _, v := range orig.Vehicles {
			if v.ID == body.VehicleID {
				out.Vehicles = append(out.Vehicles, v)
			}
		}
		if len(out.Vehicles) == 0 {
			return model.OptimizeRequest{}, fmt.Errorf("%w: unknown vehicle %q", opt.ErrInvalidInput, body.VehicleID)
		}
	}
	if body.Position != nil {
		out.Depot = *body.Position
		out.DistanceMatrix, out.TimeMatrix = nil, nil
	} else {
		out.DistanceMatrix = subMatrix(orig.DistanceMatrix, keep)
		out.TimeMatrix = subMatrix(orig.TimeMatrix, keep)
	}
	if body.Strategy != "" {
		out.Strategy = body.Strategy
	}
	if body.TimeBudgetMs > 0 {
		out.TimeBudgetMs = body.TimeBudgetMs
	}
	if body.Seed != 0 {
		out.Seed = body.Seed
	}
	return out, nil
}

func subMatrix(m [][]float64, keep []int) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(keep))
	for i, a := range keep {
		out[i] = make([]float64, len(keep))
		for j, b := range keep {
			out[i][j] = m[a][b]
		}
	}
	return out
}
