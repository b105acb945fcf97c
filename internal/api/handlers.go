package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetopt/internal/export"
	"fleetopt/internal/geo"
	"fleetopt/internal/logging"
	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/opt"
	"fleetopt/internal/pathfind"
	"fleetopt/internal/store"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// OptimizeHandler handles POST /v1/optimize. Async requests answer 202 and
// stream progress on /v1/runs/{id}/ws.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.OptimizeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid optimize request", err)
		return
	}
	if req.Async {
		if err := validateOptimizeRequest(&req); err != nil {
			writeError(w, r, "Invalid optimize request", err)
			return
		}
		runID := newRunID()
		s.startAsync(r.Context(), runID, req)
		w.Header().Set("Location", "/v1/runs/"+runID)
		writeJSON(w, http.StatusAccepted, model.RunAccepted{
			RunID:     runID,
			Status:    runRunning,
			StreamURL: "/v1/runs/" + runID + "/ws",
		})
		return
	}
	sol, err := s.Optimize(r.Context(), req)
	if err != nil {
		writeError(w, r, "Optimization failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sol)
}

// ImproveHandler handles POST /v1/improve: one local-search operator over a
// single sequence of points.
func (s *Server) ImproveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.ImproveRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid improve request", err)
		return
	}
	op, err := opt.ParseOperator(req.Operator)
	if err != nil {
		writeError(w, r, "Invalid improve request", err)
		return
	}
	pts := make([]geo.Position, len(req.Points))
	for i, p := range req.Points {
		pts[i] = toPosition(p)
	}
	ctx := r.Context()
	if budget := s.Cfg.Optimizer.MaxTimeBudget; budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	out, st, err := opt.ImprovePositions(ctx, pts, op, opt.LocalSearchParams{
		MaxIterations: req.MaxIterations,
		Open:          req.Open,
		InitialTemp:   req.InitialTemp,
		CoolingRate:   req.CoolingRate,
		MinTemp:       req.MinTemp,
		MaxDepth:      req.MaxDepth,
		Seed:          req.Seed,
	})
	if err != nil {
		writeError(w, r, "Improve failed", err)
		return
	}
	metrics.LocalSearchMoves.WithLabelValues(op.String()).Add(float64(st.Moves))
	resp := model.ImproveResponse{
		Operator:    op.String(),
		Points:      make([]model.GeoPoint, len(out)),
		InitialCost: st.InitialCost,
		FinalCost:   st.FinalCost,
		Iterations:  st.Iterations,
		Moves:       st.Moves,
		Converged:   st.Converged,
	}
	for i, p := range out {
		resp.Points[i] = fromPosition(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// PathHandler handles POST /v1/path: A* over a caller supplied graph.
func (s *Server) PathHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.PathRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid path request", err)
		return
	}
	g, err := buildGraph(req.GraphIn)
	if err != nil {
		writeError(w, r, "Invalid path request", err)
		return
	}
	from, ok := g.Node(pathfind.NodeID(req.From))
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid path request", "unknown node "+req.From, r.URL.Path)
		return
	}
	to, ok := g.Node(pathfind.NodeID(req.To))
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid path request", "unknown node "+req.To, r.URL.Path)
		return
	}
	c := &pathfind.Constraints{SpeedKph: req.SpeedKph, MaxExpansions: req.MaxExpansions}
	if c.SpeedKph == 0 {
		c.SpeedKph = s.Cfg.Optimizer.SpeedKph
	}
	if len(req.Avoid) > 0 {
		c.Avoid = make(map[pathfind.NodeID]bool, len(req.Avoid))
		for _, id := range req.Avoid {
			c.Avoid[pathfind.NodeID(id)] = true
		}
	}
	segs, err := pathfind.FindPath(r.Context(), from, to, g.Neighbors, c)
	if err != nil {
		metrics.PathLookups.WithLabelValues(pathOutcome(err)).Inc()
		writeError(w, r, "Path search failed", err)
		return
	}
	metrics.PathLookups.WithLabelValues("found").Inc()
	resp := model.PathResponse{Segments: fromSegments(segs), DistanceM: pathfind.PathDistance(segs)}
	for _, sg := range segs {
		resp.DurationSec += sg.Duration
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathOutcome(err error) string {
	switch {
	case errors.Is(err, pathfind.ErrNoPath):
		return "no_path"
	case errors.Is(err, pathfind.ErrExpansionLimit):
		return "limit"
	default:
		return "error"
	}
}

// OptimizerConfigHandler returns the optimizer defaults in effect.
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/optimizer/config" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": optimizerConfigView(s.optimizerDefaults(r.Context()))})
}

// AdminOptimizerConfigHandler reads or replaces the stored overlay.
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/optimizer/config" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetOptimizerConfig(r.Context())
		if err != nil {
			writeError(w, r, "Read config failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		if err := s.decodeJSON(r, &body); err != nil {
			writeError(w, r, "Invalid config", err)
			return
		}
		if body.Config == nil {
			writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
			return
		}
		if err := checkOverlay(body.Config); err != nil {
			writeError(w, r, "Invalid config", err)
			return
		}
		if err := s.Store.SaveOptimizerConfig(r.Context(), body.Config); err != nil {
			writeError(w, r, "Save failed", err)
			return
		}
		logging.FromContext(r.Context(), s.Log).Info(r.Context(), "optimizer config updated", logging.Int("keys", len(body.Config)))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SolutionsHandler handles GET /v1/solutions.
func (s *Server) SolutionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", v, r.URL.Path)
			return
		}
		limit = n
	}
	items, next, err := s.Store.ListSolutions(r.Context(), q.Get("algorithm"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, "List solutions failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// SolutionByIDHandler handles GET /v1/solutions/{id},
// GET /v1/solutions/{id}/export.xlsx and POST /v1/solutions/{id}/reoptimize.
func (s *Server) SolutionByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/solutions/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.Store.GetSolution(r.Context(), id)
		if err != nil {
			writeError(w, r, "Solution not found", err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Solution)
	case "export.xlsx":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.Store.GetSolution(r.Context(), id)
		if err != nil {
			writeError(w, r, "Solution not found", err)
			return
		}
		var buf bytes.Buffer
		if err := export.WriteXLSX(&buf, rec.Solution); err != nil {
			writeError(w, r, "Export failed", err)
			return
		}
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="solution-`+id+`.xlsx"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	case "reoptimize":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.reoptimize(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) reoptimize(w http.ResponseWriter, r *http.Request, id string) {
	var body model.ReoptimizeRequest
	if err := s.decodeJSON(r, &body); err != nil {
		writeError(w, r, "Invalid reoptimize request", err)
		return
	}
	rec, err := s.Store.GetSolution(r.Context(), id)
	if err != nil {
		writeError(w, r, "Solution not found", err)
		return
	}
	req, err := reoptimizeRequest(rec, body)
	if err != nil {
		writeError(w, r, "Invalid reoptimize request", err)
		return
	}
	sol, err := s.Optimize(r.Context(), req)
	if err != nil {
		writeError(w, r, "Reoptimization failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sol)
}

// RunByIDHandler handles GET /v1/runs/{id} and the /v1/runs/{id}/ws stream.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "ws") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.runs.get(id)
	if !ok {
		writeProblem(w, http.StatusNotFound, "Run not found", id, r.URL.Path)
		return
	}
	if len(parts) == 2 {
		s.streamRun(w, r, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RunMetricsHandler lists per-run engine metrics. The store is preferred;
// the in-memory history answers when it has nothing.
func (s *Server) RunMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/run-metrics" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	algo := r.URL.Query().Get("algorithm")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.Store.ListRunMetrics(r.Context(), algo, limit)
	if err != nil {
		logging.FromContext(r.Context(), s.Log).Warn(r.Context(), "run metrics from store failed", logging.Err(err))
	}
	if err != nil || len(rows) == 0 {
		rows = rows[:0]
		runs := s.RunMetrics.Runs()
		for i := len(runs) - 1; i >= 0 && len(rows) < limit; i-- {
			for a, m := range s.RunMetrics.Get(runs[i]) {
				if algo != "" && a != algo {
					continue
				}
				rows = append(rows, store.RunMetricsRow{RunID: runs[i], Metrics: fromMetrics(m)})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows, "algorithms": s.RunMetrics.Algorithms()})
}

type deadLetterView struct {
	ID           string `json:"id"`
	EventType    string `json:"eventType"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"lastError,omitempty"`
	ResponseCode int    `json:"responseCode,omitempty"`
}

// WebhookDLQHandler lists deliveries that exhausted their attempts.
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-dlq" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	dead := s.Hooks.DeadLetters()
	items := make([]deadLetterView, 0, len(dead))
	for _, d := range dead {
		items = append(items, deadLetterView{ID: d.ID, EventType: d.EventType, Attempts: d.Attempts, LastError: d.LastError, ResponseCode: d.ResponseCode})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "pending": s.Hooks.Len()})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
