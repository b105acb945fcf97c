package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleetopt/internal/config"
	"fleetopt/internal/logging"
	"fleetopt/internal/model"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Optimizer.TimeBudget = 5 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(context.Background(), cfg, logging.Noop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func demoRequest() model.OptimizeRequest {
	at := func(lat, lng float64) model.GeoPoint { return model.GeoPoint{Lat: lat, Lng: lng} }
	return model.OptimizeRequest{
		Depot: at(40.0, -74.0),
		Vehicles: []model.VehicleIn{
			{ID: "v1", Location: at(40.0, -74.0), Capacity: 10},
			{ID: "v2", Location: at(40.0, -74.0), Capacity: 10},
		},
		Deliveries: []model.DeliveryIn{
			{ID: "d1", Location: at(40.01, -74.0), Weight: 2},
			{ID: "d2", Location: at(40.02, -74.01), Weight: 2},
			{ID: "d3", Location: at(39.99, -73.99), Weight: 3},
			{ID: "d4", Location: at(40.0, -74.02), Weight: 1},
		},
		Strategy: "savings",
		Seed:     1,
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v; body=%s", v, err, rr.Body.String())
	}
	return v
}

func assignedIDs(sol model.Solution) map[string]bool {
	out := map[string]bool{}
	for _, r := range sol.Routes {
		for _, st := range r.Stops {
			out[st.DeliveryID] = true
		}
	}
	return out
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestOptimizeStoresAndCaches(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/v1/optimize", demoRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("optimize: %d %s", rr.Code, rr.Body.String())
	}
	sol := decode[model.Solution](t, rr)
	if sol.ID == "" || sol.Algorithm != "savings" || sol.Objective == nil || sol.Cached {
		t.Fatalf("unexpected solution header: %+v", sol)
	}
	if got := assignedIDs(sol); len(got) != 4 || len(sol.Unassigned) != 0 {
		t.Fatalf("assigned %v unassigned %v", got, sol.Unassigned)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}

	rr = do(t, h, http.MethodGet, "/v1/solutions/"+sol.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	if got := decode[model.Solution](t, rr); got.ID != sol.ID || got.TotalDistance != sol.TotalDistance {
		t.Fatalf("stored solution differs: %+v", got)
	}

	rr = do(t, h, http.MethodGet, "/v1/solutions?limit=10", nil)
	list := decode[struct {
		Items      []model.SolutionSummary `json:"items"`
		NextCursor string                  `json:"nextCursor"`
	}](t, rr)
	if len(list.Items) != 1 || list.Items[0].ID != sol.ID || list.NextCursor != "" {
		t.Fatalf("list = %+v", list)
	}

	rr = do(t, h, http.MethodPost, "/v1/optimize", demoRequest())
	again := decode[model.Solution](t, rr)
	if !again.Cached || again.ID != sol.ID {
		t.Fatalf("second identical request not served from cache: cached=%v id=%s", again.Cached, again.ID)
	}
}

func TestOptimizeRejectsInvalidInput(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	cases := map[string]func(*model.OptimizeRequest){
		"no vehicles":      func(r *model.OptimizeRequest) { r.Vehicles = nil },
		"bad strategy":     func(r *model.OptimizeRequest) { r.Strategy = "annealing" },
		"bad operator":     func(r *model.OptimizeRequest) { r.Operators = []string{"4opt"} },
		"latitude":         func(r *model.OptimizeRequest) { r.Deliveries[0].Location.Lat = 91 },
		"matrix rows":      func(r *model.OptimizeRequest) { r.DistanceMatrix = [][]float64{{0}} },
		"duplicate id":     func(r *model.OptimizeRequest) { r.Deliveries[1].ID = "d1" },
		"split deliveries": func(r *model.OptimizeRequest) { r.Constraints.AllowSplit = true },
		"window order":     func(r *model.OptimizeRequest) { r.Deliveries[0].TimeWindow = &model.TimeWindow{StartSec: 100, EndSec: 50} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := demoRequest()
			mutate(&req)
			rr := do(t, h, http.MethodPost, "/v1/optimize", req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("got %d %s", rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("content type %q", ct)
			}
		})
	}

	rr := do(t, h, http.MethodPost, "/v1/optimize", "{not json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/optimize", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET optimize: %d", rr.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 32 })
	rr := do(t, s.Handler(), http.MethodPost, "/v1/optimize", demoRequest())
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestSolutionNotFound(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	for _, path := range []string{"/v1/solutions/nope", "/v1/solutions/nope/export.xlsx"} {
		if rr := do(t, h, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
			t.Fatalf("%s: %d", path, rr.Code)
		}
	}
	if rr := do(t, h, http.MethodGet, "/v1/solutions/x/unknown", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown action: %d", rr.Code)
	}
}

func TestExportXLSX(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	sol := decode[model.Solution](t, do(t, h, http.MethodPost, "/v1/optimize", demoRequest()))
	rr := do(t, h, http.MethodGet, "/v1/solutions/"+sol.ID+"/export.xlsx", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Fatalf("content type %q", ct)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("PK")) {
		t.Fatal("body is not a zip container")
	}
}

func TestReoptimizeDropsCompletedDeliveries(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	sol := decode[model.Solution](t, do(t, h, http.MethodPost, "/v1/optimize", demoRequest()))

	rr := do(t, h, http.MethodPost, "/v1/solutions/"+sol.ID+"/reoptimize", model.ReoptimizeRequest{
		CompletedDeliveryIDs: []string{"d2"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("reoptimize: %d %s", rr.Code, rr.Body.String())
	}
	next := decode[model.Solution](t, rr)
	got := assignedIDs(next)
	if got["d2"] || len(got) != 3 {
		t.Fatalf("reoptimized assignment = %v", got)
	}
	if next.ID == sol.ID {
		t.Fatal("reoptimized solution reused the original id")
	}

	rr = do(t, h, http.MethodPost, "/v1/solutions/"+sol.ID+"/reoptimize", model.ReoptimizeRequest{
		CompletedDeliveryIDs: []string{"d1", "d2", "d3", "d4"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("nothing outstanding: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/solutions/missing/reoptimize", model.ReoptimizeRequest{})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing solution: %d", rr.Code)
	}
}

func TestImproveEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	// unit square visited in a crossing order
	req := model.ImproveRequest{
		Points: []model.GeoPoint{
			{Lat: 0, Lng: 0}, {Lat: 0.01, Lng: 0.01}, {Lat: 0, Lng: 0.01}, {Lat: 0.01, Lng: 0},
		},
		Operator: "2opt",
	}
	rr := do(t, h, http.MethodPost, "/v1/improve", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("improve: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[model.ImproveResponse](t, rr)
	if len(resp.Points) != 4 || resp.FinalCost >= resp.InitialCost || resp.Moves == 0 {
		t.Fatalf("crossing not removed: %+v", resp)
	}

	req.Operator = "bogus"
	if rr := do(t, h, http.MethodPost, "/v1/improve", req); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown operator: %d", rr.Code)
	}
}

func TestPathEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	graph := model.GraphIn{
		Nodes: []model.NodeIn{
			{ID: "a", Location: model.GeoPoint{Lat: 0, Lng: 0}},
			{ID: "b", Location: model.GeoPoint{Lat: 0, Lng: 0.01}},
			{ID: "c", Location: model.GeoPoint{Lat: 0, Lng: 0.02}},
			{ID: "island", Location: model.GeoPoint{Lat: 1, Lng: 1}},
		},
		Edges: []model.EdgeIn{
			{From: "a", To: "b", Bidirectional: true},
			{From: "b", To: "c", Bidirectional: true},
		},
	}
	rr := do(t, h, http.MethodPost, "/v1/path", model.PathRequest{GraphIn: graph, From: "a", To: "c"})
	if rr.Code != http.StatusOK {
		t.Fatalf("path: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[model.PathResponse](t, rr)
	if len(resp.Segments) != 2 || resp.Segments[0].FromID != "a" || resp.Segments[1].ToID != "c" {
		t.Fatalf("segments = %+v", resp.Segments)
	}
	if resp.DistanceM <= 0 || resp.DurationSec <= 0 {
		t.Fatalf("totals = %+v", resp)
	}

	if rr := do(t, h, http.MethodPost, "/v1/path", model.PathRequest{GraphIn: graph, From: "a", To: "island"}); rr.Code != http.StatusNotFound {
		t.Fatalf("no path: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/path", model.PathRequest{GraphIn: graph, From: "a", To: "c", Avoid: []string{"b"}}); rr.Code != http.StatusNotFound {
		t.Fatalf("avoided node still used: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/path", model.PathRequest{GraphIn: graph, From: "a", To: "zz"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown node: %d", rr.Code)
	}
}

func TestOptimizerConfigOverlay(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{
		"config": map[string]any{"strategy": "genetic", "operators": []string{"2opt"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Defaults map[string]any `json:"defaults"`
	}](t, do(t, h, http.MethodGet, "/v1/optimizer/config", nil))
	if got.Defaults["strategy"] != "genetic" {
		t.Fatalf("defaults = %v", got.Defaults)
	}
	if ops, _ := got.Defaults["operators"].([]any); len(ops) != 1 || ops[0] != "2opt" {
		t.Fatalf("operators = %v", got.Defaults["operators"])
	}

	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{"config": map[string]any{"strategy": "tabu"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad overlay accepted: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing config accepted: %d", rr.Code)
	}
}

func TestConfigOverlayChangeBypassesCache(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	req := demoRequest()
	req.Strategy = ""

	first := decode[model.Solution](t, do(t, h, http.MethodPost, "/v1/optimize", req))
	if first.Cached || first.Algorithm != "savings" {
		t.Fatalf("first run: cached=%v algorithm=%q", first.Cached, first.Algorithm)
	}
	if again := decode[model.Solution](t, do(t, h, http.MethodPost, "/v1/optimize", req)); !again.Cached {
		t.Fatal("identical request under the same defaults should hit the cache")
	}

	rr := do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{"config": map[string]any{"strategy": "genetic"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}
	after := decode[model.Solution](t, do(t, h, http.MethodPost, "/v1/optimize", req))
	if after.Cached || after.Algorithm != "genetic" {
		t.Fatalf("after overlay: cached=%v algorithm=%q", after.Cached, after.Algorithm)
	}
}

func TestRunMetricsAndDLQ(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	do(t, h, http.MethodPost, "/v1/optimize", demoRequest())

	got := decode[struct {
		Items      []map[string]any `json:"items"`
		Algorithms []string         `json:"algorithms"`
	}](t, do(t, h, http.MethodGet, "/v1/admin/run-metrics", nil))
	if len(got.Items) != 1 || len(got.Algorithms) != 1 || got.Algorithms[0] != "savings" {
		t.Fatalf("run metrics = %+v", got)
	}

	rr := do(t, h, http.MethodGet, "/v1/admin/webhook-dlq", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Fatalf("dlq: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.RateRPS = 0.001
		c.Server.RateBurst = 1
	})
	h := s.Handler()
	send := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.7:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send("/v1/solutions"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("/v1/solutions"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", code)
	}
	if code := send("/healthz"); code != http.StatusOK {
		t.Fatalf("health is limited: %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	do(t, h, http.MethodPost, "/v1/optimize", demoRequest())
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	for _, name := range []string{"http_requests_total", "fleetopt_optimize_runs_total"} {
		if !strings.Contains(rr.Body.String(), name) {
			t.Fatalf("metrics output lacks %s", name)
		}
	}
}

func TestAsyncRunStreamsToCompletion(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req := demoRequest()
	req.Async = true
	raw, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/v1/optimize", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	var accepted model.RunAccepted
	err = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async optimize: %d %v", resp.StatusCode, err)
	}
	if accepted.StreamURL != "/v1/runs/"+accepted.RunID+"/ws" {
		t.Fatalf("stream url %q", accepted.StreamURL)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + accepted.StreamURL
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))

	completed := false
	for !completed {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Payload["status"] == runCompleted || msg.Payload["stage"] == runCompleted {
			completed = true
		}
	}
	if !completed {
		t.Fatal("stream ended without a completed message")
	}

	st := decode[RunStatus](t, do(t, s.Handler(), http.MethodGet, "/v1/runs/"+accepted.RunID, nil))
	if st.Status != runCompleted || st.SolutionID == "" {
		t.Fatalf("run status = %+v", st)
	}
	if rr := do(t, s.Handler(), http.MethodGet, "/v1/solutions/"+st.SolutionID, nil); rr.Code != http.StatusOK {
		t.Fatalf("solution of async run: %d", rr.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	s := newTestServer(t)
	if rr := do(t, s.Handler(), http.MethodGet, "/v1/runs/unknown", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("got %d", rr.Code)
	}
}
