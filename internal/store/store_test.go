package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fleetopt/internal/model"
)

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "fleetopt.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteMigrateTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetopt.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSolution(context.Background(), record("sol-1", "savings", 10)); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s, err = OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetSolution(context.Background(), "sol-1"); err != nil {
		t.Fatalf("solution lost across reopen: %v", err)
	}
}

func record(id, algo string, dist float64) Record {
	obj := dist
	return Record{
		Solution: model.Solution{
			ID:            id,
			CreatedAt:     "2026-01-02T03:04:05Z",
			Algorithm:     algo,
			TotalDistance: dist,
			Objective:     &obj,
			Feasible:      true,
			Routes: []model.Route{{
				VehicleID: "v1",
				Stops:     []model.Stop{{Seq: 1, DeliveryID: "d1", Location: model.GeoPoint{Lat: 1, Lng: 2}}},
				DistanceM: dist,
			}},
			Unassigned: []string{},
		},
		Request: model.OptimizeRequest{
			Depot:      model.GeoPoint{Lat: 1, Lng: 1},
			Vehicles:   []model.VehicleIn{{ID: "v1", Capacity: 10}},
			Deliveries: []model.DeliveryIn{{ID: "d1", Location: model.GeoPoint{Lat: 1, Lng: 2}, Weight: 1}},
		},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if _, err := s.GetSolution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	for i, algo := range []string{"savings", "genetic", "hybrid/savings"} {
		if err := s.SaveSolution(ctx, record("sol-"+string(rune('1'+i)), algo, float64(100*(i+1)))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.GetSolution(ctx, "sol-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Solution.Algorithm != "genetic" || got.Solution.Routes[0].Stops[0].DeliveryID != "d1" {
		t.Fatalf("round trip lost data: %+v", got.Solution)
	}
	if got.Request.Vehicles[0].ID != "v1" || got.Solution.Objective == nil || *got.Solution.Objective != 200 {
		t.Fatalf("request or objective lost: %+v", got)
	}

	// overwrite keeps one row
	if err := s.SaveSolution(ctx, record("sol-2", "genetic", 150)); err != nil {
		t.Fatal(err)
	}
	page, next, err := s.ListSolutions(ctx, "", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "sol-1" || next != "sol-2" {
		t.Fatalf("first page = %+v next=%q", page, next)
	}
	if page[1].TotalDistance != 150 {
		t.Fatalf("overwrite not visible: %+v", page[1])
	}
	page, next, err = s.ListSolutions(ctx, "", next, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "sol-3" || next != "" {
		t.Fatalf("second page = %+v next=%q", page, next)
	}
	page, _, err = s.ListSolutions(ctx, "savings", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("algorithm filter returned %d rows", len(page))
	}

	fin := 90.0
	if err := s.SaveRunMetrics(ctx, "run-1", model.RunMetrics{Algorithm: "savings", Iterations: 3, FinalObjective: &fin}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRunMetrics(ctx, "run-1", model.RunMetrics{Algorithm: "savings", Iterations: 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRunMetrics(ctx, "run-2", model.RunMetrics{Algorithm: "genetic", Moves: map[string]int{"2opt": 2}}); err != nil {
		t.Fatal(err)
	}
	rows, err := s.ListRunMetrics(ctx, "savings", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Metrics.Iterations != 4 {
		t.Fatalf("savings metrics = %+v", rows)
	}
	rows, err = s.ListRunMetrics(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("all metrics = %+v", rows)
	}

	cfg, err := s.GetOptimizerConfig(ctx)
	if err != nil || len(cfg) != 0 {
		t.Fatalf("initial config = %v, %v", cfg, err)
	}
	if err := s.SaveOptimizerConfig(ctx, map[string]any{"strategy": "genetic"}); err != nil {
		t.Fatal(err)
	}
	cfg, err = s.GetOptimizerConfig(ctx)
	if err != nil || cfg["strategy"] != "genetic" {
		t.Fatalf("config = %v, %v", cfg, err)
	}
}
