package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetopt/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu        sync.Mutex
	solutions map[string]Record // id -> record
	order     []string          // ids in insertion order
	metrics   []RunMetricsRow
	optCfg    map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		solutions: map[string]Record{},
		optCfg:    map[string]any{},
	}
}

func (m *Memory) SaveSolution(ctx context.Context, rec Record) error {
	if rec.Solution.ID == "" {
		return fmt.Errorf("save solution: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.solutions[rec.Solution.ID]; !ok {
		m.order = append(m.order, rec.Solution.ID)
	}
	m.solutions[rec.Solution.ID] = rec
	return nil
}

func (m *Memory) GetSolution(ctx context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.solutions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListSolutions(ctx context.Context, algorithm, cursor string, limit int) ([]model.SolutionSummary, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	start := 0
	if cursor != "" {
		for i, id := range m.order {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.SolutionSummary{}
	var next string
	for i := start; i < len(m.order); i++ {
		rec := m.solutions[m.order[i]]
		if algorithm != "" && !strings.Contains(rec.Solution.Algorithm, algorithm) {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, Summarize(rec.Solution))
	}
	return out, next, nil
}

func (m *Memory) SaveRunMetrics(ctx context.Context, runID string, rm model.RunMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := RunMetricsRow{RunID: runID, CreatedAt: time.Now().UTC().Format(time.RFC3339Nano), Metrics: rm}
	for i, r := range m.metrics {
		if r.RunID == runID && r.Metrics.Algorithm == rm.Algorithm {
			m.metrics[i] = row
			return nil
		}
	}
	m.metrics = append(m.metrics, row)
	return nil
}

func (m *Memory) ListRunMetrics(ctx context.Context, algorithm string, limit int) ([]RunMetricsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := []RunMetricsRow{}
	for i := len(m.metrics) - 1; i >= 0 && len(out) < limit; i-- {
		if algorithm != "" && m.metrics[i].Metrics.Algorithm != algorithm {
			continue
		}
		out = append(out, m.metrics[i])
	}
	return out, nil
}

func (m *Memory) GetOptimizerConfig(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.optCfg))
	for k, v := range m.optCfg {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg = make(map[string]any, len(cfg))
	for k, v := range cfg {
		m.optCfg[k] = v
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
