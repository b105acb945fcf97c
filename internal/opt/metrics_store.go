package opt

import (
	"sort"
	"sync"
)

type metricsKey struct {
	RunID string
	Algo  string
}

// MetricsStore keeps the RunMetrics of recent runs in memory, keyed by run
// and algorithm. Oldest runs are evicted once Limit runs are held.
type MetricsStore struct {
	mu    sync.Mutex
	limit int
	order []string
	data  map[metricsKey]RunMetrics
}

func NewMetricsStore(limit int) *MetricsStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MetricsStore{limit: limit, data: map[metricsKey]RunMetrics{}}
}

func (s *MetricsStore) Record(runID string, m RunMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := false
	for k := range s.data {
		if k.RunID == runID {
			known = true
			break
		}
	}
	if !known {
		s.order = append(s.order, runID)
		for len(s.order) > s.limit {
			old := s.order[0]
			s.order = s.order[1:]
			for k := range s.data {
				if k.RunID == old {
					delete(s.data, k)
				}
			}
		}
	}
	s.data[metricsKey{RunID: runID, Algo: m.Algorithm}] = m
}

// Get returns the metrics recorded for runID by algorithm.
func (s *MetricsStore) Get(runID string) map[string]RunMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]RunMetrics{}
	for k, v := range s.data {
		if k.RunID == runID {
			out[k.Algo] = v
		}
	}
	return out
}

// Runs lists the retained run ids, oldest first.
func (s *MetricsStore) Runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.order...)
	return out
}

// Algorithms returns the distinct algorithm names seen, sorted.
func (s *MetricsStore) Algorithms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for k := range s.data {
		seen[k.Algo] = true
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
