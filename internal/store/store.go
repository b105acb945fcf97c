package store

import (
	"context"
	"errors"

	"fleetopt/internal/model"
)

// Record is a persisted optimisation: the solution together with the request
// that produced it, kept so the run can be re-optimised later.
type Record struct {
	Solution model.Solution
	Request  model.OptimizeRequest
}

// RunMetricsRow is one stored metrics entry.
type RunMetricsRow struct {
	RunID     string           `json:"runId"`
	CreatedAt string           `json:"createdAt"`
	Metrics   model.RunMetrics `json:"metrics"`
}

// Store is the persistence interface used by the API server.
type Store interface {
	// Solutions
	SaveSolution(ctx context.Context, rec Record) error
	GetSolution(ctx context.Context, id string) (Record, error)
	ListSolutions(ctx context.Context, algorithm, cursor string, limit int) (items []model.SolutionSummary, nextCursor string, err error)

	// Run metrics
	SaveRunMetrics(ctx context.Context, runID string, m model.RunMetrics) error
	ListRunMetrics(ctx context.Context, algorithm string, limit int) ([]RunMetricsRow, error)

	// Optimizer defaults editable at runtime
	GetOptimizerConfig(ctx context.Context) (map[string]any, error)
	SaveOptimizerConfig(ctx context.Context, cfg map[string]any) error

	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Summarize builds the list row for a solution.
func Summarize(s model.Solution) model.SolutionSummary {
	return model.SolutionSummary{
		ID:            s.ID,
		CreatedAt:     s.CreatedAt,
		Algorithm:     s.Algorithm,
		Routes:        len(s.Routes),
		Unassigned:    len(s.Unassigned),
		TotalDistance: s.TotalDistance,
		Objective:     s.Objective,
		Feasible:      s.Feasible,
	}
}
