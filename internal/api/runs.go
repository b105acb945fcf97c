package api

import (
	"sync"
	"time"
)

const (
	runRunning   = "running"
	runCompleted = "completed"
	runFailed    = "failed"
)

// RunStatus is the lifecycle record of one optimisation run.
type RunStatus struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	SolutionID string `json:"solutionId,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// runRegistry keeps the most recent runs; the oldest are forgotten first.
type runRegistry struct {
	mu    sync.Mutex
	limit int
	order []string
	runs  map[string]RunStatus
}

func newRunRegistry(limit int) *runRegistry {
	return &runRegistry{limit: limit, runs: map[string]RunStatus{}}
}

func (r *runRegistry) start(id string) RunStatus {
	st := RunStatus{RunID: id, Status: runRunning, StartedAt: time.Now().UTC().Format(time.RFC3339)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		r.order = append(r.order, id)
	}
	r.runs[id] = st
	for len(r.order) > r.limit {
		delete(r.runs, r.order[0])
		r.order = r.order[1:]
	}
	return st
}

func (r *runRegistry) finish(id, solutionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[id]
	if !ok {
		return
	}
	st.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		st.Status = runFailed
		st.Error = err.Error()
	} else {
		st.Status = runCompleted
		st.SolutionID = solutionID
	}
	r.runs[id] = st
}

func (r *runRegistry) get(id string) (RunStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[id]
	return st, ok
}
