package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizeRuns counts finished optimisations by algorithm and outcome
	OptimizeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_optimize_runs_total", Help: "Optimisation runs by algorithm and outcome."},
		[]string{"algorithm", "outcome"},
	)
	// OptimizeDuration tracks solve wall time in seconds
	OptimizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "fleetopt_optimize_duration_seconds", Help: "Optimisation wall time in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}},
		[]string{"algorithm"},
	)
	// LastObjective is the objective of the most recent feasible run
	LastObjective = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "fleetopt_last_objective", Help: "Objective of the most recent feasible run."},
		[]string{"algorithm"},
	)
	// LocalSearchMoves counts accepted improvement moves by operator
	LocalSearchMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_local_search_moves_total", Help: "Accepted local-search moves by operator."},
		[]string{"operator"},
	)
	// PathLookups counts pathfinding requests by result
	PathLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_path_lookups_total", Help: "Pathfinding requests by result."},
		[]string{"result"},
	)
	// CacheLookups counts result cache hits and misses
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_cache_lookups_total", Help: "Result cache lookups."},
		[]string{"result"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizeRuns)
		Registry.MustRegister(OptimizeDuration)
		Registry.MustRegister(LastObjective)
		Registry.MustRegister(LocalSearchMoves)
		Registry.MustRegister(PathLookups)
		Registry.MustRegister(CacheLookups)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// RecordRun updates the optimisation series for one finished run.
func RecordRun(algorithm string, feasible bool, seconds, objective float64, moves map[string]int) {
	outcome := "feasible"
	if !feasible {
		outcome = "infeasible"
	}
	OptimizeRuns.WithLabelValues(algorithm, outcome).Inc()
	OptimizeDuration.WithLabelValues(algorithm).Observe(seconds)
	if feasible {
		LastObjective.WithLabelValues(algorithm).Set(objective)
	}
	for op, n := range moves {
		LocalSearchMoves.WithLabelValues(op).Add(float64(n))
	}
}
