package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"fleetopt/internal/cache"
	"fleetopt/internal/config"
	"fleetopt/internal/logging"
	"fleetopt/internal/metrics"
	"fleetopt/internal/opt"
	"fleetopt/internal/store"
	"fleetopt/internal/webhooks"
)

type Server struct {
	Store      store.Store
	Cache      cache.Cache
	Broker     EventBroker
	Pub        *webhooks.Publisher
	Hooks      *webhooks.Queue
	RunMetrics *opt.MetricsStore
	Cfg        config.Config
	Log        logging.Logger

	runs     *runRegistry
	validate *validator.Validate
	limiter  *clientLimiter

	// async runs are tied to base, not to the request that started them
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closers []func() error
}

// NewServer wires storage, cache, broker and webhooks from cfg. Postgres is
// used when a database URL is configured, then SQLite, then memory. A Redis
// URL switches both the result cache and the progress broker to Redis.
func NewServer(ctx context.Context, cfg config.Config, log logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Noop()
	}
	metrics.RegisterDefault()
	s := &Server{
		Cfg:        cfg,
		Log:        log,
		RunMetrics: opt.NewMetricsStore(1000),
		runs:       newRunRegistry(1000),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		limiter:    newClientLimiter(cfg.Server.RateRPS, cfg.Server.RateBurst),
	}
	s.base, s.stop = context.WithCancel(context.WithoutCancel(ctx))

	switch {
	case cfg.Storage.DatabaseURL != "":
		pg, err := store.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.Store = pg
		log.Info(ctx, "using postgres store")
	case cfg.Storage.SQLitePath != "":
		sq, err := store.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		s.Store = sq
		log.Info(ctx, "using sqlite store", logging.String("path", sq.Path()))
	default:
		s.Store = store.NewMemory()
		log.Info(ctx, "using in-memory store")
	}
	s.closers = append(s.closers, s.Store.Close)

	if cfg.Cache.RedisURL != "" {
		ropt, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(ropt)
		s.Cache = cache.NewRedisClient(rdb)
		s.Broker = NewRedisBrokerClient(rdb)
		s.closers = append(s.closers, rdb.Close)
	} else {
		s.Cache = cache.NewMemory(cfg.Cache.MaxEntries)
		s.Broker = NewBroker()
	}

	s.Hooks = webhooks.NewQueue(0)
	s.Pub = webhooks.NewPublisher(cfg.Webhook.URL, cfg.Webhook.Secret, s.Hooks)
	return s, nil
}

// StartWorkers runs background delivery until Shutdown.
func (s *Server) StartWorkers() {
	if s.Pub.URL == "" {
		return
	}
	w := webhooks.NewWorker(s.Hooks, s.Cfg.Webhook.MaxAttempts, s.Cfg.Webhook.Timeout, s.Log)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(s.base)
	}()
}

// Shutdown cancels async runs, waits for them up to ctx and closes
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Optimization
	mux.HandleFunc("/v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("/v1/improve", s.ImproveHandler)
	mux.HandleFunc("/v1/path", s.PathHandler)
	mux.HandleFunc("/v1/optimizer/config", s.OptimizerConfigHandler)

	// Solutions and runs
	mux.HandleFunc("/v1/solutions", s.SolutionsHandler)
	mux.HandleFunc("/v1/solutions/", s.SolutionByIDHandler) // includes /export.xlsx, /reoptimize
	mux.HandleFunc("/v1/runs/", s.RunByIDHandler)           // includes /ws

	// Admin
	mux.HandleFunc("/v1/admin/optimizer/config", s.AdminOptimizerConfigHandler)
	mux.HandleFunc("/v1/admin/run-metrics", s.RunMetricsHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq", s.WebhookDLQHandler)

	// Health and introspection
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug/vars", s.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return s.requestMiddleware(s.rateLimit(s.limitBody(mux)))
}
