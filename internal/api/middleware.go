package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"fleetopt/internal/logging"
	"fleetopt/internal/metrics"
	"fleetopt/internal/tracing"
)

const tracerName = "fleetopt/internal/api"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestMiddleware assigns a request id, opens a span, records metrics and
// writes one access log line per request.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, reqID := logging.WithRequestID(ctx, r.Header.Get("X-Request-Id"))
		ctx = logging.ContextWithLogger(ctx, s.Log)
		route := routeLabel(r.URL.Path)
		ctx, span := tracing.Start(ctx, tracerName, r.Method+" "+route,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		)
		defer span.End()
		w.Header().Set("X-Request-Id", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		dur := time.Since(start)
		status := strconv.Itoa(rec.status)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		metrics.HTTPRequests.WithLabelValues(r.Method, route, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, status).Observe(dur.Seconds())
		s.Log.Info(ctx, "http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("duration", dur),
			logging.String("remote", r.RemoteAddr),
		)
	})
}

// routeLabel collapses ids so metric labels stay bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{"/v1/solutions/", "/v1/runs/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				return prefix + ":id" + rest[i:]
			}
			return prefix + ":id"
		}
	}
	return path
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{limit: rate.Limit(rps), burst: burst, clients: map[string]*limiterEntry{}}
}

func (c *clientLimiter) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.clients[key]
	if !ok {
		if len(c.clients) > 10000 {
			c.sweepLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (c *clientLimiter) sweepLocked(now time.Time) {
	for k, e := range c.clients {
		if now.Sub(e.seen) > 10*time.Minute {
			delete(c.clients, k)
		}
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(clientKey(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	max := s.Cfg.Server.MaxBodyBytes
	if max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}
