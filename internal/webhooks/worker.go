package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fleetopt/internal/logging"
	"fleetopt/internal/metrics"
)

type Worker struct {
	Queue       *Queue
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Log         logging.Logger
	now         func() time.Time
}

func NewWorker(q *Queue, maxAttempts int, timeout time.Duration, log logging.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Worker{
		Queue:       q,
		HTTP:        &http.Client{Timeout: timeout},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Log:         log,
		now:         time.Now,
	}
}

// Run delivers due webhooks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	for _, d := range w.Queue.Due(now(), 50) {
		code, latency, err := w.send(ctx, d)
		status := "delivered"
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues(d.EventType, status).Inc()
			metrics.WebhookLatency.WithLabelValues(d.EventType, status).Observe(float64(latency.Milliseconds()))
			continue
		}
		d.Attempts++
		d.LastError = err.Error()
		d.ResponseCode = code
		if d.Attempts >= w.MaxAttempts {
			status = "failed"
			w.Queue.fail(d)
			w.Log.Error(ctx, "webhook delivery failed",
				logging.String("event_id", d.ID),
				logging.String("event_type", d.EventType),
				logging.Int("attempts", d.Attempts),
				logging.Err(err),
			)
		} else {
			status = "retry"
			d.NextAttemptAt = now().Add(nextBackoff(d.Attempts - 1))
			w.Queue.retry(d)
			w.Log.Warn(ctx, "webhook delivery will retry",
				logging.String("event_id", d.ID),
				logging.Int("attempts", d.Attempts),
				logging.Err(err),
			)
		}
		metrics.WebhookDeliveries.WithLabelValues(d.EventType, status).Inc()
		metrics.WebhookLatency.WithLabelValues(d.EventType, status).Observe(float64(latency.Milliseconds()))
	}
}

func (w *Worker) send(ctx context.Context, d Delivery) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Event-Id", d.ID)
	req.Header.Set("X-Attempt", strconv.Itoa(d.Attempts+1))
	if d.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(d.Secret, d.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, latency, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, latency, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
