package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const EventOptimizationCompleted = "optimization.completed"

var ErrQueueFull = errors.New("webhook queue full")

// Delivery is one queued POST of an event payload.
type Delivery struct {
	ID            string
	EventType     string
	URL           string
	Secret        string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
}

// Queue holds pending deliveries in memory. Deliveries that exhaust their
// attempts move to a bounded dead-letter list.
type Queue struct {
	mu      sync.Mutex
	max     int
	pending []Delivery
	dead    []Delivery
}

const maxDeadLetters = 100

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 1000
	}
	return &Queue{max: max}
}

func (q *Queue) Enqueue(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.max {
		return ErrQueueFull
	}
	q.pending = append(q.pending, d)
	return nil
}

// Due removes and returns up to limit deliveries whose next attempt is due.
func (q *Queue) Due(now time.Time, limit int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Delivery
	kept := q.pending[:0]
	for _, d := range q.pending {
		if len(out) < limit && !d.NextAttemptAt.After(now) {
			out = append(out, d)
			continue
		}
		kept = append(kept, d)
	}
	q.pending = kept
	return out
}

func (q *Queue) retry(d Delivery) {
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
}

func (q *Queue) fail(d Delivery) {
	q.mu.Lock()
	q.dead = append(q.dead, d)
	if len(q.dead) > maxDeadLetters {
		q.dead = q.dead[len(q.dead)-maxDeadLetters:]
	}
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) DeadLetters() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delivery(nil), q.dead...)
}

// Publisher turns events into queued deliveries for the configured endpoint.
type Publisher struct {
	URL    string
	Secret string
	Queue  *Queue
}

func NewPublisher(url, secret string, q *Queue) *Publisher {
	return &Publisher{URL: url, Secret: secret, Queue: q}
}

// Emit queues eventType with data for delivery. It is a no-op without a URL.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) (string, error) {
	if p == nil || p.URL == "" {
		return "", nil
	}
	id := "evt_" + uuid.NewString()
	payload := map[string]any{
		"id":   id,
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", eventType, err)
	}
	if err := p.Queue.Enqueue(Delivery{ID: id, EventType: eventType, URL: p.URL, Secret: p.Secret, Payload: body}); err != nil {
		return "", err
	}
	return id, nil
}
