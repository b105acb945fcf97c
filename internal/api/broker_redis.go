package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fleetopt/internal/model"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so progress reaches
// websocket clients connected to any replica.
type RedisBroker struct {
	rdb *redis.Client
	mu  sync.Mutex
	ps  map[chan model.ProgressEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisBrokerClient(redis.NewClient(opt)), nil
}

func NewRedisBrokerClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, ps: map[chan model.ProgressEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(runID string) chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(runID))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.ps[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt model.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the PubSub; the forwarding goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(runID string, ch chan model.ProgressEvent) {
	b.mu.Lock()
	ps := b.ps[ch]
	delete(b.ps, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(runID string, evt model.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(runID), data).Err()
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(runID string) string { return "fleetopt:run:" + runID }
