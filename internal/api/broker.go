package api

import (
	"sync"

	"fleetopt/internal/model"
)

// EventBroker fans progress events out to subscribers of a run.
type EventBroker interface {
	Subscribe(runID string) chan model.ProgressEvent
	Unsubscribe(runID string, ch chan model.ProgressEvent)
	Publish(runID string, evt model.ProgressEvent)
}

// Broker is the in-process EventBroker. Slow subscribers miss events rather
// than stall the optimiser.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.ProgressEvent]struct{} // runId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.ProgressEvent]struct{}{}}
}

func (b *Broker) Subscribe(runID string) chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, 16)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan model.ProgressEvent]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(runID string, ch chan model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[runID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

func (b *Broker) Publish(runID string, evt model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
