package api

import (
	"testing"
	"time"

	"fleetopt/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	rid := "r1"
	ch := b.Subscribe(rid)

	obj := 12.5
	evt := model.ProgressEvent{RunID: rid, Stage: "construct", BestObjective: &obj}
	b.Publish(rid, evt)
	b.Publish("other", model.ProgressEvent{RunID: "other", Stage: "done"})

	select {
	case got := <-ch:
		if got.Stage != evt.Stage || *got.BestObjective != obj {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(rid, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// second unsubscribe is a no-op
	b.Unsubscribe(rid, ch)
}

func TestBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("r", model.ProgressEvent{Iteration: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer holds %d of %d", len(ch), cap(ch))
	}
}
