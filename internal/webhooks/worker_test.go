package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	q := NewQueue(10)
	pub := NewPublisher(srv.URL, "secret", q)
	id, err := pub.Emit(context.Background(), EventOptimizationCompleted, map[string]any{"solutionId": "s1"})
	if err != nil || id == "" {
		t.Fatalf("emit failed: %v", err)
	}
	w := NewWorker(q, 3, time.Second, nil)
	w.HTTP = srv.Client()
	w.processOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if gotType != EventOptimizationCompleted {
		t.Fatalf("event type = %q", gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if q.Len() != 0 || len(q.DeadLetters()) != 0 {
		t.Fatalf("delivered event still queued")
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	q := NewQueue(10)
	if _, err := NewPublisher(srv.URL, "", q).Emit(context.Background(), EventOptimizationCompleted, nil); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(q, 2, time.Second, nil)
	w.HTTP = srv.Client()
	now := time.Unix(0, 0)
	w.now = func() time.Time { return now }

	w.processOnce(context.Background())
	if q.Len() != 1 {
		t.Fatalf("failed delivery should be requeued")
	}
	// not due yet
	w.processOnce(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("retried before backoff elapsed: %d calls", calls.Load())
	}
	now = now.Add(nextBackoff(0))
	w.processOnce(context.Background())
	if calls.Load() != 2 || q.Len() != 0 {
		t.Fatalf("calls=%d pending=%d", calls.Load(), q.Len())
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].ResponseCode != 500 || dead[0].Attempts != 2 {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestPublisherWithoutURLIsNoop(t *testing.T) {
	q := NewQueue(1)
	id, err := NewPublisher("", "", q).Emit(context.Background(), "x", nil)
	if err != nil || id != "" || q.Len() != 0 {
		t.Fatalf("id=%q err=%v len=%d", id, err, q.Len())
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	if err := q.Enqueue(Delivery{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Delivery{ID: "b"}); err != ErrQueueFull {
		t.Fatalf("err = %v", err)
	}
}

func TestNextBackoff(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatalf("unexpected backoff")
	}
	if nextBackoff(50) != 1024*time.Second {
		t.Fatalf("backoff not capped at 2^10s: %v", nextBackoff(50))
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := SignHMAC("k", body)
	if !VerifyHMAC("k", body, sig) || !VerifyHMAC("k", body, "sha256="+sig) {
		t.Fatalf("valid signature rejected")
	}
	if VerifyHMAC("other", body, sig) || VerifyHMAC("k", body, "zz") {
		t.Fatalf("bad signature accepted")
	}
}
