package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// captureSink records deliveries and signals each one on a channel.
type captureSink struct {
	mu     sync.Mutex
	events []Event
	got    chan Event
}

func newCaptureSink() *captureSink {
	return &captureSink{got: make(chan Event, 16)}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.got <- event
	return nil
}

func waitEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return Event{}
	}
}

func TestPublishDeliversToSink(t *testing.T) {
	sink := newCaptureSink()
	n := NewWithConfig(1, 8, time.Second, sink)
	defer n.Close(context.Background())

	sent := NewEvent(EventReconcileSucceeded, "core", "rev-1", "")
	n.Publish(sent)

	got := waitEvent(t, sink.got)
	if got.ID != sent.ID {
		t.Errorf("delivered event ID = %s, want %s", got.ID, sent.ID)
	}
	if got.Type != EventReconcileSucceeded || got.Group != "core" || got.Revision != "rev-1" {
		t.Errorf("delivered event mismatch: %+v", got)
	}
	if got.ID == "" || got.Time.IsZero() {
		t.Error("NewEvent should stamp ID and time")
	}
}

func TestPublishNeverBlocksWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	slow := sinkFunc(func(context.Context, Event) error {
		<-release
		return nil
	})

	n := NewWithConfig(1, 1, time.Second, slow)

	// One event occupies the worker, one fills the queue; the rest must
	// be dropped without blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Publish(NewEvent(EventReconcileFailed, "core", "rev-1", "boom"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	close(release)
	n.Close(context.Background())
}

func TestPublishAfterCloseDropsQuietly(t *testing.T) {
	sink := newCaptureSink()
	n := NewWithConfig(1, 8, time.Second, sink)
	n.Close(context.Background())

	// Must not panic or block.
	n.Publish(NewEvent(EventDriftCorrected, "core", "rev-1", ""))
}

type sinkFunc func(ctx context.Context, event Event) error

func (sinkFunc) Name() string { return "func" }

func (f sinkFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

func TestWorkerSurvivesSinkPanic(t *testing.T) {
	var calls int
	var mu sync.Mutex
	got := make(chan Event, 2)
	panicky := sinkFunc(func(_ context.Context, event Event) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("sink exploded")
		}
		got <- event
		return nil
	})

	n := NewWithConfig(1, 8, time.Second, panicky)
	defer n.Close(context.Background())

	n.Publish(NewEvent(EventReconcileFailed, "a", "rev-1", ""))
	n.Publish(NewEvent(EventReconcileSucceeded, "b", "rev-1", ""))

	e := waitEvent(t, got)
	if e.Group != "b" {
		t.Errorf("event after panic = %s, want b", e.Group)
	}
}

func TestWebhookSinkPosts(t *testing.T) {
	var (
		mu       sync.Mutex
		method   string
		ctype    string
		auth     string
		received Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		ctype = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", time.Second)
	sent := NewEvent(EventRevisionAdopted, "", "rev-9", "")
	if err := sink.Deliver(context.Background(), sent); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPost || ctype != "application/json" {
		t.Errorf("got %s with Content-Type %q, want POST application/json", method, ctype)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
	if received.ID != sent.ID || received.Type != EventRevisionAdopted || received.Revision != "rev-9" {
		t.Errorf("webhook received %+v, want %+v", received, sent)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", time.Second)
	if err := sink.Deliver(context.Background(), NewEvent(EventReconcileFailed, "x", "rev-1", "")); err == nil {
		t.Error("expected an error for a 500 response")
	}
}
