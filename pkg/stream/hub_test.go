package stream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(EventCertificateExtracted, "p1", map[string]string{"constraint": "c"})
	if evt.Type != EventCertificateExtracted || evt.ProblemID != "p1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["constraint"] != "c" {
		t.Fatalf("expected constraint=c, got %q", payload["constraint"])
	}
	if NewEvent("x", "", nil).Data != nil {
		t.Fatal("expected no data for nil payload")
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1, "")
	if n := h.Publish(NewEvent(EventProblemCreated, "p1", nil)); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != EventProblemCreated {
			t.Fatalf("expected problem.created, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	if h.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Len())
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
}

func TestPublishFiltersByProblem(t *testing.T) {
	t.Parallel()

	h := NewHub()
	all := h.Subscribe(4, "")
	only := h.Subscribe(4, "p2")
	defer h.Unsubscribe(all)
	defer h.Unsubscribe(only)

	h.Publish(NewEvent(EventSolutionReceived, "p1", nil))
	h.Publish(NewEvent(EventSolutionReceived, "p2", nil))

	if len(all.C) != 2 {
		t.Fatalf("expected 2 events for unfiltered subscriber, got %d", len(all.C))
	}
	if len(only.C) != 1 {
		t.Fatalf("expected 1 event for filtered subscriber, got %d", len(only.C))
	}
	if evt := <-only.C; evt.ProblemID != "p2" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1, "")
	defer h.Unsubscribe(sub)

	h.Publish(NewEvent("first", "", nil))
	if n := h.Publish(NewEvent("second", "", nil)); n != 0 {
		t.Fatalf("expected no delivery into a full buffer, got %d", n)
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", h.Dropped())
	}
	if evt := <-sub.C; evt.Type != "first" {
		t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
	}
	select {
	case evt := <-sub.C:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := h.Subscribe(0, "")
		if cap(sub.C) != 32 {
			t.Fatalf("expected default buffer 32, got %d", cap(sub.C))
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(NewEvent("tick", "", j))
			}
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	if h.Len() != 0 {
		t.Fatalf("expected all subscribers removed, got %d", h.Len())
	}
}
