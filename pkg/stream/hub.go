// Package stream fans service events out to websocket subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventProblemCreated       = "problem.created"
	EventSolutionReceived     = "solution.received"
	EventCertificateExtracted = "certificate.extracted"
	EventExtractionFailed     = "extraction.failed"
)

type Event struct {
	Type      string          `json:"type"`
	ProblemID string          `json:"problem_id,omitempty"`
	At        string          `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, problemID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, ProblemID: problemID, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events on C. A non-empty problem filter limits it
// to events of that problem.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	problem string
}

func (s *Subscription) wants(evt Event) bool {
	return s.problem == "" || s.problem == evt.ProblemID
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int, problemID string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, problem: problemID}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe closes the subscription channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if exists {
		close(sub.ch)
	}
}

// Publish delivers evt without blocking; subscribers with a full buffer
// miss it. It returns the number of deliveries.
func (h *Hub) Publish(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs {
		if !sub.wants(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped counts deliveries skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
