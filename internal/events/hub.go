// Package events delivers state-transition notifications to connected
// UI clients as JSON envelopes. Delivery is best-effort: a subscriber
// that cannot keep up is dropped rather than back-pressuring the core.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rovot/rovot/pkg/models"
)

// subscriberBuffer is how many undelivered envelopes a client may queue
// before being dropped.
const subscriberBuffer = 32

// Subscriber receives serialised event envelopes on C until it
// unsubscribes or the hub drops it. The channel is closed exactly once,
// and the mutex keeps the close from interleaving with an in-flight
// send: a disconnecting client must never panic a broadcast.
type Subscriber struct {
	C      chan []byte
	mu     sync.Mutex
	closed bool
}

// send queues data without blocking. It reports false when the channel
// is already closed or full.
func (s *Subscriber) send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// Hub is an in-process pub/sub fan-out.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new client.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Broadcast serialises the envelope once and sends it to a snapshot of
// the current subscribers outside the lock. Slow clients are dropped.
func (h *Hub) Broadcast(event string, payload map[string]any) {
	env := models.EventEnvelope{Type: "event", Event: event, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("drop unencodable event", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.send(data) {
			h.logger.Debug("drop slow event subscriber", "event", event)
			h.Unsubscribe(sub)
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
