// Package events fans session state changes out to observers: SSE clients
// of the API, the chat bridge, and other replicas through Redis.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// SessionEvent describes one transition of one session.
type SessionEvent struct {
	SessionID   string              `json:"session_id"`
	RequesterID string              `json:"requester_id"`
	From        models.SessionState `json:"from"`
	To          models.SessionState `json:"to"`
	Attempt     int                 `json:"attempt"`
	CandidateID string              `json:"candidate_id,omitempty"`
	Offered     []string            `json:"offered,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	At          time.Time           `json:"at"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev SessionEvent) error
}

// Hub is the in-process bus. Slow subscribers miss events rather than
// blocking publishers.
type Hub struct {
	log *logger.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan SessionEvent
}

// NewHub creates a Hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{log: log, subs: make(map[int]chan SessionEvent)}
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(_ context.Context, ev SessionEvent) error {
	h.Deliver(ev)
	return nil
}

// Deliver is Publish without a context, used as a forwarder callback.
func (h *Hub) Deliver(ev SessionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("event dropped for slow subscriber", "subscriber", id, "session", ev.SessionID)
		}
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan SessionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan SessionEvent, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Multi publishes to several publishers, returning the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev SessionEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
