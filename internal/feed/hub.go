// Package feed streams per-room bot activity (typing, messages, lifecycle)
// to websocket subscribers.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	EventTyping   = "typing"
	EventMessage  = "message"
	EventHandover = "handover"
	EventClosed   = "closed"
)

const subscriberBuffer = 32

// Event is one item of a room feed.
type Event struct {
	Type   string    `json:"type"`
	RoomID string    `json:"roomId"`
	Typing *bool     `json:"typing,omitempty"`
	Text   string    `json:"text,omitempty"`
	Time   time.Time `json:"time"`
}

// Subscription receives the events of one room.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	once   sync.Once
	closed chan struct{}
}

// Done is closed when the hub drops the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub fans room events out to subscribers. Slow subscribers lose events
// rather than block the publisher.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*Subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[string]*Subscription)}
}

// Register subscribes subscriberID to a room. A previous subscription with
// the same id is replaced.
func (h *Hub) Register(roomID, subscriberID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, closed: make(chan struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[roomID]; !exists {
		h.active[roomID] = make(map[string]*Subscription)
	}
	if existing, exists := h.active[roomID][subscriberID]; exists {
		existing.close()
	}
	h.active[roomID][subscriberID] = sub
	slog.Debug("Feed subscriber registered", "room_id", roomID, "subscriber_id", subscriberID)
	return sub
}

// Unregister removes sub if it is still the current subscription for subscriberID.
func (h *Hub) Unregister(roomID, subscriberID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[roomID]
	if !ok {
		return
	}
	if current, exists := subs[subscriberID]; exists && current == sub {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(h.active, roomID)
		}
		current.close()
		slog.Debug("Feed subscriber unregistered", "room_id", roomID, "subscriber_id", subscriberID)
	}
}

// Count returns the number of subscribers of a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[roomID])
}

// Publish delivers ev to every subscriber of its room.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.active[ev.RoomID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("Feed subscriber lagging, event dropped", "room_id", ev.RoomID, "subscriber_id", id)
		}
	}
}

// CloseRoom sends a closed event and drops every subscriber of a room.
func (h *Hub) CloseRoom(roomID string) {
	h.Publish(Event{Type: EventClosed, RoomID: roomID})

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.active[roomID] {
		sub.close()
	}
	delete(h.active, roomID)
}

// StartTyping publishes a typing-on event.
func (h *Hub) StartTyping(_ context.Context, roomID string) {
	on := true
	h.Publish(Event{Type: EventTyping, RoomID: roomID, Typing: &on})
}

// StopTyping publishes a typing-off event.
func (h *Hub) StopTyping(_ context.Context, roomID string) {
	off := false
	h.Publish(Event{Type: EventTyping, RoomID: roomID, Typing: &off})
}

// Message publishes a bot message event.
func (h *Hub) Message(_ context.Context, roomID, text string) {
	h.Publish(Event{Type: EventMessage, RoomID: roomID, Text: text})
}

// Handover publishes a handover event.
func (h *Hub) Handover(_ context.Context, roomID, department string) {
	h.Publish(Event{Type: EventHandover, RoomID: roomID, Text: department})
}
