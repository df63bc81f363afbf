// Package stream fans session updates out to live subscribers over
// websocket.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"breakglass/pkg/session"
)

type Event struct {
	Type string          `json:"type"`
	Team string          `json:"team,omitempty"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, team string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Team: team, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

// Subscribe registers a subscriber. A non-empty team limits it to that
// team's events; approvals carry no team and reach everyone.
func (h *Hub) Subscribe(buffer int, team string) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = team
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish never blocks; slow subscribers miss events.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, team := range h.subs {
		if team != "" && evt.Team != "" && team != evt.Team {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Emit satisfies session.Sink.
func (h *Hub) Emit(_ context.Context, u session.Update) {
	h.Publish(NewEvent(u.Type, u.Team, u))
}
