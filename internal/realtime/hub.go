// Package realtime routes events to rooms of connected clients.
//
// Every identity has a room named after its id, every connection has a room
// named after the connection id, and Broadcast reaches every connection.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

const Broadcast = "*"

// Frame is the unit exchanged with clients in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// Subscriber is a connection the hub can push frames to. Send must not
// block; it reports false when the frame was dropped.
type Subscriber interface {
	ID() string
	Send(f Frame) bool
}

type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[Subscriber]struct{}
	subs  map[Subscriber]map[string]struct{}
}

var _ Publisher = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[Subscriber]struct{}),
		subs:   make(map[Subscriber]map[string]struct{}),
	}
}

// Register adds s and joins it to its own connection room.
func (h *Hub) Register(s Subscriber) {
	h.Join(s, s.ID())
}

func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.subs[s] {
		members := h.rooms[room]
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.subs, s)
}

func (h *Hub) Join(s Subscriber, room string) {
	if room == "" || room == Broadcast {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[Subscriber]struct{})
	}
	h.rooms[room][s] = struct{}{}

	if h.subs[s] == nil {
		h.subs[s] = make(map[string]struct{})
	}
	h.subs[s][room] = struct{}{}
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if room == Broadcast {
		return len(h.subs)
	}
	return len(h.rooms[room])
}

// Publish delivers to the local connections only.
func (h *Hub) Publish(ctx context.Context, room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.Deliver(room, Frame{Event: event, Data: data})
	return nil
}

func (h *Hub) Deliver(room string, f Frame) {
	h.mu.RLock()
	var targets []Subscriber
	if room == Broadcast {
		targets = make([]Subscriber, 0, len(h.subs))
		for s := range h.subs {
			targets = append(targets, s)
		}
	} else {
		targets = make([]Subscriber, 0, len(h.rooms[room]))
		for s := range h.rooms[room] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.Send(f) {
			h.logger.Warn("dropping frame for slow subscriber", "conn", s.ID(), "room", room, "event", f.Event)
		}
	}
}
