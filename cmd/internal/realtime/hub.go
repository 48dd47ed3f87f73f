package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory rooms and hands out stable room handles.
// Persistence lives behind Store; rooms only track live subscriptions.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Subscribe joins client to the room of conversationID, creating the room on first use.
func (h *Hub) Subscribe(conversationID string, client *Client) *Room {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if !ok {
		r = NewRoom(h.log, conversationID)
		h.rooms[conversationID] = r
	}
	// Join under the hub lock so Unsubscribe cannot drop a room that is being joined.
	r.Join(client)
	h.mu.Unlock()
	return r
}

// Unsubscribe removes a session from a room and forgets the room once it is empty.
func (h *Hub) Unsubscribe(conversationID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	if r.Leave(sessionID) == 0 {
		delete(h.rooms, conversationID)
	}
}

// Room returns the live room for conversationID, or nil when nobody is subscribed.
func (h *Hub) Room(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[conversationID]
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
