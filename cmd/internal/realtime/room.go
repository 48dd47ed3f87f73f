package realtime

import (
	"log/slog"
	"sync"

	v1 "parley/shared/contracts/realtime/v1"
)

// Room is the in-memory subscription set of one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs an empty room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join subscribes a client. Joining twice is a no-op.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	_, dup := r.members[client.SessionID]
	r.members[client.SessionID] = client
	r.mu.Unlock()

	if !dup {
		r.log.Debug("room.member.join", "room_id", r.ID, "user_id", client.UserID, "session_id", client.SessionID)
	}
}

// Leave unsubscribes a session and reports how many members remain.
// It does not close the client; the session owns that.
func (r *Room) Leave(sessionID string) int {
	if r == nil || sessionID == "" {
		return 0
	}

	r.mu.Lock()
	_, had := r.members[sessionID]
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	if had {
		r.log.Debug("room.member.leave", "room_id", r.ID, "session_id", sessionID)
	}
	return n
}

// Len returns the number of subscribed sessions.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members except exceptSessionID and returns the number enqueued.
// Members that are shutting down or have a full queue are skipped.
// Direct messages go per user through the Dispatcher; this is the fan-out for group rooms with more than two members.
func (r *Room) Broadcast(env v1.Envelope, exceptSessionID string) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for sid, m := range r.members {
		if sid == exceptSessionID {
			continue
		}
		if m.offer(env) {
			n++
		}
	}
	return n
}
