package realtime

import (
	"log/slog"
	"sync"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Two room shapes exist with identical mechanics: a personal room named after
// a user id (every session of that user is a member) and a conversation room
// named after a conversation id (sessions with that chat window open).
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
// - Fanout iterates under one lock, so members observe broadcasts for this
//   room in the order the room received them.
type Room struct {
	log     *slog.Logger
	metrics *Metrics
	Name    string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, metrics *Metrics, name string) *Room {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Room{
		log:     log,
		metrics: metrics,
		Name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership. Joining twice is a no-op; it reports
// whether the client was newly added.
func (r *Room) Join(client *Client) bool {
	if r == nil || client == nil || client.SessionID == "" {
		return false
	}

	r.mu.Lock()
	_, existed := r.members[client.SessionID]
	r.members[client.SessionID] = client
	r.mu.Unlock()

	if existed {
		return false
	}

	r.log.Debug("room.member.join", "room", r.Name, "session_id", client.SessionID, "user_id", client.UserID)
	return true
}

// Leave removes a client from membership and returns the remaining member
// count. It does NOT close the client: a session belongs to several rooms at
// once and only disconnect tears the client down.
func (r *Room) Leave(sessionID string) int {
	if r == nil || sessionID == "" {
		return 0
	}

	r.mu.Lock()
	_, existed := r.members[sessionID]
	delete(r.members, sessionID)
	remaining := len(r.members)
	r.mu.Unlock()

	if existed {
		r.log.Debug("room.member.leave", "room", r.Name, "session_id", sessionID)
	}
	return remaining
}

// Len returns the current member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fanouts an envelope to all members.
func (r *Room) Broadcast(env v1.Envelope) {
	r.BroadcastExcept(env, "")
}

// BroadcastExcept fanouts an envelope to all members except the named
// session. Relay events use this so a sender never receives its own echo.
// Non-blocking: if a member queue is full or the client is shutting down,
// the envelope is dropped for that member.
func (r *Room) BroadcastExcept(env v1.Envelope, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			r.metrics.droppedEvent()
			r.log.Warn("room.broadcast.drop", "room", r.Name, "session_id", id, "type", env.Type)
		}
	}
}
