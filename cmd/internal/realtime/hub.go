package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// Hub owns the process-local realtime state: the room table, the set of
// connected clients, and the Presence registry. Nothing outside the hub may
// mutate presence or room membership.
//
// The hub is a pure relay: it never talks to the message store. A message
// reaching the hub has already been written durably by its sender, so the
// fanout here is a best-effort fast path and the store stays the source of
// truth on reload.
type Hub struct {
	log      *slog.Logger
	presence *Presence
	metrics  *Metrics
	mirror   PresenceMirror

	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]*Client // session id -> client
}

// HubOption configures optional Hub collaborators.
type HubOption func(*Hub)

// WithPresenceMirror attaches a best-effort external presence mirror.
func WithPresenceMirror(m PresenceMirror) HubOption {
	return func(h *Hub) { h.mirror = m }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, presence *Presence, metrics *Metrics, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if presence == nil {
		presence = NewPresence(log)
	}

	h := &Hub{
		log:      log,
		presence: presence,
		metrics:  metrics,
		rooms:    make(map[string]*Room),
		clients:  make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Presence exposes the registry for read-side queries.
func (h *Hub) Presence() *Presence { return h.presence }

// Connect registers the client, joins its personal room, and records the
// presence join. On an offline->online edge it announces the transition to
// every connected client and reports true.
func (h *Hub) Connect(ctx context.Context, client *Client) (cameOnline bool) {
	if h == nil || client == nil || client.SessionID == "" || client.UserID == "" {
		return false
	}

	h.mu.Lock()
	h.clients[client.SessionID] = client
	h.mu.Unlock()

	h.metrics.connOpened()
	h.joinRoomLocked(client, client.UserID)

	cameOnline = h.presence.RecordJoin(client.UserID, client.SessionID)
	if !cameOnline {
		return false
	}

	h.metrics.userOnline()
	h.mirrorOnline(ctx, client.UserID)
	h.BroadcastAll(h.statusEnvelope(client.UserID, true))
	return true
}

// Disconnect removes the client from every room it joined, unregisters it,
// and records the presence leave. On an online->offline edge it announces the
// transition. Safe to call exactly once per session; the gateway guards this
// with its shutdown closeOnce.
func (h *Hub) Disconnect(ctx context.Context, client *Client) (wentOffline bool) {
	if h == nil || client == nil || client.SessionID == "" {
		return false
	}

	for _, name := range client.joinedRooms() {
		h.leaveRoom(client, name)
	}

	h.mu.Lock()
	_, existed := h.clients[client.SessionID]
	delete(h.clients, client.SessionID)
	h.mu.Unlock()

	if existed {
		h.metrics.connClosed()
	}

	if client.UserID == "" {
		return false
	}

	wentOffline = h.presence.RecordLeave(client.UserID, client.SessionID)
	if !wentOffline {
		return false
	}

	h.metrics.userOffline()
	h.mirrorOffline(ctx, client.UserID)
	h.BroadcastAll(h.statusEnvelope(client.UserID, false))
	return true
}

// JoinRoom adds the client to the named room (idempotent per session).
func (h *Hub) JoinRoom(client *Client, name string) bool {
	if h == nil || client == nil || name == "" {
		return false
	}
	return h.joinRoomLocked(client, name)
}

// LeaveRoom removes the client from the named room.
func (h *Hub) LeaveRoom(client *Client, name string) {
	if h == nil || client == nil || name == "" {
		return
	}
	h.leaveRoom(client, name)
}

// RelayToRoom fanouts an envelope to the named room, skipping the sender's
// session. Relaying to a room nobody joined is a silent no-op: the durable
// write already happened and the message will surface on next load.
func (h *Hub) RelayToRoom(name string, env v1.Envelope, exceptSessionID string) {
	if h == nil || name == "" {
		return
	}

	h.mu.RLock()
	room := h.rooms[name]
	h.mu.RUnlock()

	if room == nil {
		return
	}

	h.metrics.relayedEvent(env.Type)
	room.BroadcastExcept(env, exceptSessionID)
}

// BroadcastAll delivers an envelope to every connected client (presence
// transitions). Non-blocking per client, same drop policy as rooms.
func (h *Hub) BroadcastAll(env v1.Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		if c == nil {
			continue
		}

		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			h.metrics.droppedEvent()
			h.log.Warn("hub.broadcast.drop", "session_id", id, "type", env.Type)
		}
	}
}

// RoomLen reports the member count of a room (0 when absent).
func (h *Hub) RoomLen(name string) int {
	h.mu.RLock()
	room := h.rooms[name]
	h.mu.RUnlock()
	return room.Len()
}

func (h *Hub) joinRoomLocked(client *Client, name string) bool {
	h.mu.Lock()
	room, ok := h.rooms[name]
	if !ok {
		room = NewRoom(h.log, h.metrics, name)
		h.rooms[name] = room
	}
	h.mu.Unlock()

	added := room.Join(client)
	if added {
		client.trackJoin(name)
	}
	return added
}

func (h *Hub) leaveRoom(client *Client, name string) {
	h.mu.Lock()
	room := h.rooms[name]
	h.mu.Unlock()

	if room == nil {
		client.trackLeave(name)
		return
	}

	remaining := room.Leave(client.SessionID)
	client.trackLeave(name)

	if remaining == 0 {
		h.mu.Lock()
		// Re-check under the lock: a concurrent join may have repopulated it.
		if r, ok := h.rooms[name]; ok && r.Len() == 0 {
			delete(h.rooms, name)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) mirrorOnline(ctx context.Context, userID string) {
	if h.mirror == nil {
		return
	}
	if err := h.mirror.UserOnline(ctx, userID); err != nil {
		h.log.Warn("presence.mirror.online.fail", "user_id", userID, "err", err)
	}
}

func (h *Hub) mirrorOffline(ctx context.Context, userID string) {
	if h.mirror == nil {
		return
	}
	if err := h.mirror.UserOffline(ctx, userID); err != nil {
		h.log.Warn("presence.mirror.offline.fail", "user_id", userID, "err", err)
	}
}

func (h *Hub) statusEnvelope(userID string, online bool) v1.Envelope {
	payload, _ := json.Marshal(v1.UserStatusPayload{UserID: userID, Online: online})
	return newEnvelope(v1.TypeUserStatus, payload, time.Now().UTC())
}

// newEnvelope wraps a marshaled payload in a v1 envelope with a fresh id.
func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}
