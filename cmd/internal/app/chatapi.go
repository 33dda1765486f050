package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pitchroom/cmd/internal/realtime"
	v1 "pitchroom/shared/contracts/realtime/v1"
)

const chatAPIMaxBodyBytes = 256 << 10

// ChatAPI is the JSON surface for the durable chat state. Clients write
// through it first; the websocket hub only relays what is already stored.
type ChatAPI struct {
	log   Logger
	store realtime.Store
}

// NewChatAPI constructs the chat API over the given store.
func NewChatAPI(log Logger, store realtime.Store) *ChatAPI {
	return &ChatAPI{log: log, store: store}
}

// Register mounts the chat routes on mux.
func (c *ChatAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations", c.handleFindOrCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", c.handleListMessages)
	mux.HandleFunc("POST /api/messages", c.handleCreateMessage)
	mux.HandleFunc("POST /api/messages/{id}/readers", c.handleAppendReader)
}

type conversationResponse struct {
	ID            string   `json:"id"`
	Participants  []string `json:"participants"`
	LastMessageID string   `json:"last_message_id,omitempty"`
}

// handleFindOrCreateConversation resolves the single conversation for an
// unordered participant pair, creating it on first contact.
func (c *ChatAPI) handleFindOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserA string `json:"user_a"`
		UserB string `json:"user_b"`
	}
	if !c.decode(w, r, &in) {
		return
	}

	userA := strings.TrimSpace(in.UserA)
	userB := strings.TrimSpace(in.UserB)
	if userA == "" || userB == "" {
		c.writeError(w, http.StatusBadRequest, "missing participant id")
		return
	}

	conv, err := c.store.CreateConversation(r.Context(), userA, userB)
	if err != nil {
		c.storeError(w, "conversation.create", err)
		return
	}

	c.writeJSON(w, http.StatusOK, conversationResponse{
		ID:            conv.ID,
		Participants:  []string{conv.Participants[0], conv.Participants[1]},
		LastMessageID: conv.LastMessageID,
	})
}

func (c *ChatAPI) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	msgs, err := c.store.ListMessages(r.Context(), convID)
	if err != nil {
		c.storeError(w, "messages.list", err)
		return
	}

	out := struct {
		Messages []v1.Message `json:"messages"`
	}{Messages: make([]v1.Message, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, m.Wire())
	}
	c.writeJSON(w, http.StatusOK, out)
}

// handleCreateMessage persists a message. The client supplies its own id so a
// retried request returns the original row instead of duplicating.
func (c *ChatAPI) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var in v1.Message
	if !c.decode(w, r, &in) {
		return
	}
	if err := in.Validate(); err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored := realtime.MessageFromWire(in)
	msg, err := c.store.CreateMessage(r.Context(), realtime.CreateMessageInput{
		ID:             stored.ID,
		ConversationID: stored.ConversationID,
		Sender:         stored.Sender,
		Content:        stored.Content,
		Image:          stored.Image,
		Now:            stored.CreatedAt,
	})
	if err != nil {
		c.storeError(w, "message.create", err)
		return
	}

	c.writeJSON(w, http.StatusCreated, msg.Wire())
}

func (c *ChatAPI) handleAppendReader(w http.ResponseWriter, r *http.Request) {
	msgID := r.PathValue("id")

	var in struct {
		UserID string `json:"user_id"`
	}
	if !c.decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.UserID) == "" {
		c.writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	if err := c.store.AppendReader(r.Context(), msgID, strings.TrimSpace(in.UserID)); err != nil {
		c.storeError(w, "message.reader.append", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (c *ChatAPI) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, chatAPIMaxBodyBytes))
	if err := dec.Decode(out); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// storeError maps store errors to HTTP statuses, keeping internals opaque.
func (c *ChatAPI) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, realtime.ErrConversationNotFound),
		errors.Is(err, realtime.ErrMessageNotFound):
		c.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, realtime.ErrSameParticipant),
		errors.Is(err, realtime.ErrEmptyMessage):
		c.writeError(w, http.StatusBadRequest, err.Error())
	default:
		c.log.Error("chatapi.fail", "op", op, "err", err)
		c.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (c *ChatAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.Error("chatapi.encode.fail", "err", err)
	}
}

func (c *ChatAPI) writeError(w http.ResponseWriter, status int, msg string) {
	c.writeJSON(w, status, map[string]string{"error": msg})
}
