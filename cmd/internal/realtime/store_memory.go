package realtime

import (
	"context"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is the in-process Store used for dev and tests.
//
// It keeps per-conversation message slices in insertion order, which is also
// creation-time order because all writes are serialized by one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*Conversation // conversation id -> conversation
	byPair  map[string]string        // normalized pair key -> conversation id
	msgs    map[string][]*Message    // conversation id -> ordered messages
	msgHome map[string]string        // message id -> conversation id
}

// NewMemoryStore constructs an empty in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[string]*Conversation),
		byPair:  make(map[string]string),
		msgs:    make(map[string][]*Message),
		msgHome: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// FindConversationByParticipants looks a conversation up by unordered pair.
func (s *MemoryStore) FindConversationByParticipants(ctx context.Context, userA, userB string) (Conversation, error) {
	if err := validateParticipants(userA, userB); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey(userA, userB)]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return *s.convs[id], nil
}

// CreateConversation creates the conversation for the pair, or returns the
// existing one: the unordered pair is unique by construction and concurrent
// creators converge on a single thread.
func (s *MemoryStore) CreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	if err := validateParticipants(userA, userB); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userA, userB)
	if id, ok := s.byPair[key]; ok {
		return *s.convs[id], nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:           NewMessageID(now),
		Participants: [2]string{userA, userB},
		CreatedAt:    now,
	}
	s.convs[conv.ID] = conv
	s.byPair[key] = conv.ID
	return *conv, nil
}

// CreateMessage appends a message to an existing conversation.
// ReadBy is initialized to {sender}; the parent conversation's last-message
// reference is bumped.
func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if err := in.validate(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}

	id := in.ID
	if id == "" {
		id = NewMessageID(now)
	}
	if home, exists := s.msgHome[id]; exists {
		// Idempotent create: the sender retried with the same id.
		for _, m := range s.msgs[home] {
			if m.ID == id {
				return cloneMessage(m), nil
			}
		}
	}

	msg := &Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Content:        in.Content,
		ReadBy:         []string{in.Sender},
		CreatedAt:      now,
	}
	if in.Image != nil {
		img := *in.Image
		msg.Image = &img
	}

	s.msgs[conv.ID] = append(s.msgs[conv.ID], msg)
	s.msgHome[msg.ID] = conv.ID
	conv.LastMessageID = msg.ID
	conv.LastMessageAt = now

	// Bound memory to avoid unbounded growth in dev.
	if over := len(s.msgs[conv.ID]) - memMaxMessagesPerConversation; over > 0 {
		for _, old := range s.msgs[conv.ID][:over] {
			delete(s.msgHome, old.ID)
		}
		s.msgs[conv.ID] = s.msgs[conv.ID][over:]
	}

	return cloneMessage(msg), nil
}

// AppendReader adds userID to the message's reader set (append-only,
// idempotent).
func (s *MemoryStore) AppendReader(ctx context.Context, messageID, userID string) error {
	if messageID == "" || userID == "" {
		return ErrMessageNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.msgHome[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	for _, m := range s.msgs[convID] {
		if m.ID != messageID {
			continue
		}
		if !m.ReadByUser(userID) {
			m.ReadBy = append(m.ReadBy, userID)
		}
		return nil
	}
	return ErrMessageNotFound
}

// ListMessages returns the conversation's messages in creation order.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrConversationNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	src := s.msgs[conversationID]
	out := make([]Message, 0, len(src))
	for _, m := range src {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func cloneMessage(m *Message) Message {
	out := *m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Image != nil {
		img := *m.Image
		out.Image = &img
	}
	return out
}
