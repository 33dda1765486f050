package session

import (
	"context"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// Conversation is the client-side projection of a persisted conversation.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
}

// Store is the durable collaborator a Session writes through. The hub only
// relays; everything that must survive a reload goes through here first.
type Store interface {
	// FindOrCreateConversation resolves the single conversation for the
	// unordered pair, creating it on first contact.
	FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error)
	// ListMessages returns the conversation history in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error)
	// CreateMessage persists a message. Retrying with the same id must return
	// the original instead of duplicating.
	CreateMessage(ctx context.Context, msg v1.Message) (v1.Message, error)
	// AppendReader adds userID to the message's reader set (idempotent).
	AppendReader(ctx context.Context, messageID, userID string) error
}
