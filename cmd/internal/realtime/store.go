package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// Store errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSameParticipant      = errors.New("conversation requires two distinct participants")
	ErrEmptyMessage         = errors.New("message requires content or an image")
)

// Conversation is a persisted two-party chat thread.
//
// Participants is an unordered pair: lookups by (a, b) and (b, a) must find
// the same conversation, and at most one conversation exists per pair.
// Conversations are created lazily on first contact and never deleted here.
type Conversation struct {
	ID            string
	Participants  [2]string
	LastMessageID string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// Includes reports whether userID is one of the two participants.
func (c Conversation) Includes(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other returns the participant that is not userID ("" if userID is neither).
func (c Conversation) Other(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

// Image is a single uploaded image attachment.
type Image struct {
	URL string
	Alt string
}

// Message is a persisted chat message. Immutable after creation except for
// the ReadBy set, which starts as {sender} and only ever grows.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Content        string
	Image          *Image
	ReadBy         []string
	CreatedAt      time.Time
}

// ReadByUser reports whether userID is in the reader set.
func (m Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}

// Wire converts the stored message to its wire representation.
func (m Message) Wire() v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		ReadBy:         append([]string(nil), m.ReadBy...),
		CreatedAt:      m.CreatedAt,
	}
	if m.Image != nil {
		out.Image = &v1.ImageRef{URL: m.Image.URL, Alt: m.Image.Alt}
	}
	return out
}

// MessageFromWire converts a wire message into the stored representation.
func MessageFromWire(m v1.Message) Message {
	out := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		ReadBy:         append([]string(nil), m.ReadBy...),
		CreatedAt:      m.CreatedAt,
	}
	if m.Image != nil {
		out.Image = &Image{URL: m.Image.URL, Alt: m.Image.Alt}
	}
	return out
}

// CreateMessageInput describes a message create request.
// ID is optional: senders that need optimistic-echo dedupe supply their own
// (ULID); otherwise the store assigns one.
type CreateMessageInput struct {
	ID             string
	ConversationID string
	Sender         string
	Content        string
	Image          *Image
	Now            time.Time
}

func (in CreateMessageInput) validate() error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return errors.New("missing conversation id")
	}
	if strings.TrimSpace(in.Sender) == "" {
		return errors.New("missing sender")
	}
	if strings.TrimSpace(in.Content) == "" && (in.Image == nil || strings.TrimSpace(in.Image.URL) == "") {
		return ErrEmptyMessage
	}
	return nil
}

// Store is the persisted conversation/message collaborator contract.
//
// Requirements:
//   - At most one conversation per unordered participant pair, under
//     concurrent CreateConversation calls.
//   - CreateMessage initializes ReadBy to {sender} and bumps the parent
//     conversation's last-message reference.
//   - AppendReader is append-only and idempotent.
//   - ListMessages is ordered by creation time ascending.
type Store interface {
	FindConversationByParticipants(ctx context.Context, userA, userB string) (Conversation, error)
	CreateConversation(ctx context.Context, userA, userB string) (Conversation, error)
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	AppendReader(ctx context.Context, messageID, userID string) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}

// pairKey normalizes an unordered participant pair into a stable lookup key.
func pairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "\x1f" + userB
}

func validateParticipants(userA, userB string) error {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return errors.New("missing participant id")
	}
	if userA == userB {
		return ErrSameParticipant
	}
	return nil
}
