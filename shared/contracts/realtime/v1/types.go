// Package v1 defines the Pitchroom Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin binds a connection to its owning user and personal room (client -> server).
	TypeJoin = "join"
	// TypeJoinAck acknowledges the join and carries the server session id (server -> client).
	TypeJoinAck = "join_ack"

	// TypeConversationJoin joins a conversation room (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave leaves a conversation room (client -> server).
	TypeConversationLeave = "conversation_leave"

	// TypeMessageSend asks the hub to relay an already-persisted message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageNew delivers a relayed message to conversation room members (server -> client).
	TypeMessageNew = "message_new"
	// TypeMessageNotification delivers a message to the recipient's personal room
	// so closed chat windows still surface unread badges (server -> client).
	TypeMessageNotification = "message_notification"

	// TypeTyping reports a typing state change (client -> server).
	TypeTyping = "typing"
	// TypeUserTyping relays a typing state change to the rest of the room (server -> client).
	TypeUserTyping = "user_typing"

	// TypeMarkRead reports that a user has seen a conversation (client -> server).
	TypeMarkRead = "mark_read"
	// TypeMessagesRead relays a read receipt to the rest of the room (server -> client).
	TypeMessagesRead = "messages_read"

	// TypeUserStatus announces an online/offline presence transition (server -> client).
	TypeUserStatus = "user_status"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeJoinAck,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageNew,
		TypeMessageNotification,
		TypeTyping,
		TypeUserTyping,
		TypeMarkRead,
		TypeMessagesRead,
		TypeUserStatus,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ImageRef is a single image attachment (already uploaded, URL only).
type ImageRef struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Message is the wire representation of a persisted chat message.
//
// Invariant: Content or Image must be present (a message is never empty).
// ReadBy starts as {sender} and only ever grows.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content,omitempty"`
	Image          *ImageRef `json:"image,omitempty"`
	ReadBy         []string  `json:"read_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the message content invariant and required references.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message: missing id")
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return errors.New("message: missing conversation_id")
	}
	if strings.TrimSpace(m.Sender) == "" {
		return errors.New("message: missing sender")
	}
	if strings.TrimSpace(m.Content) == "" && (m.Image == nil || strings.TrimSpace(m.Image.URL) == "") {
		return errors.New("message: content or image required")
	}
	return nil
}

// JoinPayload binds the connection to a user identity.
// Authentication happens before the socket is opened; the id is trusted here.
type JoinPayload struct {
	UserID string `json:"user_id"`
}

// JoinAckPayload carries the server-assigned session id back to the client.
type JoinAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationJoinPayload requests membership in a conversation room.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationLeavePayload requests leaving a conversation room.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload asks the hub to relay a message that the caller has
// already written durably. RecipientID addresses the personal-room
// notification for the other participant.
type MessageSendPayload struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
	RecipientID    string  `json:"recipient_id"`
}

// MessageNewPayload is relayed to the other members of a conversation room.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// MessageNotificationPayload is relayed to the recipient's personal room.
type MessageNotificationPayload struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// TypingPayload reports a typing state change inside a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// MarkReadPayload reports that UserID has seen ConversationID.
// The durable read-state update happens out-of-band via the store.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// MessagesReadPayload relays a read receipt to the rest of the room.
type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// UserStatusPayload announces a presence edge transition.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
