package ws

import (
	"github.com/learnex/messaging/internal/model"
)

type EventType string

// Client to server.
const (
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
)

// Server to client.
const (
	EventNewMessage     EventType = "new_message"
	EventCatchUp        EventType = "catch_up"
	EventUserTyping     EventType = "user_typing"
	EventUserStopTyping EventType = "user_stop_typing"
	EventNotification   EventType = "notification"
	EventError          EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`

	// Checkpoint for catch-up on join: the last message id this client has
	// seen in the conversation. Empty means no catch-up.
	LastSeenMessageID string `json:"last_seen_message_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// CatchUpPayload carries the messages a rejoining client missed.
type CatchUpPayload struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

// TypingPayload is relayed while a user is typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
}

// ErrorPayload is sent for protocol-level failures.
type ErrorPayload struct {
	Message string `json:"message"`
}
