package model

import "time"

type ConversationType string

const (
	ConversationTypePrivate ConversationType = "private"
	ConversationTypeGroup   ConversationType = "group"
)

// Participant roles within a conversation. The creator is always admin.
const (
	ParticipantRoleAdmin  = "admin"
	ParticipantRoleMember = "member"
)

type Conversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Type      ConversationType `json:"type"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
	User           *UserPublic `json:"user,omitempty"`
}

// ConversationSummary is a conversation annotated for list views: participant
// count, last message preview and the caller's unread count.
type ConversationSummary struct {
	Conversation     Conversation `json:"conversation"`
	ParticipantCount int          `json:"participant_count"`
	LastMessage      *Message     `json:"last_message,omitempty"`
	UnreadCount      int          `json:"unread_count"`
}
