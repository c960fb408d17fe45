package model

import "time"

// Notification kinds produced by the messaging subsystem.
const (
	NotificationKindMessage             = "message"
	NotificationKindConversationAdded   = "conversation_added"
	NotificationKindConversationRemoved = "conversation_removed"
)

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"type"`
	RelatedID string    `json:"related_id,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboxEntry is a pending notification written in the same transaction as the
// event that caused it. A worker drains unprocessed entries into notifications
// and push delivery, so fan-out survives process crashes without ever blocking
// or failing the send path.
type OutboxEntry struct {
	ID          int64      `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Kind        string     `json:"kind"`
	RelatedID   string     `json:"related_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
