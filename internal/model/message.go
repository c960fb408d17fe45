package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message is immutable once persisted; only its read-set (message_reads rows)
// grows afterwards.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
	FilePath       string      `json:"file_path,omitempty"`
	SentAt         time.Time   `json:"sent_at"`
	Sender         *UserPublic `json:"sender,omitempty"`
	ReadBy         []string    `json:"read_by,omitempty"`
}
