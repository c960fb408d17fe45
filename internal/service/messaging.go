// Package service holds the messaging business logic: conversation lifecycle,
// participant-gated reads and writes, read tracking and notification fan-out.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/repository"
)

// ErrNotAuthorized is returned when the actor is not a participant of the
// conversation, or lacks the admin role for the operation.
var ErrNotAuthorized = errors.New("not authorized")

// notificationPreviewLen caps the content preview embedded in notifications.
const notificationPreviewLen = 50

// ConversationStore is the slice of the conversation repository the service uses.
type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	AddParticipant(ctx context.Context, p *model.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	GetParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetParticipantRole(ctx context.Context, conversationID, userID string) (string, error)
	GetUserConversationSummaries(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

// MessageStore is the slice of the message repository the service uses.
type MessageStore interface {
	CreateWithFanout(ctx context.Context, m *model.Message, entries []model.OutboxEntry) error
	GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	MarkAsRead(ctx context.Context, conversationID, userID string) error
	SearchMessages(ctx context.Context, userID, query string, limit int) ([]model.Message, error)
	GetUserStats(ctx context.Context, userID string) (*repository.UserActivityStats, error)
}

// UserStore resolves senders and recipients.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// NotificationStore writes pending notifications for events that carry no
// message fan-out, such as being removed from a conversation.
type NotificationStore interface {
	CreateOutboxEntry(ctx context.Context, e *model.OutboxEntry) error
}

// Broadcaster pushes events to connected clients. The hub implements it;
// broadcast happens only after the transaction committed.
type Broadcaster interface {
	NewMessage(m *model.Message)
}

type Messaging struct {
	convs  ConversationStore
	msgs   MessageStore
	users  UserStore
	notifs NotificationStore
	rt     Broadcaster
}

func NewMessaging(convs ConversationStore, msgs MessageStore, users UserStore, notifs NotificationStore, rt Broadcaster) *Messaging {
	return &Messaging{convs: convs, msgs: msgs, users: users, notifs: notifs, rt: rt}
}

// CreateConversation creates a conversation with the creator as admin and the
// given users as members. Participant IDs are de-duplicated before insert.
func (s *Messaging) CreateConversation(ctx context.Context, title string, convType model.ConversationType, creatorID string, participantIDs []string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("messaging.CreateConversation", time.Now())()
	if convType != model.ConversationTypePrivate && convType != model.ConversationTypeGroup {
		return nil, fmt.Errorf("invalid conversation type %q", convType)
	}
	if _, err := s.users.GetByID(ctx, creatorID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Type:      convType,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, err
	}

	creator := &model.Participant{
		ConversationID: conv.ID,
		UserID:         creatorID,
		Role:           model.ParticipantRoleAdmin,
		JoinedAt:       now,
	}
	if err := s.convs.AddParticipant(ctx, creator); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{creatorID: {}}
	for _, uid := range participantIDs {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		member := &model.Participant{
			ConversationID: conv.ID,
			UserID:         uid,
			Role:           model.ParticipantRoleMember,
			JoinedAt:       now,
		}
		if err := s.convs.AddParticipant(ctx, member); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// GetUserConversations lists the user's conversations annotated with
// participant count, last message and unread count, most recent activity first.
func (s *Messaging) GetUserConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	defer logger.DeferLogDuration("messaging.GetUserConversations", time.Now())()
	return s.convs.GetUserConversationSummaries(ctx, userID)
}

// GetConversation returns a single conversation, membership-gated.
func (s *Messaging) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("messaging.GetConversation", time.Now())()
	isMember, err := s.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAuthorized
	}
	return s.convs.GetByID(ctx, conversationID)
}

// SendMessage persists a message from a participant, fans out pending
// notifications to every other participant in the same transaction, then
// broadcasts to the conversation's room. Returns the message enriched with
// the sender's public profile.
func (s *Messaging) SendMessage(ctx context.Context, conversationID, senderID, content string, msgType model.MessageType, filePath string) (*model.Message, error) {
	defer logger.DeferLogDuration("messaging.SendMessage", time.Now())()
	isMember, err := s.convs.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAuthorized
	}

	sender, err := s.users.GetByID(ctx, senderID)
	if err != nil {
		return nil, err
	}

	if msgType == "" {
		msgType = model.MessageTypeText
	}
	now := time.Now().UTC()
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		FilePath:       filePath,
		SentAt:         now,
	}

	participantIDs, err := s.convs.GetParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	entries := make([]model.OutboxEntry, 0, len(participantIDs))
	for _, uid := range participantIDs {
		if uid == senderID {
			continue
		}
		entries = append(entries, model.OutboxEntry{
			RecipientID: uid,
			Title:       sender.DisplayName,
			Message:     truncatePreview(content, notificationPreviewLen),
			Kind:        model.NotificationKindMessage,
			RelatedID:   conversationID,
			CreatedAt:   now,
		})
	}

	if err := s.msgs.CreateWithFanout(ctx, m, entries); err != nil {
		return nil, err
	}

	pub := sender.ToPublic()
	m.Sender = &pub
	s.rt.NewMessage(m)
	return m, nil
}

// GetMessages returns up to limit messages oldest-first, skipping offset from
// the newest end. Membership-gated.
func (s *Messaging) GetMessages(ctx context.Context, conversationID, userID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("messaging.GetMessages", time.Now())()
	isMember, err := s.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAuthorized
	}

	if limit <= 0 {
		limit = 50
	}
	messages, err := s.msgs.GetConversationMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	// Stored newest-first; callers always see oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkAsRead adds the user to the read-set of every message in the
// conversation not sent by them. Idempotent.
func (s *Messaging) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("messaging.MarkAsRead", time.Now())()
	isMember, err := s.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotAuthorized
	}
	return s.msgs.MarkAsRead(ctx, conversationID, userID)
}

// AddParticipant adds a user to the conversation. Only a participant holding
// the admin role may add; the added user gets a notification and the room gets
// a system message.
func (s *Messaging) AddParticipant(ctx context.Context, conversationID, userID, addedBy string) error {
	defer logger.DeferLogDuration("messaging.AddParticipant", time.Now())()
	role, err := s.convs.GetParticipantRole(ctx, conversationID, addedBy)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAuthorized
		}
		return err
	}
	if role != model.ParticipantRoleAdmin {
		return ErrNotAuthorized
	}

	added, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	actor, err := s.users.GetByID(ctx, addedBy)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	p := &model.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           model.ParticipantRoleMember,
		JoinedAt:       now,
	}
	if err := s.convs.AddParticipant(ctx, p); err != nil {
		return err
	}

	sysMsg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       addedBy,
		Content:        actor.DisplayName + " added " + added.DisplayName + " to the conversation",
		Type:           model.MessageTypeSystem,
		SentAt:         now,
	}
	entry := model.OutboxEntry{
		RecipientID: userID,
		Title:       actor.DisplayName,
		Message:     "added you to a conversation",
		Kind:        model.NotificationKindConversationAdded,
		RelatedID:   conversationID,
		CreatedAt:   now,
	}
	if err := s.msgs.CreateWithFanout(ctx, sysMsg, []model.OutboxEntry{entry}); err != nil {
		// The membership row is already in; the missing system message is
		// cosmetic. Log and report success.
		logger.Errorf("addParticipant system message conversation=%s: %v", conversationID, err)
		return nil
	}
	actorPub := actor.ToPublic()
	sysMsg.Sender = &actorPub
	s.rt.NewMessage(sysMsg)
	return nil
}

// RemoveParticipant removes a user from the conversation. Admins may remove
// anyone; a member may only remove themselves (leave). An admin removal also
// notifies the removed user, who no longer sees the room's system message.
func (s *Messaging) RemoveParticipant(ctx context.Context, conversationID, userID, removedBy string) error {
	defer logger.DeferLogDuration("messaging.RemoveParticipant", time.Now())()
	role, err := s.convs.GetParticipantRole(ctx, conversationID, removedBy)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAuthorized
		}
		return err
	}
	if role != model.ParticipantRoleAdmin && removedBy != userID {
		return ErrNotAuthorized
	}

	if err := s.convs.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	// The membership row is gone; everything below is announcement. Failures
	// are logged and the removal still reports success.
	now := time.Now().UTC()
	actor, err := s.users.GetByID(ctx, removedBy)
	if err != nil {
		logger.Errorf("removeParticipant actor lookup conversation=%s user=%s: %v", conversationID, removedBy, err)
		return nil
	}
	removed := actor
	if removedBy != userID {
		entry := model.OutboxEntry{
			RecipientID: userID,
			Title:       actor.DisplayName,
			Message:     "removed you from a conversation",
			Kind:        model.NotificationKindConversationRemoved,
			RelatedID:   conversationID,
			CreatedAt:   now,
		}
		if err := s.notifs.CreateOutboxEntry(ctx, &entry); err != nil {
			logger.Errorf("removeParticipant notification conversation=%s: %v", conversationID, err)
		}
		if removed, err = s.users.GetByID(ctx, userID); err != nil {
			logger.Errorf("removeParticipant removed lookup conversation=%s user=%s: %v", conversationID, userID, err)
			return nil
		}
	}
	content := removed.DisplayName + " left the conversation"
	if removedBy != userID {
		content = actor.DisplayName + " removed " + removed.DisplayName + " from the conversation"
	}
	sysMsg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       removedBy,
		Content:        content,
		Type:           model.MessageTypeSystem,
		SentAt:         now,
	}
	if err := s.msgs.CreateWithFanout(ctx, sysMsg, nil); err != nil {
		logger.Errorf("removeParticipant system message conversation=%s: %v", conversationID, err)
		return nil
	}
	actorPub := actor.ToPublic()
	sysMsg.Sender = &actorPub
	s.rt.NewMessage(sysMsg)
	return nil
}

// GetParticipants lists the conversation's participants, membership-gated.
func (s *Messaging) GetParticipants(ctx context.Context, conversationID, userID string) ([]model.Participant, error) {
	defer logger.DeferLogDuration("messaging.GetParticipants", time.Now())()
	isMember, err := s.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAuthorized
	}
	return s.convs.GetParticipants(ctx, conversationID)
}

// SearchMessages does a substring search over message content and conversation
// titles, restricted to the user's conversations.
func (s *Messaging) SearchMessages(ctx context.Context, userID, query string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("messaging.SearchMessages", time.Now())()
	if query == "" {
		return []model.Message{}, nil
	}
	if limit <= 0 {
		limit = 30
	}
	return s.msgs.SearchMessages(ctx, userID, query, limit)
}

// UserStats returns the user's messaging activity metrics.
func (s *Messaging) UserStats(ctx context.Context, userID string) (*repository.UserActivityStats, error) {
	defer logger.DeferLogDuration("messaging.UserStats", time.Now())()
	return s.msgs.GetUserStats(ctx, userID)
}

func truncatePreview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
