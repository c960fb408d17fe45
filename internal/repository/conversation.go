package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/model"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, conv_type, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Title, c.Type, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, conv_type, created_by, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.Type, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// AddParticipant inserts a membership row. A duplicate is a silent no-op:
// the table's composite primary key plus ON CONFLICT absorbs repeated IDs.
func (r *ConversationRepository) AddParticipant(ctx context.Context, p *model.Participant) error {
	defer logger.DeferLogDuration("conv.AddParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		p.ConversationID, p.UserID, p.Role, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddParticipant: %w", err)
	}
	return nil
}

func (r *ConversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conv.RemoveParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.RemoveParticipant: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	defer logger.DeferLogDuration("conv.GetParticipants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT cp.conversation_id, cp.user_id, cp.role, cp.joined_at,
		        u.id, u.username, u.display_name, u.role, u.avatar_url, u.is_online
		 FROM conversation_participants cp
		 JOIN users u ON u.id = cp.user_id
		 WHERE cp.conversation_id = $1
		 ORDER BY cp.joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipants query: %w", err)
	}
	defer rows.Close()

	participants := make([]model.Participant, 0, 8)
	for rows.Next() {
		var p model.Participant
		user := &model.UserPublic{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt,
			&user.ID, &user.Username, &user.DisplayName, &user.Role, &user.AvatarURL, &user.IsOnline); err != nil {
			return nil, fmt.Errorf("convRepo.GetParticipants scan: %w", err)
		}
		p.User = user
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipants rows: %w", err)
	}
	return participants, nil
}

func (r *ConversationRepository) GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipantIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) GetParticipantRole(ctx context.Context, conversationID, userID string) (string, error) {
	defer logger.DeferLogDuration("conv.GetParticipantRole", time.Now())()
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("convRepo.GetParticipantRole: %w", err)
	}
	return role, nil
}

// GetUserConversationSummaries returns every conversation the user participates
// in, annotated with participant count, last message and the user's unread
// count. Ordered by last-message time descending; conversations without
// messages come last.
func (r *ConversationRepository) GetUserConversationSummaries(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	defer logger.DeferLogDuration("conv.GetUserConversationSummaries", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.title, c.conv_type, c.created_by, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM conversation_participants pc WHERE pc.conversation_id = c.id),
		        (SELECT COUNT(*) FROM messages um
		         WHERE um.conversation_id = c.id AND um.sender_id != $1
		           AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = um.id AND mr.user_id = $1)),
		        lm.id, lm.sender_id, lm.content, lm.message_type, lm.sent_at, lm.display_name
		 FROM conversations c
		 JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $1
		 LEFT JOIN LATERAL (
		     SELECT m.id, m.sender_id, m.content, m.message_type, m.sent_at, u.display_name
		     FROM messages m
		     JOIN users u ON u.id = m.sender_id
		     WHERE m.conversation_id = c.id
		     ORDER BY m.sent_at DESC
		     LIMIT 1
		 ) lm ON true
		 ORDER BY lm.sent_at DESC NULLS LAST, c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversationSummaries query: %w", err)
	}
	defer rows.Close()

	summaries := make([]model.ConversationSummary, 0, 16)
	for rows.Next() {
		var s model.ConversationSummary
		var lmID, lmSender, lmContent, lmSenderName *string
		var lmType *model.MessageType
		var lmSentAt *time.Time
		if err := rows.Scan(&s.Conversation.ID, &s.Conversation.Title, &s.Conversation.Type,
			&s.Conversation.CreatedBy, &s.Conversation.CreatedAt, &s.Conversation.UpdatedAt,
			&s.ParticipantCount, &s.UnreadCount,
			&lmID, &lmSender, &lmContent, &lmType, &lmSentAt, &lmSenderName); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversationSummaries scan: %w", err)
		}
		if lmID != nil {
			s.LastMessage = &model.Message{
				ID:             *lmID,
				ConversationID: s.Conversation.ID,
				SenderID:       *lmSender,
				Content:        *lmContent,
				Type:           *lmType,
				SentAt:         *lmSentAt,
				Sender:         &model.UserPublic{ID: *lmSender, DisplayName: *lmSenderName},
			}
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversationSummaries rows: %w", err)
	}
	return summaries, nil
}
