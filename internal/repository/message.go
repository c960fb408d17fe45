package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/model"
)

const messageCols = `m.id, m.conversation_id, m.sender_id, m.content, m.message_type, m.file_path, m.sent_at,
	        u.id, u.username, u.display_name, u.role, u.avatar_url, u.is_online,
	        (SELECT COALESCE(array_agg(mr.user_id::text), '{}') FROM message_reads mr WHERE mr.message_id = m.id)`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }) (model.Message, error) {
	var m model.Message
	sender := &model.UserPublic{}
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.FilePath, &m.SentAt,
		&sender.ID, &sender.Username, &sender.DisplayName, &sender.Role, &sender.AvatarURL, &sender.IsOnline,
		&m.ReadBy)
	if err != nil {
		return m, err
	}
	m.Sender = sender
	return m, nil
}

// CreateWithFanout persists a message, bumps the conversation's updated
// timestamp and writes one outbox row per recipient, all in one transaction.
// Either everything lands or nothing does: a crash can never leave a message
// without its pending notifications.
func (r *MessageRepository) CreateWithFanout(ctx context.Context, m *model.Message, entries []model.OutboxEntry) error {
	defer logger.DeferLogDuration("msg.CreateWithFanout", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.CreateWithFanout begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, message_type, file_path, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.FilePath, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.CreateWithFanout insert: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, m.SentAt, m.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.CreateWithFanout touch: %w", err)
	}

	for _, e := range entries {
		_, err = tx.Exec(ctx,
			`INSERT INTO notification_outbox (recipient_id, title, message, kind, related_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.RecipientID, e.Title, e.Message, e.Kind, e.RelatedID, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("msgRepo.CreateWithFanout outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.CreateWithFanout commit: %w", err)
	}
	return nil
}

// GetConversationMessages returns messages newest-first. The service layer
// reverses the page so callers always see oldest-first.
func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.sent_at DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}

// GetMessagesAfter returns messages sent strictly after the given message,
// oldest-first. Used for catch-up when a client rejoins a room with a
// last-seen checkpoint.
func (r *MessageRepository) GetMessagesAfter(ctx context.Context, conversationID, afterMessageID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMessagesAfter", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		   AND m.sent_at > (SELECT sent_at FROM messages WHERE id = $2)
		 ORDER BY m.sent_at ASC
		 LIMIT $3`, conversationID, afterMessageID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetMessagesAfter query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.GetMessagesAfter scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetMessagesAfter rows: %w", err)
	}
	return messages, nil
}

// MarkAsRead inserts read receipts for every message in the conversation not
// sent by the user. Insert-only with ON CONFLICT: the read-set only grows and
// re-marking is a no-op.
func (r *MessageRepository) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("msg.MarkAsRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $2, $3 FROM messages m
		 WHERE m.conversation_id = $1 AND m.sender_id != $2
		 ON CONFLICT DO NOTHING`,
		conversationID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkAsRead: %w", err)
	}
	return nil
}

// SearchMessages matches content or conversation title, restricted to
// conversations the user participates in. Newest first.
func (r *MessageRepository) SearchMessages(ctx context.Context, userID, query string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.SearchMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 JOIN conversations c ON c.id = m.conversation_id
		 JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id = $1
		 WHERE m.content ILIKE '%' || $2 || '%' OR c.title ILIKE '%' || $2 || '%'
		 ORDER BY m.sent_at DESC
		 LIMIT $3`, userID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.SearchMessages query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.SearchMessages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.SearchMessages rows: %w", err)
	}
	return msgs, nil
}

// UserActivityStats contains aggregated messaging activity metrics.
type UserActivityStats struct {
	MessagesToday  int     `json:"messages_today"`
	MessagesWeek   int     `json:"messages_week"`
	AvgResponseSec float64 `json:"avg_response_sec"`
}

// GetUserStats calculates activity stats for a user.
func (r *MessageRepository) GetUserStats(ctx context.Context, userID string) (*UserActivityStats, error) {
	defer logger.DeferLogDuration("msg.GetUserStats", time.Now())()
	stats := &UserActivityStats{}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE sender_id = $1 AND sent_at >= CURRENT_DATE`, userID,
	).Scan(&stats.MessagesToday)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetUserStats today: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE sender_id = $1 AND sent_at >= CURRENT_DATE - INTERVAL '7 days'`, userID,
	).Scan(&stats.MessagesWeek)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetUserStats week: %w", err)
	}

	// Average response time: for each recent message from this user, the gap to
	// the previous message in the same conversation from someone else.
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(diff), 0) FROM (
			SELECT EXTRACT(EPOCH FROM (m.sent_at - prev.sent_at)) AS diff
			FROM messages m
			JOIN LATERAL (
				SELECT sent_at FROM messages p
				WHERE p.conversation_id = m.conversation_id
				  AND p.sender_id != m.sender_id
				  AND p.sent_at < m.sent_at
				ORDER BY p.sent_at DESC
				LIMIT 1
			) prev ON true
			WHERE m.sender_id = $1
			  AND m.sent_at >= CURRENT_DATE - INTERVAL '7 days'
			LIMIT 100
		) sub
		WHERE diff > 0 AND diff < 86400`, userID,
	).Scan(&stats.AvgResponseSec)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetUserStats avgResp: %w", err)
	}

	return stats, nil
}
