package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/model"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, kind, related_id, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.Title, n.Message, n.Kind, n.RelatedID, n.IsRead, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.Create: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, title, message, kind, COALESCE(related_id, ''), is_read, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	notifs := make([]model.Notification, 0, limit)
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Kind, &n.RelatedID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notifRepo.ListByUser scan: %w", err)
		}
		notifs = append(notifs, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser rows: %w", err)
	}
	return notifs, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("notif.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	return nil
}

// CreateOutboxEntry writes a pending notification for events without a
// message fan-out, like a participant being removed.
func (r *NotificationRepository) CreateOutboxEntry(ctx context.Context, e *model.OutboxEntry) error {
	defer logger.DeferLogDuration("notif.CreateOutboxEntry", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notification_outbox (recipient_id, title, message, kind, related_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.RecipientID, e.Title, e.Message, e.Kind, e.RelatedID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.CreateOutboxEntry: %w", err)
	}
	return nil
}

// UnprocessedBatch returns the oldest pending outbox entries. The worker marks
// entries processed one by one after delivering; entries left unmarked are
// retried on the next poll.
func (r *NotificationRepository) UnprocessedBatch(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	defer logger.DeferLogDuration("notif.UnprocessedBatch", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, recipient_id, title, message, kind, COALESCE(related_id, ''), created_at
		 FROM notification_outbox
		 WHERE processed_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.UnprocessedBatch query: %w", err)
	}
	defer rows.Close()

	entries := make([]model.OutboxEntry, 0, limit)
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.Title, &e.Message, &e.Kind, &e.RelatedID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("notifRepo.UnprocessedBatch scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.UnprocessedBatch rows: %w", err)
	}
	return entries, nil
}

func (r *NotificationRepository) MarkProcessed(ctx context.Context, id int64) error {
	defer logger.DeferLogDuration("notif.MarkProcessed", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox SET processed_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.MarkProcessed: %w", err)
	}
	return nil
}
