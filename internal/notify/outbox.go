// Package notify drains the notification outbox. Recipients' pending rows are
// written in the same transaction as the message that caused them; this worker
// turns them into notification records, real-time events and web pushes.
// Delivery is decoupled from the send path: a failure here is logged and the
// row is retried on the next poll, the sender never sees it.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/model"
)

// OutboxStore is the slice of the notification repository the worker uses.
type OutboxStore interface {
	UnprocessedBatch(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	MarkProcessed(ctx context.Context, id int64) error
	Create(ctx context.Context, n *model.Notification) error
}

// Realtime pushes a notification event to the recipient's live connections.
type Realtime interface {
	Notify(n *model.Notification)
}

// Pusher sends a web push. Implementations must be best-effort; the worker
// never retries pushes for an already-processed entry.
type Pusher interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Worker struct {
	store     OutboxStore
	rt        Realtime
	push      Pusher
	interval  time.Duration
	batchSize int
}

func NewWorker(store OutboxStore, rt Realtime, push Pusher, interval time.Duration, batchSize int) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Worker{store: store, rt: rt, push: push, interval: interval, batchSize: batchSize}
}

// Run polls the outbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes at most one batch of pending entries. Exposed for the
// worker loop and tests.
func (w *Worker) DrainOnce(ctx context.Context) {
	entries, err := w.store.UnprocessedBatch(ctx, w.batchSize)
	if err != nil {
		logger.Errorf("outbox batch: %v", err)
		return
	}
	for i := range entries {
		if err := w.deliver(ctx, &entries[i]); err != nil {
			// Leave the row unprocessed; it is retried on the next poll.
			logger.Errorf("outbox deliver id=%d recipient=%s: %v", entries[i].ID, entries[i].RecipientID, err)
			continue
		}
		if err := w.store.MarkProcessed(ctx, entries[i].ID); err != nil {
			logger.Errorf("outbox mark processed id=%d: %v", entries[i].ID, err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, e *model.OutboxEntry) error {
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    e.RecipientID,
		Title:     e.Title,
		Message:   e.Message,
		Kind:      e.Kind,
		RelatedID: e.RelatedID,
		CreatedAt: e.CreatedAt,
	}
	if err := w.store.Create(ctx, n); err != nil {
		return err
	}

	if w.rt != nil {
		w.rt.Notify(n)
	}
	if w.push != nil {
		data := map[string]string{"kind": e.Kind}
		if e.RelatedID != "" {
			data["conversation_id"] = e.RelatedID
		}
		go w.push.Notify(context.WithoutCancel(ctx), e.RecipientID, e.Title, e.Message, data)
	}
	return nil
}
