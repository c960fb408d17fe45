package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/learnex/messaging/internal/middleware"
	"github.com/learnex/messaging/internal/repository"
)

type NotificationHandler struct {
	repo *repository.NotificationRepository
}

func NewNotificationHandler(repo *repository.NotificationRepository) *NotificationHandler {
	return &NotificationHandler{repo: repo}
}

func (h *NotificationHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}
	limit := queryInt(r, "limit", 50)
	notifications, err := h.repo.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, "notification.ListForUser", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// MarkRead marks one notification as read. Scoped to the session user so a
// caller cannot mark someone else's notification.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.repo.MarkRead(r.Context(), id, currentUserID); err != nil {
		writeServiceError(w, "notification.MarkRead", err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}
