package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/learnex/messaging/internal/middleware"
	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/service"
)

type ConversationHandler struct {
	svc *service.Messaging
}

func NewConversationHandler(svc *service.Messaging) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

type CreateConversationRequest struct {
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	ParticipantIDs []string `json:"participant_ids"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	conv, err := h.svc.CreateConversation(r.Context(), req.Title, model.ConversationType(req.Type), currentUserID, req.ParticipantIDs)
	if err != nil {
		writeServiceError(w, "conversation.Create", err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"conversation": conv})
}

// ListForUser returns the caller's conversations with last message and unread
// count. The path userId must be the session user.
func (h *ConversationHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}
	summaries, err := h.svc.GetUserConversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "conversation.ListForUser", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())
	conv, err := h.svc.GetConversation(r.Context(), conversationID, currentUserID)
	if err != nil {
		writeServiceError(w, "conversation.Get", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (h *ConversationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.svc.MarkAsRead(r.Context(), conversationID, currentUserID); err != nil {
		writeServiceError(w, "conversation.MarkAsRead", err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type AddParticipantRequest struct {
	UserID string `json:"user_id"`
}

func (h *ConversationHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	conversationID := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.svc.AddParticipant(r.Context(), conversationID, req.UserID, currentUserID); err != nil {
		writeServiceError(w, "conversation.AddParticipant", err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userId")
	currentUserID := middleware.GetUserID(r.Context())
	if err := h.svc.RemoveParticipant(r.Context(), conversationID, userID, currentUserID); err != nil {
		writeServiceError(w, "conversation.RemoveParticipant", err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (h *ConversationHandler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())
	participants, err := h.svc.GetParticipants(r.Context(), conversationID, currentUserID)
	if err != nil {
		writeServiceError(w, "conversation.GetParticipants", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"participants": participants})
}
