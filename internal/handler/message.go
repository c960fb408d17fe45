package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/learnex/messaging/internal/middleware"
	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/service"
)

type MessageHandler struct {
	svc *service.Messaging
}

func NewMessageHandler(svc *service.Messaging) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	FilePath       string `json:"file_path"`
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if req.Content == "" && req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	msgType := model.MessageType(req.Type)
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	currentUserID := middleware.GetUserID(r.Context())
	msg, err := h.svc.SendMessage(r.Context(), req.ConversationID, currentUserID, req.Content, msgType, req.FilePath)
	if err != nil {
		writeServiceError(w, "message.Send", err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"message": msg})
}

// List returns a page of conversation history, oldest first within the page.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	messages, err := h.svc.GetMessages(r.Context(), conversationID, currentUserID, limit, offset)
	if err != nil {
		writeServiceError(w, "message.List", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	query := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 30)
	messages, err := h.svc.SearchMessages(r.Context(), currentUserID, query, limit)
	if err != nil {
		writeServiceError(w, "message.Search", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"messages": messages})
}

// Stats returns per-user activity counters. The path id must be the session
// user.
func (h *MessageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}
	stats, err := h.svc.UserStats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "message.Stats", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"stats": stats})
}
