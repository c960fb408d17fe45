package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/middleware"
	"github.com/learnex/messaging/internal/repository"
	"github.com/learnex/messaging/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	userRepo       *repository.UserRepository
	allowedOrigins string
}

// NewWSHandler creates the WebSocket handler. allowedOrigins uses the CORS
// format (comma-separated or "*").
func NewWSHandler(hub *ws.Hub, userRepo *repository.UserRepository, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, userRepo: userRepo, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Display name rides along for typing relays.
	userName := userID
	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		userName = u.DisplayName
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	logger.Infof("ws connect user=%s session=%s", userID,
		middleware.MaskSessionID(middleware.GetSessionID(r.Context())))

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID, userName)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
