package ws

import (
	"context"
	"sync"
	"time"

	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/model"
)

// catchUpLimit caps how many missed messages a rejoining client receives in
// one catch-up batch; anything older must be backfilled over HTTP.
const catchUpLimit = 200

// MembershipStore answers whether a user may subscribe to a conversation.
type MembershipStore interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// HistoryStore supplies missed messages for catch-up on join.
type HistoryStore interface {
	GetMessagesAfter(ctx context.Context, conversationID, afterMessageID string, limit int) ([]model.Message, error)
}

// PresenceStore records online/offline transitions.
type PresenceStore interface {
	SetOnline(ctx context.Context, id string, online bool) error
}

// Hub maintains one logical room per conversation. Clients join a room when
// they open the conversation and leave when they navigate away; broadcasts go
// to current room subscribers only. There is no replay beyond the explicit
// catch-up on join and no delivery acknowledgement.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	byUser   map[string]map[*Client]struct{}
	total    int
	maxConns int

	membership MembershipStore
	history    HistoryStore
	presence   PresenceStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(membership MembershipStore, history HistoryStore, presence PresenceStore, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		membership: membership,
		history:    history,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.byUser {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.byUser = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.byUser[c.userID]; !ok {
		h.byUser[c.userID] = make(map[*Client]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.byUser[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.byUser, c.userID)
	}
	for roomID := range c.rooms {
		h.leaveRoomLocked(roomID, c)
	}
	c.rooms = make(map[string]struct{})
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoinConversation:
		h.handleJoin(ctx, c, msg)
	case EventLeaveConversation:
		h.handleLeave(c, msg)
	case EventTypingStart:
		h.handleTyping(c, msg, EventUserTyping)
	case EventTypingStop:
		h.handleTyping(c, msg, EventUserStopTyping)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "unknown event type"}})
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	if msg.ConversationID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "conversation_id required"}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.membership.IsParticipant(ctx, msg.ConversationID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership conversation=%s user=%s: %v", msg.ConversationID, c.userID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "internal error"}})
		return
	}
	if !isMember {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "not a participant"}})
		return
	}

	h.mu.Lock()
	if _, ok := h.rooms[msg.ConversationID]; !ok {
		h.rooms[msg.ConversationID] = make(map[*Client]struct{})
	}
	h.rooms[msg.ConversationID][c] = struct{}{}
	c.rooms[msg.ConversationID] = struct{}{}
	h.mu.Unlock()

	if msg.LastSeenMessageID == "" {
		return
	}
	missed, err := h.history.GetMessagesAfter(ctx, msg.ConversationID, msg.LastSeenMessageID, catchUpLimit)
	if err != nil {
		logger.Errorf("ws catch-up conversation=%s user=%s: %v", msg.ConversationID, c.userID, err)
		return
	}
	if len(missed) > 0 {
		h.sendToClient(c, OutgoingMessage{Type: EventCatchUp, Payload: CatchUpPayload{
			ConversationID: msg.ConversationID,
			Messages:       missed,
		}})
	}
}

func (h *Hub) handleLeave(c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		return
	}
	h.mu.Lock()
	h.leaveRoomLocked(msg.ConversationID, c)
	delete(c.rooms, msg.ConversationID)
	h.mu.Unlock()
}

func (h *Hub) leaveRoomLocked(roomID string, c *Client) {
	clients, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) handleTyping(c *Client, msg IncomingMessage, evType EventType) {
	if msg.ConversationID == "" {
		return
	}
	out := OutgoingMessage{Type: evType, Payload: TypingPayload{
		ConversationID: msg.ConversationID,
		UserID:         c.userID,
		UserName:       c.userName,
	}}
	if evType == EventUserStopTyping {
		out.Payload = TypingPayload{ConversationID: msg.ConversationID, UserID: c.userID}
	}
	h.broadcastToRoom(msg.ConversationID, out, c)
}

// NewMessage pushes a persisted message to every client currently subscribed
// to the conversation's room, including the sender's own sockets (the echo is
// how an open conversation view appends the bubble).
func (h *Hub) NewMessage(m *model.Message) {
	defer logger.DeferLogDuration("ws.NewMessage", time.Now())()
	h.broadcastToRoom(m.ConversationID, OutgoingMessage{Type: EventNewMessage, Payload: m}, nil)
}

// Notify delivers a notification event to all of a user's connections,
// regardless of room subscriptions.
func (h *Hub) Notify(n *model.Notification) {
	h.mu.RLock()
	clients, ok := h.byUser[n.UserID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	out := OutgoingMessage{Type: EventNotification, Payload: n}
	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

// broadcastToRoom sends to all subscribers of the room, skipping exclude.
func (h *Hub) broadcastToRoom(roomID string, msg OutgoingMessage, exclude *Client) {
	h.mu.RLock()
	clients, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
