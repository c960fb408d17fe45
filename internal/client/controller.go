// Package client implements the messaging controller used by Go front ends
// (desktop shells, bots, integration tests). It is an explicit state machine
// over one WebSocket connection: no package-level mutable state, every
// controller instance owns its own view of the world.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/ws"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateConversationOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateConversationOpen:
		return "conversation_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the wire the controller talks over. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// API is the HTTP side of the service, used for history backfill and sends.
type API interface {
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) error
}

// Sink receives view updates. Implementations render the UI; tests record.
type Sink interface {
	ConversationRendered(conversationID string, messages []model.Message)
	MessageAppended(m model.Message)
	UnreadBadge(conversationID string, unread int)
	Toast(title, body string)
	Typing(conversationID, userID, userName string, active bool)
	NotificationReceived(n model.Notification)
}

const historyPageSize = 50

// Controller drives the three-state messaging session:
// disconnected, connected with no conversation open, conversation open.
// Opening a conversation joins its room and fetches history; opening another
// one implicitly leaves the previous room.
type Controller struct {
	api  API
	sink Sink

	mu       sync.Mutex
	state    State
	conn     Conn
	open     string
	messages []model.Message
	unread   map[string]int
	// Per-conversation checkpoint used for catch-up on rejoin.
	lastSeen map[string]string
}

func NewController(api API, sink Sink) *Controller {
	return &Controller{
		api:      api,
		sink:     sink,
		state:    StateDisconnected,
		unread:   make(map[string]int),
		lastSeen: make(map[string]string),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenConversationID returns the id of the open conversation, or "".
func (c *Controller) OpenConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Messages returns a copy of the open conversation's message list.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Connect attaches an established connection and moves to StateConnected.
func (c *Controller) Connect(conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return fmt.Errorf("controller.Connect: already connected (%s)", c.state)
	}
	c.conn = conn
	c.state = StateConnected
	return nil
}

// Disconnect closes the connection and resets to StateDisconnected. The
// lastSeen checkpoints survive so a reconnect can catch up.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.open = ""
	c.messages = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// OpenConversation joins the conversation's room and fetches its history.
// Any previously open conversation is left first.
func (c *Controller) OpenConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("controller.OpenConversation: not connected")
	}
	conn := c.conn
	prev := c.open
	checkpoint := c.lastSeen[conversationID]
	c.mu.Unlock()

	if prev != "" && prev != conversationID {
		if err := conn.WriteJSON(ws.IncomingMessage{Type: ws.EventLeaveConversation, ConversationID: prev}); err != nil {
			return fmt.Errorf("controller.OpenConversation: leave %s: %w", prev, err)
		}
	}
	if err := conn.WriteJSON(ws.IncomingMessage{
		Type:              ws.EventJoinConversation,
		ConversationID:    conversationID,
		LastSeenMessageID: checkpoint,
	}); err != nil {
		return fmt.Errorf("controller.OpenConversation: join: %w", err)
	}

	history, err := c.api.GetMessages(ctx, conversationID, historyPageSize, 0)
	if err != nil {
		return fmt.Errorf("controller.OpenConversation: history: %w", err)
	}

	c.mu.Lock()
	c.open = conversationID
	c.state = StateConversationOpen
	c.messages = history
	if len(history) > 0 {
		c.lastSeen[conversationID] = history[len(history)-1].ID
	}
	c.unread[conversationID] = 0
	c.mu.Unlock()

	c.sink.ConversationRendered(conversationID, history)
	c.sink.UnreadBadge(conversationID, 0)
	return nil
}

// CloseConversation leaves the room and returns to StateConnected.
func (c *Controller) CloseConversation() error {
	c.mu.Lock()
	if c.state != StateConversationOpen {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	open := c.open
	c.open = ""
	c.messages = nil
	c.state = StateConnected
	c.mu.Unlock()
	if err := conn.WriteJSON(ws.IncomingMessage{Type: ws.EventLeaveConversation, ConversationID: open}); err != nil {
		return fmt.Errorf("controller.CloseConversation: %w", err)
	}
	return nil
}

// Send posts the message over HTTP and forgets it. The rendered bubble
// arrives through the broadcast echo, not from this call.
func (c *Controller) Send(ctx context.Context, content string) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if open == "" {
		return fmt.Errorf("controller.Send: no conversation open")
	}
	if err := c.api.SendMessage(ctx, open, content); err != nil {
		return fmt.Errorf("controller.Send: %w", err)
	}
	return nil
}

// SetTyping relays a typing signal for the open conversation.
func (c *Controller) SetTyping(active bool) error {
	c.mu.Lock()
	conn := c.conn
	open := c.open
	c.mu.Unlock()
	if conn == nil || open == "" {
		return nil
	}
	evt := ws.EventTypingStart
	if !active {
		evt = ws.EventTypingStop
	}
	return conn.WriteJSON(ws.IncomingMessage{Type: evt, ConversationID: open})
}

// serverEvent mirrors ws.OutgoingMessage with a raw payload for decoding.
type serverEvent struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Run reads server events until the connection fails or ctx is done.
// It is the single reader; view updates go through the sink.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("controller.Run: not connected")
		}
		var evt serverEvent
		if err := conn.ReadJSON(&evt); err != nil {
			c.Disconnect()
			return fmt.Errorf("controller.Run: read: %w", err)
		}
		c.HandleEvent(evt.Type, evt.Payload)
	}
}

// HandleEvent dispatches one server event. Exposed so tests can feed events
// without a live connection.
func (c *Controller) HandleEvent(t ws.EventType, payload json.RawMessage) {
	switch t {
	case ws.EventNewMessage:
		var m model.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return
		}
		c.handleNewMessage(m)
	case ws.EventCatchUp:
		var p ws.CatchUpPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		for _, m := range p.Messages {
			c.handleNewMessage(m)
		}
	case ws.EventUserTyping, ws.EventUserStopTyping:
		var p ws.TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		c.sink.Typing(p.ConversationID, p.UserID, p.UserName, t == ws.EventUserTyping)
	case ws.EventNotification:
		var n model.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return
		}
		c.sink.NotificationReceived(n)
	}
}

func (c *Controller) handleNewMessage(m model.Message) {
	c.mu.Lock()
	if c.open == m.ConversationID {
		c.messages = append(c.messages, m)
		c.lastSeen[m.ConversationID] = m.ID
		c.mu.Unlock()
		c.sink.MessageAppended(m)
		return
	}
	c.unread[m.ConversationID]++
	unread := c.unread[m.ConversationID]
	c.mu.Unlock()
	c.sink.UnreadBadge(m.ConversationID, unread)
	c.sink.Toast("New message", truncate(m.Content, 50))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
