package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnex/messaging/internal/middleware"
	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/repository"
	"github.com/learnex/messaging/internal/service"
)

type memConvStore struct {
	roles map[string]map[string]string
	convs map[string]*model.Conversation
}

func (s *memConvStore) Create(_ context.Context, c *model.Conversation) error {
	s.convs[c.ID] = c
	return nil
}

func (s *memConvStore) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (s *memConvStore) AddParticipant(_ context.Context, p *model.Participant) error {
	if s.roles[p.ConversationID] == nil {
		s.roles[p.ConversationID] = make(map[string]string)
	}
	s.roles[p.ConversationID][p.UserID] = p.Role
	return nil
}

func (s *memConvStore) RemoveParticipant(_ context.Context, conversationID, userID string) error {
	delete(s.roles[conversationID], userID)
	return nil
}

func (s *memConvStore) GetParticipants(_ context.Context, conversationID string) ([]model.Participant, error) {
	var out []model.Participant
	for uid, role := range s.roles[conversationID] {
		out = append(out, model.Participant{ConversationID: conversationID, UserID: uid, Role: role})
	}
	return out, nil
}

func (s *memConvStore) GetParticipantIDs(_ context.Context, conversationID string) ([]string, error) {
	var out []string
	for uid := range s.roles[conversationID] {
		out = append(out, uid)
	}
	return out, nil
}

func (s *memConvStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	_, ok := s.roles[conversationID][userID]
	return ok, nil
}

func (s *memConvStore) GetParticipantRole(_ context.Context, conversationID, userID string) (string, error) {
	role, ok := s.roles[conversationID][userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return role, nil
}

func (s *memConvStore) GetUserConversationSummaries(_ context.Context, userID string) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	for id, c := range s.convs {
		if _, ok := s.roles[id][userID]; ok {
			out = append(out, model.ConversationSummary{Conversation: *c})
		}
	}
	return out, nil
}

type memMsgStore struct {
	messages []model.Message
}

func (s *memMsgStore) CreateWithFanout(_ context.Context, m *model.Message, entries []model.OutboxEntry) error {
	s.messages = append([]model.Message{*m}, s.messages...)
	return nil
}

func (s *memMsgStore) GetConversationMessages(_ context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMsgStore) MarkAsRead(_ context.Context, conversationID, userID string) error { return nil }

func (s *memMsgStore) SearchMessages(_ context.Context, userID, query string, limit int) ([]model.Message, error) {
	return nil, nil
}

func (s *memMsgStore) GetUserStats(_ context.Context, userID string) (*repository.UserActivityStats, error) {
	return &repository.UserActivityStats{MessagesToday: 3}, nil
}

type memUserStore struct{}

func (memUserStore) GetByID(_ context.Context, id string) (*model.User, error) {
	name := id
	if len(id) > 0 {
		name = strings.ToUpper(id[:1]) + id[1:]
	}
	return &model.User{ID: id, Username: id, DisplayName: name}, nil
}

type nopNotifStore struct{}

func (nopNotifStore) CreateOutboxEntry(_ context.Context, _ *model.OutboxEntry) error { return nil }

type nopBroadcaster struct{}

func (nopBroadcaster) NewMessage(*model.Message) {}

// newTestRouter wires the conversation and message handlers behind a fake
// session that authenticates every request as userID.
func newTestRouter(userID string) (*chi.Mux, *memConvStore, *memMsgStore) {
	convs := &memConvStore{roles: make(map[string]map[string]string), convs: make(map[string]*model.Conversation)}
	msgs := &memMsgStore{}
	svc := service.NewMessaging(convs, msgs, memUserStore{}, nopNotifStore{}, nopBroadcaster{})
	convH := NewConversationHandler(svc)
	msgH := NewMessageHandler(svc)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Get("/api/conversations/user/{userId}", convH.ListForUser)
	r.Post("/api/conversations", convH.Create)
	r.Get("/api/conversations/{id}", convH.Get)
	r.Get("/api/conversations/{id}/messages", msgH.List)
	r.Post("/api/conversations/{id}/participants", convH.AddParticipant)
	r.Post("/api/messages", msgH.Send)
	r.Get("/api/users/{id}/stats", msgH.Stats)
	return r, convs, msgs
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestCreateConversationEnvelope(t *testing.T) {
	r, _, _ := newTestRouter("alice")

	rec, body := doJSON(t, r, http.MethodPost, "/api/conversations",
		`{"title":"Math","type":"group","participant_ids":["bob"]}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])
	conv, ok := body["conversation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Math", conv["title"])
	assert.Equal(t, "alice", conv["created_by"])
}

func TestSendMessageRequiresMembership(t *testing.T) {
	r, convs, msgs := newTestRouter("carol")
	convs.roles["c1"] = map[string]string{"alice": model.ParticipantRoleAdmin}
	convs.convs["c1"] = &model.Conversation{ID: "c1"}

	rec, body := doJSON(t, r, http.MethodPost, "/api/messages",
		`{"conversation_id":"c1","content":"hi"}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "not authorized", body["error"])
	assert.Empty(t, msgs.messages)
}

func TestSendMessageSuccess(t *testing.T) {
	r, convs, _ := newTestRouter("alice")
	convs.roles["c1"] = map[string]string{"alice": model.ParticipantRoleAdmin}
	convs.convs["c1"] = &model.Conversation{ID: "c1"}

	rec, body := doJSON(t, r, http.MethodPost, "/api/messages",
		`{"conversation_id":"c1","content":"hello"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])
	msg, ok := body["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", msg["content"])
	sender, ok := msg["sender"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Alice", sender["display_name"])
}

func TestSendMessageValidation(t *testing.T) {
	r, _, _ := newTestRouter("alice")

	rec, body := doJSON(t, r, http.MethodPost, "/api/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, body = doJSON(t, r, http.MethodPost, "/api/messages", `{"conversation_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestGetConversationNotFound(t *testing.T) {
	r, convs, _ := newTestRouter("alice")
	convs.roles["missing"] = map[string]string{"alice": model.ParticipantRoleAdmin}

	rec, body := doJSON(t, r, http.MethodGet, "/api/conversations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", body["error"])
}

func TestListForUserRejectsOtherUser(t *testing.T) {
	r, _, _ := newTestRouter("alice")

	rec, body := doJSON(t, r, http.MethodGet, "/api/conversations/user/bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestAddParticipantByMemberForbidden(t *testing.T) {
	r, convs, _ := newTestRouter("bob")
	convs.roles["c1"] = map[string]string{
		"alice": model.ParticipantRoleAdmin,
		"bob":   model.ParticipantRoleMember,
	}
	convs.convs["c1"] = &model.Conversation{ID: "c1"}

	rec, body := doJSON(t, r, http.MethodPost, "/api/conversations/c1/participants",
		`{"user_id":"dave"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not authorized", body["error"])
}

func TestStatsSelfOnly(t *testing.T) {
	r, _, _ := newTestRouter("alice")

	rec, body := doJSON(t, r, http.MethodGet, "/api/users/alice/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), stats["messages_today"])

	rec, _ = doJSON(t, r, http.MethodGet, "/api/users/bob/stats", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
