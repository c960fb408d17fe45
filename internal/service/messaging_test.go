package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/repository"
)

// stubConvStore keeps membership in memory: conversation id -> user id -> role.
type stubConvStore struct {
	roles        map[string]map[string]string
	created      []*model.Conversation
	participants []*model.Participant
	removed      [][2]string
}

func newStubConvStore() *stubConvStore {
	return &stubConvStore{roles: make(map[string]map[string]string)}
}

func (s *stubConvStore) addRole(convID, userID, role string) {
	if s.roles[convID] == nil {
		s.roles[convID] = make(map[string]string)
	}
	s.roles[convID][userID] = role
}

func (s *stubConvStore) Create(_ context.Context, c *model.Conversation) error {
	s.created = append(s.created, c)
	return nil
}

func (s *stubConvStore) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	for _, c := range s.created {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubConvStore) AddParticipant(_ context.Context, p *model.Participant) error {
	s.participants = append(s.participants, p)
	s.addRole(p.ConversationID, p.UserID, p.Role)
	return nil
}

func (s *stubConvStore) RemoveParticipant(_ context.Context, conversationID, userID string) error {
	s.removed = append(s.removed, [2]string{conversationID, userID})
	delete(s.roles[conversationID], userID)
	return nil
}

func (s *stubConvStore) GetParticipants(_ context.Context, conversationID string) ([]model.Participant, error) {
	var out []model.Participant
	for uid, role := range s.roles[conversationID] {
		out = append(out, model.Participant{ConversationID: conversationID, UserID: uid, Role: role})
	}
	return out, nil
}

func (s *stubConvStore) GetParticipantIDs(_ context.Context, conversationID string) ([]string, error) {
	var out []string
	for uid := range s.roles[conversationID] {
		out = append(out, uid)
	}
	return out, nil
}

func (s *stubConvStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	_, ok := s.roles[conversationID][userID]
	return ok, nil
}

func (s *stubConvStore) GetParticipantRole(_ context.Context, conversationID, userID string) (string, error) {
	role, ok := s.roles[conversationID][userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return role, nil
}

func (s *stubConvStore) GetUserConversationSummaries(_ context.Context, userID string) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	for _, c := range s.created {
		if _, ok := s.roles[c.ID][userID]; ok {
			out = append(out, model.ConversationSummary{Conversation: *c})
		}
	}
	return out, nil
}

type fanoutCall struct {
	msg     *model.Message
	entries []model.OutboxEntry
}

type stubMsgStore struct {
	fanouts   []fanoutCall
	stored    []model.Message
	readCalls [][2]string
	readSets  map[string]map[string]struct{}
}

func newStubMsgStore() *stubMsgStore {
	return &stubMsgStore{readSets: make(map[string]map[string]struct{})}
}

func (s *stubMsgStore) CreateWithFanout(_ context.Context, m *model.Message, entries []model.OutboxEntry) error {
	s.fanouts = append(s.fanouts, fanoutCall{msg: m, entries: entries})
	s.stored = append([]model.Message{*m}, s.stored...)
	return nil
}

// GetConversationMessages returns newest-first, like the SQL it stands in for.
func (s *stubMsgStore) GetConversationMessages(_ context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range s.stored {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubMsgStore) MarkAsRead(_ context.Context, conversationID, userID string) error {
	s.readCalls = append(s.readCalls, [2]string{conversationID, userID})
	for _, m := range s.stored {
		if m.ConversationID != conversationID || m.SenderID == userID {
			continue
		}
		if s.readSets[m.ID] == nil {
			s.readSets[m.ID] = make(map[string]struct{})
		}
		s.readSets[m.ID][userID] = struct{}{}
	}
	return nil
}

func (s *stubMsgStore) SearchMessages(_ context.Context, userID, query string, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range s.stored {
		if strings.Contains(m.Content, query) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubMsgStore) GetUserStats(_ context.Context, userID string) (*repository.UserActivityStats, error) {
	return &repository.UserActivityStats{}, nil
}

type stubUserStore struct {
	users map[string]*model.User
}

func (s *stubUserStore) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

type stubNotifStore struct {
	entries   []model.OutboxEntry
	createErr error
}

func (s *stubNotifStore) CreateOutboxEntry(_ context.Context, e *model.OutboxEntry) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.entries = append(s.entries, *e)
	return nil
}

type stubBroadcaster struct {
	messages []*model.Message
}

func (b *stubBroadcaster) NewMessage(m *model.Message) {
	b.messages = append(b.messages, m)
}

func newTestService() (*Messaging, *stubConvStore, *stubMsgStore, *stubNotifStore, *stubBroadcaster) {
	convs := newStubConvStore()
	msgs := newStubMsgStore()
	users := &stubUserStore{users: map[string]*model.User{
		"alice": {ID: "alice", Username: "alice", DisplayName: "Alice"},
		"bob":   {ID: "bob", Username: "bob", DisplayName: "Bob"},
		"carol": {ID: "carol", Username: "carol", DisplayName: "Carol"},
		"dave":  {ID: "dave", Username: "dave", DisplayName: "Dave"},
	}}
	notifs := &stubNotifStore{}
	rt := &stubBroadcaster{}
	return NewMessaging(convs, msgs, users, notifs, rt), convs, msgs, notifs, rt
}

func TestCreateConversationCreatorIsAdmin(t *testing.T) {
	svc, convs, _, _, _ := newTestService()

	conv, err := svc.CreateConversation(context.Background(), "Math class", model.ConversationTypeGroup, "alice", []string{"bob", "carol"})
	require.NoError(t, err)
	require.NotNil(t, conv)

	assert.Equal(t, "alice", conv.CreatedBy)
	role, err := convs.GetParticipantRole(context.Background(), conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ParticipantRoleAdmin, role)
	role, err = convs.GetParticipantRole(context.Background(), conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.ParticipantRoleMember, role)
}

func TestCreateConversationDeduplicatesParticipants(t *testing.T) {
	svc, convs, _, _, _ := newTestService()

	conv, err := svc.CreateConversation(context.Background(), "", model.ConversationTypeGroup, "alice", []string{"bob", "bob", "alice", "carol"})
	require.NoError(t, err)

	// alice as admin, bob and carol once each
	assert.Len(t, convs.participants, 3)
	ids, _ := convs.GetParticipantIDs(context.Background(), conv.ID)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)
}

func TestCreateConversationInvalidType(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	_, err := svc.CreateConversation(context.Background(), "", "broadcast", "alice", nil)
	assert.Error(t, err)
}

func TestSendMessageNonParticipant(t *testing.T) {
	svc, convs, msgs, _, rt := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	_, err := svc.SendMessage(context.Background(), "c1", "carol", "hi", model.MessageTypeText, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Empty(t, msgs.fanouts, "nothing persisted for a rejected send")
	assert.Empty(t, rt.messages, "no broadcast for a rejected send")
}

func TestSendMessageFanoutExcludesSender(t *testing.T) {
	svc, convs, msgs, _, rt := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)
	convs.addRole("c1", "carol", model.ParticipantRoleMember)

	m, err := svc.SendMessage(context.Background(), "c1", "alice", "hello", model.MessageTypeText, "")
	require.NoError(t, err)

	require.Len(t, msgs.fanouts, 1)
	entries := msgs.fanouts[0].entries
	recipients := make([]string, 0, len(entries))
	for _, e := range entries {
		recipients = append(recipients, e.RecipientID)
		assert.Equal(t, "Alice", e.Title)
		assert.Equal(t, model.NotificationKindMessage, e.Kind)
		assert.Equal(t, "c1", e.RelatedID)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, recipients)

	require.NotNil(t, m.Sender)
	assert.Equal(t, "Alice", m.Sender.DisplayName)
	require.Len(t, rt.messages, 1)
	assert.Equal(t, m.ID, rt.messages[0].ID)
}

func TestSendMessageTruncatesPreview(t *testing.T) {
	svc, convs, msgs, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	long := strings.Repeat("x", 120)
	_, err := svc.SendMessage(context.Background(), "c1", "alice", long, model.MessageTypeText, "")
	require.NoError(t, err)

	require.Len(t, msgs.fanouts, 1)
	require.Len(t, msgs.fanouts[0].entries, 1)
	preview := msgs.fanouts[0].entries[0].Message
	assert.Len(t, []rune(preview), notificationPreviewLen)
	assert.True(t, strings.HasSuffix(preview, "..."))
}

func TestGetMessagesOldestFirst(t *testing.T) {
	svc, convs, _, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	for _, content := range []string{"first", "second", "third"} {
		_, err := svc.SendMessage(context.Background(), "c1", "alice", content, model.MessageTypeText, "")
		require.NoError(t, err)
	}

	messages, err := svc.GetMessages(context.Background(), "c1", "bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "third", messages[2].Content)
}

func TestGetMessagesNonParticipant(t *testing.T) {
	svc, convs, _, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)

	_, err := svc.GetMessages(context.Background(), "c1", "bob", 10, 0)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestMarkAsReadIdempotent(t *testing.T) {
	svc, convs, msgs, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	_, err := svc.SendMessage(context.Background(), "c1", "alice", "hello", model.MessageTypeText, "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkAsRead(context.Background(), "c1", "bob"))
	first := len(msgs.readSets)
	require.NoError(t, svc.MarkAsRead(context.Background(), "c1", "bob"))
	assert.Equal(t, first, len(msgs.readSets), "re-marking changes nothing")

	msgID := msgs.stored[0].ID
	_, bobRead := msgs.readSets[msgID]["bob"]
	assert.True(t, bobRead)
	_, aliceRead := msgs.readSets[msgID]["alice"]
	assert.False(t, aliceRead, "sender never enters their own read-set")
}

func TestMarkAsReadNonParticipant(t *testing.T) {
	svc, convs, _, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)

	err := svc.MarkAsRead(context.Background(), "c1", "carol")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestAddParticipantRequiresAdmin(t *testing.T) {
	svc, convs, _, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	err := svc.AddParticipant(context.Background(), "c1", "dave", "bob")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	err = svc.AddParticipant(context.Background(), "c1", "dave", "carol")
	assert.ErrorIs(t, err, ErrNotAuthorized, "non-participant cannot add")
}

func TestAddParticipantByAdmin(t *testing.T) {
	svc, convs, msgs, _, rt := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	err := svc.AddParticipant(context.Background(), "c1", "dave", "alice")
	require.NoError(t, err)

	role, err := convs.GetParticipantRole(context.Background(), "c1", "dave")
	require.NoError(t, err)
	assert.Equal(t, model.ParticipantRoleMember, role)

	// system message broadcast plus a conversation_added notification for dave
	require.Len(t, msgs.fanouts, 1)
	assert.Equal(t, model.MessageTypeSystem, msgs.fanouts[0].msg.Type)
	require.Len(t, msgs.fanouts[0].entries, 1)
	assert.Equal(t, "dave", msgs.fanouts[0].entries[0].RecipientID)
	assert.Equal(t, model.NotificationKindConversationAdded, msgs.fanouts[0].entries[0].Kind)
	require.Len(t, rt.messages, 1)
}

func TestRemoveParticipantSelfLeave(t *testing.T) {
	svc, convs, msgs, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	err := svc.RemoveParticipant(context.Background(), "c1", "bob", "bob")
	require.NoError(t, err)
	assert.Len(t, convs.removed, 1)

	require.Len(t, msgs.fanouts, 1)
	assert.Contains(t, msgs.fanouts[0].msg.Content, "left")
}

func TestRemoveParticipantByAdminNotifiesRemoved(t *testing.T) {
	svc, convs, msgs, notifs, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	err := svc.RemoveParticipant(context.Background(), "c1", "bob", "alice")
	require.NoError(t, err)

	// bob is out of the room when the system message lands, so he gets a
	// direct notification instead
	require.Len(t, notifs.entries, 1)
	assert.Equal(t, "bob", notifs.entries[0].RecipientID)
	assert.Equal(t, model.NotificationKindConversationRemoved, notifs.entries[0].Kind)
	assert.Equal(t, "Alice", notifs.entries[0].Title)
	assert.Equal(t, "c1", notifs.entries[0].RelatedID)

	require.Len(t, msgs.fanouts, 1)
	assert.Contains(t, msgs.fanouts[0].msg.Content, "removed")
	assert.Empty(t, msgs.fanouts[0].entries)
}

func TestRemoveParticipantSelfLeaveNoNotification(t *testing.T) {
	svc, convs, _, notifs, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)

	require.NoError(t, svc.RemoveParticipant(context.Background(), "c1", "bob", "bob"))
	assert.Empty(t, notifs.entries)
}

func TestRemoveParticipantUnknownUserStillRemoved(t *testing.T) {
	svc, convs, msgs, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "eve", model.ParticipantRoleMember)

	// eve has no user row; the removal must still succeed, only the
	// announcement is skipped
	err := svc.RemoveParticipant(context.Background(), "c1", "eve", "alice")
	require.NoError(t, err)
	assert.Len(t, convs.removed, 1)
	assert.Empty(t, msgs.fanouts)
}

func TestRemoveParticipantMemberCannotRemoveOther(t *testing.T) {
	svc, convs, _, _, _ := newTestService()
	convs.addRole("c1", "alice", model.ParticipantRoleAdmin)
	convs.addRole("c1", "bob", model.ParticipantRoleMember)
	convs.addRole("c1", "carol", model.ParticipantRoleMember)

	err := svc.RemoveParticipant(context.Background(), "c1", "carol", "bob")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Empty(t, convs.removed)
}

func TestSearchMessagesEmptyQuery(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	out, err := svc.SearchMessages(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestGetUserConversationsMembershipOnly(t *testing.T) {
	svc, convs, _, _, _ := newTestService()

	c1, err := svc.CreateConversation(context.Background(), "a", model.ConversationTypeGroup, "alice", []string{"bob"})
	require.NoError(t, err)
	_, err = svc.CreateConversation(context.Background(), "b", model.ConversationTypeGroup, "carol", nil)
	require.NoError(t, err)

	summaries, err := svc.GetUserConversations(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, c1.ID, summaries[0].Conversation.ID)
	_ = convs
}
