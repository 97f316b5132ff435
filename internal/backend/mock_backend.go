package backend

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/types"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Login(ctx context.Context, email, password string) (string, error) {
	args := m.Called(ctx, email, password)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) Logout(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockBackend) Signup(ctx context.Context, params SignupParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockBackend) ValidateSession(ctx context.Context, token string) (types.User, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(types.User), args.Error(1)
}

func (m *MockBackend) ReadUsers(ctx context.Context, ids []string) (map[string]types.User, error) {
	args := m.Called(ctx, ids)
	var users map[string]types.User
	if args.Get(0) != nil {
		users = args.Get(0).(map[string]types.User)
	}
	return users, args.Error(1)
}

func (m *MockBackend) UpdateUser(ctx context.Context, id string, patch UserPatch) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *MockBackend) ListGroups(ctx context.Context, memberId string) ([]GroupRecord, error) {
	args := m.Called(ctx, memberId)
	var groups []GroupRecord
	if args.Get(0) != nil {
		groups = args.Get(0).([]GroupRecord)
	}
	return groups, args.Error(1)
}

func (m *MockBackend) ReadGroup(ctx context.Context, id string) (GroupRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(GroupRecord), args.Error(1)
}

func (m *MockBackend) CreateGroup(ctx context.Context, name string) (GroupRecord, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(GroupRecord), args.Error(1)
}

func (m *MockBackend) AddMember(ctx context.Context, groupId, memberId string) error {
	args := m.Called(ctx, groupId, memberId)
	return args.Error(0)
}

func (m *MockBackend) RemoveMember(ctx context.Context, groupId, memberId string) error {
	args := m.Called(ctx, groupId, memberId)
	return args.Error(0)
}

func (m *MockBackend) ListThreads(ctx context.Context, groupId string) ([]ThreadRecord, error) {
	args := m.Called(ctx, groupId)
	var threads []ThreadRecord
	if args.Get(0) != nil {
		threads = args.Get(0).([]ThreadRecord)
	}
	return threads, args.Error(1)
}

func (m *MockBackend) CreateThread(ctx context.Context, groupId, topic string) (ThreadRecord, error) {
	args := m.Called(ctx, groupId, topic)
	return args.Get(0).(ThreadRecord), args.Error(1)
}

func (m *MockBackend) ReadThread(ctx context.Context, id string) (ThreadRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(ThreadRecord), args.Error(1)
}

func (m *MockBackend) UpdateThread(ctx context.Context, id, topic string) error {
	args := m.Called(ctx, id, topic)
	return args.Error(0)
}

func (m *MockBackend) DeleteThread(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockBackend) CreateChat(ctx context.Context, userIds []string) (string, error) {
	args := m.Called(ctx, userIds)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) ListMessages(ctx context.Context, chat types.ChatRef) ([]types.Message, error) {
	args := m.Called(ctx, chat)
	var messages []types.Message
	if args.Get(0) != nil {
		messages = args.Get(0).([]types.Message)
	}
	return messages, args.Error(1)
}

func (m *MockBackend) CreateMessage(ctx context.Context, chat types.ChatRef, msg types.Message) (types.Message, error) {
	args := m.Called(ctx, chat, msg)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockBackend) ListInvites(ctx context.Context, params ListInvitesParams) ([]types.Invite, error) {
	args := m.Called(ctx, params)
	var invites []types.Invite
	if args.Get(0) != nil {
		invites = args.Get(0).([]types.Invite)
	}
	return invites, args.Error(1)
}

func (m *MockBackend) CreateInvite(ctx context.Context, groupId, email string) (types.Invite, error) {
	args := m.Called(ctx, groupId, email)
	return args.Get(0).(types.Invite), args.Error(1)
}

func (m *MockBackend) ReadInvite(ctx context.Context, id string) (types.Invite, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Invite), args.Error(1)
}

func (m *MockBackend) DeleteInvite(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockBackend) Publish(ctx context.Context, topic string, ev event.Event) error {
	args := m.Called(ctx, topic, ev)
	return args.Error(0)
}
