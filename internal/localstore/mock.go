package localstore

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/huddlechat/huddle/internal/types"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepository) ActiveChat(groupId string) (types.ChatRef, error) {
	args := m.Called(groupId)
	return args.Get(0).(types.ChatRef), args.Error(1)
}

func (m *MockRepository) SetActiveChat(groupId string, chat types.ChatRef) error {
	args := m.Called(groupId, chat)
	return args.Error(0)
}

func (m *MockRepository) ClearActiveChat(groupId string) error {
	args := m.Called(groupId)
	return args.Error(0)
}

func (m *MockRepository) LastSeen(groupId string, chat types.ChatRef) (time.Time, error) {
	args := m.Called(groupId, chat)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockRepository) SetLastSeen(groupId string, chat types.ChatRef, seen time.Time) error {
	args := m.Called(groupId, chat, seen)
	return args.Error(0)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
