package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) SetOnline(ctx context.Context, userId int) error {
	args := m.Called(ctx, userId)
	return args.Error(0)
}
func (m *MockGoChatRepository) SetOffline(ctx context.Context, userId int, lastSeenAt time.Time) error {
	args := m.Called(ctx, userId, lastSeenAt)
	return args.Error(0)
}
func (m *MockGoChatRepository) GetPresence(ctx context.Context, userId int) (UserPresence, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(UserPresence), args.Error(1)
}
func (m *MockGoChatRepository) IsParticipant(ctx context.Context, userId int, roomId string) (bool, error) {
	args := m.Called(ctx, userId, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockGoChatRepository) ListConversationIds(ctx context.Context, userId int) ([]string, error) {
	args := m.Called(ctx, userId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
