package database

import (
	"context"
	"time"
)

// UserPresenceStore persists the durable side of presence.
type UserPresenceStore interface {
	SetOnline(ctx context.Context, userId int) error
	SetOffline(ctx context.Context, userId int, lastSeenAt time.Time) error
	GetPresence(ctx context.Context, userId int) (UserPresence, error)
}

// ConversationStore answers membership questions against the persisted
// conversation records.
type ConversationStore interface {
	IsParticipant(ctx context.Context, userId int, roomId string) (bool, error)
	ListConversationIds(ctx context.Context, userId int) ([]string, error)
}

type GoChatRepository interface {
	Ping() error
	UserPresenceStore
	ConversationStore
}
