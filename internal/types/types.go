package types

import (
	"encoding/json"
	"time"
)

type Presence struct {
	UserId      int        `json:"user_id"`
	IsOnline    bool       `json:"is_online"`
	Connections int        `json:"connections"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

type OnlineUsers struct {
	UserIds []int `json:"user_ids"`
}

type NotifyRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type NotifyResult struct {
	Delivered int `json:"delivered"`
}
