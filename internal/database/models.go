package database

import (
	"database/sql"
	"errors"
)

var ErrAccountNotFound = errors.New("account not found")

type UserPresence struct {
	UserId     int
	IsOnline   bool
	LastSeenAt sql.NullTime
}
