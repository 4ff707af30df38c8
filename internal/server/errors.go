package server

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication rejects a handshake; the connection is never registered.
	ErrAuthentication      = errors.New("authentication error")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrQueueFull           = errors.New("outbound queue full")
)

// ProtocolError reports a malformed inbound frame. The frame is dropped and
// the connection stays open.
type ProtocolError struct {
	Type   EventType
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Type != "" {
		msg = fmt.Sprintf("protocol error on %q", e.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", msg, e.Reason, e.Err)
	}

	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AuthorizationError rejects a room operation for a user who is not a
// participant of the conversation, or has not joined the room.
type AuthorizationError struct {
	UserId int
	RoomId string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %d is not allowed in room %q", e.UserId, e.RoomId)
}

type DeliveryFailure struct {
	ConnectionId string
	Type         EventType
	Err          error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %s to connection %q: %s", e.Type, e.ConnectionId, e.Err)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

type PersistenceWriteFailure struct {
	UserId int
	Op     string
	Err    error
}

func (e *PersistenceWriteFailure) Error() string {
	return fmt.Sprintf("%s for user %d: %s", e.Op, e.UserId, e.Err)
}

func (e *PersistenceWriteFailure) Unwrap() error {
	return e.Err
}

var (
	errMissingTarget  = errors.New("room_id or recipient_id is required")
	errMissingPayload = errors.New("payload is required")
	errMissingRoom    = errors.New("room_id is required")
)
