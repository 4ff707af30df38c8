package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

type EventType string

// Inbound frame types.
const (
	TypingStart     EventType = "typing-start"
	TypingStop      EventType = "typing-stop"
	SendMessage     EventType = "send-message"
	JoinRoom        EventType = "join-room"
	LeaveRoom       EventType = "leave-room"
	RequestSnapshot EventType = "request-snapshot"
)

// Outbound frame types.
const (
	PresenceSnapshot EventType = "presence-snapshot"
	PresenceOnline   EventType = "presence-online"
	PresenceOffline  EventType = "presence-offline"
	UserTyping       EventType = "user-typing"
	UserStopTyping   EventType = "user-stop-typing"
	ReceiveMessage   EventType = "receive-message"
	UserNotification EventType = "notification"
	ResponseEvent    EventType = "response"
)

// InboundTypes lists every frame type a client may send.
var InboundTypes = []EventType{TypingStart, TypingStop, SendMessage, JoinRoom, LeaveRoom, RequestSnapshot}

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	Id   int             `json:"id,omitempty"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Typing struct {
	RoomId      string `json:"room_id,omitempty"`
	RecipientId int    `json:"recipient_id,omitempty"`
}

func (t *Typing) validate() error {
	if t.RoomId == "" && t.RecipientId <= 0 {
		return errMissingTarget
	}
	return nil
}

type Publish struct {
	RoomId      string          `json:"room_id,omitempty"`
	RecipientId int             `json:"recipient_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (p *Publish) validate() error {
	if p.RoomId == "" && p.RecipientId <= 0 {
		return errMissingTarget
	}
	if len(p.Payload) == 0 || bytes.Equal(p.Payload, []byte("null")) {
		return errMissingPayload
	}
	return nil
}

type Join struct {
	RoomId string `json:"room_id"`
}

func (j *Join) validate() error {
	if j.RoomId == "" {
		return errMissingRoom
	}
	return nil
}

type Leave struct {
	RoomId string `json:"room_id"`
}

func (l *Leave) validate() error {
	if l.RoomId == "" {
		return errMissingRoom
	}
	return nil
}

type ServerMessage struct {
	BaseMessage
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
	// SkipConnection and SkipUser exclude targets during fanout.
	SkipConnection string `json:"-"`
	SkipUser       int    `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Snapshot struct {
	UserIds []int `json:"user_ids"`
}

type Presence struct {
	UserId     int        `json:"user_id"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

type TypingNotice struct {
	UserId int    `json:"user_id"`
	RoomId string `json:"room_id,omitempty"`
}

type Message struct {
	SenderId    int             `json:"sender_id"`
	RoomId      string          `json:"room_id,omitempty"`
	RecipientId int             `json:"recipient_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type Notification struct {
	SenderId int             `json:"sender_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func newEvent(t EventType, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Type: t,
		Data: data,
	}
}

func newSnapshot(id int, userIds []int) *ServerMessage {
	if userIds == nil {
		userIds = []int{}
	}

	msg := newEvent(PresenceSnapshot, Snapshot{UserIds: userIds})
	msg.Id = id
	return msg
}

func newPresenceOnline(userId int) *ServerMessage {
	msg := newEvent(PresenceOnline, Presence{UserId: userId})
	msg.SkipUser = userId
	return msg
}

func newPresenceOffline(userId int, lastSeenAt time.Time) *ServerMessage {
	return newEvent(PresenceOffline, Presence{UserId: userId, LastSeenAt: &lastSeenAt})
}

func newResponse(id, code int, errMsg string, data any) *ServerMessage {
	msg := newEvent(ResponseEvent, Response{
		ResponseCode: code,
		Error:        errMsg,
		Data:         data,
	})
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", nil)
}

func ErrInvalidMessage(id int, reason string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message: "+reason, nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden", nil)
}

func ErrTooManyRequests(id int) *ServerMessage {
	return newResponse(id, http.StatusTooManyRequests, "too many requests", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if msg.Type == "" {
		return &msg, &ProtocolError{Reason: "missing type"}
	}

	return &msg, nil
}

type validator interface {
	validate() error
}

// decodeData unmarshals the frame payload into v and validates it.
func decodeData(msg *ClientMessage, v validator) error {
	if len(msg.Data) == 0 {
		return &ProtocolError{Type: msg.Type, Reason: "missing data"}
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return &ProtocolError{Type: msg.Type, Reason: "malformed data", Err: err}
	}
	if err := v.validate(); err != nil {
		return &ProtocolError{Type: msg.Type, Reason: err.Error()}
	}

	return nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
