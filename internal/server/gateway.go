package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/gochat-presence/internal/config"
	"github.com/npezzotti/gochat-presence/internal/database"
)

// TokenVerifier resolves a session token to the user it was issued for.
type TokenVerifier interface {
	Verify(token string) (int, error)
}

type handlerFunc func(ctx context.Context, c *Connection, msg *ClientMessage) error

// Gateway is the protocol boundary between transports and the core. It
// authenticates handshakes, registers connections and dispatches inbound
// frames by type.
type Gateway struct {
	log           *log.Logger
	registry      *Registry
	rooms         *RoomManager
	router        *Router
	reconciler    *Reconciler
	conversations database.ConversationStore
	verifier      TokenVerifier

	sendBuffer   int
	storeTimeout time.Duration
	autoJoin     bool

	handlers map[EventType]handlerFunc
}

func NewGateway(logger *log.Logger, registry *Registry, rooms *RoomManager, router *Router, reconciler *Reconciler,
	conversations database.ConversationStore, verifier TokenVerifier, cfg config.ChatConfig) *Gateway {
	g := &Gateway{
		log:           logger,
		registry:      registry,
		rooms:         rooms,
		router:        router,
		reconciler:    reconciler,
		conversations: conversations,
		verifier:      verifier,
		sendBuffer:    cfg.SendBufferSize,
		storeTimeout:  cfg.StoreTimeout,
		autoJoin:      cfg.AutoJoinConversations,
	}

	g.handlers = map[EventType]handlerFunc{
		TypingStart:     g.handleTyping(UserTyping),
		TypingStop:      g.handleTyping(UserStopTyping),
		SendMessage:     g.handleSendMessage,
		JoinRoom:        g.handleJoinRoom,
		LeaveRoom:       g.handleLeaveRoom,
		RequestSnapshot: g.handleRequestSnapshot,
	}

	return g
}

// Authenticate verifies a handshake token. Failures wrap ErrAuthentication.
func (g *Gateway) Authenticate(token string) (int, error) {
	if token == "" {
		return 0, fmt.Errorf("missing token: %w", ErrAuthentication)
	}

	userId, err := g.verifier.Verify(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	return userId, nil
}

// Connect registers a new connection for an authenticated user and queues
// the presence snapshot on it. With auto-join enabled, the connection joins
// every active conversation the user participates in.
func (g *Gateway) Connect(ctx context.Context, userId int) (*Connection, error) {
	c, err := NewConnection(userId, g.sendBuffer)
	if err != nil {
		return nil, err
	}

	if err := g.registry.Register(c); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}

	g.reconciler.SendSnapshot(c, 0)

	if g.autoJoin {
		g.joinDefaultRooms(ctx, c)
	}

	return c, nil
}

func (g *Gateway) joinDefaultRooms(ctx context.Context, c *Connection) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	roomIds, err := g.conversations.ListConversationIds(ctx, c.userId)
	if err != nil {
		g.log.Printf("list conversations for user %d: %v", c.userId, err)
		return
	}

	for _, roomId := range roomIds {
		g.rooms.Join(c, roomId)
	}
}

// Disconnect tears down a connection. Only the first call has any effect.
func (g *Gateway) Disconnect(c *Connection) {
	if !c.close() {
		return
	}

	g.registry.Unregister(c.id)
	g.rooms.LeaveAll(c)
	g.log.Printf("connection %q for user %d closed", c.id, c.userId)
}

// Dispatch decodes one inbound frame and runs its handler. Errors are
// answered with a response frame on the connection and returned; none of
// them close the connection.
func (g *Gateway) Dispatch(ctx context.Context, c *Connection, raw []byte) error {
	msg, err := decodeClientMessage(raw)
	if err == nil {
		handler, ok := g.handlers[msg.Type]
		if !ok {
			err = &ProtocolError{Type: msg.Type, Reason: "unknown type"}
		} else {
			err = handler(ctx, c, msg)
		}
	}

	if err != nil {
		id := 0
		if msg != nil {
			id = msg.Id
		}
		g.replyError(c, id, err)
	}

	return err
}

func (g *Gateway) replyError(c *Connection, id int, err error) {
	var (
		protoErr *ProtocolError
		authzErr *AuthorizationError
	)

	switch {
	case errors.As(err, &protoErr):
		g.log.Printf("connection %q: %v", c.id, err)
		g.router.Reply(c, ErrInvalidMessage(id, protoErr.Reason))
	case errors.As(err, &authzErr):
		g.log.Printf("connection %q: %v", c.id, err)
		g.router.Reply(c, ErrForbidden(id))
	case errors.Is(err, ErrConnectionClosed):
	default:
		g.log.Printf("connection %q: %v", c.id, err)
		g.router.Reply(c, ErrInternalError(id))
	}
}

// Notify pushes a notification to every connection of userId.
func (g *Gateway) Notify(senderId, userId int, payload json.RawMessage) int {
	return g.router.RouteToUser(userId, newEvent(UserNotification, Notification{
		SenderId: senderId,
		Payload:  payload,
	}))
}

// route sends msg to a single user when recipientId is set, otherwise to
// the room, which the sending connection must have joined.
func (g *Gateway) route(c *Connection, roomId string, recipientId int, msg *ServerMessage) error {
	if recipientId > 0 {
		msg.SkipConnection = c.id
		g.router.RouteToUser(recipientId, msg)
		return nil
	}

	if !g.rooms.IsMember(c, roomId) {
		return &AuthorizationError{UserId: c.userId, RoomId: roomId}
	}

	g.router.RouteToRoom(roomId, msg, c.id)
	return nil
}

func (g *Gateway) handleTyping(outbound EventType) handlerFunc {
	return func(ctx context.Context, c *Connection, msg *ClientMessage) error {
		var t Typing
		if err := decodeData(msg, &t); err != nil {
			return err
		}

		notice := newEvent(outbound, TypingNotice{UserId: c.userId, RoomId: t.RoomId})
		return g.route(c, t.RoomId, t.RecipientId, notice)
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Connection, msg *ClientMessage) error {
	var p Publish
	if err := decodeData(msg, &p); err != nil {
		return err
	}

	out := newEvent(ReceiveMessage, Message{
		SenderId:    c.userId,
		RoomId:      p.RoomId,
		RecipientId: p.RecipientId,
		Payload:     p.Payload,
	})
	if err := g.route(c, p.RoomId, p.RecipientId, out); err != nil {
		return err
	}

	g.router.Reply(c, NoErrAccepted(msg.Id))
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *Connection, msg *ClientMessage) error {
	var j Join
	if err := decodeData(msg, &j); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	ok, err := g.conversations.IsParticipant(storeCtx, c.userId, j.RoomId)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return &AuthorizationError{UserId: c.userId, RoomId: j.RoomId}
	}

	if !g.rooms.Join(c, j.RoomId) {
		return ErrConnectionClosed
	}

	g.router.Reply(c, NoErrOK(msg.Id, j))
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *Connection, msg *ClientMessage) error {
	var l Leave
	if err := decodeData(msg, &l); err != nil {
		return err
	}

	g.rooms.Leave(c, l.RoomId)
	g.router.Reply(c, NoErrOK(msg.Id, l))
	return nil
}

func (g *Gateway) handleRequestSnapshot(ctx context.Context, c *Connection, msg *ClientMessage) error {
	g.reconciler.SendSnapshot(c, msg.Id)
	return nil
}
