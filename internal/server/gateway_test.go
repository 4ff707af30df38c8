package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/gochat-presence/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func responseOf(t *testing.T, msg *ServerMessage) Response {
	t.Helper()

	require.Equal(t, ResponseEvent, msg.Type, "expected response frame")
	res, ok := msg.Data.(Response)
	require.True(t, ok, "expected response data")
	return res
}

func TestDispatchTableCoversInboundTypes(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())

	for _, typ := range InboundTypes {
		assert.Contains(t, core.gateway.handlers, typ, "expected a handler for %q", typ)
	}
	assert.Len(t, core.gateway.handlers, len(InboundTypes), "expected no handlers for undeclared types")
}

func TestGatewayAuthenticate(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())

	tcases := []struct {
		name   string
		token  string
		userId int
		err    bool
	}{
		{name: "valid token", token: "t1", userId: 1},
		{name: "missing token", token: "", err: true},
		{name: "unknown token", token: "bogus", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, err := core.gateway.Authenticate(tc.token)
			if tc.err {
				assert.ErrorIs(t, err, ErrAuthentication, "expected authentication error")
				assert.Empty(t, core.registry.All(), "expected nothing to be registered")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.userId, userId)
		})
	}
}

func TestGatewayConnect(t *testing.T) {
	t.Run("queues snapshot of other users", func(t *testing.T) {
		core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())

		a, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		b, err := core.gateway.Connect(context.Background(), 2)
		require.NoError(t, err)

		aMsgs := ofType(drain(a), PresenceSnapshot)
		require.Len(t, aMsgs, 1, "expected a snapshot on connect")
		assert.Equal(t, Snapshot{UserIds: []int{}}, aMsgs[0].Data, "expected first user to see nobody")

		bMsgs := ofType(drain(b), PresenceSnapshot)
		require.Len(t, bMsgs, 1)
		assert.Equal(t, Snapshot{UserIds: []int{1}}, bMsgs[0].Data, "expected second user to see the first")
	})

	t.Run("joins conversations when enabled", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("ListConversationIds", mock.Anything, 1).Return([]string{"r1", "r2"}, nil).Once()
		defer db.AssertExpectations(t)

		cfg := testChatConfig()
		cfg.AutoJoinConversations = true
		core := newTestCore(t, db, cfg)

		c, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"r1", "r2"}, c.Rooms(), "expected default rooms to be joined")
		assert.True(t, core.rooms.IsMember(c, "r2"))
	})

	t.Run("store failure leaves connection without rooms", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("ListConversationIds", mock.Anything, 1).Return(nil, errors.New("timeout")).Once()
		defer db.AssertExpectations(t)

		cfg := testChatConfig()
		cfg.AutoJoinConversations = true
		core := newTestCore(t, db, cfg)

		c, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err, "expected connect to succeed without default rooms")
		assert.Empty(t, c.Rooms())
		assert.True(t, core.registry.IsOnline(1))
	})
}

func TestGatewayConnectSnapshotWaitsForCycle(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())

	core.reconciler.flushLock.Lock()
	connected := make(chan *Connection, 1)
	go func() {
		c, err := core.gateway.Connect(context.Background(), 1)
		assert.NoError(t, err)
		connected <- c
	}()

	assert.Eventually(t, func() bool { return core.registry.IsOnline(1) }, time.Second, 5*time.Millisecond,
		"expected the connection to be registered")
	conns := core.registry.ConnectionsFor(1)
	require.Len(t, conns, 1)
	assert.Never(t, func() bool { return len(conns[0].send) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"expected the snapshot to wait for the running cycle")

	core.reconciler.flushLock.Unlock()

	var c *Connection
	select {
	case c = <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected Connect to return")
	}
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, PresenceSnapshot, msgs[0].Type)
}

func TestGatewayDisconnect(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())

	c, err := core.gateway.Connect(context.Background(), 1)
	require.NoError(t, err)
	core.rooms.Join(c, "r1")
	core.rooms.Join(c, "r2")

	core.gateway.Disconnect(c)
	core.gateway.Disconnect(c)

	assert.True(t, c.isClosed(), "expected connection to be closed")
	assert.False(t, core.registry.IsOnline(1), "expected user to be offline")
	assert.Equal(t, 0, core.rooms.RoomCount(), "expected no residual rooms")
	assert.False(t, core.rooms.Join(c, "r3"), "expected join after disconnect to fail")
}

func TestGatewayDispatchProtocolErrors(t *testing.T) {
	tcases := []struct {
		name string
		raw  string
		id   int
	}{
		{name: "malformed json", raw: `{"type":`},
		{name: "missing type", raw: `{"id":3,"data":{}}`, id: 3},
		{name: "unknown type", raw: `{"id":4,"type":"dance"}`, id: 4},
		{name: "missing target", raw: `{"id":5,"type":"typing-start","data":{}}`, id: 5},
		{name: "missing payload", raw: `{"id":6,"type":"send-message","data":{"room_id":"r1"}}`, id: 6},
		{name: "missing room", raw: `{"id":7,"type":"join-room","data":{}}`, id: 7},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())
			c, err := core.gateway.Connect(context.Background(), 1)
			require.NoError(t, err)
			drain(c)

			err = core.gateway.Dispatch(context.Background(), c, []byte(tc.raw))

			var protoErr *ProtocolError
			assert.True(t, errors.As(err, &protoErr), "expected protocol error, got %v", err)

			msgs := drain(c)
			require.Len(t, msgs, 1, "expected a single response")
			assert.Equal(t, tc.id, msgs[0].Id, "expected request id to be echoed")
			assert.Equal(t, http.StatusBadRequest, responseOf(t, msgs[0]).ResponseCode)
			assert.False(t, c.isClosed(), "expected connection to stay open")
		})
	}
}

func TestGatewayJoinRoom(t *testing.T) {
	t.Run("participant joins", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsParticipant", mock.Anything, 1, "r1").Return(true, nil).Once()
		defer db.AssertExpectations(t)

		core := newTestCore(t, db, testChatConfig())
		c, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		drain(c)

		err = core.gateway.Dispatch(context.Background(), c, []byte(`{"id":1,"type":"join-room","data":{"room_id":"r1"}}`))
		require.NoError(t, err)

		assert.True(t, core.rooms.IsMember(c, "r1"), "expected connection to be a member")
		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, http.StatusOK, responseOf(t, msgs[0]).ResponseCode)
		assert.Equal(t, 1, msgs[0].Id)
	})

	t.Run("non-participant is forbidden", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsParticipant", mock.Anything, 1, "r9").Return(false, nil).Once()
		defer db.AssertExpectations(t)

		core := newTestCore(t, db, testChatConfig())
		c, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		drain(c)

		err = core.gateway.Dispatch(context.Background(), c, []byte(`{"id":2,"type":"join-room","data":{"room_id":"r9"}}`))

		var authzErr *AuthorizationError
		require.True(t, errors.As(err, &authzErr), "expected authorization error, got %v", err)
		assert.Equal(t, "r9", authzErr.RoomId)
		assert.False(t, core.rooms.IsMember(c, "r9"))
		assert.Equal(t, 0, core.rooms.RoomCount(), "expected no room to be created")

		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, http.StatusForbidden, responseOf(t, msgs[0]).ResponseCode)
	})

	t.Run("store failure is an internal error", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsParticipant", mock.Anything, 1, "r1").Return(false, errors.New("db down")).Once()
		defer db.AssertExpectations(t)

		core := newTestCore(t, db, testChatConfig())
		c, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		drain(c)

		err = core.gateway.Dispatch(context.Background(), c, []byte(`{"id":3,"type":"join-room","data":{"room_id":"r1"}}`))
		assert.Error(t, err)

		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, http.StatusInternalServerError, responseOf(t, msgs[0]).ResponseCode)
	})
}

func TestGatewayLeaveRoom(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())
	c, err := core.gateway.Connect(context.Background(), 1)
	require.NoError(t, err)
	core.rooms.Join(c, "r1")
	drain(c)

	require.NoError(t, core.gateway.Dispatch(context.Background(), c, []byte(`{"id":1,"type":"leave-room","data":{"room_id":"r1"}}`)))
	require.NoError(t, core.gateway.Dispatch(context.Background(), c, []byte(`{"id":2,"type":"leave-room","data":{"room_id":"r1"}}`)),
		"expected leaving twice to succeed")

	assert.Equal(t, 0, core.rooms.RoomCount())
	msgs := drain(c)
	require.Len(t, msgs, 2)
	assert.Equal(t, http.StatusOK, responseOf(t, msgs[1]).ResponseCode)
}

func TestGatewaySendMessage(t *testing.T) {
	setup := func(t *testing.T) (*testCore, *Connection, *Connection, *Connection) {
		core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())
		a1, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		a2, err := core.gateway.Connect(context.Background(), 1)
		require.NoError(t, err)
		b1, err := core.gateway.Connect(context.Background(), 2)
		require.NoError(t, err)
		for _, c := range []*Connection{a1, a2, b1} {
			drain(c)
		}
		return core, a1, a2, b1
	}

	t.Run("to joined room", func(t *testing.T) {
		core, a1, a2, b1 := setup(t)
		core.rooms.Join(a1, "r1")
		core.rooms.Join(a2, "r1")
		core.rooms.Join(b1, "r1")

		err := core.gateway.Dispatch(context.Background(), a1, []byte(`{"id":1,"type":"send-message","data":{"room_id":"r1","payload":{"text":"hi"}}}`))
		require.NoError(t, err)

		aMsgs := drain(a1)
		require.Len(t, aMsgs, 1, "expected only an ack for the sender")
		assert.Equal(t, http.StatusAccepted, responseOf(t, aMsgs[0]).ResponseCode)

		for _, c := range []*Connection{a2, b1} {
			msgs := drain(c)
			require.Len(t, msgs, 1, "expected %q to receive the message", c.id)
			assert.Equal(t, ReceiveMessage, msgs[0].Type)
			m := msgs[0].Data.(Message)
			assert.Equal(t, 1, m.SenderId, "expected sender to be attributed")
			assert.Equal(t, "r1", m.RoomId)
			assert.JSONEq(t, `{"text":"hi"}`, string(m.Payload))
		}
	})

	t.Run("to room not joined is forbidden", func(t *testing.T) {
		core, a1, _, b1 := setup(t)
		core.rooms.Join(b1, "r1")

		err := core.gateway.Dispatch(context.Background(), a1, []byte(`{"id":2,"type":"send-message","data":{"room_id":"r1","payload":"x"}}`))

		var authzErr *AuthorizationError
		assert.True(t, errors.As(err, &authzErr), "expected authorization error, got %v", err)
		assert.Empty(t, drain(b1), "expected nothing to be delivered")

		msgs := drain(a1)
		require.Len(t, msgs, 1)
		assert.Equal(t, http.StatusForbidden, responseOf(t, msgs[0]).ResponseCode)
	})

	t.Run("to recipient", func(t *testing.T) {
		core, a1, a2, b1 := setup(t)

		err := core.gateway.Dispatch(context.Background(), b1, []byte(`{"id":3,"type":"send-message","data":{"recipient_id":1,"payload":"ping"}}`))
		require.NoError(t, err)

		for _, c := range []*Connection{a1, a2} {
			msgs := drain(c)
			require.Len(t, msgs, 1)
			assert.Equal(t, Message{SenderId: 2, RecipientId: 1, Payload: json.RawMessage(`"ping"`)}, msgs[0].Data)
		}
		assert.Equal(t, 0, core.rooms.RoomCount(), "expected direct messages not to create rooms")
	})
}

func TestGatewayTyping(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())
	a1, err := core.gateway.Connect(context.Background(), 1)
	require.NoError(t, err)
	b1, err := core.gateway.Connect(context.Background(), 2)
	require.NoError(t, err)
	core.rooms.Join(a1, "r1")
	core.rooms.Join(b1, "r1")
	drain(a1)
	drain(b1)

	tcases := []struct {
		name     string
		raw      string
		expected *ServerMessage
	}{
		{
			name:     "start in room",
			raw:      `{"type":"typing-start","data":{"room_id":"r1"}}`,
			expected: &ServerMessage{Type: UserTyping, Data: TypingNotice{UserId: 1, RoomId: "r1"}},
		},
		{
			name:     "stop in room",
			raw:      `{"type":"typing-stop","data":{"room_id":"r1"}}`,
			expected: &ServerMessage{Type: UserStopTyping, Data: TypingNotice{UserId: 1, RoomId: "r1"}},
		},
		{
			name:     "start to recipient",
			raw:      `{"type":"typing-start","data":{"recipient_id":2}}`,
			expected: &ServerMessage{Type: UserTyping, Data: TypingNotice{UserId: 1}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, core.gateway.Dispatch(context.Background(), a1, []byte(tc.raw)))

			assert.Empty(t, drain(a1), "expected no echo or ack for typing")
			msgs := drain(b1)
			require.Len(t, msgs, 1)
			assert.Equal(t, tc.expected.Type, msgs[0].Type)
			assert.Equal(t, tc.expected.Data, msgs[0].Data)
		})
	}
}

func TestGatewayRequestSnapshot(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())
	a1, err := core.gateway.Connect(context.Background(), 1)
	require.NoError(t, err)
	_, err = core.gateway.Connect(context.Background(), 2)
	require.NoError(t, err)
	drain(a1)

	require.NoError(t, core.gateway.Dispatch(context.Background(), a1, []byte(`{"id":8,"type":"request-snapshot"}`)))

	msgs := drain(a1)
	require.Len(t, msgs, 1)
	assert.Equal(t, PresenceSnapshot, msgs[0].Type)
	assert.Equal(t, 8, msgs[0].Id, "expected request id to be echoed")
	assert.Equal(t, Snapshot{UserIds: []int{2}}, msgs[0].Data)
}

func TestGatewayNotify(t *testing.T) {
	core := newTestCore(t, &database.MockGoChatRepository{}, testChatConfig())
	b1, err := core.gateway.Connect(context.Background(), 2)
	require.NoError(t, err)
	drain(b1)

	assert.Equal(t, 1, core.gateway.Notify(1, 2, json.RawMessage(`{"kind":"invite"}`)))
	assert.Equal(t, 0, core.gateway.Notify(1, 3, json.RawMessage(`{}`)), "expected offline user to receive nothing")

	msgs := drain(b1)
	require.Len(t, msgs, 1)
	assert.Equal(t, UserNotification, msgs[0].Type)
	assert.Equal(t, Notification{SenderId: 1, Payload: json.RawMessage(`{"kind":"invite"}`)}, msgs[0].Data)
}
