package server

import (
	"errors"
	"log"

	"github.com/npezzotti/gochat-presence/internal/stats"
)

// Router delivers server messages to users, rooms, or every connection.
// Delivery never blocks; a full or closed queue drops the message for that
// target only.
type Router struct {
	log      *log.Logger
	registry *Registry
	rooms    *RoomManager
	stats    stats.StatsProvider
}

func NewRouter(logger *log.Logger, registry *Registry, rooms *RoomManager, st stats.StatsProvider) *Router {
	return &Router{
		log:      logger,
		registry: registry,
		rooms:    rooms,
		stats:    st,
	}
}

// RouteToUser delivers msg to every connection of userId. It returns the
// number of connections the message was queued on.
func (rt *Router) RouteToUser(userId int, msg *ServerMessage) int {
	n := 0
	for _, c := range rt.registry.ConnectionsFor(userId) {
		if c.id == msg.SkipConnection {
			continue
		}
		if rt.deliver(c, msg) {
			n++
		}
	}
	return n
}

// RouteToRoom delivers msg to the room's members except excludeConnectionId.
func (rt *Router) RouteToRoom(roomId string, msg *ServerMessage, excludeConnectionId string) int {
	n := 0
	for _, c := range rt.rooms.MembersOf(roomId) {
		if c.id == excludeConnectionId {
			continue
		}
		if rt.deliver(c, msg) {
			n++
		}
	}
	return n
}

// BroadcastAll delivers msg to every registered connection, skipping those
// named by msg.SkipUser and msg.SkipConnection.
func (rt *Router) BroadcastAll(msg *ServerMessage) int {
	n := 0
	for _, c := range rt.registry.All() {
		if msg.SkipUser != 0 && c.userId == msg.SkipUser {
			continue
		}
		if c.id == msg.SkipConnection {
			continue
		}
		if rt.deliver(c, msg) {
			n++
		}
	}
	return n
}

// Reply queues msg on a single connection.
func (rt *Router) Reply(c *Connection, msg *ServerMessage) bool {
	return rt.deliver(c, msg)
}

func (rt *Router) deliver(c *Connection, msg *ServerMessage) bool {
	err := c.queueMessage(msg)
	if err == nil {
		return true
	}

	rt.log.Println(&DeliveryFailure{ConnectionId: c.id, Type: msg.Type, Err: err})
	if errors.Is(err, ErrQueueFull) {
		rt.stats.Incr(stats.DroppedEvents)
	}
	return false
}
