package server

import (
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/npezzotti/gochat-presence/internal/stats"
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Connection
}

// RoomManager tracks room membership. A room exists while it has at least
// one member; it is created on first join and evicted on last leave.
type RoomManager struct {
	log    *log.Logger
	stats  stats.StatsProvider
	shards [numShards]roomShard
}

func NewRoomManager(logger *log.Logger, st stats.StatsProvider) *RoomManager {
	rm := &RoomManager{
		log:   logger,
		stats: st,
	}
	for i := range rm.shards {
		rm.shards[i].rooms = make(map[string]map[string]*Connection)
	}

	return rm
}

func (rm *RoomManager) shardFor(roomId string) *roomShard {
	return &rm.shards[xxhash.Sum64String(roomId)%numShards]
}

// Join adds c to roomId. Joining a room twice is a no-op. It returns false if
// the connection is already closed.
func (rm *RoomManager) Join(c *Connection, roomId string) bool {
	s := rm.shardFor(roomId)
	s.mu.Lock()
	defer s.mu.Unlock()

	// recorded on the connection first so LeaveAll observes it
	if !c.addRoom(roomId) {
		return false
	}

	members, ok := s.rooms[roomId]
	if !ok {
		members = make(map[string]*Connection)
		s.rooms[roomId] = members
		rm.stats.Incr(stats.ActiveRooms)
		rm.log.Printf("created room %q", roomId)
	}
	members[c.id] = c

	return true
}

// Leave removes c from roomId. Leaving a room the connection is not in is a
// no-op.
func (rm *RoomManager) Leave(c *Connection, roomId string) {
	s := rm.shardFor(roomId)
	s.mu.Lock()
	defer s.mu.Unlock()

	c.delRoom(roomId)

	members, ok := s.rooms[roomId]
	if !ok {
		return
	}
	delete(members, c.id)

	if len(members) == 0 {
		delete(s.rooms, roomId)
		rm.stats.Decr(stats.ActiveRooms)
		rm.log.Printf("evicted empty room %q", roomId)
	}
}

// LeaveAll removes c from every room it joined. Cost is proportional to the
// connection's own rooms.
func (rm *RoomManager) LeaveAll(c *Connection) {
	for _, roomId := range c.Rooms() {
		rm.Leave(c, roomId)
	}
}

// MembersOf returns a snapshot of the room's members. A missing room yields
// an empty slice.
func (rm *RoomManager) MembersOf(roomId string) []*Connection {
	s := rm.shardFor(roomId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[roomId]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (rm *RoomManager) IsMember(c *Connection, roomId string) bool {
	s := rm.shardFor(roomId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.rooms[roomId][c.id]
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (rm *RoomManager) RoomCount() int {
	n := 0
	for i := range rm.shards {
		s := &rm.shards[i]
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}
