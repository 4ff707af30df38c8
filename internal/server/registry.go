package server

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/gochat-presence/internal/stats"
)

const numShards = 64

// transitionRecorder receives presence transitions while the registry holds
// the user's lock, so the order of marks per user matches the order of
// count changes.
type transitionRecorder interface {
	markOnline(userId int, at time.Time)
	markOffline(userId int, at time.Time)
}

type userShard struct {
	mu    sync.Mutex
	users map[int]map[string]*Connection
}

// Registry maps users to their live connections and is the source of truth
// for whether a user is online. Mutations for one user are serialized by
// that user's shard lock; unrelated users only contend on hash collision.
type Registry struct {
	log      *log.Logger
	stats    stats.StatsProvider
	presence transitionRecorder
	now      func() time.Time

	shards [numShards]userShard

	// indexLock is always acquired after a shard lock, never before
	indexLock sync.RWMutex
	index     map[string]*Connection
}

func NewRegistry(logger *log.Logger, st stats.StatsProvider) *Registry {
	r := &Registry{
		log:   logger,
		stats: st,
		now:   Now,
		index: make(map[string]*Connection),
	}
	for i := range r.shards {
		r.shards[i].users = make(map[int]map[string]*Connection)
	}

	return r
}

func (r *Registry) observe(rec transitionRecorder) {
	r.presence = rec
}

func (r *Registry) shardFor(userId int) *userShard {
	idx := userId % numShards
	if idx < 0 {
		idx = -idx
	}
	return &r.shards[idx]
}

// Register adds c to its user's connection set. The first connection of a
// user records an online transition.
func (r *Registry) Register(c *Connection) error {
	s := r.shardFor(c.userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.indexLock.Lock()
	if _, ok := r.index[c.id]; ok {
		r.indexLock.Unlock()
		r.log.Printf("rejecting duplicate connection %q for user %d", c.id, c.userId)
		return ErrDuplicateConnection
	}
	r.index[c.id] = c
	r.indexLock.Unlock()

	conns := s.users[c.userId]
	if conns == nil {
		conns = make(map[string]*Connection)
		s.users[c.userId] = conns
	}
	conns[c.id] = c

	r.stats.Incr(stats.ActiveConnections)
	r.log.Printf("registered connection %q for user %d, active connections: %d", c.id, c.userId, len(conns))

	if len(conns) == 1 {
		r.stats.Incr(stats.OnlineUsers)
		if r.presence != nil {
			r.presence.markOnline(c.userId, r.now())
		}
	}

	return nil
}

// Unregister removes the connection with the given id. Removing an absent id
// is a no-op. The last connection of a user records an offline transition.
// It reports whether a connection was removed.
func (r *Registry) Unregister(connectionId string) bool {
	r.indexLock.RLock()
	c, ok := r.index[connectionId]
	r.indexLock.RUnlock()
	if !ok {
		return false
	}

	s := r.shardFor(c.userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.indexLock.Lock()
	if _, ok := r.index[connectionId]; !ok {
		// lost a race with a concurrent unregister
		r.indexLock.Unlock()
		return false
	}
	delete(r.index, connectionId)
	r.indexLock.Unlock()

	conns := s.users[c.userId]
	if _, ok := conns[connectionId]; !ok {
		invariantViolated(r.log, "connection %q indexed but missing from user %d", connectionId, c.userId)
		return true
	}
	delete(conns, connectionId)

	r.stats.Decr(stats.ActiveConnections)
	r.log.Printf("unregistered connection %q for user %d, active connections: %d", connectionId, c.userId, len(conns))

	if len(conns) == 0 {
		delete(s.users, c.userId)
		r.stats.Decr(stats.OnlineUsers)
		if r.presence != nil {
			r.presence.markOffline(c.userId, r.now())
		}
	}

	return true
}

// ConnectionsFor returns the live connections of a user.
func (r *Registry) ConnectionsFor(userId int) []*Connection {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.users[userId]
	if len(conns) == 0 {
		return nil
	}

	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections of a user.
func (r *Registry) Count(userId int) int {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.users[userId])
}

func (r *Registry) IsOnline(userId int) bool {
	return r.Count(userId) > 0
}

// AllOnlineUserIds returns the online users in ascending order.
func (r *Registry) AllOnlineUserIds() []int {
	var ids []int
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userId := range s.users {
			ids = append(ids, userId)
		}
		s.mu.Unlock()
	}

	slices.Sort(ids)
	return ids
}

// Connection looks up a live connection by id.
func (r *Registry) Connection(connectionId string) (*Connection, bool) {
	r.indexLock.RLock()
	defer r.indexLock.RUnlock()

	c, ok := r.index[connectionId]
	return c, ok
}

// All returns every registered connection.
func (r *Registry) All() []*Connection {
	r.indexLock.RLock()
	defer r.indexLock.RUnlock()

	out := make([]*Connection, 0, len(r.index))
	for _, c := range r.index {
		out = append(out, c)
	}
	return out
}
