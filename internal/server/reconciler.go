package server

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/gochat-presence/internal/database"
	"github.com/npezzotti/gochat-presence/internal/stats"
)

type presenceChange struct {
	online bool
	at     time.Time

	// connected is set when the user went 0→1 at any point since the last cycle
	connected bool
}

type presenceWrite struct {
	userId int
	online bool
	at     time.Time
}

type broadcaster interface {
	BroadcastAll(msg *ServerMessage) int
	Reply(c *Connection, msg *ServerMessage) bool
}

// Reconciler turns registry count transitions into presence events and
// persistence writes. Transitions are collected as pending marks and
// resolved on each cycle against what was last announced, so a user who
// goes 1→0→1 between cycles is never reported offline.
//
// Persistence writes are coalesced per user: the writer always applies the
// latest state and a slow store never holds up a cycle.
type Reconciler struct {
	log          *log.Logger
	registry     *Registry
	router       broadcaster
	store        database.UserPresenceStore
	stats        stats.StatsProvider
	interval     time.Duration
	storeTimeout time.Duration

	mu      sync.Mutex
	pending map[int]presenceChange

	// flushLock serializes cycles and guards announced
	flushLock sync.Mutex
	announced map[int]bool

	wake chan struct{}

	writeMu    sync.Mutex
	writes     map[int]presenceWrite
	writeReady chan struct{}
}

func NewReconciler(logger *log.Logger, registry *Registry, router broadcaster, store database.UserPresenceStore,
	st stats.StatsProvider, interval, storeTimeout time.Duration) *Reconciler {
	r := &Reconciler{
		log:          logger,
		registry:     registry,
		router:       router,
		store:        store,
		stats:        st,
		interval:     interval,
		storeTimeout: storeTimeout,
		pending:      make(map[int]presenceChange),
		announced:    make(map[int]bool),
		wake:         make(chan struct{}, 1),
		writes:       make(map[int]presenceWrite),
		writeReady:   make(chan struct{}, 1),
	}
	registry.observe(r)

	return r
}

func (r *Reconciler) markOnline(userId int, at time.Time) {
	r.mark(userId, presenceChange{online: true, at: at})
}

func (r *Reconciler) markOffline(userId int, at time.Time) {
	r.mark(userId, presenceChange{online: false, at: at})
}

func (r *Reconciler) mark(userId int, change presenceChange) {
	r.mu.Lock()
	prev := r.pending[userId]
	change.connected = change.online || prev.connected
	r.pending[userId] = change
	r.mu.Unlock()

	r.Wake()
}

// Wake requests a cycle without waiting for the ticker.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the users currently online, excluding forUser.
func (r *Reconciler) Snapshot(forUser int) []int {
	ids := r.registry.AllOnlineUserIds()
	return slices.DeleteFunc(ids, func(id int) bool { return id == forUser })
}

// SendSnapshot queues the online set, minus c's own user, to c under the
// cycle lock, so no presence event computed after the snapshot reaches c
// before it.
func (r *Reconciler) SendSnapshot(c *Connection, id int) bool {
	r.flushLock.Lock()
	defer r.flushLock.Unlock()

	return r.router.Reply(c, newSnapshot(id, r.Snapshot(c.userId)))
}

// flush runs one reconciliation cycle and returns the number of events
// broadcast.
func (r *Reconciler) flush() int {
	r.flushLock.Lock()
	defer r.flushLock.Unlock()

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int]presenceChange)
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	userIds := make([]int, 0, len(pending))
	for id := range pending {
		userIds = append(userIds, id)
	}
	slices.Sort(userIds)

	emitted := 0
	for _, userId := range userIds {
		change := pending[userId]
		switch {
		case r.announced[userId] != change.online:
			r.announce(userId, change.online, change.at)
			emitted++
		case !change.online && change.connected:
			// a session opened and closed within one cycle
			r.announce(userId, true, change.at)
			r.announce(userId, false, change.at)
			emitted += 2
		}
	}

	return emitted
}

func (r *Reconciler) announce(userId int, online bool, at time.Time) {
	if online {
		r.announced[userId] = true
		r.log.Printf("user %d is online", userId)
		r.router.BroadcastAll(newPresenceOnline(userId))
	} else {
		delete(r.announced, userId)
		r.log.Printf("user %d is offline", userId)
		r.router.BroadcastAll(newPresenceOffline(userId, at))
	}

	r.enqueueWrite(presenceWrite{userId: userId, online: online, at: at})
}

// enqueueWrite replaces any write for the same user that the writer has
// not picked up yet.
func (r *Reconciler) enqueueWrite(w presenceWrite) {
	r.writeMu.Lock()
	r.writes[w.userId] = w
	r.writeMu.Unlock()

	select {
	case r.writeReady <- struct{}{}:
	default:
	}
}

// takeWrites returns the queued writes ordered by user id and empties the queue.
func (r *Reconciler) takeWrites() []presenceWrite {
	r.writeMu.Lock()
	queued := r.writes
	r.writes = make(map[int]presenceWrite)
	r.writeMu.Unlock()

	out := make([]presenceWrite, 0, len(queued))
	for _, w := range queued {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b presenceWrite) int { return a.userId - b.userId })

	return out
}

// writer applies queued writes one batch at a time until stop is closed,
// then applies whatever is left.
func (r *Reconciler) writer(stop <-chan struct{}) {
	for {
		select {
		case <-r.writeReady:
			r.persistAll()
		case <-stop:
			r.persistAll()
			return
		}
	}
}

func (r *Reconciler) persistAll() {
	for _, w := range r.takeWrites() {
		r.persist(w)
	}
}

func (r *Reconciler) persist(w presenceWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	var (
		op  string
		err error
	)
	if w.online {
		op = "set online"
		err = r.store.SetOnline(ctx, w.userId)
	} else {
		op = "set offline"
		err = r.store.SetOffline(ctx, w.userId, w.at)
	}

	if err != nil {
		r.log.Println(&PersistenceWriteFailure{UserId: w.userId, Op: op, Err: err})
		r.stats.Incr(stats.PersistenceFailures)
	}
}

// Run cycles on every wake-up and on each tick of the reconcile interval
// until ctx is done, then runs a final cycle and drains pending writes.
func (r *Reconciler) Run(ctx context.Context) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.writer(stop)
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.wake:
			r.flush()
		case <-ticker.C:
			r.flush()
		case <-ctx.Done():
			r.flush()
			close(stop)
			wg.Wait()
			r.log.Println("presence reconciler stopped")
			return
		}
	}
}
