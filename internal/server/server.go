package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-presence/internal/config"
	"github.com/npezzotti/gochat-presence/internal/database"
	"github.com/npezzotti/gochat-presence/internal/stats"
)

var ErrServerClosed = errors.New("chat server closed")

// ChatServer owns one instance of every real-time component and their
// lifecycle.
type ChatServer struct {
	log        *log.Logger
	db         database.GoChatRepository
	stats      stats.StatsProvider
	cfg        config.ChatConfig
	registry   *Registry
	rooms      *RoomManager
	router     *Router
	reconciler *Reconciler
	gateway    *Gateway

	// admitMu orders admissions against the shutdown sweep
	admitMu sync.RWMutex
	closing bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewChatServer(logger *log.Logger, db database.GoChatRepository, verifier TokenVerifier,
	st stats.StatsProvider, cfg config.ChatConfig) (*ChatServer, error) {
	if cfg.SendBufferSize <= 0 {
		return nil, fmt.Errorf("send buffer size must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}

	for _, name := range []string{stats.ActiveConnections, stats.OnlineUsers, stats.ActiveRooms,
		stats.DroppedEvents, stats.PersistenceFailures} {
		st.RegisterMetric(name)
	}

	registry := NewRegistry(logger, st)
	rooms := NewRoomManager(logger, st)
	router := NewRouter(logger, registry, rooms, st)
	reconciler := NewReconciler(logger, registry, router, db, st, cfg.ReconcileInterval, cfg.StoreTimeout)
	gateway := NewGateway(logger, registry, rooms, router, reconciler, db, verifier, cfg)

	return &ChatServer{
		log:        logger,
		db:         db,
		stats:      st,
		cfg:        cfg,
		registry:   registry,
		rooms:      rooms,
		router:     router,
		reconciler: reconciler,
		gateway:    gateway,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Gateway() *Gateway {
	return cs.gateway
}

func (cs *ChatServer) Router() *Router {
	return cs.router
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

// Run blocks until Shutdown is called.
func (cs *ChatServer) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cs.stop
		cancel()
	}()

	cs.reconciler.Run(ctx)
	close(cs.done)
}

// ServeClient registers an authenticated websocket and starts its pumps.
func (cs *ChatServer) ServeClient(ws *websocket.Conn, userId int) error {
	conn, err := cs.admit(userId)
	if err != nil {
		ws.Close()
		return err
	}

	client := NewClient(ws, conn, cs.gateway, cs.log, cs.cfg)
	go client.Write()
	go client.Read()

	return nil
}

// admit connects userId unless Shutdown has started. A connection admitted
// here is always visible to the shutdown sweep.
func (cs *ChatServer) admit(userId int) (*Connection, error) {
	cs.admitMu.RLock()
	defer cs.admitMu.RUnlock()

	if cs.closing {
		return nil, ErrServerClosed
	}

	return cs.gateway.Connect(context.Background(), userId)
}

// Shutdown closes every connection, stops the reconciler after a final
// cycle and waits for it, or for ctx.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.stopOnce.Do(func() {
		cs.admitMu.Lock()
		cs.closing = true
		cs.admitMu.Unlock()

		for _, c := range cs.registry.All() {
			cs.gateway.Disconnect(c)
		}
		// offline transitions are recorded before the final cycle runs
		close(cs.stop)
	})

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
