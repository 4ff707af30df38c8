package server

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-presence/internal/config"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Client pumps frames between a websocket and its Connection. Frames from
// one client are dispatched one at a time in the order they were read.
type Client struct {
	ws             *websocket.Conn
	conn           *Connection
	gateway        *Gateway
	log            *log.Logger
	limiter        *rate.Limiter
	maxMessageSize int64
}

func NewClient(ws *websocket.Conn, conn *Connection, gw *Gateway, l *log.Logger, cfg config.ChatConfig) *Client {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Client{
		ws:             ws,
		conn:           conn,
		gateway:        gw,
		log:            l,
		limiter:        rate.NewLimiter(limit, cfg.RateBurst),
		maxMessageSize: cfg.MaxMessageSize,
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.gateway.Disconnect(c.conn)
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.conn.Send():
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.conn.Done():
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read consumes frames until the websocket fails. The websocket itself is
// closed by Write once the connection is torn down.
func (c *Client) Read() {
	defer c.gateway.Disconnect(c.conn)

	c.ws.SetReadLimit(c.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.gateway.router.Reply(c.conn, ErrTooManyRequests(0))
			continue
		}

		// errors have already been answered on the connection
		_ = c.gateway.Dispatch(context.Background(), c.conn, raw)
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.ws.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}
