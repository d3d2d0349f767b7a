package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"securechat/internal/domain"
	"securechat/internal/keyexchange"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

var errRateLimited = errors.New("too many events, slow down")

// Client is one authenticated socket. The hub owns everything about its
// subscriptions.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	user    *domain.User
	deps    Deps
	send    chan []byte
	limiter *rate.Limiter
	log     *zap.Logger

	// ephemeral DH keys per encryption-enabled room, never persisted
	keysMu sync.Mutex
	keys   map[string]*keyexchange.KeyPair
}

func newClient(hub *Hub, conn *websocket.Conn, user *domain.User, deps Deps, limiter *rate.Limiter, log *zap.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		user:    user,
		deps:    deps,
		send:    make(chan []byte, sendQueueSize),
		limiter: limiter,
		log:     log.With(zap.String("user_id", user.ID)),
		keys:    make(map[string]*keyexchange.KeyPair),
	}
}

// admit subscribes the client to every room the user belongs to and marks
// it online.
func (c *Client) admit(ctx context.Context) error {
	rooms, err := c.deps.Rooms.ListRooms(ctx, c.user.ID)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		c.hub.join(c, room.ID, false)
	}
	c.hub.goOnline(c)
	for _, room := range rooms {
		c.setupKeyExchange(ctx, room)
	}
	return nil
}

// readPump dispatches inbound events until the connection fails, then tears
// the client down.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		for _, roomID := range c.keyRooms() {
			c.dropKey(ctx, roomID)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("socket closed", zap.Error(err))
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			c.fail("", domain.ErrInvalidInput)
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.fail(in.Event, errRateLimited)
			continue
		}
		c.dispatch(ctx, in)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns every write on conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
