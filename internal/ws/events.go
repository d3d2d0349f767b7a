package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/keyexchange"
	"securechat/internal/service"
)

const (
	EventMessageSend     = "message:send"
	EventMessageNew      = "message:new"
	EventReactionAdd     = "reaction:add"
	EventReactionRemove  = "reaction:remove"
	EventReactionAdded   = "reaction:added"
	EventReactionRemoved = "reaction:removed"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventRoomJoin        = "room:join"
	EventRoomLeave       = "room:leave"
	EventRoomJoined      = "room:joined"
	EventRoomLeft        = "room:left"
	EventKeyExchange     = "key:exchange"
	EventKeyRequest      = "key:request"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventError           = "error"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type sendRequest struct {
	RoomID      string              `json:"room_id"`
	Content     string              `json:"content"`
	MessageType domain.MessageType  `json:"message_type"`
	ReplyTo     *string             `json:"reply_to"`
	Mentions    []string            `json:"mentions"`
	Attachments []domain.Attachment `json:"attachments"`
	Password    string              `json:"password"`
}

type reactionRequest struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Emoji     string `json:"emoji"`
}

type keyRequest struct {
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	PublicKey    string `json:"public_key"`
}

type keyExchangeEvent struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
}

type keyRequestEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type typingEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type userEvent struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	RoomID   string    `json:"room_id"`
	LastSeen time.Time `json:"last_seen"`
}

type roomJoinedEvent struct {
	userEvent
	Online []string `json:"online"`
}

func presenceEvent(u *domain.User, roomID string, at time.Time) userEvent {
	return userEvent{UserID: u.ID, Name: u.Name, Avatar: u.Avatar, RoomID: roomID, LastSeen: at}
}

type errorEvent struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// dispatch runs one inbound event on the connection's read goroutine.
// Crypto and persistence happen here; only the resulting fan-out goes
// through the hub.
func (c *Client) dispatch(ctx context.Context, in inbound) {
	var err error
	switch in.Event {
	case EventMessageSend:
		err = c.onMessageSend(ctx, in.Data)
	case EventReactionAdd, EventReactionRemove:
		err = c.onReaction(ctx, in.Event, in.Data)
	case EventTypingStart, EventTypingStop:
		var req roomRequest
		if err = decode(in.Data, &req); err == nil {
			c.hub.setTyping(c, req.RoomID, in.Event == EventTypingStart)
		}
	case EventRoomJoin:
		err = c.onJoin(ctx, in.Data)
	case EventRoomLeave:
		var req roomRequest
		if err = decode(in.Data, &req); err == nil {
			c.hub.leave(c, req.RoomID)
			c.dropKey(ctx, req.RoomID)
		}
	case EventKeyExchange:
		err = c.onKeyExchange(ctx, in.Data)
	case EventKeyRequest:
		err = c.onKeyRequest(ctx, in.Data)
	default:
		err = fmt.Errorf("unknown event %q: %w", in.Event, domain.ErrInvalidInput)
	}
	if err != nil {
		c.fail(in.Event, err)
	}
}

func (c *Client) onMessageSend(ctx context.Context, data json.RawMessage) error {
	var req sendRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Password == "" {
		return fmt.Errorf("password is required: %w", domain.ErrInvalidCredential)
	}
	view, err := c.deps.Messages.SendMessage(ctx, c.user.ID, req.Password, service.SendMessageInput{
		RoomID:      req.RoomID,
		Content:     req.Content,
		Type:        req.MessageType,
		ReplyTo:     req.ReplyTo,
		Mentions:    req.Mentions,
		Attachments: req.Attachments,
	})
	if err != nil {
		return err
	}
	c.hub.broadcast(view.RoomID, nil, EventMessageNew, view)
	return nil
}

func (c *Client) onReaction(ctx context.Context, event string, data json.RawMessage) error {
	var req reactionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	var (
		res *service.ReactionResult
		err error
		out = EventReactionAdded
	)
	if event == EventReactionAdd {
		res, err = c.deps.Messages.AddReaction(ctx, c.user.ID, req.MessageID, service.ReactionInput{Type: req.Type, Emoji: req.Emoji})
	} else {
		res, err = c.deps.Messages.RemoveReaction(ctx, c.user.ID, req.MessageID, req.Type)
		out = EventReactionRemoved
	}
	if err != nil {
		return err
	}
	if res.Changed {
		c.hub.broadcast(res.Message.RoomID, nil, out, res.Event())
	}
	return nil
}

func (c *Client) onJoin(ctx context.Context, data json.RawMessage) error {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	room, err := c.deps.Rooms.GetRoom(ctx, c.user.ID, req.RoomID)
	if err != nil {
		return err
	}
	c.hub.join(c, room.ID, true)
	c.setupKeyExchange(ctx, room)
	return nil
}

// setupKeyExchange gives the connection an ephemeral key for an
// encryption-enabled room, derives secrets with every peer that already
// published one and announces the public half to the room.
func (c *Client) setupKeyExchange(ctx context.Context, room *domain.ChatRoom) {
	if !room.EncryptionEnabled || c.deps.Keys == nil {
		return
	}
	kp, err := keyexchange.GenerateKeyPair()
	if err != nil {
		c.log.Error("generate ephemeral key", zap.String("room_id", room.ID), zap.Error(err))
		return
	}
	if err := c.deps.Keys.SetPublicKey(ctx, room.ID, c.user.ID, kp.PublicString()); err != nil {
		c.log.Warn("publish ephemeral key", zap.String("room_id", room.ID), zap.Error(err))
		return
	}
	c.setKey(room.ID, kp)
	paired, err := c.deps.Keys.InitializeRoomKeyExchange(ctx, room.ID, c.user.ID, kp.Private, nil)
	if err != nil {
		c.log.Warn("room key exchange", zap.String("room_id", room.ID), zap.Error(err))
	}
	c.log.Debug("ephemeral key ready", zap.String("room_id", room.ID), zap.Int("paired", len(paired)))
	c.hub.broadcast(room.ID, c, EventKeyExchange, keyExchangeEvent{
		RoomID:    room.ID,
		UserID:    c.user.ID,
		PublicKey: kp.PublicString(),
	})
}

func (c *Client) setKey(roomID string, kp *keyexchange.KeyPair) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	if old, ok := c.keys[roomID]; ok {
		clear(old.Private[:])
	}
	c.keys[roomID] = kp
}

func (c *Client) key(roomID string) (*keyexchange.KeyPair, bool) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	kp, ok := c.keys[roomID]
	return kp, ok
}

func (c *Client) keyRooms() []string {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	ids := make([]string, 0, len(c.keys))
	for id := range c.keys {
		ids = append(ids, id)
	}
	return ids
}

// forgetKey zeroes the room's private key and returns the public half that
// was published for it.
func (c *Client) forgetKey(roomID string) (string, bool) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	kp, ok := c.keys[roomID]
	if !ok {
		return "", false
	}
	pub := kp.PublicString()
	clear(kp.Private[:])
	delete(c.keys, roomID)
	return pub, true
}

// dropKey forgets the room key and withdraws its public half so later peers
// do not pair with it.
func (c *Client) dropKey(ctx context.Context, roomID string) {
	pub, ok := c.forgetKey(roomID)
	if !ok || c.deps.Keys == nil {
		return
	}
	if err := c.deps.Keys.ClearPublicKey(ctx, roomID, c.user.ID, pub); err != nil {
		c.log.Warn("withdraw ephemeral key", zap.String("room_id", roomID), zap.Error(err))
	}
}

// onKeyExchange relays a public key to one peer or the whole room. Without
// an explicit key the connection's own ephemeral key is sent.
func (c *Client) onKeyExchange(ctx context.Context, data json.RawMessage) error {
	var req keyRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	pub := req.PublicKey
	if pub == "" {
		kp, ok := c.key(req.RoomID)
		if !ok {
			return fmt.Errorf("no key for room: %w", domain.ErrNotFound)
		}
		pub = kp.PublicString()
	} else if _, err := keyexchange.ParsePublicKey(pub); err != nil {
		return fmt.Errorf("public key: %w", domain.ErrInvalidInput)
	}
	ev := keyExchangeEvent{RoomID: req.RoomID, UserID: c.user.ID, PublicKey: pub}
	return c.relay(ctx, req.RoomID, req.TargetUserID, EventKeyExchange, ev)
}

func (c *Client) onKeyRequest(ctx context.Context, data json.RawMessage) error {
	var req keyRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return c.relay(ctx, req.RoomID, req.TargetUserID, EventKeyRequest, keyRequestEvent{RoomID: req.RoomID, UserID: c.user.ID})
}

func (c *Client) relay(ctx context.Context, roomID, target, event string, payload any) error {
	if roomID == "" {
		return fmt.Errorf("room_id is required: %w", domain.ErrInvalidInput)
	}
	ok, err := c.deps.Rooms.IsParticipant(ctx, roomID, c.user.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("relay: %w", domain.ErrAccessDenied)
	}
	if target == "" {
		c.hub.broadcast(roomID, c, event, payload)
		return nil
	}
	c.hub.sendToUser(roomID, target, event, payload)
	return nil
}

// fail reports err to this connection only. The connection stays open.
func (c *Client) fail(event string, err error) {
	code, msg := publicError(err)
	if code == "internal" {
		c.log.Error("socket event failed", zap.String("event", event), zap.Error(err))
	}
	c.hub.sendTo(c, EventError, errorEvent{Event: event, Code: code, Message: msg})
}

func publicError(err error) (code, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAccessDenied):
		return "not_found", "not found"
	case errors.Is(err, domain.ErrInvalidCredential):
		return "invalid_credential", "invalid encryption password"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input", err.Error()
	case errors.Is(err, domain.ErrConflict):
		return "conflict", err.Error()
	case errors.Is(err, domain.ErrDecryptionFailure):
		return "decryption_failed", domain.ErrDecryptionFailure.Error()
	case errors.Is(err, domain.ErrEncryptionFailure):
		return "encryption_failed", domain.ErrEncryptionFailure.Error()
	case errors.Is(err, errRateLimited):
		return "rate_limited", err.Error()
	default:
		return "internal", domain.ErrInternal.Error()
	}
}

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing event data: %w", domain.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("malformed event data: %w", domain.ErrInvalidInput)
	}
	return nil
}
