package ws

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"securechat/internal/domain"
)

// DefaultTypingWindow is how long a typing:start stays live without a
// follow-up.
const DefaultTypingWindow = 3 * time.Second

// op is a unit of work executed on the hub goroutine. Every change to
// presence, subscriptions or typing goes through one, so a single channel
// keeps events from the same sender in order.
type op interface {
	apply(h *Hub)
}

type presence struct {
	user     *domain.User
	conns    int
	lastSeen time.Time
}

type clientState struct {
	rooms  map[string]struct{}
	online bool
}

type typingEntry struct {
	owner *Client
	gen   uint64
	timer *time.Timer
}

// Hub owns every piece of shared socket state: connected clients, room
// subscriptions, presence and typing sets. Nothing outside Run touches them.
type Hub struct {
	ops  chan op
	done chan struct{}

	clients  map[*Client]*clientState
	rooms    map[string]map[*Client]struct{}
	presence map[string]*presence
	typing   map[string]map[string]*typingEntry
	gen      uint64

	window time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewHub(window time.Duration, log *zap.Logger) *Hub {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		ops:      make(chan op, 256),
		done:     make(chan struct{}),
		clients:  make(map[*Client]*clientState),
		rooms:    make(map[string]map[*Client]struct{}),
		presence: make(map[string]*presence),
		typing:   make(map[string]map[string]*typingEntry),
		window:   window,
		now:      time.Now,
		log:      log.With(zap.String("component", "hub")),
	}
}

// Run processes hub operations until ctx is cancelled. On exit every client
// send queue is closed and pending typing timers are stopped.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
		}
		for _, users := range h.typing {
			for _, e := range users {
				e.timer.Stop()
			}
		}
		h.clients = map[*Client]*clientState{}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-h.ops:
			o.apply(h)
		}
	}
}

func (h *Hub) submit(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

// call submits o and waits until the hub has applied it.
func (h *Hub) call(o op, done <-chan struct{}) bool {
	if !h.submit(o) {
		return false
	}
	select {
	case <-done:
		return true
	case <-h.done:
		return false
	}
}

// PublishToRoom sends an event to every socket subscribed to roomID.
func (h *Hub) PublishToRoom(roomID, event string, payload any) {
	h.broadcast(roomID, nil, event, payload)
}

func (h *Hub) broadcast(roomID string, except *Client, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.submit(publishOp{roomID: roomID, except: except, msg: msg})
}

func (h *Hub) sendToUser(roomID, userID string, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.submit(publishOp{roomID: roomID, userID: userID, msg: msg})
}

func (h *Hub) sendTo(c *Client, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.submit(directOp{client: c, msg: msg})
}

func (h *Hub) register(c *Client) bool {
	done := make(chan struct{})
	return h.call(registerOp{client: c, done: done}, done)
}

// unregister returns once every subscription, presence count and typing
// entry of c is gone and its send queue is closed.
func (h *Hub) unregister(c *Client) {
	done := make(chan struct{})
	h.call(unregisterOp{client: c, done: done}, done)
}

func (h *Hub) join(c *Client, roomID string, announce bool) bool {
	done := make(chan struct{})
	return h.call(joinOp{client: c, roomID: roomID, announce: announce, done: done}, done)
}

func (h *Hub) leave(c *Client, roomID string) {
	done := make(chan struct{})
	h.call(leaveOp{client: c, roomID: roomID, done: done}, done)
}

// goOnline marks c present and announces user:online in its rooms when it is
// the user's first connection.
func (h *Hub) goOnline(c *Client) {
	h.submit(onlineOp{client: c})
}

func (h *Hub) setTyping(c *Client, roomID string, typing bool) {
	h.submit(typingOp{client: c, roomID: roomID, start: typing})
}

// SubscribeUser joins every live connection of userID to roomID, as when
// the user is added to a room after connecting.
func (h *Hub) SubscribeUser(roomID, userID string) {
	done := make(chan struct{})
	h.call(subscribeUserOp{roomID: roomID, userID: userID, done: done}, done)
}

// EvictUser unsubscribes every connection of userID from roomID and drops
// their ephemeral keys for it. It returns before any later publish to the
// room is applied.
func (h *Hub) EvictUser(roomID, userID string) {
	done := make(chan struct{})
	h.call(evictOp{roomID: roomID, evict: func(id string) bool { return id == userID }, done: done}, done)
}

// RetainMembers evicts every subscriber of roomID that is not in userIDs.
func (h *Hub) RetainMembers(roomID string, userIDs []string) {
	keep := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		keep[id] = struct{}{}
	}
	done := make(chan struct{})
	h.call(evictOp{roomID: roomID, evict: func(id string) bool {
		_, ok := keep[id]
		return !ok
	}, done: done}, done)
}

// onlineUsers returns the ids of online users with at least one socket
// subscribed to roomID.
func (h *Hub) onlineUsers(roomID string) []string {
	reply := make(chan []string, 1)
	if !h.submit(queryOp{roomID: roomID, reply: reply}) {
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-h.done:
		return nil
	}
}

// deliver queues msg for c. A client whose queue is full is dropped; its
// read loop then unregisters it.
func (h *Hub) deliver(c *Client, msg []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.log.Warn("dropping slow client", zap.String("user_id", c.user.ID))
		h.teardown(c)
	}
}

func (h *Hub) fanout(roomID string, except *Client, msg []byte) {
	for c := range h.rooms[roomID] {
		if c != except {
			h.deliver(c, msg)
		}
	}
}

func (h *Hub) teardown(c *Client) {
	st, ok := h.clients[c]
	if !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	joined := make([]string, 0, len(st.rooms))
	for roomID := range st.rooms {
		joined = append(joined, roomID)
		h.unsubscribe(c, roomID)
	}
	sort.Strings(joined)

	if !st.online {
		return
	}
	p := h.presence[c.user.ID]
	if p == nil {
		return
	}
	p.conns--
	p.lastSeen = h.now()
	if p.conns > 0 {
		return
	}
	delete(h.presence, c.user.ID)
	for _, roomID := range joined {
		msg, err := encode(EventUserOffline, presenceEvent(p.user, roomID, p.lastSeen))
		if err != nil {
			continue
		}
		h.fanout(roomID, nil, msg)
	}
}

// unsubscribe removes c from roomID and clears the typing entry it owns
// there.
func (h *Hub) unsubscribe(c *Client, roomID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if st, ok := h.clients[c]; ok {
		delete(st.rooms, roomID)
	}
	if e, ok := h.typing[roomID][c.user.ID]; ok && e.owner == c {
		e.timer.Stop()
		h.clearTyping(roomID, c.user.ID)
		if msg, err := encode(EventTypingStop, typingEvent{RoomID: roomID, UserID: c.user.ID}); err == nil {
			h.fanout(roomID, c, msg)
		}
	}
}

func (h *Hub) clearTyping(roomID, userID string) {
	users := h.typing[roomID]
	delete(users, userID)
	if len(users) == 0 {
		delete(h.typing, roomID)
	}
}

// subscribe adds c to roomID; false when c is unknown or already there.
func (h *Hub) subscribe(c *Client, roomID string) bool {
	st, ok := h.clients[c]
	if !ok {
		return false
	}
	if _, already := st.rooms[roomID]; already {
		return false
	}
	st.rooms[roomID] = struct{}{}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	return true
}

func (h *Hub) announceJoin(c *Client, roomID string) {
	ev := roomJoinedEvent{
		userEvent: presenceEvent(c.user, roomID, h.now()),
		Online:    h.online(roomID),
	}
	if msg, err := encode(EventRoomJoined, ev); err == nil {
		h.fanout(roomID, nil, msg)
	}
}

func (h *Hub) online(roomID string) []string {
	seen := make(map[string]struct{})
	for c := range h.rooms[roomID] {
		if st := h.clients[c]; st != nil && st.online {
			seen[c.user.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) subscribed(c *Client, roomID string) bool {
	st, ok := h.clients[c]
	if !ok {
		return false
	}
	_, ok = st.rooms[roomID]
	return ok
}

type registerOp struct {
	client *Client
	done   chan struct{}
}

func (o registerOp) apply(h *Hub) {
	h.clients[o.client] = &clientState{rooms: make(map[string]struct{})}
	close(o.done)
}

type unregisterOp struct {
	client *Client
	done   chan struct{}
}

func (o unregisterOp) apply(h *Hub) {
	h.teardown(o.client)
	close(o.done)
}

type joinOp struct {
	client   *Client
	roomID   string
	announce bool
	done     chan struct{}
}

func (o joinOp) apply(h *Hub) {
	defer close(o.done)
	if h.subscribe(o.client, o.roomID) && o.announce {
		h.announceJoin(o.client, o.roomID)
	}
}

type subscribeUserOp struct {
	roomID string
	userID string
	done   chan struct{}
}

func (o subscribeUserOp) apply(h *Hub) {
	defer close(o.done)
	for c := range h.clients {
		if c.user.ID == o.userID && h.subscribe(c, o.roomID) {
			h.announceJoin(c, o.roomID)
		}
	}
}

type evictOp struct {
	roomID string
	evict  func(userID string) bool
	done   chan struct{}
}

func (o evictOp) apply(h *Hub) {
	defer close(o.done)
	var gone []*Client
	for c := range h.rooms[o.roomID] {
		if o.evict(c.user.ID) {
			gone = append(gone, c)
		}
	}
	for _, c := range gone {
		h.unsubscribe(c, o.roomID)
		c.forgetKey(o.roomID)
	}
	announced := make(map[string]bool)
	for _, c := range gone {
		msg, err := encode(EventRoomLeft, presenceEvent(c.user, o.roomID, h.now()))
		if err != nil {
			continue
		}
		h.deliver(c, msg)
		if !announced[c.user.ID] {
			announced[c.user.ID] = true
			h.fanout(o.roomID, nil, msg)
		}
	}
}

type leaveOp struct {
	client *Client
	roomID string
	done   chan struct{}
}

func (o leaveOp) apply(h *Hub) {
	defer close(o.done)
	if !h.subscribed(o.client, o.roomID) {
		return
	}
	h.unsubscribe(o.client, o.roomID)
	msg, err := encode(EventRoomLeft, presenceEvent(o.client.user, o.roomID, h.now()))
	if err != nil {
		return
	}
	h.fanout(o.roomID, nil, msg)
	h.deliver(o.client, msg)
}

type onlineOp struct {
	client *Client
}

func (o onlineOp) apply(h *Hub) {
	st, ok := h.clients[o.client]
	if !ok || st.online {
		return
	}
	st.online = true
	user := o.client.user
	p := h.presence[user.ID]
	if p == nil {
		p = &presence{user: user}
		h.presence[user.ID] = p
	}
	p.conns++
	p.lastSeen = h.now()
	if p.conns > 1 {
		return
	}
	for roomID := range st.rooms {
		if msg, err := encode(EventUserOnline, presenceEvent(user, roomID, p.lastSeen)); err == nil {
			h.fanout(roomID, o.client, msg)
		}
	}
}

type publishOp struct {
	roomID string
	userID string
	except *Client
	msg    []byte
}

func (o publishOp) apply(h *Hub) {
	if o.userID == "" {
		h.fanout(o.roomID, o.except, o.msg)
		return
	}
	for c := range h.rooms[o.roomID] {
		if c.user.ID == o.userID {
			h.deliver(c, o.msg)
		}
	}
}

type directOp struct {
	client *Client
	msg    []byte
}

func (o directOp) apply(h *Hub) {
	h.deliver(o.client, o.msg)
}

type typingOp struct {
	client *Client
	roomID string
	start  bool
}

func (o typingOp) apply(h *Hub) {
	c, roomID, userID := o.client, o.roomID, o.client.user.ID
	if !h.subscribed(c, roomID) {
		event := EventTypingStop
		if o.start {
			event = EventTypingStart
		}
		if msg, err := encode(EventError, errorEvent{Event: event, Code: "not_joined", Message: "join the room first"}); err == nil {
			h.deliver(c, msg)
		}
		return
	}

	entry, typing := h.typing[roomID][userID]
	if !o.start {
		if !typing {
			return
		}
		entry.timer.Stop()
		h.clearTyping(roomID, userID)
		if msg, err := encode(EventTypingStop, typingEvent{RoomID: roomID, UserID: userID}); err == nil {
			h.fanout(roomID, c, msg)
		}
		return
	}

	h.gen++
	gen := h.gen
	timer := time.AfterFunc(h.window, func() {
		h.submit(typingExpiredOp{roomID: roomID, userID: userID, gen: gen})
	})
	if typing {
		// Still typing: push the expiry out without a second broadcast.
		entry.timer.Stop()
		entry.timer, entry.gen, entry.owner = timer, gen, c
		return
	}
	if h.typing[roomID] == nil {
		h.typing[roomID] = make(map[string]*typingEntry)
	}
	h.typing[roomID][userID] = &typingEntry{owner: c, gen: gen, timer: timer}
	if msg, err := encode(EventTypingStart, typingEvent{RoomID: roomID, UserID: userID}); err == nil {
		h.fanout(roomID, c, msg)
	}
}

type typingExpiredOp struct {
	roomID string
	userID string
	gen    uint64
}

func (o typingExpiredOp) apply(h *Hub) {
	entry, ok := h.typing[o.roomID][o.userID]
	if !ok || entry.gen != o.gen {
		return
	}
	h.clearTyping(o.roomID, o.userID)
	if msg, err := encode(EventTypingStop, typingEvent{RoomID: o.roomID, UserID: o.userID}); err == nil {
		h.fanout(o.roomID, entry.owner, msg)
	}
}

type queryOp struct {
	roomID string
	reply  chan []string
}

func (o queryOp) apply(h *Hub) {
	o.reply <- h.online(o.roomID)
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}
