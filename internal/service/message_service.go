package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/msgcipher"
)

const (
	maxContentRunes   = 5000
	defaultPageSize   = 50
	maxPageSize       = 100
	maxUpdateAttempts = 5
)

type MessageService struct {
	rooms    domain.RoomRepository
	messages domain.MessageRepository
	keys     RoomKeys
	cipher   *msgcipher.Cipher
	log      *zap.Logger
	now      func() time.Time
}

func NewMessageService(
	rooms domain.RoomRepository,
	messages domain.MessageRepository,
	keys RoomKeys,
	dir KeyDirectory,
	log *zap.Logger,
) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		rooms:    rooms,
		messages: messages,
		keys:     keys,
		cipher:   msgcipher.New(keys, dir),
		log:      log.With(zap.String("component", "messages")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MessageView is a message as returned to a participant. Content is empty
// when the body was not decrypted for the caller.
type MessageView struct {
	ID              string               `json:"id"`
	RoomID          string               `json:"room_id"`
	SenderID        string               `json:"sender_id"`
	Content         string               `json:"content,omitempty"`
	Undecryptable   bool                 `json:"undecryptable,omitempty"`
	Type            domain.MessageType   `json:"message_type"`
	ReplyTo         *string              `json:"reply_to,omitempty"`
	Mentions        []string             `json:"mentions"`
	Attachments     []domain.Attachment  `json:"attachments"`
	Reactions       []domain.Reaction    `json:"reactions"`
	IsEdited        bool                 `json:"is_edited"`
	ReadBy          []domain.ReadReceipt `json:"read_by"`
	SenderPublicKey string               `json:"sender_public_key,omitempty"`
	KeyVersion      int                  `json:"key_version"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func newView(m *domain.Message) *MessageView {
	return &MessageView{
		ID:              m.ID,
		RoomID:          m.RoomID,
		SenderID:        m.SenderID,
		Type:            m.Type,
		ReplyTo:         m.ReplyTo,
		Mentions:        orEmpty(m.Mentions),
		Attachments:     orEmpty(m.Attachments),
		Reactions:       orEmpty(m.Reactions),
		IsEdited:        m.IsEdited,
		ReadBy:          orEmpty(m.ReadBy),
		SenderPublicKey: m.SenderPublicKey,
		KeyVersion:      m.KeyVersion,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

type SendMessageInput struct {
	RoomID      string
	Content     string
	Type        domain.MessageType
	ReplyTo     *string
	Mentions    []string
	Attachments []domain.Attachment
}

// SendMessage encrypts and stores a message and bumps the unread counter of
// every other participant. The caller gets the plaintext view back.
func (s *MessageService) SendMessage(ctx context.Context, callerID, password string, in SendMessageInput) (*MessageView, error) {
	if in.Type == "" {
		in.Type = domain.MessageText
		if len(in.Attachments) > 0 {
			in.Type = domain.MessageAttachment
		}
	}
	if in.Type != domain.MessageText && in.Type != domain.MessageAttachment {
		return nil, fmt.Errorf("unknown message type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, fmt.Errorf("message content cannot be empty: %w", domain.ErrInvalidInput)
	}
	if len([]rune(in.Content)) > maxContentRunes {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", maxContentRunes, domain.ErrInvalidInput)
	}

	room, err := authorizeRoom(ctx, s.rooms, in.RoomID, callerID)
	if err != nil {
		return nil, err
	}
	if err := checkAttachments(room.Settings, in.Attachments); err != nil {
		return nil, err
	}
	if in.ReplyTo != nil {
		parent, err := s.messages.GetByID(ctx, *in.ReplyTo)
		if err != nil || parent.RoomID != room.ID {
			return nil, fmt.Errorf("reply target %s: %w", *in.ReplyTo, domain.ErrInvalidInput)
		}
	}

	payload, err := s.cipher.Encrypt(ctx, in.Content, room.ID, callerID, password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	msg := &domain.Message{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		SenderID:    callerID,
		Type:        in.Type,
		ReplyTo:     in.ReplyTo,
		Mentions:    in.Mentions,
		Attachments: in.Attachments,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload.Apply(msg)
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.rooms.IncrementUnread(ctx, room.ID, callerID); err != nil {
		s.log.Warn("unread counters not updated", zap.String("room_id", room.ID), zap.Error(err))
	}
	s.applyRetention(ctx, room)

	view := newView(msg)
	view.Content = in.Content
	return view, nil
}

type ListOptions struct {
	Page      int
	Limit     int
	SortOrder string // "asc" or "desc"
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type MessagePage struct {
	Messages   []*MessageView `json:"messages"`
	Pagination Pagination     `json:"pagination"`
}

// GetMessages returns one page of the room's messages decrypted for the
// caller. The room key is unwrapped once per call; a row that fails to open
// is returned flagged undecryptable instead of failing the page.
func (s *MessageService) GetMessages(ctx context.Context, callerID, password, roomID string, opts ListOptions) (*MessagePage, error) {
	room, err := authorizeRoom(ctx, s.rooms, roomID, callerID)
	if err != nil {
		return nil, err
	}

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultPageSize
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	var ascending bool
	switch strings.ToLower(opts.SortOrder) {
	case "", "desc":
	case "asc":
		ascending = true
	default:
		return nil, fmt.Errorf("sort order must be asc or desc: %w", domain.ErrInvalidInput)
	}

	rk, err := s.keys.GetRoomKey(ctx, room.ID, callerID, password)
	if err != nil {
		return nil, err
	}

	total, err := s.messages.Count(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	rows, err := s.messages.List(ctx, domain.MessageQuery{
		RoomID:    room.ID,
		Offset:    (opts.Page - 1) * opts.Limit,
		Limit:     opts.Limit,
		Ascending: ascending,
	})
	if err != nil {
		return nil, err
	}

	views := make([]*MessageView, 0, len(rows))
	for _, m := range rows {
		v := newView(m)
		plain, err := msgcipher.Open(rk, room.ID, msgcipher.PayloadOf(m))
		if err != nil {
			v.Undecryptable = true
		} else {
			v.Content = plain
		}
		views = append(views, v)
	}

	return &MessagePage{
		Messages: views,
		Pagination: Pagination{
			Page:       opts.Page,
			Limit:      opts.Limit,
			Total:      total,
			TotalPages: (total + opts.Limit - 1) / opts.Limit,
		},
	}, nil
}

// MarkRead records a read receipt for the caller. Only the first receipt
// for another member's message lowers the caller's unread counter; a sender's
// own messages were never counted.
func (s *MessageService) MarkRead(ctx context.Context, callerID, messageID string) error {
	var appended bool
	msg, err := s.mutate(ctx, callerID, messageID, func(m *domain.Message) (bool, error) {
		if m.ReadByUser(callerID) {
			appended = false
			return false, nil
		}
		m.ReadBy = append(m.ReadBy, domain.ReadReceipt{UserID: callerID, ReadAt: s.now()})
		appended = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if appended && msg.SenderID != callerID {
		if err := s.rooms.DecrementUnread(ctx, msg.RoomID, callerID); err != nil {
			return err
		}
	}
	return nil
}

// EditMessage re-encrypts the body under the current room key with a fresh
// IV. Only the sender may edit.
func (s *MessageService) EditMessage(ctx context.Context, callerID, password, messageID, content string) (*MessageView, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content cannot be empty: %w", domain.ErrInvalidInput)
	}
	if len([]rune(content)) > maxContentRunes {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", maxContentRunes, domain.ErrInvalidInput)
	}

	current, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current.SenderID != callerID {
		if ok, _ := s.rooms.IsParticipant(ctx, current.RoomID, callerID); !ok {
			return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrAccessDenied)
		}
		return nil, fmt.Errorf("only the sender may edit a message: %w", domain.ErrAccessDenied)
	}

	payload, err := s.cipher.Encrypt(ctx, content, current.RoomID, callerID, password)
	if err != nil {
		return nil, err
	}

	msg, err := s.mutate(ctx, callerID, messageID, func(m *domain.Message) (bool, error) {
		payload.Apply(m)
		m.IsEdited = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	view := newView(msg)
	view.Content = content
	return view, nil
}

// DeleteMessage hard-deletes a message. Only the sender may delete.
func (s *MessageService) DeleteMessage(ctx context.Context, callerID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := s.rooms.IsParticipant(ctx, msg.RoomID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrAccessDenied)
	}
	if msg.SenderID != callerID {
		return nil, fmt.Errorf("only the sender may delete a message: %w", domain.ErrAccessDenied)
	}
	if err := s.messages.Delete(ctx, messageID); err != nil {
		return nil, err
	}
	return msg, nil
}

type ReactionInput struct {
	Type  string
	Emoji string
}

// ReactionResult is the outcome of a reaction change. Changed is false when
// the call was a no-op.
type ReactionResult struct {
	Message  *MessageView    `json:"message"`
	Reaction domain.Reaction `json:"reaction"`
	Changed  bool            `json:"changed"`
}

// ReactionEvent is the delta broadcast to a room when a reaction changes.
type ReactionEvent struct {
	MessageID string          `json:"message_id"`
	RoomID    string          `json:"room_id"`
	Reaction  domain.Reaction `json:"reaction"`
}

func (r *ReactionResult) Event() ReactionEvent {
	return ReactionEvent{MessageID: r.Message.ID, RoomID: r.Message.RoomID, Reaction: r.Reaction}
}

// AddReaction adds (caller, type) to the message unless already present.
func (s *MessageService) AddReaction(ctx context.Context, callerID, messageID string, in ReactionInput) (*ReactionResult, error) {
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return nil, fmt.Errorf("reaction type is required: %w", domain.ErrInvalidInput)
	}
	reaction := domain.Reaction{UserID: callerID, Type: in.Type, Emoji: in.Emoji}

	var changed bool
	msg, err := s.mutate(ctx, callerID, messageID, func(m *domain.Message) (bool, error) {
		if m.HasReaction(callerID, in.Type) {
			changed = false
			return false, nil
		}
		reaction.CreatedAt = s.now()
		m.Reactions = append(m.Reactions, reaction)
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &ReactionResult{Message: newView(msg), Reaction: reaction, Changed: changed}, nil
}

// RemoveReaction removes (caller, type) from the message. Removing a
// reaction that is not there is a no-op.
func (s *MessageService) RemoveReaction(ctx context.Context, callerID, messageID, reactionType string) (*ReactionResult, error) {
	reaction := domain.Reaction{UserID: callerID, Type: reactionType}

	var changed bool
	msg, err := s.mutate(ctx, callerID, messageID, func(m *domain.Message) (bool, error) {
		kept := m.Reactions[:0:0]
		changed = false
		for _, r := range m.Reactions {
			if r.UserID == callerID && r.Type == reactionType {
				reaction = r
				changed = true
				continue
			}
			kept = append(kept, r)
		}
		m.Reactions = kept
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return &ReactionResult{Message: newView(msg), Reaction: reaction, Changed: changed}, nil
}

// mutate loads a message the caller can see, applies fn and saves it under
// the message version check, reloading and reapplying on conflict. fn
// returning false skips the write.
func (s *MessageService) mutate(ctx context.Context, callerID, messageID string, fn func(m *domain.Message) (bool, error)) (*domain.Message, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		m, err := s.messages.GetByID(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if attempt == 0 {
			ok, err := s.rooms.IsParticipant(ctx, m.RoomID, callerID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrAccessDenied)
			}
		}

		write, err := fn(m)
		if err != nil {
			return nil, err
		}
		if !write {
			return m, nil
		}
		m.UpdatedAt = s.now()
		err = s.messages.Update(ctx, m)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("message %s kept changing: %w", messageID, domain.ErrConflict)
}

func (s *MessageService) applyRetention(ctx context.Context, room *domain.ChatRoom) {
	if room.Settings.RetentionDays <= 0 {
		return
	}
	cutoff := s.now().AddDate(0, 0, -room.Settings.RetentionDays)
	n, err := s.messages.PruneOlderThan(ctx, room.ID, cutoff)
	if err != nil {
		s.log.Warn("retention prune failed", zap.String("room_id", room.ID), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Debug("pruned expired messages", zap.String("room_id", room.ID), zap.Int64("count", n))
	}
}

func checkAttachments(settings domain.RoomSettings, attachments []domain.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	if !settings.AllowFileUploads {
		return fmt.Errorf("file uploads are disabled in this room: %w", domain.ErrInvalidInput)
	}
	for _, a := range attachments {
		if a.Name == "" || a.URL == "" {
			return fmt.Errorf("attachment needs a name and url: %w", domain.ErrInvalidInput)
		}
		if a.Size < 0 || (settings.MaxFileSizeBytes > 0 && a.Size > settings.MaxFileSizeBytes) {
			return fmt.Errorf("attachment %s exceeds the room limit of %d bytes: %w", a.Name, settings.MaxFileSizeBytes, domain.ErrInvalidInput)
		}
	}
	return nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
