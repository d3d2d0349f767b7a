package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securechat/internal/domain"
)

const generalRoomName = "general"

type RoomService struct {
	rooms    domain.RoomRepository
	messages domain.MessageRepository
	keys     RoomKeys
	dir      KeyDirectory
	sessions SessionStore
	live     Membership
	log      *zap.Logger

	// ensureMu keeps EnsureWorkspaceGeneralRoom from creating two rooms
	// for one workspace within this process.
	ensureMu sync.Mutex
}

func NewRoomService(
	rooms domain.RoomRepository,
	messages domain.MessageRepository,
	keys RoomKeys,
	dir KeyDirectory,
	sessions SessionStore,
	log *zap.Logger,
) *RoomService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoomService{
		rooms:    rooms,
		messages: messages,
		keys:     keys,
		dir:      dir,
		sessions: sessions,
		live:     noMembership{},
		log:      log.With(zap.String("component", "rooms")),
	}
}

// SetMembership routes membership changes to live sockets. A nil m turns
// that off.
func (s *RoomService) SetMembership(m Membership) {
	if m == nil {
		m = noMembership{}
	}
	s.live = m
}

type CreateRoomInput struct {
	WorkspaceID       *string
	Name              string
	Description       string
	Type              domain.RoomType
	ParticipantIDs    []string
	IsPrivate         bool
	EncryptionEnabled *bool
	Settings          *domain.RoomSettings
}

// CreateRoom persists the room with the caller as creator and participant,
// then issues the room key to every participant that has a key pair.
func (s *RoomService) CreateRoom(ctx context.Context, callerID string, in CreateRoomInput) (*domain.ChatRoom, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Type == "" {
		in.Type = domain.RoomGroup
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("unknown room type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	if in.Name == "" && in.Type != domain.RoomDirect {
		return nil, fmt.Errorf("room name is required: %w", domain.ErrInvalidInput)
	}
	if len(in.Name) > 100 {
		return nil, fmt.Errorf("room name exceeds 100 characters: %w", domain.ErrInvalidInput)
	}

	ids := uniqueWithFirst(callerID, in.ParticipantIDs)
	if in.Type == domain.RoomDirect && len(ids) != 2 {
		return nil, fmt.Errorf("a direct room has exactly two participants: %w", domain.ErrInvalidInput)
	}

	settings := domain.DefaultRoomSettings()
	if in.Settings != nil {
		settings = *in.Settings
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	encrypted := true
	if in.EncryptionEnabled != nil {
		encrypted = *in.EncryptionEnabled
	}

	now := time.Now().UTC()
	room := &domain.ChatRoom{
		ID:                uuid.NewString(),
		WorkspaceID:       in.WorkspaceID,
		Name:              in.Name,
		Description:       in.Description,
		Type:              in.Type,
		IsPrivate:         in.IsPrivate || in.Type == domain.RoomPrivate || in.Type == domain.RoomDirect,
		EncryptionEnabled: encrypted,
		Settings:          settings,
		CreatedBy:         callerID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, id := range ids {
		room.Participants = append(room.Participants, domain.Participant{UserID: id, JoinedAt: now})
	}

	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, err
	}

	granted, err := s.keys.GenerateRoomKey(ctx, room.ID, ids)
	if err != nil {
		// The room exists; members can be keyed later through RotateRoomKey.
		s.log.Error("room key distribution failed", zap.String("room_id", room.ID), zap.Error(err))
	} else if len(granted) < len(ids) {
		s.log.Warn("room key issued to a subset of participants",
			zap.String("room_id", room.ID),
			zap.Int("participants", len(ids)),
			zap.Int("granted", len(granted)),
		)
	}
	for _, id := range ids {
		s.live.SubscribeUser(room.ID, id)
	}
	return room, nil
}

func (s *RoomService) GetRoom(ctx context.Context, callerID, roomID string) (*domain.ChatRoom, error) {
	return authorizeRoom(ctx, s.rooms, roomID, callerID)
}

func (s *RoomService) ListRooms(ctx context.Context, callerID string) ([]*domain.ChatRoom, error) {
	return s.rooms.ListForUser(ctx, callerID)
}

type UpdateRoomInput struct {
	Name              *string
	Description       *string
	IsPrivate         *bool
	EncryptionEnabled *bool
	Settings          *domain.RoomSettings
}

// UpdateRoom changes the mutable fields of a room. Any participant may
// update; membership and type are not touched here.
func (s *RoomService) UpdateRoom(ctx context.Context, callerID, roomID string, in UpdateRoomInput) (*domain.ChatRoom, error) {
	room, err := authorizeRoom(ctx, s.rooms, roomID, callerID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > 100 {
			return nil, fmt.Errorf("room name must be 1-100 characters: %w", domain.ErrInvalidInput)
		}
		room.Name = name
	}
	if in.Description != nil {
		room.Description = *in.Description
	}
	if in.IsPrivate != nil {
		room.IsPrivate = *in.IsPrivate
	}
	if in.EncryptionEnabled != nil {
		room.EncryptionEnabled = *in.EncryptionEnabled
	}
	if in.Settings != nil {
		if err := validateSettings(*in.Settings); err != nil {
			return nil, err
		}
		room.Settings = *in.Settings
	}
	room.UpdatedAt = time.Now().UTC()

	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// AddParticipant adds userID to the room and wraps the current room key for
// them using the caller's credentials. A user without a key pair joins the
// room but gets no envelope until the room is re-keyed.
func (s *RoomService) AddParticipant(ctx context.Context, callerID, password, roomID, userID string) (*domain.ChatRoom, error) {
	room, err := authorizeRoom(ctx, s.rooms, roomID, callerID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalidInput)
	}
	if room.Type == domain.RoomDirect {
		return nil, fmt.Errorf("direct rooms have fixed membership: %w", domain.ErrInvalidInput)
	}
	if room.HasParticipant(userID) {
		return room, nil
	}

	if s.dir.HasValidKeyPair(ctx, userID) {
		if err := s.keys.AddParticipant(ctx, roomID, userID, callerID, password); err != nil {
			return nil, err
		}
	} else {
		s.log.Warn("participant added without room key",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
		)
	}

	if err := s.rooms.AddParticipant(ctx, roomID, userID); err != nil {
		return nil, err
	}
	s.live.SubscribeUser(roomID, userID)
	return s.rooms.GetByID(ctx, roomID)
}

// RemoveParticipant removes userID from the room, then drops their envelope
// and pairwise sessions and evicts their live sockets. Participants may
// remove themselves; only the creator may remove others, and the creator
// cannot be removed.
func (s *RoomService) RemoveParticipant(ctx context.Context, callerID, roomID, userID string) (*domain.ChatRoom, error) {
	room, err := authorizeRoom(ctx, s.rooms, roomID, callerID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, fmt.Errorf("user %s in room %s: %w", userID, roomID, domain.ErrNotFound)
	}
	if userID == room.CreatedBy {
		return nil, fmt.Errorf("the room creator cannot be removed: %w", domain.ErrInvalidInput)
	}
	if callerID != userID && callerID != room.CreatedBy {
		return nil, fmt.Errorf("only the creator removes other participants: %w", domain.ErrAccessDenied)
	}

	if err := s.rooms.RemoveParticipant(ctx, roomID, userID); err != nil {
		return nil, err
	}
	s.live.EvictUser(roomID, userID)

	if err := s.keys.RemoveParticipant(ctx, roomID, userID); err != nil {
		// Membership is already gone; the orphaned envelope goes with the
		// next RotateRoomKey.
		s.log.Error("envelope of removed participant left behind",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}
	if err := s.sessions.Forget(ctx, roomID, userID); err != nil {
		s.log.Warn("pairwise sessions not cleared", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
	}
	return s.rooms.GetByID(ctx, roomID)
}

// RotateRoomKey replaces the room key for the current membership. Messages
// sealed under the previous key can no longer be opened.
func (s *RoomService) RotateRoomKey(ctx context.Context, callerID, roomID string) ([]string, error) {
	room, err := authorizeRoom(ctx, s.rooms, roomID, callerID)
	if err != nil {
		return nil, err
	}
	granted, err := s.keys.ReEncryptRoom(ctx, roomID, room.ParticipantIDs())
	if err != nil {
		return nil, err
	}
	s.live.RetainMembers(roomID, room.ParticipantIDs())
	return granted, nil
}

// SessionSecret returns the caller's most recent pairwise secret in the room,
// or nil when no socket key exchange has completed yet.
func (s *RoomService) SessionSecret(ctx context.Context, callerID, roomID string) ([]byte, error) {
	if _, err := authorizeRoom(ctx, s.rooms, roomID, callerID); err != nil {
		return nil, err
	}
	return s.sessions.GetPrimarySharedSecret(ctx, callerID, roomID)
}

// EnsureWorkspaceGeneralRoom returns the workspace's general room, creating
// it with the caller as creator when there is none.
func (s *RoomService) EnsureWorkspaceGeneralRoom(ctx context.Context, callerID, workspaceID string) (*domain.ChatRoom, bool, error) {
	if workspaceID == "" {
		return nil, false, fmt.Errorf("workspace id is required: %w", domain.ErrInvalidInput)
	}

	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	room, err := s.rooms.FindByWorkspace(ctx, workspaceID, domain.RoomGeneral)
	switch {
	case err == nil:
		if !room.HasParticipant(callerID) {
			return nil, false, fmt.Errorf("general room of %s: %w", workspaceID, domain.ErrAccessDenied)
		}
		return room, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	ws := workspaceID
	room, err = s.CreateRoom(ctx, callerID, CreateRoomInput{
		WorkspaceID: &ws,
		Name:        generalRoomName,
		Description: "Workspace-wide conversation",
		Type:        domain.RoomGeneral,
	})
	if err != nil {
		return nil, false, err
	}
	return room, true, nil
}

// PurgeMessages hard-deletes every message in the room. Creator only.
func (s *RoomService) PurgeMessages(ctx context.Context, callerID, roomID string) (int64, error) {
	room, err := authorizeRoom(ctx, s.rooms, roomID, callerID)
	if err != nil {
		return 0, err
	}
	if room.CreatedBy != callerID {
		return 0, fmt.Errorf("only the creator may purge messages: %w", domain.ErrAccessDenied)
	}
	n, err := s.messages.DeleteForRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	s.log.Info("room messages purged", zap.String("room_id", roomID), zap.Int64("count", n))
	return n, nil
}

// IsParticipant is the membership check used by the socket router.
func (s *RoomService) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	return s.rooms.IsParticipant(ctx, roomID, userID)
}

func validateSettings(st domain.RoomSettings) error {
	if st.MaxFileSizeBytes < 0 || st.RetentionDays < 0 {
		return fmt.Errorf("room settings must not be negative: %w", domain.ErrInvalidInput)
	}
	return nil
}

func uniqueWithFirst(first string, rest []string) []string {
	out := make([]string, 0, len(rest)+1)
	seen := map[string]struct{}{first: {}}
	out = append(out, first)
	for _, id := range rest {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
