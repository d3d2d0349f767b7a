package service

import (
	"context"
	"fmt"

	"securechat/internal/domain"
	"securechat/internal/roomkeys"
)

// RoomKeys is the room key vault as the orchestrator uses it.
type RoomKeys interface {
	GenerateRoomKey(ctx context.Context, roomID string, participantIDs []string) ([]string, error)
	GetRoomKey(ctx context.Context, roomID, userID, password string) (*roomkeys.RoomKey, error)
	AddParticipant(ctx context.Context, roomID, userID, granterID, granterPassword string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	ReEncryptRoom(ctx context.Context, roomID string, participantIDs []string) ([]string, error)
}

// KeyDirectory answers public-key questions about users.
type KeyDirectory interface {
	GetPublicKey(ctx context.Context, userID string) (string, error)
	HasValidKeyPair(ctx context.Context, userID string) bool
}

// SessionStore holds the pairwise secrets derived on the socket path.
type SessionStore interface {
	GetPrimarySharedSecret(ctx context.Context, userID, roomID string) ([]byte, error)
	Forget(ctx context.Context, roomID, userID string) error
}

// Membership keeps live socket subscriptions in step with room membership.
// Calls return once the change is applied.
type Membership interface {
	SubscribeUser(roomID, userID string)
	EvictUser(roomID, userID string)
	RetainMembers(roomID string, userIDs []string)
}

type noMembership struct{}

func (noMembership) SubscribeUser(string, string)   {}
func (noMembership) EvictUser(string, string)       {}
func (noMembership) RetainMembers(string, []string) {}

// authorizeRoom loads the room and checks that userID is a participant. Non
// members get ErrAccessDenied.
func authorizeRoom(ctx context.Context, rooms domain.RoomRepository, roomID, userID string) (*domain.ChatRoom, error) {
	room, err := rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrAccessDenied)
	}
	return room, nil
}
