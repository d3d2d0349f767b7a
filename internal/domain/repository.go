package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// KeyPairRepository stores one key pair row per user.
type KeyPairRepository interface {
	Get(ctx context.Context, userID string) (*UserKeyPair, error)
	Upsert(ctx context.Context, kp *UserKeyPair) error
}

// RoomRepository defines persistence operations for rooms and their participants.
type RoomRepository interface {
	Create(ctx context.Context, room *ChatRoom) error
	GetByID(ctx context.Context, id string) (*ChatRoom, error)
	Update(ctx context.Context, room *ChatRoom) error
	ListForUser(ctx context.Context, userID string) ([]*ChatRoom, error)
	FindByWorkspace(ctx context.Context, workspaceID string, roomType RoomType) (*ChatRoom, error)

	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]Participant, error)
	SetParticipantPublicKey(ctx context.Context, roomID, userID, publicKey string) error
	// ClearParticipantPublicKey unsets the key only while it still equals
	// publicKey, so a newer connection's key survives.
	ClearParticipantPublicKey(ctx context.Context, roomID, userID, publicKey string) error

	IncrementUnread(ctx context.Context, roomID, exceptUserID string) error
	DecrementUnread(ctx context.Context, roomID, userID string) error
}

// EnvelopeRepository stores room key envelopes keyed by (room, user).
type EnvelopeRepository interface {
	Get(ctx context.Context, roomID, userID string) (*RoomKeyEnvelope, error)
	// Upsert writes env if the stored version equals expectedVersion
	// (0 = no row yet); otherwise it returns ErrConflict.
	Upsert(ctx context.Context, env *RoomKeyEnvelope, expectedVersion int) error
	Delete(ctx context.Context, roomID, userID string) error
	DeleteForRoom(ctx context.Context, roomID string) error
	ListForUser(ctx context.Context, userID string) ([]*RoomKeyEnvelope, error)
	CurrentVersion(ctx context.Context, roomID string) (int, error)
}

// SessionRepository stores pairwise DH sessions.
type SessionRepository interface {
	Upsert(ctx context.Context, s *PairwiseSession) error
	ListForUser(ctx context.Context, roomID, userID string) ([]*PairwiseSession, error)
	DeleteForUser(ctx context.Context, roomID, userID string) error
}

// MessageQuery selects a page of a room's messages.
type MessageQuery struct {
	RoomID    string
	Offset    int
	Limit     int
	Ascending bool
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	List(ctx context.Context, q MessageQuery) ([]*Message, error)
	Count(ctx context.Context, roomID string) (int, error)
	// Update persists mutable fields if the stored version equals m.Version,
	// then bumps m.Version. A stale version yields ErrConflict.
	Update(ctx context.Context, m *Message) error
	Delete(ctx context.Context, id string) error
	DeleteForRoom(ctx context.Context, roomID string) (int64, error)
	PruneOlderThan(ctx context.Context, roomID string, before time.Time) (int64, error)
}
