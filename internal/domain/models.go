package domain

import "time"

// User represents an application user.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Name           string    `json:"name"`
	Avatar         string    `json:"avatar,omitempty"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserKeyPair is a user's long-lived asymmetric key pair. The private key is
// only ever stored sealed under a password-derived key.
type UserKeyPair struct {
	UserID              string
	PublicKey           string // PEM, PKIX
	EncryptedPrivateKey []byte // AES-GCM ciphertext||tag
	Salt                []byte
	IV                  []byte
	KeyVersion          int
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// Valid reports whether the key pair has not expired at t.
func (k *UserKeyPair) Valid(t time.Time) bool {
	return k != nil && t.Before(k.ExpiresAt)
}

type RoomType string

const (
	RoomDirect    RoomType = "direct"
	RoomGroup     RoomType = "group"
	RoomWorkspace RoomType = "workspace"
	RoomGeneral   RoomType = "general"
	RoomPrivate   RoomType = "private"
)

// Valid reports whether t is one of the known room types.
func (t RoomType) Valid() bool {
	switch t {
	case RoomDirect, RoomGroup, RoomWorkspace, RoomGeneral, RoomPrivate:
		return true
	}
	return false
}

// RoomSettings holds per-room policy.
type RoomSettings struct {
	AllowFileUploads bool  `json:"allow_file_uploads"`
	MaxFileSizeBytes int64 `json:"max_file_size_bytes"`
	RetentionDays    int   `json:"retention_days"`
}

// DefaultRoomSettings mirrors what new rooms get when the caller does not say otherwise.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		AllowFileUploads: true,
		MaxFileSizeBytes: 10 << 20,
		RetentionDays:    0,
	}
}

// Participant is the membership of a user in a room.
type Participant struct {
	UserID      string    `json:"user_id"`
	JoinedAt    time.Time `json:"joined_at"`
	PublicKey   *string   `json:"public_key,omitempty"` // ephemeral DH key, socket path only
	UnreadCount int       `json:"unread_count"`
}

// ChatRoom is a chat room. Participants is a set keyed by UserID.
type ChatRoom struct {
	ID                string        `json:"id"`
	WorkspaceID       *string       `json:"workspace_id,omitempty"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Type              RoomType      `json:"type"`
	Participants      []Participant `json:"participants"`
	IsPrivate         bool          `json:"is_private"`
	EncryptionEnabled bool          `json:"encryption_enabled"`
	Settings          RoomSettings  `json:"settings"`
	CreatedBy         string        `json:"created_by"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// HasParticipant reports whether userID is a current participant.
func (r *ChatRoom) HasParticipant(userID string) bool {
	return r.Participant(userID) != nil
}

// Participant returns the membership record of userID, or nil.
func (r *ChatRoom) Participant(userID string) *Participant {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i]
		}
	}
	return nil
}

// ParticipantIDs returns the user ids of all participants.
func (r *ChatRoom) ParticipantIDs() []string {
	ids := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// RoomKeyEnvelope is a room key encrypted for one participant.
type RoomKeyEnvelope struct {
	RoomID       string
	UserID       string
	EncryptedKey []byte
	KeyVersion   int
	UpdatedAt    time.Time
}

// PairwiseSession is a DH-derived secret between two members of a room.
type PairwiseSession struct {
	RoomID       string
	UserID       string
	PairID       string
	SharedSecret []byte // sealed at rest by the store's caller
	KeyVersion   int
	CreatedAt    time.Time
}

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
)

// Attachment is file metadata carried on a message. Storage of the file itself
// lives elsewhere.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Reaction is unique per (UserID, Type).
type Reaction struct {
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Emoji     string    `json:"emoji,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt is unique per UserID.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is a persisted chat message. Content only exists as ciphertext.
type Message struct {
	ID              string
	RoomID          string
	SenderID        string
	Ciphertext      []byte
	IV              []byte
	Tag             []byte
	SenderPublicKey string
	KeyVersion      int
	Type            MessageType
	ReplyTo         *string
	Mentions        []string
	Attachments     []Attachment
	Reactions       []Reaction
	IsEdited        bool
	ReadBy          []ReadReceipt
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasReaction reports whether userID already reacted with reactionType.
func (m *Message) HasReaction(userID, reactionType string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Type == reactionType {
			return true
		}
	}
	return false
}

// ReadByUser reports whether userID has a read receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}
