// Package msgcipher encrypts message bodies under a room key.
package msgcipher

import (
	"context"
	"errors"
	"fmt"

	"securechat/internal/domain"
	"securechat/internal/roomkeys"
	"securechat/internal/security"
)

type RoomKeySource interface {
	GetRoomKey(ctx context.Context, roomID, userID, password string) (*roomkeys.RoomKey, error)
}

type PublicKeySource interface {
	GetPublicKey(ctx context.Context, userID string) (string, error)
}

// Payload is an encrypted message body with the metadata needed to open it.
type Payload struct {
	Ciphertext      []byte
	IV              []byte
	Tag             []byte
	SenderPublicKey string
	KeyVersion      int
}

type Cipher struct {
	keys    RoomKeySource
	pubkeys PublicKeySource
}

func New(keys RoomKeySource, pubkeys PublicKeySource) *Cipher {
	return &Cipher{keys: keys, pubkeys: pubkeys}
}

// Encrypt seals plaintext under the room key, unwrapped with the sender's
// password.
func (c *Cipher) Encrypt(ctx context.Context, plaintext, roomID, senderID, password string) (*Payload, error) {
	rk, err := c.keys.GetRoomKey(ctx, roomID, senderID, password)
	if err != nil {
		return nil, err
	}
	pub, err := c.pubkeys.GetPublicKey(ctx, senderID)
	if err != nil {
		return nil, err
	}
	return Seal(rk, roomID, pub, plaintext)
}

// Decrypt opens p for userID. Key lookup errors (not found, bad password)
// are returned as they are; anything wrong with the payload itself is
// ErrDecryptionFailure.
func (c *Cipher) Decrypt(ctx context.Context, p *Payload, roomID, userID, password string) (string, error) {
	rk, err := c.keys.GetRoomKey(ctx, roomID, userID, password)
	if err != nil {
		return "", err
	}
	return Open(rk, roomID, p)
}

// Seal encrypts with an already unwrapped room key. A fresh IV is drawn on
// every call.
func Seal(rk *roomkeys.RoomKey, roomID, senderPublicKey, plaintext string) (*Payload, error) {
	sealed, err := security.SealGCM(rk.Key, []byte(plaintext), []byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailure, err)
	}
	return &Payload{
		Ciphertext:      sealed.Ciphertext,
		IV:              sealed.IV,
		Tag:             sealed.Tag,
		SenderPublicKey: senderPublicKey,
		KeyVersion:      rk.Version,
	}, nil
}

// Open decrypts with an already unwrapped room key.
func Open(rk *roomkeys.RoomKey, roomID string, p *Payload) (string, error) {
	if p == nil || len(p.IV) == 0 || len(p.Tag) == 0 {
		return "", domain.ErrDecryptionFailure
	}
	if p.KeyVersion != 0 && p.KeyVersion != rk.Version {
		return "", fmt.Errorf("%w: key version %d, have %d", domain.ErrDecryptionFailure, p.KeyVersion, rk.Version)
	}
	plain, err := security.OpenGCM(rk.Key, &security.Sealed{Ciphertext: p.Ciphertext, IV: p.IV, Tag: p.Tag}, []byte(roomID))
	if err != nil {
		if errors.Is(err, security.ErrAuthentication) {
			return "", domain.ErrDecryptionFailure
		}
		return "", fmt.Errorf("%w: %v", domain.ErrDecryptionFailure, err)
	}
	return string(plain), nil
}

// PayloadOf extracts the encrypted body of a stored message.
func PayloadOf(m *domain.Message) *Payload {
	return &Payload{
		Ciphertext:      m.Ciphertext,
		IV:              m.IV,
		Tag:             m.Tag,
		SenderPublicKey: m.SenderPublicKey,
		KeyVersion:      m.KeyVersion,
	}
}

// Apply writes p onto m.
func (p *Payload) Apply(m *domain.Message) {
	m.Ciphertext = p.Ciphertext
	m.IV = p.IV
	m.Tag = p.Tag
	m.SenderPublicKey = p.SenderPublicKey
	m.KeyVersion = p.KeyVersion
}
