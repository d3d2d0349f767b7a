// Package roomkeys keeps one symmetric key per room, stored as an envelope
// per participant wrapped under that participant's public key.
package roomkeys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/security"
)

// maxUpsertAttempts bounds the compare-and-swap loop on one envelope.
const maxUpsertAttempts = 3

// KeyProvider is the slice of key custody the vault needs.
type KeyProvider interface {
	PublicKey(ctx context.Context, userID string) (*rsa.PublicKey, error)
	GetPrivateKey(ctx context.Context, userID, password string) (*rsa.PrivateKey, error)
}

// RoomKey is an unwrapped room key with the version it was issued at.
type RoomKey struct {
	Key     []byte
	Version int
}

type Vault struct {
	envelopes domain.EnvelopeRepository
	keys      KeyProvider
	log       *zap.Logger
}

func New(envelopes domain.EnvelopeRepository, keys KeyProvider, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{
		envelopes: envelopes,
		keys:      keys,
		log:       log.With(zap.String("component", "roomkeys")),
	}
}

// GenerateRoomKey issues a fresh key for the room and wraps it for every
// participant. A participant that cannot be served (no key pair, store
// error) is logged and skipped; the ids that did get an envelope are
// returned.
func (v *Vault) GenerateRoomKey(ctx context.Context, roomID string, participantIDs []string) ([]string, error) {
	key, err := security.NewSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("generate room key: %w", err)
	}
	current, err := v.envelopes.CurrentVersion(ctx, roomID)
	if err != nil {
		return nil, err
	}
	version := current + 1

	granted := make([]string, 0, len(participantIDs))
	for _, userID := range participantIDs {
		if err := v.wrapFor(ctx, roomID, userID, key, version); err != nil {
			v.log.Warn("room key not issued to participant",
				zap.String("room_id", roomID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		granted = append(granted, userID)
	}
	v.log.Debug("room key generated",
		zap.String("room_id", roomID),
		zap.Int("version", version),
		zap.Int("granted", len(granted)),
	)
	return granted, nil
}

// GetRoomKey unwraps the user's envelope with the user's private key.
func (v *Vault) GetRoomKey(ctx context.Context, roomID, userID, password string) (*RoomKey, error) {
	env, err := v.envelopes.Get(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	priv, err := v.keys.GetPrivateKey(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	key, err := security.UnwrapKey(priv, env.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap room key %s for %s: %w", roomID, userID, domain.ErrDecryptionFailure)
	}
	return &RoomKey{Key: key, Version: env.KeyVersion}, nil
}

// AddParticipant wraps the current room key for userID only. The key is
// unwrapped with the granter's credentials; a room with no key yet gets a
// fresh one.
func (v *Vault) AddParticipant(ctx context.Context, roomID, userID, granterID, granterPassword string) error {
	current, err := v.envelopes.CurrentVersion(ctx, roomID)
	if err != nil {
		return err
	}
	if current == 0 {
		granted, err := v.GenerateRoomKey(ctx, roomID, []string{userID})
		if err != nil {
			return err
		}
		if len(granted) == 0 {
			return fmt.Errorf("issue room key to %s: %w", userID, domain.ErrEncryptionFailure)
		}
		return nil
	}

	rk, err := v.GetRoomKey(ctx, roomID, granterID, granterPassword)
	if err != nil {
		return err
	}
	return v.wrapFor(ctx, roomID, userID, rk.Key, rk.Version)
}

// RemoveParticipant drops the user's envelope.
func (v *Vault) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return v.envelopes.Delete(ctx, roomID, userID)
}

// ReEncryptRoom discards every envelope and issues a new key, at a higher
// version, to the given membership only.
func (v *Vault) ReEncryptRoom(ctx context.Context, roomID string, participantIDs []string) ([]string, error) {
	current, err := v.envelopes.CurrentVersion(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := v.envelopes.DeleteForRoom(ctx, roomID); err != nil {
		return nil, err
	}

	key, err := security.NewSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("generate room key: %w", err)
	}
	version := current + 1
	granted := make([]string, 0, len(participantIDs))
	for _, userID := range participantIDs {
		if err := v.wrapFor(ctx, roomID, userID, key, version); err != nil {
			v.log.Warn("room key not re-issued to participant",
				zap.String("room_id", roomID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		granted = append(granted, userID)
	}
	v.log.Info("room re-keyed", zap.String("room_id", roomID), zap.Int("version", version))
	return granted, nil
}

// RewrapForUser moves every envelope of userID from oldPriv to newPub.
// Envelopes that fail to unwrap are logged and left as they are.
func (v *Vault) RewrapForUser(ctx context.Context, userID string, oldPriv *rsa.PrivateKey, newPub *rsa.PublicKey) (int, error) {
	envs, err := v.envelopes.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, env := range envs {
		key, err := security.UnwrapKey(oldPriv, env.EncryptedKey)
		if err != nil {
			v.log.Warn("envelope not rewrapped",
				zap.String("room_id", env.RoomID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		wrapped, err := security.WrapKey(newPub, key)
		if err != nil {
			return moved, fmt.Errorf("wrap room key: %w", err)
		}
		next := *env
		next.EncryptedKey = wrapped
		next.UpdatedAt = time.Now().UTC()
		// Same key, same version: the row must still be the one we read.
		if err := v.envelopes.Upsert(ctx, &next, env.KeyVersion); err != nil {
			v.log.Warn("envelope changed during rewrap",
				zap.String("room_id", env.RoomID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		moved++
	}
	return moved, nil
}

// wrapFor stores key at version for userID, unless the stored envelope is
// already at a newer version.
func (v *Vault) wrapFor(ctx context.Context, roomID, userID string, key []byte, version int) error {
	pub, err := v.keys.PublicKey(ctx, userID)
	if err != nil {
		return err
	}
	wrapped, err := security.WrapKey(pub, key)
	if err != nil {
		return fmt.Errorf("wrap room key: %w", err)
	}
	env := &domain.RoomKeyEnvelope{
		RoomID:       roomID,
		UserID:       userID,
		EncryptedKey: wrapped,
		KeyVersion:   version,
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		expected := 0
		existing, err := v.envelopes.Get(ctx, roomID, userID)
		switch {
		case err == nil:
			if existing.KeyVersion > version {
				return nil
			}
			expected = existing.KeyVersion
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		env.UpdatedAt = time.Now().UTC()
		err = v.envelopes.Upsert(ctx, env, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("store envelope %s/%s: %w", roomID, userID, domain.ErrConflict)
}
