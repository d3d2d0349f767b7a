package service

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/keycustody"
)

// Custody is the key custody surface EncryptionService drives.
type Custody interface {
	GenerateKeyPair(ctx context.Context, userID, password string) (string, error)
	RotateKeyPair(ctx context.Context, userID, oldPassword, newPassword string) (*keycustody.Rotation, error)
	Status(ctx context.Context, userID string) (*domain.UserKeyPair, bool, error)
}

// Rewrapper moves a user's room key envelopes to a new public key.
type Rewrapper interface {
	RewrapForUser(ctx context.Context, userID string, oldPriv *rsa.PrivateKey, newPub *rsa.PublicKey) (int, error)
}

type EncryptionService struct {
	custody Custody
	vault   Rewrapper
	log     *zap.Logger
}

func NewEncryptionService(custody Custody, vault Rewrapper, log *zap.Logger) *EncryptionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &EncryptionService{
		custody: custody,
		vault:   vault,
		log:     log.With(zap.String("component", "encryption")),
	}
}

// InitializeUserEncryption makes sure the user has a valid key pair and
// returns its public key.
func (s *EncryptionService) InitializeUserEncryption(ctx context.Context, userID, password string) (string, error) {
	return s.custody.GenerateKeyPair(ctx, userID, password)
}

type RotationResult struct {
	PublicKey  string `json:"public_key"`
	KeyVersion int    `json:"key_version"`
	Rewrapped  int    `json:"rewrapped_rooms"`
}

// RotateUserKeys replaces the user's key pair and re-wraps every room key
// envelope they hold so room access survives the rotation.
func (s *EncryptionService) RotateUserKeys(ctx context.Context, userID, oldPassword, newPassword string) (*RotationResult, error) {
	rot, err := s.custody.RotateKeyPair(ctx, userID, oldPassword, newPassword)
	if err != nil {
		return nil, err
	}
	n, err := s.vault.RewrapForUser(ctx, userID, rot.OldPrivate, rot.NewPublic)
	if err != nil {
		return nil, fmt.Errorf("rewrap envelopes: %w", err)
	}
	s.log.Info("user keys rotated", zap.String("user_id", userID), zap.Int("version", rot.Version), zap.Int("rewrapped", n))
	return &RotationResult{PublicKey: rot.PublicPEM, KeyVersion: rot.Version, Rewrapped: n}, nil
}

type EncryptionStatus struct {
	Initialized bool       `json:"initialized"`
	Valid       bool       `json:"valid"`
	KeyVersion  int        `json:"key_version,omitempty"`
	PublicKey   string     `json:"public_key,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (s *EncryptionService) Status(ctx context.Context, userID string) (*EncryptionStatus, error) {
	kp, ok, err := s.custody.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &EncryptionStatus{}, nil
	}
	expires := kp.ExpiresAt
	return &EncryptionStatus{
		Initialized: true,
		Valid:       kp.Valid(time.Now()),
		KeyVersion:  kp.KeyVersion,
		PublicKey:   kp.PublicKey,
		ExpiresAt:   &expires,
	}, nil
}
