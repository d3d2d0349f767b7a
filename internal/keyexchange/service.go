package keyexchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloudflare/circl/dh/x25519"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/security"
)

const sessionKeyVersion = 1

// PairID names an unordered pair of users.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// KeyManagementService persists ephemeral public keys on room membership and
// the secrets derived from them. Secrets are sealed with the server key
// before they reach the store.
type KeyManagementService struct {
	rooms    domain.RoomRepository
	sessions domain.SessionRepository
	sealer   *security.Sealer
	log      *zap.Logger
}

func NewKeyManagementService(
	rooms domain.RoomRepository,
	sessions domain.SessionRepository,
	sealer *security.Sealer,
	log *zap.Logger,
) *KeyManagementService {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyManagementService{
		rooms:    rooms,
		sessions: sessions,
		sealer:   sealer,
		log:      log.With(zap.String("component", "keyexchange")),
	}
}

// SetPublicKey records userID's ephemeral public key for roomID.
func (s *KeyManagementService) SetPublicKey(ctx context.Context, roomID, userID, publicKey string) error {
	if _, err := ParsePublicKey(publicKey); err != nil {
		return fmt.Errorf("set public key: %w", domain.ErrInvalidInput)
	}
	return s.rooms.SetParticipantPublicKey(ctx, roomID, userID, publicKey)
}

// ClearPublicKey withdraws a published key once its private half is gone.
// A key published later by another connection is kept.
func (s *KeyManagementService) ClearPublicKey(ctx context.Context, roomID, userID, publicKey string) error {
	return s.rooms.ClearParticipantPublicKey(ctx, roomID, userID, publicKey)
}

func (s *KeyManagementService) StoreSharedSecret(ctx context.Context, roomID, userID, pairID string, secret []byte) error {
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return fmt.Errorf("seal shared secret: %w", err)
	}
	return s.sessions.Upsert(ctx, &domain.PairwiseSession{
		RoomID:       roomID,
		UserID:       userID,
		PairID:       pairID,
		SharedSecret: sealed,
		KeyVersion:   sessionKeyVersion,
		CreatedAt:    time.Now().UTC(),
	})
}

// InitializeRoomKeyExchange derives a secret between userID and every other
// participant of roomID that has published a public key, storing it for both
// members of each pair. It returns the ids of the peers it paired with.
func (s *KeyManagementService) InitializeRoomKeyExchange(ctx context.Context, roomID, userID string, private x25519.Key, p *Params) ([]string, error) {
	participants, err := s.rooms.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var paired []string
	for _, peer := range participants {
		if peer.UserID == userID || peer.PublicKey == nil {
			continue
		}
		pub, err := ParsePublicKey(*peer.PublicKey)
		if err != nil {
			s.log.Warn("skipping malformed peer key", zap.String("room_id", roomID), zap.String("peer_id", peer.UserID))
			continue
		}
		secret, err := ComputeSharedSecret(private, pub, p)
		if err != nil {
			s.log.Warn("key agreement failed", zap.String("room_id", roomID), zap.String("peer_id", peer.UserID), zap.Error(err))
			continue
		}

		pairID := PairID(userID, peer.UserID)
		for _, owner := range []string{userID, peer.UserID} {
			if err := s.StoreSharedSecret(ctx, roomID, owner, pairID, secret); err != nil {
				return paired, err
			}
		}
		paired = append(paired, peer.UserID)
	}
	return paired, nil
}

// GetPrimarySharedSecret returns the user's most recent secret in the room,
// or nil when no exchange has happened yet.
func (s *KeyManagementService) GetPrimarySharedSecret(ctx context.Context, userID, roomID string) ([]byte, error) {
	sessions, err := s.sessions.ListForUser(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	secret, err := s.sealer.Open(sessions[0].SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("open shared secret: %w", domain.ErrDecryptionFailure)
	}
	return secret, nil
}

// Forget drops every session the user holds in the room.
func (s *KeyManagementService) Forget(ctx context.Context, roomID, userID string) error {
	return s.sessions.DeleteForUser(ctx, roomID, userID)
}
