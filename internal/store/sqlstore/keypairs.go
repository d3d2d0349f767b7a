package sqlstore

import (
	"context"
	"fmt"

	"securechat/internal/domain"
)

type KeyPairRepo struct {
	s *Store
}

var _ domain.KeyPairRepository = (*KeyPairRepo)(nil)

// Get returns the stored key pair regardless of expiry; callers decide validity.
func (r *KeyPairRepo) Get(ctx context.Context, userID string) (*domain.UserKeyPair, error) {
	kp := &domain.UserKeyPair{}
	var expires, created int64
	err := r.s.DB.QueryRowContext(ctx, r.s.rebind(`
		SELECT user_id, public_key, encrypted_private_key, salt, iv, key_version, expires_at, created_at
		FROM user_key_pairs WHERE user_id = ?
	`), userID).Scan(
		&kp.UserID, &kp.PublicKey, &kp.EncryptedPrivateKey, &kp.Salt, &kp.IV, &kp.KeyVersion, &expires, &created,
	)
	if err != nil {
		return nil, fmt.Errorf("get key pair: %w", notFoundIfNoRows(err))
	}
	kp.ExpiresAt = fromNanos(expires)
	kp.CreatedAt = fromNanos(created)
	return kp, nil
}

func (r *KeyPairRepo) Upsert(ctx context.Context, kp *domain.UserKeyPair) error {
	_, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		INSERT INTO user_key_pairs (user_id, public_key, encrypted_private_key, salt, iv, key_version, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			public_key = excluded.public_key,
			encrypted_private_key = excluded.encrypted_private_key,
			salt = excluded.salt,
			iv = excluded.iv,
			key_version = excluded.key_version,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`), kp.UserID, kp.PublicKey, kp.EncryptedPrivateKey, kp.Salt, kp.IV, kp.KeyVersion,
		toNanos(kp.ExpiresAt), toNanos(kp.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert key pair: %w", err)
	}
	return nil
}
