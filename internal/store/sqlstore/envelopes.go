package sqlstore

import (
	"context"
	"fmt"

	"securechat/internal/domain"
)

type EnvelopeRepo struct {
	s *Store
}

var _ domain.EnvelopeRepository = (*EnvelopeRepo)(nil)

func (r *EnvelopeRepo) Get(ctx context.Context, roomID, userID string) (*domain.RoomKeyEnvelope, error) {
	env := &domain.RoomKeyEnvelope{}
	var updated int64
	err := r.s.DB.QueryRowContext(ctx, r.s.rebind(`
		SELECT room_id, user_id, encrypted_key, key_version, updated_at
		FROM room_key_envelopes WHERE room_id = ? AND user_id = ?
	`), roomID, userID).Scan(&env.RoomID, &env.UserID, &env.EncryptedKey, &env.KeyVersion, &updated)
	if err != nil {
		return nil, fmt.Errorf("get envelope: %w", notFoundIfNoRows(err))
	}
	env.UpdatedAt = fromNanos(updated)
	return env, nil
}

// Upsert is a compare-and-swap on key_version. expectedVersion 0 means the
// row must not exist yet.
func (r *EnvelopeRepo) Upsert(ctx context.Context, env *domain.RoomKeyEnvelope, expectedVersion int) error {
	var (
		query string
		args  []any
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO room_key_envelopes (room_id, user_id, encrypted_key, key_version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (room_id, user_id) DO NOTHING`
		args = []any{env.RoomID, env.UserID, env.EncryptedKey, env.KeyVersion, toNanos(env.UpdatedAt)}
	} else {
		query = `
			UPDATE room_key_envelopes
			SET encrypted_key = ?, key_version = ?, updated_at = ?
			WHERE room_id = ? AND user_id = ? AND key_version = ?`
		args = []any{env.EncryptedKey, env.KeyVersion, toNanos(env.UpdatedAt), env.RoomID, env.UserID, expectedVersion}
	}

	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("upsert envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert envelope: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("upsert envelope %s/%s: %w", env.RoomID, env.UserID, domain.ErrConflict)
	}
	return nil
}

func (r *EnvelopeRepo) Delete(ctx context.Context, roomID, userID string) error {
	if _, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		DELETE FROM room_key_envelopes WHERE room_id = ? AND user_id = ?
	`), roomID, userID); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	return nil
}

func (r *EnvelopeRepo) DeleteForRoom(ctx context.Context, roomID string) error {
	if _, err := r.s.DB.ExecContext(ctx, r.s.rebind(`DELETE FROM room_key_envelopes WHERE room_id = ?`), roomID); err != nil {
		return fmt.Errorf("delete room envelopes: %w", err)
	}
	return nil
}

func (r *EnvelopeRepo) ListForUser(ctx context.Context, userID string) ([]*domain.RoomKeyEnvelope, error) {
	rows, err := r.s.DB.QueryContext(ctx, r.s.rebind(`
		SELECT room_id, user_id, encrypted_key, key_version, updated_at
		FROM room_key_envelopes WHERE user_id = ?
		ORDER BY room_id
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()

	var res []*domain.RoomKeyEnvelope
	for rows.Next() {
		env := &domain.RoomKeyEnvelope{}
		var updated int64
		if err := rows.Scan(&env.RoomID, &env.UserID, &env.EncryptedKey, &env.KeyVersion, &updated); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env.UpdatedAt = fromNanos(updated)
		res = append(res, env)
	}
	return res, rows.Err()
}

// CurrentVersion returns the highest key version held by any participant,
// or 0 if the room has no key.
func (r *EnvelopeRepo) CurrentVersion(ctx context.Context, roomID string) (int, error) {
	var v int
	err := r.s.DB.QueryRowContext(ctx, r.s.rebind(`
		SELECT COALESCE(MAX(key_version), 0) FROM room_key_envelopes WHERE room_id = ?
	`), roomID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("current key version: %w", err)
	}
	return v, nil
}
