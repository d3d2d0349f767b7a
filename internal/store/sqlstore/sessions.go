package sqlstore

import (
	"context"
	"fmt"

	"securechat/internal/domain"
)

type SessionRepo struct {
	s *Store
}

var _ domain.SessionRepository = (*SessionRepo)(nil)

func (r *SessionRepo) Upsert(ctx context.Context, sess *domain.PairwiseSession) error {
	_, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		INSERT INTO pairwise_sessions (room_id, user_id, pair_id, shared_secret, key_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, user_id, pair_id) DO UPDATE SET
			shared_secret = excluded.shared_secret,
			key_version = excluded.key_version,
			created_at = excluded.created_at
	`), sess.RoomID, sess.UserID, sess.PairID, sess.SharedSecret, sess.KeyVersion, toNanos(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ListForUser returns the user's sessions in a room, newest first.
func (r *SessionRepo) ListForUser(ctx context.Context, roomID, userID string) ([]*domain.PairwiseSession, error) {
	rows, err := r.s.DB.QueryContext(ctx, r.s.rebind(`
		SELECT room_id, user_id, pair_id, shared_secret, key_version, created_at
		FROM pairwise_sessions
		WHERE room_id = ? AND user_id = ?
		ORDER BY created_at DESC, pair_id ASC
	`), roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var res []*domain.PairwiseSession
	for rows.Next() {
		sess := &domain.PairwiseSession{}
		var created int64
		if err := rows.Scan(&sess.RoomID, &sess.UserID, &sess.PairID, &sess.SharedSecret, &sess.KeyVersion, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = fromNanos(created)
		res = append(res, sess)
	}
	return res, rows.Err()
}

func (r *SessionRepo) DeleteForUser(ctx context.Context, roomID, userID string) error {
	if _, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		DELETE FROM pairwise_sessions WHERE room_id = ? AND user_id = ?
	`), roomID, userID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}
