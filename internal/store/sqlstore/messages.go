package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"securechat/internal/domain"
)

type MessageRepo struct {
	s *Store
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, room_id, sender_id, ciphertext, iv, tag, sender_public_key, key_version,
	message_type, reply_to, mentions, attachments, reactions, is_edited, read_by, version, created_at, updated_at`

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	mentions, attachments, reactions, readBy, err := encodeMessageJSON(m)
	if err != nil {
		return err
	}
	if m.Version == 0 {
		m.Version = 1
	}
	_, err = r.s.DB.ExecContext(ctx, r.s.rebind(`
		INSERT INTO chat_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.RoomID, m.SenderID, m.Ciphertext, m.IV, m.Tag, m.SenderPublicKey, m.KeyVersion,
		string(m.Type), m.ReplyTo, mentions, attachments, reactions, m.IsEdited, readBy, m.Version,
		toNanos(m.CreatedAt), toNanos(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	row := r.s.DB.QueryRowContext(ctx, r.s.rebind(`SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`), id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", notFoundIfNoRows(err))
	}
	return m, nil
}

func (r *MessageRepo) List(ctx context.Context, q domain.MessageQuery) ([]*domain.Message, error) {
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.s.DB.QueryContext(ctx, r.s.rebind(`
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE room_id = ?
		ORDER BY created_at `+order+`, id `+order+`
		LIMIT ? OFFSET ?
	`), q.RoomID, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r *MessageRepo) Count(ctx context.Context, roomID string) (int, error) {
	var n int
	if err := r.s.DB.QueryRowContext(ctx, r.s.rebind(`SELECT COUNT(*) FROM chat_messages WHERE room_id = ?`), roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (r *MessageRepo) Update(ctx context.Context, m *domain.Message) error {
	mentions, attachments, reactions, readBy, err := encodeMessageJSON(m)
	if err != nil {
		return err
	}
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		UPDATE chat_messages
		SET ciphertext = ?, iv = ?, tag = ?, sender_public_key = ?, key_version = ?,
		    mentions = ?, attachments = ?, reactions = ?, is_edited = ?, read_by = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`), m.Ciphertext, m.IV, m.Tag, m.SenderPublicKey, m.KeyVersion,
		mentions, attachments, reactions, m.IsEdited, readBy, toNanos(m.UpdatedAt),
		m.ID, m.Version)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, m.ID); err != nil {
			return err
		}
		return fmt.Errorf("update message %s: %w", m.ID, domain.ErrConflict)
	}
	m.Version++
	return nil
}

func (r *MessageRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`DELETE FROM chat_messages WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete message: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *MessageRepo) DeleteForRoom(ctx context.Context, roomID string) (int64, error) {
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`DELETE FROM chat_messages WHERE room_id = ?`), roomID)
	if err != nil {
		return 0, fmt.Errorf("delete room messages: %w", err)
	}
	return res.RowsAffected()
}

func (r *MessageRepo) PruneOlderThan(ctx context.Context, roomID string, before time.Time) (int64, error) {
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		DELETE FROM chat_messages WHERE room_id = ? AND created_at < ?
	`), roomID, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

func encodeMessageJSON(m *domain.Message) (mentions, attachments, reactions, readBy string, err error) {
	if mentions, err = encodeJSON(nonNil(m.Mentions)); err != nil {
		return
	}
	if attachments, err = encodeJSON(nonNil(m.Attachments)); err != nil {
		return
	}
	if reactions, err = encodeJSON(nonNil(m.Reactions)); err != nil {
		return
	}
	readBy, err = encodeJSON(nonNil(m.ReadBy))
	return
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m                                      domain.Message
		msgType                                string
		replyTo                                sql.NullString
		mentions, attachments, reactions, read string
		created, updated                       int64
	)
	if err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &m.Ciphertext, &m.IV, &m.Tag, &m.SenderPublicKey, &m.KeyVersion,
		&msgType, &replyTo, &mentions, &attachments, &reactions, &m.IsEdited, &read, &m.Version,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	m.Type = domain.MessageType(msgType)
	if replyTo.Valid {
		id := replyTo.String
		m.ReplyTo = &id
	}
	for _, c := range []struct {
		raw string
		dst any
	}{
		{mentions, &m.Mentions},
		{attachments, &m.Attachments},
		{reactions, &m.Reactions},
		{read, &m.ReadBy},
	} {
		if err := decodeJSON(c.raw, c.dst); err != nil {
			return nil, err
		}
	}
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	return &m, nil
}
