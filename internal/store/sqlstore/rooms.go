package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"securechat/internal/domain"
)

type RoomRepo struct {
	s *Store
}

var _ domain.RoomRepository = (*RoomRepo)(nil)

const roomColumns = `id, workspace_id, name, description, room_type, is_private, encryption_enabled, settings, created_by, created_at, updated_at`

// Create inserts the room and its initial participants in one transaction.
func (r *RoomRepo) Create(ctx context.Context, room *domain.ChatRoom) error {
	settings, err := encodeJSON(room.Settings)
	if err != nil {
		return err
	}

	tx, err := r.s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		INSERT INTO chat_rooms (`+roomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), room.ID, room.WorkspaceID, room.Name, room.Description, string(room.Type), room.IsPrivate,
		room.EncryptionEnabled, settings, room.CreatedBy, toNanos(room.CreatedAt), toNanos(room.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}

	for _, p := range room.Participants {
		if _, err := tx.ExecContext(ctx, r.s.rebind(`
			INSERT INTO room_participants (room_id, user_id, joined_at, public_key, unread_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (room_id, user_id) DO NOTHING
		`), room.ID, p.UserID, toNanos(p.JoinedAt), p.PublicKey, p.UnreadCount); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *RoomRepo) GetByID(ctx context.Context, id string) (*domain.ChatRoom, error) {
	row := r.s.DB.QueryRowContext(ctx, r.s.rebind(`SELECT `+roomColumns+` FROM chat_rooms WHERE id = ?`), id)
	room, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", notFoundIfNoRows(err))
	}
	if room.Participants, err = r.ListParticipants(ctx, id); err != nil {
		return nil, err
	}
	return room, nil
}

// Update persists the mutable room fields. Participants are managed separately.
func (r *RoomRepo) Update(ctx context.Context, room *domain.ChatRoom) error {
	settings, err := encodeJSON(room.Settings)
	if err != nil {
		return err
	}
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		UPDATE chat_rooms
		SET name = ?, description = ?, is_private = ?, encryption_enabled = ?, settings = ?, updated_at = ?
		WHERE id = ?
	`), room.Name, room.Description, room.IsPrivate, room.EncryptionEnabled, settings, toNanos(room.UpdatedAt), room.ID)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update room: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID string) ([]*domain.ChatRoom, error) {
	rows, err := r.s.DB.QueryContext(ctx, r.s.rebind(`
		SELECT c.id, c.workspace_id, c.name, c.description, c.room_type, c.is_private,
		       c.encryption_enabled, c.settings, c.created_by, c.created_at, c.updated_at
		FROM chat_rooms c
		JOIN room_participants p ON p.room_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	var rooms []*domain.ChatRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Participants are loaded after the cursor is closed; SQLite runs on a
	// single connection.
	for _, room := range rooms {
		if room.Participants, err = r.ListParticipants(ctx, room.ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (r *RoomRepo) FindByWorkspace(ctx context.Context, workspaceID string, roomType domain.RoomType) (*domain.ChatRoom, error) {
	row := r.s.DB.QueryRowContext(ctx, r.s.rebind(`
		SELECT `+roomColumns+` FROM chat_rooms
		WHERE workspace_id = ? AND room_type = ?
		ORDER BY created_at ASC
		LIMIT 1
	`), workspaceID, string(roomType))
	room, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("find workspace room: %w", notFoundIfNoRows(err))
	}
	if room.Participants, err = r.ListParticipants(ctx, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *RoomRepo) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		INSERT INTO room_participants (room_id, user_id, joined_at, unread_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`), roomID, userID, toNanos(nowUTC()))
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return r.touch(ctx, roomID)
}

func (r *RoomRepo) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`), roomID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove participant: %w", domain.ErrNotFound)
	}
	return r.touch(ctx, roomID)
}

func (r *RoomRepo) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := r.s.DB.QueryRowContext(ctx, r.s.rebind(`
		SELECT COUNT(*) FROM room_participants WHERE room_id = ? AND user_id = ?
	`), roomID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return n > 0, nil
}

func (r *RoomRepo) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := r.s.DB.QueryContext(ctx, r.s.rebind(`
		SELECT user_id, joined_at, public_key, unread_count
		FROM room_participants
		WHERE room_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`), roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var res []domain.Participant
	for rows.Next() {
		var (
			p      domain.Participant
			joined int64
			pub    sql.NullString
		)
		if err := rows.Scan(&p.UserID, &joined, &pub, &p.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.JoinedAt = fromNanos(joined)
		if pub.Valid {
			key := pub.String
			p.PublicKey = &key
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r *RoomRepo) SetParticipantPublicKey(ctx context.Context, roomID, userID, publicKey string) error {
	res, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		UPDATE room_participants SET public_key = ? WHERE room_id = ? AND user_id = ?
	`), publicKey, roomID, userID)
	if err != nil {
		return fmt.Errorf("set participant public key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set participant public key: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *RoomRepo) ClearParticipantPublicKey(ctx context.Context, roomID, userID, publicKey string) error {
	_, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		UPDATE room_participants SET public_key = NULL
		WHERE room_id = ? AND user_id = ? AND public_key = ?
	`), roomID, userID, publicKey)
	if err != nil {
		return fmt.Errorf("clear participant public key: %w", err)
	}
	return nil
}

func (r *RoomRepo) IncrementUnread(ctx context.Context, roomID, exceptUserID string) error {
	_, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		UPDATE room_participants SET unread_count = unread_count + 1
		WHERE room_id = ? AND user_id <> ?
	`), roomID, exceptUserID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// DecrementUnread lowers the counter by one, never below zero.
func (r *RoomRepo) DecrementUnread(ctx context.Context, roomID, userID string) error {
	_, err := r.s.DB.ExecContext(ctx, r.s.rebind(`
		UPDATE room_participants
		SET unread_count = CASE WHEN unread_count > 0 THEN unread_count - 1 ELSE 0 END
		WHERE room_id = ? AND user_id = ?
	`), roomID, userID)
	if err != nil {
		return fmt.Errorf("decrement unread: %w", err)
	}
	return nil
}

func (r *RoomRepo) touch(ctx context.Context, roomID string) error {
	if _, err := r.s.DB.ExecContext(ctx, r.s.rebind(`UPDATE chat_rooms SET updated_at = ? WHERE id = ?`), toNanos(nowUTC()), roomID); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*domain.ChatRoom, error) {
	var (
		room               domain.ChatRoom
		workspaceID        sql.NullString
		roomType, settings string
		created, updated   int64
	)
	if err := row.Scan(
		&room.ID, &workspaceID, &room.Name, &room.Description, &roomType, &room.IsPrivate,
		&room.EncryptionEnabled, &settings, &room.CreatedBy, &created, &updated,
	); err != nil {
		return nil, err
	}
	if workspaceID.Valid {
		ws := workspaceID.String
		room.WorkspaceID = &ws
	}
	room.Type = domain.RoomType(roomType)
	if err := decodeJSON(settings, &room.Settings); err != nil {
		return nil, err
	}
	room.CreatedAt = fromNanos(created)
	room.UpdatedAt = fromNanos(updated)
	return &room, nil
}
