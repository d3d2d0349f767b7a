package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"securechat/internal/store/sqlstore"
)

// Open opens a SQLite database with the given DSN. The pool is pinned to a
// single connection so ":memory:" databases and per-connection pragmas hold
// for every query.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// NewStore opens, migrates and wraps a SQLite database.
func NewStore(dsn string) (*sqlstore.Store, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return sqlstore.New(db, sqlstore.SQLite), nil
}

// Migrate creates the chat schema. Statements are idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			hashed_password TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_key_pairs (
			user_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			encrypted_private_key BLOB NOT NULL,
			salt BLOB NOT NULL,
			iv BLOB NOT NULL,
			key_version INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id TEXT PRIMARY KEY,
			workspace_id TEXT DEFAULT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			room_type TEXT NOT NULL,
			is_private BOOLEAN NOT NULL DEFAULT 0,
			encryption_enabled BOOLEAN NOT NULL DEFAULT 1,
			settings TEXT NOT NULL DEFAULT '{}',
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			public_key TEXT DEFAULT NULL,
			unread_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS room_key_envelopes (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			encrypted_key BLOB NOT NULL,
			key_version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS pairwise_sessions (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			pair_id TEXT NOT NULL,
			shared_secret BLOB NOT NULL,
			key_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id, pair_id),
			FOREIGN KEY (room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			iv BLOB NOT NULL,
			tag BLOB NOT NULL,
			sender_public_key TEXT NOT NULL DEFAULT '',
			key_version INTEGER NOT NULL,
			message_type TEXT NOT NULL,
			reply_to TEXT DEFAULT NULL,
			mentions TEXT NOT NULL DEFAULT '[]',
			attachments TEXT NOT NULL DEFAULT '[]',
			reactions TEXT NOT NULL DEFAULT '[]',
			is_edited BOOLEAN NOT NULL DEFAULT 0,
			read_by TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_workspace ON chat_rooms(workspace_id, room_type);`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON chat_rooms(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON room_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_user ON room_key_envelopes(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON chat_messages(room_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON chat_messages(sender_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}
