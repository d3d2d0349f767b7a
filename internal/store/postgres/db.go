package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"securechat/internal/store/sqlstore"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStore opens, migrates and wraps a PostgreSQL database.
func NewStore(dsn string) (*sqlstore.Store, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return sqlstore.New(db, sqlstore.Postgres), nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id               TEXT         PRIMARY KEY,
			username         VARCHAR(50)  UNIQUE NOT NULL,
			name             TEXT         NOT NULL DEFAULT '',
			avatar           TEXT         NOT NULL DEFAULT '',
			hashed_password  VARCHAR(255) NOT NULL,
			is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
			created_at       BIGINT       NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS user_key_pairs (
			user_id               TEXT    PRIMARY KEY,
			public_key            TEXT    NOT NULL,
			encrypted_private_key BYTEA   NOT NULL,
			salt                  BYTEA   NOT NULL,
			iv                    BYTEA   NOT NULL,
			key_version           INTEGER NOT NULL,
			expires_at            BIGINT  NOT NULL,
			created_at            BIGINT  NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id                 TEXT    PRIMARY KEY,
			workspace_id       TEXT,
			name               TEXT    NOT NULL,
			description        TEXT    NOT NULL DEFAULT '',
			room_type          TEXT    NOT NULL,
			is_private         BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			settings           TEXT    NOT NULL DEFAULT '{}',
			created_by         TEXT    NOT NULL,
			created_at         BIGINT  NOT NULL,
			updated_at         BIGINT  NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id      TEXT    NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
			user_id      TEXT    NOT NULL,
			joined_at    BIGINT  NOT NULL,
			public_key   TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS room_key_envelopes (
			room_id       TEXT    NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
			user_id       TEXT    NOT NULL,
			encrypted_key BYTEA   NOT NULL,
			key_version   INTEGER NOT NULL,
			updated_at    BIGINT  NOT NULL,
			PRIMARY KEY (room_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS pairwise_sessions (
			room_id       TEXT    NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
			user_id       TEXT    NOT NULL,
			pair_id       TEXT    NOT NULL,
			shared_secret BYTEA   NOT NULL,
			key_version   INTEGER NOT NULL,
			created_at    BIGINT  NOT NULL,
			PRIMARY KEY (room_id, user_id, pair_id)
		)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id                TEXT    PRIMARY KEY,
			room_id           TEXT    NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
			sender_id         TEXT    NOT NULL,
			ciphertext        BYTEA   NOT NULL,
			iv                BYTEA   NOT NULL,
			tag               BYTEA   NOT NULL,
			sender_public_key TEXT    NOT NULL DEFAULT '',
			key_version       INTEGER NOT NULL,
			message_type      TEXT    NOT NULL,
			reply_to          TEXT,
			mentions          TEXT    NOT NULL DEFAULT '[]',
			attachments       TEXT    NOT NULL DEFAULT '[]',
			reactions         TEXT    NOT NULL DEFAULT '[]',
			is_edited         BOOLEAN NOT NULL DEFAULT FALSE,
			read_by           TEXT    NOT NULL DEFAULT '[]',
			version           INTEGER NOT NULL DEFAULT 1,
			created_at        BIGINT  NOT NULL,
			updated_at        BIGINT  NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_rooms_workspace ON chat_rooms(workspace_id, room_type)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON chat_rooms(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON room_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_user ON room_key_envelopes(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON chat_messages(room_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON chat_messages(sender_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
