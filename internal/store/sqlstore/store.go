// Package sqlstore implements the domain repositories on database/sql. The
// same queries serve SQLite and PostgreSQL; queries are written with '?'
// placeholders and rebound for PostgreSQL.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"securechat/internal/domain"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Store bundles every repository over one connection pool.
type Store struct {
	DB      *sql.DB
	dialect Dialect

	Users     *UserRepo
	KeyPairs  *KeyPairRepo
	Rooms     *RoomRepo
	Envelopes *EnvelopeRepo
	Sessions  *SessionRepo
	Messages  *MessageRepo
}

func New(db *sql.DB, dialect Dialect) *Store {
	s := &Store{DB: db, dialect: dialect}
	s.Users = &UserRepo{s: s}
	s.KeyPairs = &KeyPairRepo{s: s}
	s.Rooms = &RoomRepo{s: s}
	s.Envelopes = &EnvelopeRepo{s: s}
	s.Sessions = &SessionRepo{s: s}
	s.Messages = &MessageRepo{s: s}
	return s
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// rebind replaces '?' with $1, $2, ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func notFoundIfNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// nowUTC is a var so tests can pin the clock.
var nowUTC = func() time.Time { return time.Now().UTC() }
