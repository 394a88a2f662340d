// Package db provides database connection helpers, schema migration, and the
// chat message / user directory store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// UserProfile is a normalized user identity as stored in the user directory.
// The ID is opaque and stable; name/avatar are whatever the identity provider
// reported the first time this user was seen (never refreshed afterwards).
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"avt"`
}

// MessageRecord is one persisted chat line tied to a sender.
type MessageRecord struct {
	ID        string
	Text      string
	Timestamp time.Time
	SenderID  string
}

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Connect opens a Postgres connection for the given DSN. Defaulting lives in
// config.Load; this function takes exactly what it was handed.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			userid TEXT PRIMARY KEY,
			name TEXT,
			avatar TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			sender_id TEXT NOT NULL REFERENCES users(userid),
			message TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_ts_seq ON chat_messages(ts, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages(sender_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// Store is the durable log and user directory used by the session service.
// All methods are safe for concurrent use; the database owns all shared state.
type Store struct {
	DB *sql.DB
}

// AppendMessage inserts a new chat line. The record ID must already be set.
func (s *Store) AppendMessage(ctx context.Context, rec MessageRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_messages(id, sender_id, message, ts) VALUES($1,$2,$3,$4)`,
		rec.ID, rec.SenderID, rec.Text, rec.Timestamp)
	if err != nil {
		return &PersistenceError{Op: "append message", Err: err}
	}
	return nil
}

// ListMessages returns the full log in ascending insertion order. The seq
// tiebreaker keeps messages with identical timestamps in insertion order.
func (s *Store) ListMessages(ctx context.Context) ([]MessageRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, sender_id, message, ts FROM chat_messages ORDER BY ts ASC, seq ASC`)
	if err != nil {
		return nil, &PersistenceError{Op: "list messages", Err: err}
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.SenderID, &rec.Text, &rec.Timestamp); err != nil {
			return nil, &PersistenceError{Op: "scan message", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list messages", Err: err}
	}
	return out, nil
}

// FindUser looks up a profile by id; ok is false when the directory has no row.
func (s *Store) FindUser(ctx context.Context, id string) (UserProfile, bool, error) {
	var p UserProfile
	err := s.DB.QueryRowContext(ctx,
		`SELECT userid, COALESCE(name,''), COALESCE(avatar,'') FROM users WHERE userid=$1`, id).
		Scan(&p.ID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProfile{}, false, nil
	}
	if err != nil {
		return UserProfile{}, false, &PersistenceError{Op: "find user", Err: err}
	}
	return p, true, nil
}

// UpsertUser inserts the profile if the id is unseen and leaves an existing
// row untouched. Name/avatar of known users are deliberately not refreshed.
func (s *Store) UpsertUser(ctx context.Context, p UserProfile) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users(userid, name, avatar) VALUES($1,$2,$3) ON CONFLICT(userid) DO NOTHING`,
		p.ID, p.DisplayName, p.AvatarURL)
	if err != nil {
		return &PersistenceError{Op: "upsert user", Err: err}
	}
	return nil
}

// ListUsers returns the whole directory keyed by id, for resolving senders
// during a view rebuild without a query per message.
func (s *Store) ListUsers(ctx context.Context) (map[string]UserProfile, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT userid, COALESCE(name,''), COALESCE(avatar,'') FROM users`)
	if err != nil {
		return nil, &PersistenceError{Op: "list users", Err: err}
	}
	defer rows.Close()

	out := make(map[string]UserProfile)
	for rows.Next() {
		var p UserProfile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, &PersistenceError{Op: "scan user", Err: err}
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list users", Err: err}
	}
	return out, nil
}
