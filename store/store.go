// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists conversation-room records in SQLite so the
// bridge can rehydrate active conversations after a restart. The store
// is optional: a nil *Store disables persistence and every method on
// it is a no-op.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/lib/sqlitepool"
)

// Record is one provisioned conversation room. The pair
// (ExternalUserID, Department) is unique: re-provisioning the same
// pair overwrites the record.
type Record struct {
	ExternalUserID string
	DisplayName    string
	Handle         string
	ConversationID string
	Department     string
	RoomID         ref.RoomID
	CreatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	external_user_id TEXT NOT NULL,
	department       TEXT NOT NULL,
	display_name     TEXT NOT NULL,
	handle           TEXT NOT NULL,
	conversation_id  TEXT NOT NULL,
	room_id          TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	PRIMARY KEY (external_user_id, department)
);
CREATE INDEX IF NOT EXISTS conversations_by_room ON conversations (room_id);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store persists conversation records. Safe for concurrent use. A nil
// *Store is valid and persists nothing.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates the store, creating the database file and schema if
// they do not exist.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.pool.Close()
}

// Save upserts a conversation record keyed by (external user,
// department).
func (s *Store) Save(ctx context.Context, record Record) error {
	if s == nil {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO conversations
			(external_user_id, department, display_name, handle, conversation_id, room_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_user_id, department) DO UPDATE SET
			display_name = excluded.display_name,
			handle = excluded.handle,
			conversation_id = excluded.conversation_id,
			room_id = excluded.room_id,
			created_at = excluded.created_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ExternalUserID,
				record.Department,
				record.DisplayName,
				record.Handle,
				record.ConversationID,
				record.RoomID.String(),
				record.CreatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", record.ConversationID, err)
	}
	return nil
}

// Active returns all records for one external user, ordered by
// creation time. An unknown user yields an empty slice.
func (s *Store) Active(ctx context.Context, externalUserID string) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: active: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, `
		SELECT external_user_id, department, display_name, handle, conversation_id, room_id, created_at
		FROM conversations WHERE external_user_id = ? ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args:       []any{externalUserID},
			ResultFunc: func(stmt *sqlite.Stmt) error { return scanRecord(stmt, &records) },
		})
	if err != nil {
		return nil, fmt.Errorf("store: active conversations for %s: %w", externalUserID, err)
	}
	return records, nil
}

// LoadAll returns every persisted record, ordered by creation time.
// Used once at startup to rehydrate the router.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, `
		SELECT external_user_id, department, display_name, handle, conversation_id, room_id, created_at
		FROM conversations ORDER BY created_at`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { return scanRecord(stmt, &records) },
		})
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	return records, nil
}

// Delete removes every record for one external user. Called when the
// session ends.
func (s *Store) Delete(ctx context.Context, externalUserID string) error {
	if s == nil {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM conversations WHERE external_user_id = ?",
		&sqlitex.ExecOptions{Args: []any{externalUserID}})
	if err != nil {
		return fmt.Errorf("store: delete conversations for %s: %w", externalUserID, err)
	}
	return nil
}

func scanRecord(stmt *sqlite.Stmt, records *[]Record) error {
	roomID, err := ref.ParseRoomID(stmt.ColumnText(5))
	if err != nil {
		return fmt.Errorf("corrupt room ID in row: %w", err)
	}
	*records = append(*records, Record{
		ExternalUserID: stmt.ColumnText(0),
		Department:     stmt.ColumnText(1),
		DisplayName:    stmt.ColumnText(2),
		Handle:         stmt.ColumnText(3),
		ConversationID: stmt.ColumnText(4),
		RoomID:         roomID,
		CreatedAt:      time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
	})
	return nil
}
