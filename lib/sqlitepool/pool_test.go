// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/foyer-project/foyer/lib/sqlitepool"
)

func TestOpenAppliesPragmas(t *testing.T) {
	pool := openTestPool(t, nil)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	readPragma := func(name string) string {
		t.Helper()
		var value string
		err := sqlitex.Execute(conn, "PRAGMA "+name, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("PRAGMA %s: %v", name, err)
		}
		return value
	}

	if mode := readPragma("journal_mode"); mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}
	if sync := readPragma("synchronous"); sync != "1" {
		t.Errorf("synchronous = %s, want 1 (NORMAL)", sync)
	}
	if fk := readPragma("foreign_keys"); fk != "1" {
		t.Errorf("foreign_keys = %s, want 1", fk)
	}
}

func TestOnConnect(t *testing.T) {
	pool := openTestPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				room_id TEXT NOT NULL
			);
		`, nil)
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO conversations (id, room_id) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"a1b2c3d4", "!room:example.com"},
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	_, err := sqlitepool.Open(sqlitepool.Config{})
	if err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	// The pool has size 1, so a second Take blocks; a cancelled
	// context must fail it instead.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}

	pool.Put(conn)
}

// openTestPool creates a pool backed by a temporary database file,
// closed automatically when the test completes.
func openTestPool(t *testing.T, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		PoolSize:  2,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
