// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Foyer-standard SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous, busy timeout for write contention,
// and memory-mapped reads. The conversation store is the bridge's
// source of truth for which Telegram user maps to which Matrix room,
// so foreign keys are enforced and transactions must survive a process
// crash.
//
// The pool is built on sqlitex.Pool. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are not safe for
// concurrent use; each goroutine holds its own for the duration of its
// work.
//
// The package is intentionally thin. It applies standard pragmas and
// exposes the underlying zombiezen types directly: callers write SQL,
// use sqlitex.Execute for cached statements, and manage transactions
// with sqlitex.ImmediateTransaction. There is no query builder and no
// attempt to hide SQLite's connection model.
package sqlitepool
