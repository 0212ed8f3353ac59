// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for the Foyer
// bridge's room management and message delivery needs.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client holding the homeserver URL and HTTP transport, shared
// across all Sessions derived from it. [Session] wraps a Client with
// an access token for authenticated operations: room creation and
// invites, message and state event sends, alias resolution, and
// incremental sync with long-polling.
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory). The bridge holds
// one Session for the space-owning account and one per department bot.
// The access token is locked against swap and excluded from core
// dumps; callers must call Session.Close to release the protected
// memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status.
// [IsMatrixError] tests for a specific code. Event and state sends
// retry a bounded number of times on M_LIMIT_EXCEEDED, honoring the
// server's retry_after_ms. Request URLs are built by string
// concatenation rather than url.URL to avoid double-encoding of path
// segments that contain URL-encoded characters (such as room aliases).
//
// [EventStream] is the inbound half: a long-running /sync loop that
// delivers timeline messages from every room a session has joined,
// used to relay staff replies back out of Matrix.
package messaging
