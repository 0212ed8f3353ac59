// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values: room IDs, room aliases, user IDs, and event types.
//
// Foyer never constructs room IDs by hand — they arrive from the
// homeserver via room creation, alias resolution, or /sync responses,
// and are parsed into these types at the boundary. All constructors
// validate their inputs and return errors for malformed identifiers.
// Once constructed, a ref is immutable; the zero value is never valid
// and IsZero reports it.
//
// The canonical serialization form is the full Matrix identifier
// (!room:server, #alias:server, @user:server). JSON marshaling uses
// this form via encoding.TextMarshaler.
package ref
