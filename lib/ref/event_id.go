// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventID is a Matrix event identifier (e.g., "$Abc123:example.com").
// Event IDs are opaque server-assigned tokens; unlike room and user
// IDs they carry no structure worth validating beyond the sigil, so
// EventID is a plain named string.
type EventID string

func (e EventID) String() string { return string(e) }

// IsZero reports whether the event ID is empty.
func (e EventID) IsZero() bool { return e == "" }
