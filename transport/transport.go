// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the boundary between external chat
// platforms and the session router. A transport translates its
// platform's events into the four Inbound calls; the router translates
// routing decisions back through the transport's outbound surface.
package transport

import "context"

// User identifies an external platform user.
type User struct {
	// ID is the platform-native user identifier (Telegram numeric
	// user ID, as a string). Stable across sessions.
	ID string

	// DisplayName is the user's human-readable name.
	DisplayName string

	// Handle is the platform handle (Telegram @username). May be
	// empty; not all users have one.
	Handle string
}

// Inbound receives external platform events. Implementations enqueue
// and return promptly; the calls carry no result because routing
// outcomes flow back through the transport's outbound surface.
type Inbound interface {
	// OnStart signals first contact or an explicit conversation
	// restart (/start).
	OnStart(ctx context.Context, user User)

	// OnDepartmentChosen signals a department selection
	// (inline-keyboard callback or /start argument).
	OnDepartmentChosen(ctx context.Context, user User, departmentID string)

	// OnText carries a free-text message from the user.
	OnText(ctx context.Context, user User, text string)

	// OnSessionEnd signals that the platform considers the
	// conversation over. Only the user ID is reliably available.
	OnSessionEnd(ctx context.Context, userID string)
}
