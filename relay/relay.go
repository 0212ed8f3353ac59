// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay delivers external users' messages into conversation
// rooms. Each message is attributed to its author and sent once with
// the owning department's bot session; retry policy belongs to the
// caller.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/messaging"
)

// markdownInstance is initialized once and reused. The configuration
// never changes and goldmark.Markdown is safe to share.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
		)
	})
	return markdownInstance
}

// Author identifies the external user a message is attributed to.
type Author struct {
	// DisplayName is the user's human-readable name.
	DisplayName string

	// Handle is the channel handle (Telegram @username). May be empty.
	Handle string
}

// RelayError reports a failed delivery. No retry has been attempted;
// the caller decides whether to notify the end user.
type RelayError struct {
	RoomID     ref.RoomID
	Department string
	Err        error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: deliver to %s via department %s: %v", e.RoomID, e.Department, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Config holds the parameters for creating a Relay.
type Config struct {
	// Sessions maps department ID to that department's bot session.
	Sessions map[string]messaging.Session

	// Logger for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Relay sends attributed messages into conversation rooms. Safe for
// concurrent use.
type Relay struct {
	sessions map[string]messaging.Session
	logger   *slog.Logger
}

// New creates a Relay.
func New(cfg Config) (*Relay, error) {
	if len(cfg.Sessions) == 0 {
		return nil, fmt.Errorf("relay: at least one department session is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{sessions: cfg.Sessions, logger: logger}, nil
}

// Deliver sends one attributed m.text message to the room using the
// department's session. The plain body carries markdown-style
// attribution; the formatted body renders the message text as HTML.
func (r *Relay) Deliver(ctx context.Context, departmentID string, roomID ref.RoomID, author Author, text string) error {
	session, ok := r.sessions[departmentID]
	if !ok {
		return &RelayError{
			RoomID:     roomID,
			Department: departmentID,
			Err:        fmt.Errorf("no session for department %q", departmentID),
		}
	}

	content := messaging.NewHTMLMessage(plainBody(author, text), htmlBody(author, text))
	eventID, err := session.SendMessage(ctx, roomID, content)
	if err != nil {
		return &RelayError{RoomID: roomID, Department: departmentID, Err: err}
	}

	r.logger.Debug("relayed message",
		"room_id", roomID,
		"department", departmentID,
		"event_id", eventID,
	)
	return nil
}

// DeliverNotice sends an m.notice to the room using the department's
// session. Notices carry conversation metadata rather than user text;
// staff clients render them dimmed.
func (r *Relay) DeliverNotice(ctx context.Context, departmentID string, roomID ref.RoomID, text string) error {
	session, ok := r.sessions[departmentID]
	if !ok {
		return &RelayError{
			RoomID:     roomID,
			Department: departmentID,
			Err:        fmt.Errorf("no session for department %q", departmentID),
		}
	}

	if _, err := session.SendMessage(ctx, roomID, messaging.NewNotice(text)); err != nil {
		return &RelayError{RoomID: roomID, Department: departmentID, Err: err}
	}
	return nil
}

// plainBody renders the fallback body shown by clients that ignore
// formatted_body.
func plainBody(author Author, text string) string {
	return attributionLine(author, false) + "\n" + text
}

// htmlBody renders the attribution line escaped plus the message text
// as markdown-converted HTML. A render failure falls back to the
// escaped raw text; delivery is never blocked on markdown parsing.
func htmlBody(author Author, text string) string {
	var rendered bytes.Buffer
	if err := getMarkdown().Convert([]byte(text), &rendered); err != nil {
		return attributionLine(author, true) + "<br>" + html.EscapeString(text)
	}
	return attributionLine(author, true) + "<br>" + strings.TrimRight(rendered.String(), "\n")
}

func attributionLine(author Author, escaped bool) string {
	name := author.DisplayName
	if name == "" {
		name = "Unknown"
	}
	if escaped {
		line := "<strong>" + html.EscapeString(name) + "</strong>"
		if author.Handle != "" {
			line += " (@" + html.EscapeString(author.Handle) + ")"
		}
		return line + ":"
	}
	line := "**" + name + "**"
	if author.Handle != "" {
		line += " (@" + author.Handle + ")"
	}
	return line + ":"
}
