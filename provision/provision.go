// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package provision creates the per-conversation Matrix rooms that
// staff use to talk to external users. Each room is created by the
// selected department's bot account, filed under the channel space,
// stamped with a provenance state event, and staffed by inviting the
// department's roster.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foyer-project/foyer/department"
	"github.com/foyer-project/foyer/directory"
	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/messaging"
)

// EventTypeDepartment is the state event recording which department a
// conversation room belongs to and which external user it serves.
const EventTypeDepartment ref.EventType = "org.foyer.department"

// Conversation identifies the external party a room is provisioned
// for. The provisioner does not track sessions; the caller passes a
// snapshot of what it knows.
type Conversation struct {
	// ConversationID is the short stable identifier minted when the
	// session started (eight hex characters).
	ConversationID string

	// ExternalUserID is the channel-native user identifier (the
	// Telegram numeric user ID, as a string).
	ExternalUserID string

	// DisplayName is the user's human-readable name.
	DisplayName string

	// Handle is the user's channel handle (Telegram @username).
	// May be empty; not all users have one.
	Handle string

	// ExistingRoomID short-circuits provisioning when the
	// conversation already has a room.
	ExistingRoomID ref.RoomID
}

// DepartmentContent is the JSON content of the EventTypeDepartment
// state event.
type DepartmentContent struct {
	Department     string `json:"department"`
	DepartmentName string `json:"department_name"`
	ExternalUserID string `json:"external_user_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      string `json:"created_at"`
}

// InviteFailure records a single staff invite that failed. Invite
// failures never fail the provisioning call.
type InviteFailure struct {
	UserID ref.UserID
	Err    error
}

// Result is the outcome of a successful Provision call.
type Result struct {
	// RoomID is the conversation room.
	RoomID ref.RoomID

	// Created is false when the conversation already had a room and
	// provisioning short-circuited.
	Created bool

	// InviteFailures lists staff members who could not be invited.
	InviteFailures []InviteFailure
}

// ProvisioningError reports a fatal provisioning failure: space
// resolution or room creation. The conversation has no room; the
// caller may retry by re-running department selection.
type ProvisioningError struct {
	// Step is "space" or "create-room".
	Step string
	// ConversationID identifies the affected conversation.
	ConversationID string
	// Err is the underlying cause.
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision: %s for conversation %s: %v", e.Step, e.ConversationID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Config holds the parameters for creating a Provisioner.
type Config struct {
	// Directory resolves the channel space the rooms are filed under.
	Directory *directory.Directory

	// Sessions maps department ID to that department's bot session.
	// Every registry department must have a session.
	Sessions map[string]messaging.Session

	// SpaceSession is the bridge account owning the space hierarchy.
	// It links new rooms into the channel space.
	SpaceSession messaging.Session

	// ChannelKey names the channel space rooms are filed under
	// ("telegram").
	ChannelKey string

	// ServerName is used for m.space.child via hints.
	ServerName string

	// Logger for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Clock provides creation timestamps. If nil, the real clock is
	// used.
	Clock clock.Clock
}

// Provisioner creates conversation rooms. Safe for concurrent use.
type Provisioner struct {
	directory    *directory.Directory
	sessions     map[string]messaging.Session
	spaceSession messaging.Session
	channelKey   string
	serverName   string
	logger       *slog.Logger
	clock        clock.Clock
}

// New creates a Provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("provision: Directory is required")
	}
	if cfg.SpaceSession == nil {
		return nil, fmt.Errorf("provision: SpaceSession is required")
	}
	if cfg.ChannelKey == "" {
		return nil, fmt.Errorf("provision: ChannelKey is required")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("provision: ServerName is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Provisioner{
		directory:    cfg.Directory,
		sessions:     cfg.Sessions,
		spaceSession: cfg.SpaceSession,
		channelKey:   cfg.ChannelKey,
		serverName:   cfg.ServerName,
		logger:       logger,
		clock:        clk,
	}, nil
}

// Provision ensures the conversation has a room for the given
// department. When Conversation.ExistingRoomID is set the call returns
// it unchanged without touching the homeserver; a user re-selecting
// the same department must never get a second room.
func (p *Provisioner) Provision(ctx context.Context, conv Conversation, dept department.Department) (*Result, error) {
	if !conv.ExistingRoomID.IsZero() {
		return &Result{RoomID: conv.ExistingRoomID}, nil
	}

	session, ok := p.sessions[dept.ID]
	if !ok {
		return nil, fmt.Errorf("provision: no bot session for department %q", dept.ID)
	}

	spaceID, err := p.directory.ChannelSpace(ctx, p.channelKey)
	if err != nil {
		return nil, &ProvisioningError{Step: "space", ConversationID: conv.ConversationID, Err: err}
	}

	roomID, err := p.createRoom(ctx, session, conv, dept)
	if err != nil {
		return nil, &ProvisioningError{Step: "create-room", ConversationID: conv.ConversationID, Err: err}
	}

	// Everything past room creation is best-effort: the room exists
	// and is usable even if a state event or invite fails.
	p.stampDepartment(ctx, session, roomID, conv, dept)
	p.attachToSpace(ctx, spaceID, roomID, conv)
	failures := p.inviteStaff(ctx, session, roomID, dept)

	p.logger.Info("provisioned conversation room",
		"room_id", roomID,
		"conversation_id", conv.ConversationID,
		"department", dept.ID,
		"invite_failures", len(failures),
	)

	return &Result{
		RoomID:         roomID,
		Created:        true,
		InviteFailures: failures,
	}, nil
}

// RoomName returns the display name for a conversation room.
func RoomName(conv Conversation, dept department.Department) string {
	return fmt.Sprintf("%s (Telegram) - %s #%s", conv.DisplayName, dept.DisplayName, conv.ConversationID)
}

func (p *Provisioner) createRoom(ctx context.Context, session messaging.Session, conv Conversation, dept department.Department) (ref.RoomID, error) {
	topic := fmt.Sprintf("Telegram conversation with %s", conv.DisplayName)
	if conv.Handle != "" {
		topic += " (@" + conv.Handle + ")"
	}

	response, err := session.CreateRoom(ctx, messaging.CreateRoomRequest{
		Name:       RoomName(conv, dept),
		Topic:      topic,
		Preset:     "private_chat",
		Visibility: "private",
		CreationContent: map[string]any{
			"m.federate": false,
		},
		PowerLevelContentOverride: conversationPowerLevels(session.UserID(), dept),
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

// stampDepartment records conversation provenance as a state event so
// staff tooling can identify the room without parsing its name.
func (p *Provisioner) stampDepartment(ctx context.Context, session messaging.Session, roomID ref.RoomID, conv Conversation, dept department.Department) {
	content := DepartmentContent{
		Department:     dept.ID,
		DepartmentName: dept.DisplayName,
		ExternalUserID: conv.ExternalUserID,
		ConversationID: conv.ConversationID,
		CreatedAt:      p.clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := session.SendStateEvent(ctx, roomID, EventTypeDepartment, "", content); err != nil {
		p.logger.Warn("failed to stamp department state event",
			"room_id", roomID,
			"conversation_id", conv.ConversationID,
			"error", err,
		)
	}
}

// attachToSpace links the room under the channel space. Uses the
// space-owning session: only the bridge account has state permission
// in the space.
func (p *Provisioner) attachToSpace(ctx context.Context, spaceID, roomID ref.RoomID, conv Conversation) {
	_, err := p.spaceSession.SendStateEvent(ctx, spaceID, "m.space.child", roomID.String(),
		map[string]any{
			"via":   []string{p.serverName},
			"order": fmt.Sprintf("%d", p.clock.Now().UnixMilli()),
		})
	if err != nil {
		p.logger.Warn("failed to attach room to channel space",
			"room_id", roomID,
			"space_id", spaceID,
			"conversation_id", conv.ConversationID,
			"error", err,
		)
	}
}

// inviteStaff invites the department roster. Each invite is
// independent: one failure never blocks the rest, and M_FORBIDDEN
// (typically "already in the room") is treated as benign.
func (p *Provisioner) inviteStaff(ctx context.Context, session messaging.Session, roomID ref.RoomID, dept department.Department) []InviteFailure {
	invitees := make([]ref.UserID, 0, len(dept.Staff)+1)
	if !dept.AdminUserID.IsZero() {
		invitees = append(invitees, dept.AdminUserID)
	}
	invitees = append(invitees, dept.Staff...)

	var failures []InviteFailure
	for _, userID := range invitees {
		if err := session.InviteUser(ctx, roomID, userID); err != nil {
			if messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
				p.logger.Info("user already in room or invite not needed",
					"user_id", userID,
					"room_id", roomID,
				)
				continue
			}
			p.logger.Warn("staff invite failed",
				"user_id", userID,
				"room_id", roomID,
				"error", err,
			)
			failures = append(failures, InviteFailure{UserID: userID, Err: err})
		}
	}
	return failures
}

// conversationPowerLevels grants the department admin full control and
// staff moderation rights. The bot keeps just enough power to stamp
// state events; users_default stays 0 so the external side of the
// bridge can never moderate.
func conversationPowerLevels(botUserID ref.UserID, dept department.Department) map[string]any {
	users := map[string]any{
		botUserID.String(): 50,
	}
	if !dept.AdminUserID.IsZero() {
		users[dept.AdminUserID.String()] = 100
	}
	for _, staff := range dept.Staff {
		users[staff.String()] = 50
	}
	return map[string]any{
		"ban":            50,
		"invite":         50,
		"kick":           50,
		"redact":         50,
		"events_default": 0,
		"state_default":  50,
		"users":          users,
		"users_default":  0,
	}
}
