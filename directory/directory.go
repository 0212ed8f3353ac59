// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory maintains the two-level Matrix space hierarchy the
// bridge files conversation rooms under: one root space, with one
// child space per inbound channel ("telegram").
//
// Spaces are resolved lazily and cached for the process lifetime.
// Resolution goes through room aliases, so the hierarchy survives
// restarts: an existing space is found by alias instead of being
// recreated. Concurrent first-time resolution of the same space is
// collapsed to a single creation call via singleflight; failed
// resolution leaves the cache unpopulated so the next caller retries.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/messaging"
)

// rootKey is the singleflight and cache key for the root space. Config
// validation rejects it as a channel key by construction (channel keys
// are caller-facing identifiers like "telegram").
const rootKey = "\x00root"

// ProvisioningError reports a failed space resolution or creation.
// The caller may retry; the directory cache is only populated on
// success.
type ProvisioningError struct {
	// Stage is the operation that failed: "resolve", "create", or
	// "link".
	Stage string
	// Key is the channel key, or "root" for the root space.
	Key string
	// Err is the underlying cause.
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("directory: %s space %q: %v", e.Stage, e.Key, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Directory resolves and caches the bridge's space hierarchy. Safe for
// concurrent use.
type Directory struct {
	session    messaging.Session
	serverName string
	root       config.SpaceConfig
	channels   map[string]config.SpaceConfig
	logger     *slog.Logger
	clock      clock.Clock

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]ref.RoomID
}

// Config holds the parameters for creating a Directory.
type Config struct {
	// Session is the space-owning bridge account.
	Session messaging.Session
	// ServerName is used for alias construction and via hints.
	ServerName string
	// Root describes the top-level space.
	Root config.SpaceConfig
	// Channels describes the per-channel sub-spaces.
	Channels []config.ChannelConfig
	// Logger for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock provides timestamps for m.space.child ordering. If nil,
	// the real clock is used.
	Clock clock.Clock
}

// New creates a Directory. No network calls are made until the first
// ChannelSpace call.
func New(cfg Config) (*Directory, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("directory: Session is required")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("directory: ServerName is required")
	}
	if cfg.Root.Alias == "" {
		return nil, fmt.Errorf("directory: root space alias is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	channels := make(map[string]config.SpaceConfig, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		if channel.Key == "" || channel.Alias == "" {
			return nil, fmt.Errorf("directory: channel %q needs key and alias", channel.Key)
		}
		channels[channel.Key] = channel.SpaceConfig
	}

	return &Directory{
		session:    cfg.Session,
		serverName: cfg.ServerName,
		root:       cfg.Root,
		channels:   channels,
		logger:     logger,
		clock:      clk,
		cache:      make(map[string]ref.RoomID),
	}, nil
}

// ChannelSpace returns the room ID of the space for the given channel
// key, resolving or creating the root space and the channel space as
// needed. Concurrent calls for the same key share one resolution; the
// second caller waits and reuses the first caller's result.
func (d *Directory) ChannelSpace(ctx context.Context, key string) (ref.RoomID, error) {
	if roomID, ok := d.cached(key); ok {
		return roomID, nil
	}

	spaceCfg, ok := d.channels[key]
	if !ok {
		return ref.RoomID{}, fmt.Errorf("directory: unknown channel %q", key)
	}

	result, err, _ := d.group.Do(key, func() (any, error) {
		// Re-check under singleflight: a concurrent caller may have
		// populated the cache while this call waited.
		if roomID, ok := d.cached(key); ok {
			return roomID, nil
		}

		rootID, err := d.rootSpace(ctx)
		if err != nil {
			return ref.RoomID{}, err
		}

		roomID, err := d.ensureSpace(ctx, key, spaceCfg)
		if err != nil {
			return ref.RoomID{}, err
		}
		// Re-assert the link whenever the cache is cold, not just on
		// creation: a prior run may have created the space and then
		// failed to link it. The state-event PUT is idempotent, so an
		// already-linked space is unaffected.
		if err := d.linkChild(ctx, rootID, roomID, key); err != nil {
			return ref.RoomID{}, err
		}

		d.store(key, roomID)
		return roomID, nil
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	return result.(ref.RoomID), nil
}

// rootSpace resolves or creates the root space. Shares the same
// singleflight group so concurrent channel resolutions create the root
// exactly once.
func (d *Directory) rootSpace(ctx context.Context) (ref.RoomID, error) {
	if roomID, ok := d.cached(rootKey); ok {
		return roomID, nil
	}

	result, err, _ := d.group.Do(rootKey, func() (any, error) {
		if roomID, ok := d.cached(rootKey); ok {
			return roomID, nil
		}
		roomID, err := d.ensureSpace(ctx, "root", d.root)
		if err != nil {
			return ref.RoomID{}, err
		}
		d.store(rootKey, roomID)
		return roomID, nil
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	return result.(ref.RoomID), nil
}

// ensureSpace resolves a space by alias, creating it when the alias
// does not exist.
func (d *Directory) ensureSpace(ctx context.Context, key string, spaceCfg config.SpaceConfig) (ref.RoomID, error) {
	alias, err := ref.NewRoomAlias(spaceCfg.Alias, d.serverName)
	if err != nil {
		return ref.RoomID{}, &ProvisioningError{Stage: "resolve", Key: key, Err: err}
	}

	roomID, err := d.session.ResolveAlias(ctx, alias)
	if err == nil {
		d.logger.Info("space already exists",
			"key", key,
			"alias", alias,
			"room_id", roomID,
		)
		return roomID, nil
	}
	if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		return ref.RoomID{}, &ProvisioningError{Stage: "resolve", Key: key, Err: err}
	}

	response, err := d.session.CreateRoom(ctx, messaging.CreateRoomRequest{
		Name:       spaceCfg.Name,
		Alias:      spaceCfg.Alias,
		Topic:      spaceCfg.Topic,
		Preset:     "private_chat",
		Visibility: "private",
		CreationContent: map[string]any{
			"type": "m.space",
		},
		PowerLevelContentOverride: adminOnlyPowerLevels(d.session.UserID()),
	})
	if err != nil {
		return ref.RoomID{}, &ProvisioningError{Stage: "create", Key: key, Err: err}
	}
	return response.RoomID, nil
}

// linkChild attaches a space as an m.space.child of the parent. The
// order field is the creation timestamp in milliseconds; clients use
// it for display ordering only.
func (d *Directory) linkChild(ctx context.Context, parentID, childID ref.RoomID, key string) error {
	_, err := d.session.SendStateEvent(ctx, parentID, "m.space.child", childID.String(),
		map[string]any{
			"via":   []string{d.serverName},
			"order": strconv.FormatInt(d.clock.Now().UnixMilli(), 10),
		})
	if err != nil {
		return &ProvisioningError{Stage: "link", Key: key, Err: err}
	}
	return nil
}

func (d *Directory) cached(key string) (ref.RoomID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomID, ok := d.cache[key]
	return roomID, ok
}

func (d *Directory) store(key string, roomID ref.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[key] = roomID
}

// adminOnlyPowerLevels locks space administration to the bridge
// account. Spaces hold no conversation traffic, so nobody else needs
// event permissions there.
func adminOnlyPowerLevels(adminUserID ref.UserID) map[string]any {
	return map[string]any{
		"ban":            100,
		"invite":         100,
		"kick":           100,
		"redact":         50,
		"events_default": 50,
		"state_default":  100,
		"users":          map[string]any{adminUserID.String(): 100},
		"users_default":  0,
	}
}
