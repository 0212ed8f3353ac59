// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// maxSyncRetries is the number of consecutive /sync failures allowed
// before the stream returns an error. Each retry uses a 1-second
// server-side timeout so the HTTP round-trip itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds. The server holds the connection for up to this
// duration, returning immediately when new events arrive. 30 seconds
// matches the Matrix client-server spec recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after a
// /sync error. Short so the retry completes quickly.
const retryTimeout = 1000

// messageFilter is the inline /sync filter for the stream: timeline
// m.room.message events only, no state, no presence, no account data.
var messageFilter = func() string {
	top := map[string]any{
		"room": map[string]any{
			"timeline": map[string]any{"types": []string{"m.room.message"}},
			"state":    map[string]any{"types": []string{}},
		},
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}()

// EventStream is a long-running /sync loop delivering m.room.message
// timeline events from every room the session has joined. The bridge
// runs one stream per department bot session to pick up staff replies.
//
// All waiting uses Matrix /sync long-polling: the server holds the
// connection until new events arrive. There is no client-side polling
// interval. EventStream is not safe for concurrent use; run it from a
// single goroutine.
type EventStream struct {
	session   Session
	logger    *slog.Logger
	nextBatch string
}

// NewEventStream creates a stream over the given session. If logger is
// nil, slog.Default() is used.
func NewEventStream(session Session, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		session: session,
		logger:  logger,
	}
}

// Run captures the current position in the /sync stream and then
// long-polls forever, invoking handler for each message event that
// arrives after the checkpoint. Events sent by the session's own user
// are skipped so the bridge never reacts to its own sends.
//
// Run blocks until ctx is cancelled (returns ctx.Err()) or /sync fails
// maxSyncRetries consecutive times.
func (s *EventStream) Run(ctx context.Context, handler func(Event)) error {
	// Immediate sync (timeout=0) to obtain the current next_batch token
	// without blocking. Events from before this point are never
	// delivered: on restart the bridge must not replay history.
	response, err := s.session.Sync(ctx, SyncOptions{
		SetTimeout: true,
		Timeout:    0,
		Filter:     messageFilter,
	})
	if err != nil {
		return fmt.Errorf("messaging: initial sync for event stream: %w", err)
	}
	s.nextBatch = response.NextBatch

	ownUserID := s.session.UserID()
	var syncRetries int

	for {
		// On retry after a sync error, use a short server-side timeout
		// so the HTTP round-trip itself provides backoff.
		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := s.session.Sync(ctx, SyncOptions{
			Since:      s.nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     messageFilter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			syncRetries++
			// TCP-level errors (connection reset, EOF) often indicate
			// a poisoned connection in Go's HTTP pool. Drop idle
			// connections so the next attempt opens a fresh socket.
			if closer, ok := s.session.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
			if syncRetries > maxSyncRetries {
				return fmt.Errorf("messaging: sync failed %d consecutive times: %w", syncRetries, err)
			}
			s.logger.Debug("event stream sync error, retrying",
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		syncRetries = 0
		s.nextBatch = response.NextBatch

		for roomID, joined := range response.Rooms.Join {
			for _, event := range joined.Timeline.Events {
				if event.Sender == ownUserID {
					continue
				}
				if event.Type != "m.room.message" {
					continue
				}
				// The sync response nests events under the room key
				// without a room_id field; fill it in for the handler.
				event.RoomID = roomID
				handler(event)
			}
		}
	}
}
