// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/lib/testutil"
)

// syncHomeserver fakes the /sync endpoint. Each call returns the next
// scripted response; once the script is exhausted it blocks until the
// request context is cancelled, like a real long-poll with no events.
type syncHomeserver struct {
	responses []SyncResponse
	calls     atomic.Int64
}

func (h *syncHomeserver) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.URL.Path != "/_matrix/client/v3/sync" {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	call := h.calls.Add(1)
	if int(call) > len(h.responses) {
		<-request.Context().Done()
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(h.responses[call-1])
}

func messageEvent(sender, body string) Event {
	return Event{
		EventID: ref.EventID("$" + body + ":test.local"),
		Type:    "m.room.message",
		Sender:  ref.MustParseUserID(sender),
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestEventStreamDeliversMessages(t *testing.T) {
	roomID := ref.MustParseRoomID("!conv:test.local")
	homeserver := &syncHomeserver{
		responses: []SyncResponse{
			// Initial checkpoint sync: events before this point must
			// never reach the handler.
			{
				NextBatch: "s1",
				Rooms: RoomsSection{Join: map[ref.RoomID]JoinedRoom{
					roomID: {Timeline: TimelineSection{Events: []Event{
						messageEvent("@alice:test.local", "history"),
					}}},
				}},
			},
			{
				NextBatch: "s2",
				Rooms: RoomsSection{Join: map[ref.RoomID]JoinedRoom{
					roomID: {Timeline: TimelineSection{Events: []Event{
						messageEvent("@alice:test.local", "reply"),
						messageEvent("@foyer:test.local", "own message"),
					}}},
				}},
			},
		},
	}
	session := testSession(t, homeserver)

	received := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		stream := NewEventStream(session, nil)
		done <- stream.Run(ctx, func(event Event) {
			received <- event
		})
	}()

	event := testutil.RequireReceive(t, received, time.Second, "relayed event")
	if event.Sender.String() != "@alice:test.local" {
		t.Errorf("unexpected sender: %s", event.Sender)
	}
	if event.Content["body"] != "reply" {
		t.Errorf("unexpected body: %v", event.Content["body"])
	}
	if event.RoomID != roomID {
		t.Errorf("room ID not filled in: %s", event.RoomID)
	}

	// The bot's own message and pre-checkpoint history are skipped.
	testutil.RequireNoReceive(t, received, 50*time.Millisecond, "unexpected extra event")

	cancel()
	err := testutil.RequireReceive(t, done, time.Second, "stream exit")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEventStreamRetriesThenFails(t *testing.T) {
	// Every /sync call fails; the stream must give up after the retry
	// budget instead of spinning forever.
	var calls atomic.Int64
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if calls.Add(1) == 1 {
			// Let the checkpoint sync succeed so Run enters its loop.
			writer.Header().Set("Content-Type", "application/json")
			json.NewEncoder(writer).Encode(SyncResponse{NextBatch: "s1"})
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(writer).Encode(map[string]string{
			"errcode": "M_UNKNOWN",
			"error":   "internal error",
		})
	}))

	stream := NewEventStream(session, nil)
	err := stream.Run(context.Background(), func(Event) {
		t.Error("handler must not be called")
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	// Checkpoint + first attempt + maxSyncRetries retries.
	if got := calls.Load(); got != int64(maxSyncRetries)+2 {
		t.Errorf("expected %d sync calls, got %d", maxSyncRetries+2, got)
	}
}
