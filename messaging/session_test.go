// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/foyer-project/foyer/lib/ref"
)

func TestCreateRoom(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/createRoom" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		var body CreateRoomRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.Name != "Support Space" {
			t.Errorf("unexpected name: %s", body.Name)
		}
		if body.Preset != "private_chat" {
			t.Errorf("unexpected preset: %s", body.Preset)
		}
		if body.CreationContent["type"] != "m.space" {
			t.Errorf("unexpected creation content: %v", body.CreationContent)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(CreateRoomResponse{
			RoomID: ref.MustParseRoomID("!space:test.local"),
		})
	}))

	response, err := session.CreateRoom(context.Background(), CreateRoomRequest{
		Name:            "Support Space",
		Preset:          "private_chat",
		CreationContent: map[string]any{"type": "m.space"},
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if response.RoomID.String() != "!space:test.local" {
		t.Errorf("unexpected room ID: %s", response.RoomID)
	}
}

func TestInviteUser(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		wantPath := "/_matrix/client/v3/rooms/" + "%21room:test.local" + "/invite"
		if request.URL.EscapedPath() != wantPath {
			t.Errorf("unexpected path: %s", request.URL.EscapedPath())
		}
		var body InviteRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.UserID.String() != "@alice:test.local" {
			t.Errorf("unexpected user ID: %s", body.UserID)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte("{}"))
	}))

	err := session.InviteUser(context.Background(),
		ref.MustParseRoomID("!room:test.local"),
		ref.MustParseUserID("@alice:test.local"))
	if err != nil {
		t.Fatalf("InviteUser failed: %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	var seenTxnIDs []string
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", request.Method)
		}
		parts := strings.Split(request.URL.EscapedPath(), "/")
		// .../rooms/{roomID}/send/{eventType}/{txnID}
		txnID := parts[len(parts)-1]
		eventType := parts[len(parts)-2]
		if eventType != "m.room.message" {
			t.Errorf("unexpected event type: %s", eventType)
		}
		seenTxnIDs = append(seenTxnIDs, txnID)

		var content MessageContent
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			t.Fatalf("failed to decode content: %v", err)
		}
		if content.MsgType != "m.text" {
			t.Errorf("unexpected msgtype: %s", content.MsgType)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(SendEventResponse{EventID: "$event1:test.local"})
	}))

	roomID := ref.MustParseRoomID("!room:test.local")

	eventID, err := session.SendMessage(context.Background(), roomID, NewTextMessage("hello"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if eventID != "$event1:test.local" {
		t.Errorf("unexpected event ID: %s", eventID)
	}

	// A second send must use a fresh transaction ID.
	if _, err := session.SendMessage(context.Background(), roomID, NewTextMessage("again")); err != nil {
		t.Fatalf("second SendMessage failed: %v", err)
	}
	if len(seenTxnIDs) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(seenTxnIDs))
	}
	if seenTxnIDs[0] == seenTxnIDs[1] {
		t.Errorf("transaction IDs not unique: %s", seenTxnIDs[0])
	}
	for _, txnID := range seenTxnIDs {
		if !strings.HasPrefix(txnID, "foyer-") {
			t.Errorf("unexpected transaction ID format: %s", txnID)
		}
	}
}

func TestSendMessageHTML(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var content MessageContent
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			t.Fatalf("failed to decode content: %v", err)
		}
		if content.Format != FormatCustomHTML {
			t.Errorf("unexpected format: %s", content.Format)
		}
		if content.FormattedBody != "<strong>Alice</strong>: hi" {
			t.Errorf("unexpected formatted body: %s", content.FormattedBody)
		}
		if content.Body != "Alice: hi" {
			t.Errorf("unexpected body: %s", content.Body)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(SendEventResponse{EventID: "$e:test.local"})
	}))

	_, err := session.SendMessage(context.Background(),
		ref.MustParseRoomID("!room:test.local"),
		NewHTMLMessage("Alice: hi", "<strong>Alice</strong>: hi"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
}

func TestSendRateLimitRetry(t *testing.T) {
	var calls atomic.Int64
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			writer.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(writer).Encode(map[string]any{
				"errcode":        "M_LIMIT_EXCEEDED",
				"error":          "Too Many Requests",
				"retry_after_ms": 10,
			})
			return
		}
		json.NewEncoder(writer).Encode(SendEventResponse{EventID: "$retried:test.local"})
	}))

	eventID, err := session.SendMessage(context.Background(),
		ref.MustParseRoomID("!room:test.local"), NewTextMessage("hi"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if eventID != "$retried:test.local" {
		t.Errorf("unexpected event ID: %s", eventID)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestSendRateLimitExhausted(t *testing.T) {
	var calls atomic.Int64
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(writer).Encode(map[string]any{
			"errcode":        "M_LIMIT_EXCEEDED",
			"error":          "Too Many Requests",
			"retry_after_ms": 1,
		})
	}))

	_, err := session.SendMessage(context.Background(),
		ref.MustParseRoomID("!room:test.local"), NewTextMessage("hi"))
	if !IsMatrixError(err, ErrCodeLimitExceeded) {
		t.Fatalf("expected M_LIMIT_EXCEEDED, got %v", err)
	}
	if calls.Load() != maxRateLimitRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRateLimitRetries+1, calls.Load())
	}
}

func TestSendStateEvent(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", request.Method)
		}
		if !strings.Contains(request.URL.EscapedPath(), "/state/org.foyer.department/") {
			t.Errorf("unexpected path: %s", request.URL.EscapedPath())
		}
		var content map[string]any
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			t.Fatalf("failed to decode content: %v", err)
		}
		if content["department"] != "support" {
			t.Errorf("unexpected content: %v", content)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(SendEventResponse{EventID: "$state:test.local"})
	}))

	eventID, err := session.SendStateEvent(context.Background(),
		ref.MustParseRoomID("!room:test.local"), "org.foyer.department", "",
		map[string]any{"department": "support"})
	if err != nil {
		t.Fatalf("SendStateEvent failed: %v", err)
	}
	if eventID != "$state:test.local" {
		t.Errorf("unexpected event ID: %s", eventID)
	}
}

func TestResolveAlias(t *testing.T) {
	t.Run("resolves", func(t *testing.T) {
		session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			// The alias must be URL-encoded exactly once in the path.
			if request.URL.EscapedPath() != "/_matrix/client/v3/directory/room/%23foyer:test.local" {
				t.Errorf("unexpected path: %s", request.URL.EscapedPath())
			}
			writer.Header().Set("Content-Type", "application/json")
			json.NewEncoder(writer).Encode(ResolveAliasResponse{
				RoomID:  ref.MustParseRoomID("!resolved:test.local"),
				Servers: []string{"test.local"},
			})
		}))

		roomID, err := session.ResolveAlias(context.Background(),
			ref.MustParseRoomAlias("#foyer:test.local"))
		if err != nil {
			t.Fatalf("ResolveAlias failed: %v", err)
		}
		if roomID.String() != "!resolved:test.local" {
			t.Errorf("unexpected room ID: %s", roomID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusNotFound)
			json.NewEncoder(writer).Encode(map[string]string{
				"errcode": "M_NOT_FOUND",
				"error":   "Room alias not found.",
			})
		}))

		_, err := session.ResolveAlias(context.Background(),
			ref.MustParseRoomAlias("#missing:test.local"))
		if !IsMatrixError(err, ErrCodeNotFound) {
			t.Errorf("expected M_NOT_FOUND, got %v", err)
		}
	})
}

func TestJoinedRooms(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/joined_rooms" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(JoinedRoomsResponse{
			JoinedRooms: []ref.RoomID{
				ref.MustParseRoomID("!a:test.local"),
				ref.MustParseRoomID("!b:test.local"),
			},
		})
	}))

	rooms, err := session.JoinedRooms(context.Background())
	if err != nil {
		t.Fatalf("JoinedRooms failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(
		ref.MustParseUserID("@foyer:test.local"), testBuffer(t, "tok"))
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
