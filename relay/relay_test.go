// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/messaging"
)

type fakeSession struct {
	messaging.Session

	mu      sync.Mutex
	sends   []sentMessage
	sendErr error
}

type sentMessage struct {
	roomID  ref.RoomID
	content messaging.MessageContent
}

func (f *fakeSession) SendMessage(_ context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, sentMessage{roomID, content})
	return "$event:test.local", nil
}

func newTestRelay(t *testing.T, session *fakeSession) *Relay {
	t.Helper()
	relay, err := New(Config{Sessions: map[string]messaging.Session{"support": session}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return relay
}

func TestDeliverFormatsAttribution(t *testing.T) {
	session := &fakeSession{}
	relay := newTestRelay(t, session)
	roomID := ref.MustParseRoomID("!conv:test.local")

	author := Author{DisplayName: "Carol", Handle: "carol_x"}
	if err := relay.Deliver(context.Background(), "support", roomID, author, "hello **world**"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if len(session.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(session.sends))
	}
	sent := session.sends[0]
	if sent.roomID != roomID {
		t.Errorf("sent to wrong room: %s", sent.roomID)
	}
	if sent.content.MsgType != "m.text" {
		t.Errorf("unexpected msgtype: %s", sent.content.MsgType)
	}
	if sent.content.Body != "**Carol** (@carol_x):\nhello **world**" {
		t.Errorf("unexpected body: %q", sent.content.Body)
	}
	if sent.content.Format != messaging.FormatCustomHTML {
		t.Errorf("unexpected format: %s", sent.content.Format)
	}
	if !strings.HasPrefix(sent.content.FormattedBody, "<strong>Carol</strong> (@carol_x):<br>") {
		t.Errorf("unexpected attribution: %q", sent.content.FormattedBody)
	}
	if !strings.Contains(sent.content.FormattedBody, "<strong>world</strong>") {
		t.Errorf("markdown not rendered: %q", sent.content.FormattedBody)
	}
}

func TestDeliverEscapesAuthor(t *testing.T) {
	session := &fakeSession{}
	relay := newTestRelay(t, session)

	author := Author{DisplayName: "<script>x</script>"}
	err := relay.Deliver(context.Background(), "support", ref.MustParseRoomID("!conv:test.local"), author, "hi")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	formatted := session.sends[0].content.FormattedBody
	if strings.Contains(formatted, "<script>") {
		t.Errorf("author name not escaped: %q", formatted)
	}
	if !strings.Contains(formatted, "&lt;script&gt;") {
		t.Errorf("expected escaped author name: %q", formatted)
	}
}

func TestDeliverWithoutHandle(t *testing.T) {
	session := &fakeSession{}
	relay := newTestRelay(t, session)

	err := relay.Deliver(context.Background(), "support", ref.MustParseRoomID("!conv:test.local"),
		Author{DisplayName: "Carol"}, "hi")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if body := session.sends[0].content.Body; body != "**Carol**:\nhi" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestDeliverFailureReturnsRelayError(t *testing.T) {
	session := &fakeSession{
		sendErr: &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: 403},
	}
	relay := newTestRelay(t, session)

	err := relay.Deliver(context.Background(), "support", ref.MustParseRoomID("!conv:test.local"),
		Author{DisplayName: "Carol"}, "hi")
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("expected *RelayError, got %T: %v", err, err)
	}
	if relayErr.Department != "support" {
		t.Errorf("unexpected department: %s", relayErr.Department)
	}
	if !messaging.IsMatrixError(relayErr.Err, messaging.ErrCodeForbidden) {
		t.Errorf("cause not preserved: %v", relayErr.Err)
	}
}

func TestDeliverUnknownDepartment(t *testing.T) {
	relay := newTestRelay(t, &fakeSession{})

	err := relay.Deliver(context.Background(), "billing", ref.MustParseRoomID("!conv:test.local"),
		Author{DisplayName: "Carol"}, "hi")
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("expected *RelayError, got %T: %v", err, err)
	}
}

func TestDeliverNotice(t *testing.T) {
	session := &fakeSession{}
	relay := newTestRelay(t, session)

	err := relay.DeliverNotice(context.Background(), "support", ref.MustParseRoomID("!conv:test.local"),
		"New Telegram conversation started with user Carol (@carol_x)")
	if err != nil {
		t.Fatalf("DeliverNotice failed: %v", err)
	}
	if len(session.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(session.sends))
	}
	if session.sends[0].content.MsgType != "m.notice" {
		t.Errorf("unexpected msgtype: %s", session.sends[0].content.MsgType)
	}
}
