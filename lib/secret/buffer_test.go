// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytes(t *testing.T) {
	source := []byte("syt_access_token")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "syt_access_token" {
		t.Errorf("unexpected contents: %s", buffer.String())
	}
	if buffer.Len() != len("syt_access_token") {
		t.Errorf("unexpected length: %d", buffer.Len())
	}

	// The source slice must be zeroed after the copy.
	for i, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not zeroed", i)
		}
	}
}

func TestNewFromString(t *testing.T) {
	buffer, err := NewFromString("bot123:token")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	defer buffer.Close()

	if string(buffer.Bytes()) != "bot123:token" {
		t.Errorf("unexpected contents: %s", buffer.Bytes())
	}

	if _, err := NewFromString(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestCloseIsIdempotentAndPanicsOnRead(t *testing.T) {
	buffer, err := NewFromString("secret")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic reading closed buffer")
		}
	}()
	_ = buffer.String()
}

func TestReadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  tok_value\n"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath failed: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "tok_value" {
		t.Errorf("expected trimmed secret, got %q", buffer.String())
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := ReadFromPath(empty); err == nil {
		t.Error("expected error for whitespace-only secret")
	}
}
