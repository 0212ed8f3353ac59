// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/lib/secret"
)

// testBuffer creates a secret.Buffer from a string for testing. The
// buffer is automatically closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

// testSession creates a DirectSession pointed at a fake homeserver.
func testSession(t *testing.T, handler http.Handler) *DirectSession {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	token, err := secret.NewFromString("syt_test_token")
	if err != nil {
		t.Fatalf("creating token buffer: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID("@foyer:test.local"), token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:8008"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client == nil {
			t.Fatal("NewClient returned nil")
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{})
		if err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{HomeserverURL: "://invalid"})
		if err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}

func TestServerVersions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/versions" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		if auth := request.Header.Get("Authorization"); auth != "" {
			t.Errorf("versions endpoint must be unauthenticated, got %q", auth)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(ServerVersionsResponse{
			Versions: []string{"v1.11", "v1.12"},
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	response, err := client.ServerVersions(context.Background())
	if err != nil {
		t.Fatalf("ServerVersions failed: %v", err)
	}
	if len(response.Versions) != 2 || response.Versions[0] != "v1.11" {
		t.Errorf("unexpected versions: %v", response.Versions)
	}
}

func TestLogin(t *testing.T) {
	t.Run("successful login", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/login" {
				t.Errorf("unexpected path: %s", request.URL.Path)
				writer.WriteHeader(http.StatusNotFound)
				return
			}
			var body LoginRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode request body: %v", err)
			}
			if body.Type != "m.login.password" {
				t.Errorf("unexpected login type: %s", body.Type)
			}
			if body.User != "foyer" {
				t.Errorf("unexpected user: %s", body.User)
			}
			if body.Password != "hunter2" {
				t.Errorf("unexpected password: %s", body.Password)
			}

			writer.Header().Set("Content-Type", "application/json")
			json.NewEncoder(writer).Encode(AuthResponse{
				UserID:      ref.MustParseUserID("@foyer:test.local"),
				AccessToken: "syt_foyer_token",
				DeviceID:    "DEVICE1",
			})
		}))
		defer server.Close()

		client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}

		session, err := client.Login(context.Background(), "foyer", testBuffer(t, "hunter2"))
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		defer session.Close()

		if session.UserID().String() != "@foyer:test.local" {
			t.Errorf("unexpected user ID: %s", session.UserID())
		}
		if session.DeviceID() != "DEVICE1" {
			t.Errorf("unexpected device ID: %s", session.DeviceID())
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusForbidden)
			json.NewEncoder(writer).Encode(map[string]string{
				"errcode": "M_FORBIDDEN",
				"error":   "Invalid password",
			})
		}))
		defer server.Close()

		client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}

		_, err = client.Login(context.Background(), "foyer", testBuffer(t, "wrong"))
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Errorf("expected M_FORBIDDEN, got %v", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:8008"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if _, err := client.Login(context.Background(), "", testBuffer(t, "x")); err == nil {
			t.Error("expected error for empty username")
		}
		if _, err := client.Login(context.Background(), "foyer", nil); err == nil {
			t.Error("expected error for nil password")
		}
	})
}

func TestWhoAmI(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		if got := request.Header.Get("Authorization"); got != "Bearer syt_test_token" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(WhoAmIResponse{
			UserID: ref.MustParseUserID("@foyer:test.local"),
		})
	}))

	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if userID.String() != "@foyer:test.local" {
		t.Errorf("unexpected user ID: %s", userID)
	}
}

func TestMatrixErrorDecoding(t *testing.T) {
	session := testSession(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusNotFound)
		json.NewEncoder(writer).Encode(map[string]string{
			"errcode": "M_NOT_FOUND",
			"error":   "Event not found.",
		})
	}))

	_, err := session.GetStateEvent(context.Background(),
		ref.MustParseRoomID("!room:test.local"), "org.foyer.department", "")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsMatrixError(err, ErrCodeNotFound) {
		t.Errorf("expected M_NOT_FOUND, got %v", err)
	}
	if IsMatrixError(err, ErrCodeForbidden) {
		t.Error("IsMatrixError matched the wrong code")
	}
}
