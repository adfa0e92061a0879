// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/secret"
	"github.com/bureau-foundation/tgbridge/lib/version"
)

// testBuffer creates a secret.Buffer that is closed when the test ends.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:8008/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.baseURL != "http://localhost:8008" {
			t.Errorf("trailing slash not stripped: %q", client.baseURL)
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{HomeserverURL: "://invalid"}); err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}

func TestMatrixErrorDecoding(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(writer).Encode(map[string]string{
			"errcode": ErrCodeUnknownToken,
			"error":   "Invalid access token",
		})
	}))

	_, err := session.WhoAmI(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Fatalf("expected M_UNKNOWN_TOKEN, got %v", err)
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatal("errors.As failed")
	}
	if matrixErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", matrixErr.StatusCode)
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("upstream unavailable"))
	}))

	_, err := session.JoinedRooms(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsMatrixError(err, ErrCodeUnknown) {
		t.Error("plain-text body should not decode as a MatrixError")
	}
	if !strings.Contains(err.Error(), "upstream unavailable") {
		t.Errorf("error should carry the raw body: %v", err)
	}
}

func TestUserAgentHeader(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("User-Agent"); got != version.UserAgent() {
			t.Errorf("User-Agent = %q, want %q", got, version.UserAgent())
		}
		writeJSON(writer, WhoAmIResponse{UserID: ref.MustParseUserID("@test:local")})
	}))

	if _, err := session.WhoAmI(context.Background()); err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
}

func TestAppServiceMasquerade(t *testing.T) {
	puppet := ref.MustParseUserID("@telegram_42:local")
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "as-token")
		if got := request.URL.Query().Get("user_id"); got != puppet.String() {
			t.Errorf("user_id query = %q, want %q", got, puppet)
		}
		writeJSON(writer, WhoAmIResponse{UserID: puppet})
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	token, err := secret.NewFromString("as-token")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	appService := NewAppService(client, token, ref.MustParseUserID("@telegrambot:local"))
	t.Cleanup(func() { appService.Close() })

	session := appService.PuppetSession(puppet)
	if session != appService.PuppetSession(puppet) {
		t.Error("PuppetSession should return the cached session")
	}
	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if userID != puppet {
		t.Errorf("WhoAmI = %s, want %s", userID, puppet)
	}
	// Closing a masquerading session leaves the shared token usable.
	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := session.WhoAmI(context.Background()); err != nil {
		t.Fatalf("WhoAmI after Close: %v", err)
	}
}

func TestEnsureRegistered(t *testing.T) {
	t.Run("new and existing accounts", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			calls++
			if request.URL.Path != "/_matrix/client/v3/register" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			if request.URL.Query().Has("user_id") {
				t.Error("registration must not masquerade")
			}
			var body map[string]any
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["type"] != "m.login.application_service" {
				t.Errorf("type = %v", body["type"])
			}
			if body["username"] == "telegram_7" {
				writer.WriteHeader(http.StatusBadRequest)
				writeJSON(writer, map[string]string{"errcode": ErrCodeUserInUse, "error": "taken"})
				return
			}
			writeJSON(writer, map[string]any{"user_id": "@" + body["username"].(string) + ":local"})
		}))
		t.Cleanup(server.Close)

		appService := newTestAppService(t, server.URL)
		fresh := appService.PuppetSession(ref.MustParseUserID("@telegram_42:local"))
		if err := fresh.EnsureRegistered(context.Background()); err != nil {
			t.Fatalf("EnsureRegistered (fresh): %v", err)
		}
		if err := fresh.EnsureRegistered(context.Background()); err != nil {
			t.Fatalf("EnsureRegistered (cached): %v", err)
		}
		existing := appService.PuppetSession(ref.MustParseUserID("@telegram_7:local"))
		if err := existing.EnsureRegistered(context.Background()); err != nil {
			t.Fatalf("EnsureRegistered should ignore M_USER_IN_USE: %v", err)
		}
		if calls != 2 {
			t.Errorf("register called %d times, want 2", calls)
		}
	})

	t.Run("user session is a no-op", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			t.Errorf("unexpected request to %s", request.URL.Path)
		}))
		if err := session.EnsureRegistered(context.Background()); err != nil {
			t.Fatalf("EnsureRegistered: %v", err)
		}
	})

	t.Run("other errors propagate", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusForbidden)
			writeJSON(writer, map[string]string{"errcode": ErrCodeExclusive, "error": "not in namespace"})
		}))
		t.Cleanup(server.Close)

		session := newTestAppService(t, server.URL).PuppetSession(ref.MustParseUserID("@outsider:local"))
		if err := session.EnsureRegistered(context.Background()); !IsMatrixError(err, ErrCodeExclusive) {
			t.Fatalf("expected M_EXCLUSIVE, got %v", err)
		}
	})
}

func newTestAppService(t *testing.T, url string) *AppService {
	t.Helper()
	client, err := NewClient(ClientConfig{HomeserverURL: url})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	token, err := secret.NewFromString("as-token")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	appService := NewAppService(client, token, ref.MustParseUserID("@telegrambot:local"))
	t.Cleanup(func() { appService.Close() })
	return appService
}
