// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

type testPending string

func (p testPending) PendingAction() string { return string(p) }

func TestWhitelist(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		user      string
		want      bool
	}{
		{"empty allows everyone", nil, "@anyone:elsewhere.net", true},
		{"user listed", []string{"@alice:example.org"}, "@alice:example.org", true},
		{"other user on listed user's server", []string{"@alice:example.org"}, "@bob:example.org", false},
		{"server listed", []string{"example.org"}, "@bob:example.org", true},
		{"server differs", []string{"example.org"}, "@bob:elsewhere.net", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := newTestManager(t, tt.whitelist...)
			if got := manager.IsWhitelisted(ref.MustParseUserID(tt.user)); got != tt.want {
				t.Errorf("IsWhitelisted(%s) = %v, want %v", tt.user, got, tt.want)
			}
		})
	}
}

func TestGetCreatesAndPersists(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	mxid := ref.MustParseUserID("@alice:example.org")

	missing, err := manager.Get(ctx, mxid, false)
	if err != nil || missing != nil {
		t.Fatalf("Get without create = %v, %v; want nil, nil", missing, err)
	}
	first, err := manager.Get(ctx, mxid, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := manager.Get(ctx, mxid, false)
	if err != nil || second != first {
		t.Errorf("second Get returned %p, want %p (err %v)", second, first, err)
	}
	record, err := manager.store.GetUser(ctx, mxid)
	if err != nil || record == nil {
		t.Fatalf("stored user = %v, %v", record, err)
	}
	if record.TelegramID != 0 {
		t.Errorf("new session stored telegram id %d", record.TelegramID)
	}
}

func TestLoadIndexesByTelegramID(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!management:example.org")
	for _, user := range []*store.User{
		{MXID: ref.MustParseUserID("@alice:example.org"), TelegramID: 1, Username: "alice", ManagementRoom: room},
		{MXID: ref.MustParseUserID("@bob:example.org")},
	} {
		if err := manager.store.SaveUser(ctx, user); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}
	}
	if err := manager.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	alice := manager.ByTelegramID(1)
	if alice == nil || alice.MXID().String() != "@alice:example.org" {
		t.Fatalf("ByTelegramID(1) = %v", alice)
	}
	if alice.Username() != "alice" || alice.ManagementRoom() != room {
		t.Errorf("loaded session lost fields: username %q room %v", alice.Username(), alice.ManagementRoom())
	}
	if got := len(manager.All()); got != 2 {
		t.Errorf("All() has %d sessions, want 2", got)
	}
	if manager.ByTelegramID(0) != nil {
		t.Error("ByTelegramID(0) should never match a logged-out session")
	}
}

func TestStartSubscribesDispatcher(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	transport := manager.transport(session.MXID())

	if !transport.Connected() || !session.Connected() {
		t.Fatal("Start did not connect the transport")
	}
	if !transport.Deliver(context.Background(), &telegram.ShortMessage{ID: 1, UserID: 7, Text: "hi"}) {
		t.Fatal("Start did not subscribe a handler")
	}
	onlyCall(t, manager.conversations.lookup(DirectKey(7, 1)))

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := transport.Calls().Connects; got != 1 {
		t.Errorf("Connect called %d times, want 1", got)
	}
}

func TestEnsureStartedSkipsUsersOutsideWhitelist(t *testing.T) {
	manager := newTestManager(t, "example.org")
	ctx := context.Background()
	session, err := manager.Get(ctx, ref.MustParseUserID("@mallory:evil.example"), true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if session.Whitelisted() {
		t.Fatal("session outside the whitelist reported whitelisted")
	}
	if err := session.EnsureStarted(ctx); err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if session.Connected() {
		t.Error("a session outside the whitelist was connected")
	}
}

func TestPostLoginAndLogOut(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	session := manager.loggedIn(t)

	if manager.ByTelegramID(1) != session {
		t.Fatal("PostLogin did not index the session")
	}
	if session.HumanID() != "@alice" {
		t.Errorf("HumanID = %q", session.HumanID())
	}
	own, err := manager.registry.Get(ctx, 1, false)
	if err != nil || own == nil {
		t.Fatalf("own puppet = %v, %v", own, err)
	}
	if own.DisplayName() != "Alice (Telegram)" || own.Username() != "alice" {
		t.Errorf("own puppet not refreshed: %q / %q", own.DisplayName(), own.Username())
	}

	session.SetPending(testPending("Login"))
	if err := session.LogOut(ctx); err != nil {
		t.Fatalf("LogOut: %v", err)
	}
	transport := manager.transport(session.MXID())
	if transport.Calls().LogOuts != 1 || transport.Connected() {
		t.Errorf("transport after logout: %+v connected=%v", transport.Calls(), transport.Connected())
	}
	if session.TelegramID() != 0 || manager.ByTelegramID(1) != nil {
		t.Error("LogOut left the session indexed")
	}
	if session.HasPending() {
		t.Error("LogOut left a pending continuation")
	}
	record, err := manager.store.GetUser(ctx, session.MXID())
	if err != nil || record == nil || record.TelegramID != 0 {
		t.Errorf("stored user after logout = %+v, %v", record, err)
	}
}

func TestLogOutReportsTransportFailure(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	manager.transport(session.MXID()).FailNext("LogOut", &telegram.RPCError{Code: 500, Name: "INTERNAL"})

	err := session.LogOut(context.Background())
	if !telegram.IsRPCError(err, "INTERNAL") {
		t.Fatalf("LogOut error = %v, want the transport failure", err)
	}
	if session.TelegramID() != 0 {
		t.Error("a failed remote logout should still forget the account locally")
	}
}

func TestStartAllStartsOnlyLoggedInWhitelisted(t *testing.T) {
	manager := newTestManager(t, "example.org")
	ctx := context.Background()
	for _, user := range []*store.User{
		{MXID: ref.MustParseUserID("@alice:example.org"), TelegramID: 1},
		{MXID: ref.MustParseUserID("@bob:example.org")},
		{MXID: ref.MustParseUserID("@mallory:evil.example"), TelegramID: 3},
	} {
		if err := manager.store.SaveUser(ctx, user); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}
	}
	if err := manager.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := manager.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	want := map[string]bool{
		"@alice:example.org":    true,
		"@bob:example.org":      false,
		"@mallory:evil.example": false,
	}
	for mxid, connected := range want {
		if got := manager.transport(ref.MustParseUserID(mxid)).Connected(); got != connected {
			t.Errorf("%s connected = %v, want %v", mxid, got, connected)
		}
	}

	manager.StopAll(ctx)
	if manager.transport(ref.MustParseUserID("@alice:example.org")).Connected() {
		t.Error("StopAll left alice connected")
	}
}

func TestStartFailureLeavesSessionDisconnected(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	mxid := ref.MustParseUserID("@alice:example.org")
	session, err := manager.Get(ctx, mxid, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	refused := errors.New("sidecar: connection refused")
	manager.transport(mxid).FailNext("Connect", refused)

	if err := session.Start(ctx); !errors.Is(err, refused) {
		t.Fatalf("Start error = %v, want %v", err, refused)
	}
	if session.Connected() {
		t.Error("session reports connected after a failed Start")
	}
	if err := session.Start(ctx); err != nil {
		t.Fatalf("retried Start: %v", err)
	}
}

func TestPendingIsTakenOnce(t *testing.T) {
	manager := newTestManager(t)
	session, err := manager.Get(context.Background(), ref.MustParseUserID("@alice:example.org"), true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	session.SetPending(testPending("Login"))
	if got := session.TakePending(); got == nil || got.PendingAction() != "Login" {
		t.Fatalf("TakePending = %v", got)
	}
	if got := session.TakePending(); got != nil {
		t.Errorf("second TakePending = %v, want nil", got)
	}
}
