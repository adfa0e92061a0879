// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/store"
)

func TestSwitchMXID(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	registry.gateway.tokens["alice-token"] = alice

	puppet := mustGet(t, registry, 42)
	defaultSession := registry.gateway.puppet(puppet.DefaultMXID())
	roomA, roomB := ref.MustParseRoomID("!a:example.org"), ref.MustParseRoomID("!b:example.org")
	defaultSession.joined = []ref.RoomID{roomA, roomB}

	if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
		t.Fatalf("SwitchMXID: %v", err)
	}

	if puppet.MXID() != alice || puppet.CustomMXID() != alice || !puppet.IsRealUser() {
		t.Errorf("after switch MXID = %s, custom = %s", puppet.MXID(), puppet.CustomMXID())
	}
	found, err := registry.GetByCustomMXID(ctx, alice)
	if err != nil || found != puppet {
		t.Errorf("GetByCustomMXID = %v, %v; want switched puppet", found, err)
	}
	record, _ := registry.store.get(42)
	if record.CustomMXID != alice || record.AccessToken != "alice-token" {
		t.Errorf("stored record = %+v", record)
	}

	intent, release, err := puppet.Intent(ctx)
	if err != nil || intent.UserID() != alice {
		t.Fatalf("Intent = %v, %v; want alice's session", intent, err)
	}
	release()
	if got := defaultSession.recorded().leaves; !slices.Equal(got, []ref.RoomID{roomA, roomB}) {
		t.Errorf("default user left %v, want both rooms", got)
	}
}

func TestSwitchMXIDKeepsDefaultMembershipWhenJoinFails(t *testing.T) {
	gateway := newFakeGateway()
	registry := newTestRegistry(t, registryOptions{gateway: gateway})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	gateway.tokens["alice-token"] = alice

	puppet := mustGet(t, registry, 42)
	defaultSession := gateway.puppet(puppet.DefaultMXID())
	roomA, roomB := ref.MustParseRoomID("!a:example.org"), ref.MustParseRoomID("!b:example.org")
	defaultSession.joined = []ref.RoomID{roomA, roomB}

	// Sessions handed out by UserSession are refused from room B.
	gateway.joinFails = map[ref.RoomID]bool{roomB: true}

	if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
		t.Fatalf("SwitchMXID: %v", err)
	}
	if got := defaultSession.recorded().leaves; !slices.Equal(got, []ref.RoomID{roomA}) {
		t.Errorf("default user left %v, want only %s", got, roomA)
	}
}

func TestSwitchMXIDOnlyLoginSelf(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	mallory := ref.MustParseUserID("@mallory:example.org")
	registry.gateway.tokens["alice-token"] = alice
	registry.gateway.tokens["mallory-token"] = mallory

	puppet := mustGet(t, registry, 42)
	if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
		t.Fatalf("SwitchMXID(alice): %v", err)
	}
	before := puppet.Record()

	err := puppet.SwitchMXID(ctx, "mallory-token", ref.MustParseUserID("@bob:example.org"))
	if !errors.Is(err, ErrOnlyLoginSelf) {
		t.Fatalf("SwitchMXID = %v, want ErrOnlyLoginSelf", err)
	}
	after := puppet.Record()
	if after.CustomMXID != before.CustomMXID || after.AccessToken != before.AccessToken {
		t.Errorf("custom identity changed: %s/%s -> %s/%s",
			before.CustomMXID, before.AccessToken, after.CustomMXID, after.AccessToken)
	}
	if found, _ := registry.GetByCustomMXID(ctx, ref.MustParseUserID("@bob:example.org")); found != nil {
		t.Error("rejected mxid was indexed")
	}
	if found, _ := registry.GetByCustomMXID(ctx, alice); found != puppet {
		t.Error("previous index entry was lost")
	}
}

func TestSwitchMXIDInvalidToken(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	bob := ref.MustParseUserID("@bob:example.org")

	puppet := mustGet(t, registry, 42)
	err := puppet.SwitchMXID(ctx, "expired-token", bob)
	if !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("SwitchMXID = %v, want ErrInvalidAccessToken", err)
	}
	if !puppet.CustomMXID().IsZero() || puppet.IsRealUser() {
		t.Errorf("custom mxid = %s after failed switch", puppet.CustomMXID())
	}
	registry.mu.Lock()
	_, indexed := registry.byCustomMXID[bob]
	registry.mu.Unlock()
	if indexed {
		t.Error("failed switch left an index entry")
	}
	if registry.store.updates != 0 {
		t.Errorf("failed switch saved the puppet %d times", registry.store.updates)
	}
}

func TestSwitchMXIDRevert(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	registry.gateway.tokens["alice-token"] = alice

	puppet := mustGet(t, registry, 42)
	if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
		t.Fatalf("SwitchMXID: %v", err)
	}
	if err := puppet.SwitchMXID(ctx, "", ref.UserID{}); err != nil {
		t.Fatalf("revert: %v", err)
	}

	if puppet.MXID() != puppet.DefaultMXID() || puppet.IsRealUser() {
		t.Errorf("after revert MXID = %s", puppet.MXID())
	}
	if found, _ := registry.GetByCustomMXID(ctx, alice); found != nil {
		t.Error("index entry survived revert")
	}
	record, _ := registry.store.get(42)
	if !record.CustomMXID.IsZero() || record.AccessToken != "" {
		t.Errorf("stored record kept custom identity: %+v", record)
	}
}

func TestStartCustomPuppets(t *testing.T) {
	backing := newFakeStore()
	alice := ref.MustParseUserID("@alice:example.org")
	bob := ref.MustParseUserID("@bob:example.org")
	backing.put(store.Puppet{ID: 1, CustomMXID: alice, AccessToken: "alice-token"})
	backing.put(store.Puppet{ID: 2, CustomMXID: bob, AccessToken: "revoked"})
	gateway := newFakeGateway()
	gateway.tokens["alice-token"] = alice

	registry := newTestRegistry(t, registryOptions{store: backing, gateway: gateway})
	if err := registry.StartCustomPuppets(context.Background()); err != nil {
		t.Fatalf("StartCustomPuppets: %v", err)
	}

	valid := mustGet(t, registry, 1)
	if valid.MXID() != alice || !valid.IsRealUser() {
		t.Errorf("valid puppet MXID = %s", valid.MXID())
	}
	revoked := mustGet(t, registry, 2)
	if revoked.IsRealUser() || revoked.MXID() != revoked.DefaultMXID() {
		t.Errorf("revoked puppet still uses %s", revoked.MXID())
	}
	record, _ := backing.get(2)
	if !record.CustomMXID.IsZero() {
		t.Errorf("revoked identity still stored: %+v", record)
	}
}

func TestSwitchMXIDClosesReplacedSessions(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	registry.gateway.tokens["alice-token"] = alice
	puppet := mustGet(t, registry, 42)

	for range 5 {
		if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
			t.Fatalf("SwitchMXID: %v", err)
		}
		if err := puppet.SwitchMXID(ctx, "", ref.UserID{}); err != nil {
			t.Fatalf("reverting: %v", err)
		}
	}
	if open := registry.gateway.openSessions(); open != 0 {
		t.Errorf("%d custom sessions still open after reverting", open)
	}

	// Switching twice in a row replaces the first session.
	for range 2 {
		if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
			t.Fatalf("SwitchMXID: %v", err)
		}
	}
	if open := registry.gateway.openSessions(); open != 1 {
		t.Errorf("%d custom sessions open, want only the current one", open)
	}
}

func TestReplacedSessionClosesOnLastRelease(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	registry.gateway.tokens["alice-token"] = alice
	puppet := mustGet(t, registry, 42)

	if err := puppet.SwitchMXID(ctx, "alice-token", alice); err != nil {
		t.Fatalf("SwitchMXID: %v", err)
	}
	intent, release, err := puppet.Intent(ctx)
	if err != nil {
		t.Fatalf("Intent: %v", err)
	}
	held := intent.(*fakeSession)

	if err := puppet.SwitchMXID(ctx, "", ref.UserID{}); err != nil {
		t.Fatalf("reverting: %v", err)
	}
	if held.recorded().closed {
		t.Fatal("session closed while a caller still held it")
	}
	release()
	release()
	if !held.recorded().closed {
		t.Error("replaced session not closed by the last release")
	}
}

func TestSwitchMXIDSessionFailureIsNotInvalidToken(t *testing.T) {
	registry := newTestRegistry(t, registryOptions{})
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:example.org")
	registry.gateway.tokens["alice-token"] = alice
	registry.gateway.sessionErr = errors.New("secret: mlock: cannot allocate memory")
	puppet := mustGet(t, registry, 42)

	err := puppet.SwitchMXID(ctx, "alice-token", alice)
	if err == nil || errors.Is(err, ErrInvalidAccessToken) || errors.Is(err, ErrOnlyLoginSelf) {
		t.Fatalf("SwitchMXID = %v, want a plain session error", err)
	}
	if puppet.IsRealUser() {
		t.Error("failed switch changed the puppet")
	}
}
