// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"testing"

	"github.com/bureau-foundation/tgbridge/telegram"
)

func TestMatrixTokenLogin(t *testing.T) {
	bridge := newTestBridge(t, bridgeOptions{})
	alice, bob := userID("alice"), userID("bob")
	bridge.login(t, alice, &telegram.User{ID: 1, Username: "alice"})
	bridge.server.AddToken("bob-token", bob)
	bridge.server.AddToken("alice-token", alice)

	own, err := bridge.registry.Get(context.Background(), 1, false)
	if err != nil || own == nil {
		t.Fatalf("own puppet = %v, %v", own, err)
	}

	bridge.expectReply(t, alice, "login-matrix", "Please send your Matrix access token here to log in.")
	if step := bridge.pendingStep(t, alice); step != StepMatrixToken {
		t.Fatalf("step after login-matrix = %v, want %v", step, StepMatrixToken)
	}
	bridge.expectReply(t, alice, "bob-token", "You can only log in as your own Matrix user.")
	if own.IsRealUser() || bridge.session(t, alice).HasPending() {
		t.Fatalf("token of another user: real user %v, pending %v", own.IsRealUser(), bridge.session(t, alice).HasPending())
	}

	bridge.send(t, alice, "login-matrix")
	bridge.expectReply(t, alice, "not-a-token", "Failed to verify access token.")
	if own.IsRealUser() {
		t.Fatal("an invalid token switched the puppet")
	}

	bridge.send(t, alice, "login-matrix")
	bridge.expectReply(t, alice, "alice-token",
		"Replaced your Telegram account's Matrix puppet with @alice:example.org.")
	if !own.IsRealUser() || own.MXID() != alice {
		t.Fatalf("puppet after login: real user %v, mxid %s", own.IsRealUser(), own.MXID())
	}
	bridge.expectReply(t, alice, "login-matrix",
		"You have already logged in with your Matrix account. Log out with `logout-matrix` first.")

	bridge.expectReply(t, alice, "logout-matrix",
		"Reverted your Telegram account's Matrix puppet back to the default.")
	if own.IsRealUser() || own.MXID() != own.DefaultMXID() {
		t.Errorf("puppet after logout-matrix: real user %v, mxid %s", own.IsRealUser(), own.MXID())
	}
	bridge.expectReply(t, alice, "logout-matrix", "You are not logged in with your Matrix account.")
}

func TestMatrixLoginNeedsTelegramLogin(t *testing.T) {
	bridge := newTestBridge(t, bridgeOptions{})
	bridge.expectReply(t, userID("alice"), "login-matrix", "That command requires you to be logged in.")
}

func TestMatrixLoginDisabledRefusesToken(t *testing.T) {
	bridge := newTestBridge(t, bridgeOptions{denyMatrixLogin: true})
	alice := userID("alice")
	bridge.login(t, alice, &telegram.User{ID: 1, Username: "alice"})

	bridge.expectReply(t, alice, "login-matrix", "This bridge instance has been configured to not allow logging in.")
	if bridge.session(t, alice).HasPending() {
		t.Error("refused matrix login armed a continuation")
	}
}
