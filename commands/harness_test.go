// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/clock"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/testutil"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/portal"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const testDomain = "example.org"

// testBridge wires a Processor to the real store, registry, session
// manager and portal manager, a fake homeserver, and fake Telegram
// transports.
type testBridge struct {
	processor *Processor
	sessions  *session.Manager
	registry  *puppet.Registry
	server    *messaging.FakeHomeserver
	bot       ref.UserID

	mu         sync.Mutex
	transports map[ref.UserID]*telegram.FakeTransport
	rooms      map[ref.UserID]ref.RoomID
}

type bridgeOptions struct {
	denyMatrixLogin bool
	whitelist       []string
}

func newTestBridge(t *testing.T, options bridgeOptions) *testBridge {
	t.Helper()
	ctx := context.Background()
	logger := testutil.Logger(t)

	records, err := store.Open(ctx, store.Config{
		Path:     filepath.Join(t.TempDir(), "bridge.db"),
		PoolSize: 2,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	server := messaging.NewFakeHomeserver(testDomain)
	bridge := &testBridge{
		server:     server,
		bot:        ref.MustParseUserID("@telegrambot:" + testDomain),
		transports: make(map[ref.UserID]*telegram.FakeTransport),
		rooms:      make(map[ref.UserID]ref.RoomID),
	}
	botSession := server.PuppetSession(bridge.bot)

	portals, err := portal.NewManager(portal.Config{Store: records, Bot: botSession, Logger: logger})
	if err != nil {
		t.Fatalf("portal.NewManager: %v", err)
	}
	mapper, err := puppet.NewIDMapper("telegram_{userid}", testDomain)
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	registry, err := puppet.NewRegistry(puppet.Config{
		Store:                 records,
		Gateway:               server,
		Mapper:                mapper,
		DisplaynameTemplate:   "{displayname} (Telegram)",
		DisplaynamePreference: []string{"full name", "username", "phone number"},
		Events:                portals,
		Logger:                logger,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	sessions, err := session.NewManager(session.Config{
		Store:         records,
		Registry:      registry,
		Conversations: portals,
		Transports: func(mxid ref.UserID) telegram.Transport {
			return bridge.transport(mxid)
		},
		Whitelist: options.whitelist,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	portals.Attach(registry, sessions)

	processor, err := NewProcessor(Config{
		Sessions:         sessions,
		Registry:         registry,
		Bot:              botSession,
		Prefix:           "!tg",
		AllowMatrixLogin: !options.denyMatrixLogin,
		Clock:            clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	bridge.processor = processor
	bridge.sessions = sessions
	bridge.registry = registry
	return bridge
}

func userID(localpart string) ref.UserID {
	return ref.MustParseUserID("@" + localpart + ":" + testDomain)
}

func (b *testBridge) transport(mxid ref.UserID) *telegram.FakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	transport, ok := b.transports[mxid]
	if !ok {
		transport = telegram.NewFakeTransport()
		b.transports[mxid] = transport
	}
	return transport
}

// managementRoom returns mxid's room with the bot, creating it on
// first use.
func (b *testBridge) managementRoom(mxid ref.UserID) ref.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	roomID, ok := b.rooms[mxid]
	if !ok {
		roomID = b.server.NewRoom(b.bot, mxid)
		b.rooms[mxid] = roomID
	}
	return roomID
}

// send delivers body from mxid in its management room and returns the
// bot's replies to it.
func (b *testBridge) send(t *testing.T, mxid ref.UserID, body string) []string {
	t.Helper()
	return b.sendIn(t, b.managementRoom(mxid), true, mxid, body)
}

func (b *testBridge) sendIn(t *testing.T, roomID ref.RoomID, management bool, mxid ref.UserID, body string) []string {
	t.Helper()
	before := len(b.server.Events(roomID))
	b.processor.Handle(context.Background(), Message{
		RoomID:       roomID,
		EventID:      ref.MustParseEventID("$command"),
		Sender:       mxid,
		Body:         body,
		IsManagement: management,
	})
	var replies []string
	for _, event := range b.server.Events(roomID)[before:] {
		if event.Sender != b.bot || event.Type != messaging.EventTypeMessage {
			continue
		}
		content, ok := event.Content.(messaging.MessageContent)
		if !ok {
			t.Fatalf("reply content is %T", event.Content)
		}
		replies = append(replies, content.Body)
	}
	return replies
}

// expectReply sends body and fails unless the bot answered with
// exactly want.
func (b *testBridge) expectReply(t *testing.T, mxid ref.UserID, body, want string) {
	t.Helper()
	replies := b.send(t, mxid, body)
	if len(replies) != 1 || replies[0] != want {
		t.Fatalf("reply to %q = %q, want [%q]", body, replies, want)
	}
}

// login logs mxid in as Telegram user id without going through
// commands, the way a stored session comes back after a restart.
func (b *testBridge) login(t *testing.T, mxid ref.UserID, account *telegram.User) *session.Session {
	t.Helper()
	ctx := context.Background()
	user, err := b.sessions.Get(ctx, mxid, true)
	if err != nil {
		t.Fatalf("Get %s: %v", mxid, err)
	}
	b.transport(mxid).SetAccount(account, true)
	if err := user.Start(ctx); err != nil {
		t.Fatalf("Start %s: %v", mxid, err)
	}
	if err := user.PostLogin(ctx, account); err != nil {
		t.Fatalf("PostLogin %s: %v", mxid, err)
	}
	return user
}

func (b *testBridge) session(t *testing.T, mxid ref.UserID) *session.Session {
	t.Helper()
	user, err := b.sessions.Get(context.Background(), mxid, false)
	if err != nil || user == nil {
		t.Fatalf("session of %s = %v, %v", mxid, user, err)
	}
	return user
}

// pendingStep returns the step of mxid's continuation, or zero.
func (b *testBridge) pendingStep(t *testing.T, mxid ref.UserID) Step {
	t.Helper()
	user := b.session(t, mxid)
	pending := takePending(user)
	if pending == nil {
		return 0
	}
	user.SetPending(pending)
	return pending.Step
}
