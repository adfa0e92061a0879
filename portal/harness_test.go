// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/testutil"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const testDomain = "example.org"

var testDate = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testBridge wires the real store, puppet registry, session manager and
// portal manager to a fake homeserver and fake Telegram transports.
type testBridge struct {
	portals  *Manager
	sessions *session.Manager
	registry *puppet.Registry
	store    *store.Store
	server   *messaging.FakeHomeserver
	bot      ref.UserID

	mu         sync.Mutex
	transports map[ref.UserID]*telegram.FakeTransport
}

func newTestBridge(t *testing.T) *testBridge {
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
		store:      records,
		server:     server,
		bot:        ref.MustParseUserID("@telegrambot:" + testDomain),
		transports: make(map[ref.UserID]*telegram.FakeTransport),
	}

	portals, err := NewManager(Config{
		Store:  records,
		Bot:    server.PuppetSession(bridge.bot),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
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
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	portals.Attach(registry, sessions)

	bridge.portals = portals
	bridge.sessions = sessions
	bridge.registry = registry
	return bridge
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

// login starts a session for @localpart logged in as Telegram user id.
func (b *testBridge) login(t *testing.T, localpart string, id telegram.UserID) *session.Session {
	t.Helper()
	ctx := context.Background()
	mxid := ref.MustParseUserID("@" + localpart + ":" + testDomain)
	user, err := b.sessions.Get(ctx, mxid, true)
	if err != nil {
		t.Fatalf("Get %s: %v", mxid, err)
	}
	account := &telegram.User{ID: id, Username: localpart, FirstName: localpart}
	b.transport(mxid).SetAccount(account, true)
	if err := user.Start(ctx); err != nil {
		t.Fatalf("Start %s: %v", mxid, err)
	}
	if err := user.PostLogin(ctx, account); err != nil {
		t.Fatalf("PostLogin %s: %v", mxid, err)
	}
	return user
}

// deliver hands update to user's transport as if Telegram sent it.
func (b *testBridge) deliver(t *testing.T, user *session.Session, update telegram.Update) {
	t.Helper()
	if !b.transport(user.MXID()).Deliver(context.Background(), update) {
		t.Fatalf("%s has no update handler", user.MXID())
	}
}

func (b *testBridge) puppetID(id telegram.UserID) ref.UserID {
	return b.registry.Mapper().MXID(id)
}

// room returns the room of the conversation at key, failing if it has
// none.
func (b *testBridge) room(t *testing.T, key session.ConversationKey) ref.RoomID {
	t.Helper()
	conversation, err := b.portals.Get(context.Background(), key, false)
	if err != nil {
		t.Fatalf("Get %v: %v", key, err)
	}
	if conversation == nil || conversation.RoomID().IsZero() {
		t.Fatalf("conversation %v has no room", key)
	}
	return conversation.RoomID()
}

// messages returns the m.room.message events sent to roomID.
func (b *testBridge) messages(roomID ref.RoomID) []messaging.SentEvent {
	var messages []messaging.SentEvent
	for _, event := range b.server.Events(roomID) {
		if event.Type == messaging.EventTypeMessage {
			messages = append(messages, event)
		}
	}
	return messages
}

func content(t *testing.T, event messaging.SentEvent) messaging.MessageContent {
	t.Helper()
	message, ok := event.Content.(messaging.MessageContent)
	if !ok {
		t.Fatalf("event %s content is %T", event.EventID, event.Content)
	}
	return message
}

func powerLevels(t *testing.T, server *messaging.FakeHomeserver, roomID ref.RoomID) messaging.PowerLevels {
	t.Helper()
	var levels messaging.PowerLevels
	if err := json.Unmarshal(server.State(roomID, messaging.EventTypePowerLevels, ""), &levels); err != nil {
		t.Fatalf("power levels of %s: %v", roomID, err)
	}
	return levels
}

func pinned(t *testing.T, server *messaging.FakeHomeserver, roomID ref.RoomID) []ref.EventID {
	t.Helper()
	raw := server.State(roomID, messaging.EventTypePinned, "")
	if raw == nil {
		return nil
	}
	var pins messaging.PinnedEvents
	if err := json.Unmarshal(raw, &pins); err != nil {
		t.Fatalf("pinned events of %s: %v", roomID, err)
	}
	return pins.Pinned
}
