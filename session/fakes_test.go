// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/testutil"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const testDomain = "example.org"

// conversationCall is one call a fakeConversation received.
type conversationCall struct {
	method  string
	sender  telegram.UserID
	message *telegram.Message
	value   any
}

// fakeConversation records calls. A conversation created through Get
// has no room until test code gives it one.
type fakeConversation struct {
	key  ConversationKey
	room ref.RoomID

	// panics makes every handler panic.
	panics bool

	mu    sync.Mutex
	calls []conversationCall
}

func (c *fakeConversation) RoomID() ref.RoomID { return c.room }

func (c *fakeConversation) record(method string, sender *puppet.Puppet, message *telegram.Message, value any) error {
	if c.panics {
		panic("conversation exploded")
	}
	call := conversationCall{method: method, message: message, value: value}
	if sender != nil {
		call.sender = sender.ID()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return nil
}

func (c *fakeConversation) recorded() []conversationCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]conversationCall(nil), c.calls...)
}

func (c *fakeConversation) HandleMessage(_ context.Context, _ *Session, sender *puppet.Puppet, message *telegram.Message) error {
	return c.record("message", sender, message, nil)
}

func (c *fakeConversation) HandleEdit(_ context.Context, _ *Session, sender *puppet.Puppet, message *telegram.Message) error {
	return c.record("edit", sender, message, nil)
}

func (c *fakeConversation) HandleAction(_ context.Context, _ *Session, sender *puppet.Puppet, message *telegram.Message) error {
	return c.record("action", sender, message, nil)
}

func (c *fakeConversation) HandleTyping(_ context.Context, sender *puppet.Puppet, typing bool) error {
	return c.record("typing", sender, nil, typing)
}

func (c *fakeConversation) SetAdminsEnabled(_ context.Context, enabled bool) error {
	return c.record("admins_enabled", nil, nil, enabled)
}

func (c *fakeConversation) SetAdmin(_ context.Context, user *puppet.Puppet, admin bool) error {
	return c.record("admin", user, nil, admin)
}

func (c *fakeConversation) ReplaceParticipants(_ context.Context, _ *Session, participants []telegram.Participant) error {
	return c.record("participants", nil, nil, len(participants))
}

func (c *fakeConversation) HandlePin(_ context.Context, _ *Session, messageID int) error {
	return c.record("pin", nil, nil, messageID)
}

func (c *fakeConversation) MarkRead(_ context.Context, _ *Session, reader *puppet.Puppet, messageID int) error {
	return c.record("read", reader, nil, messageID)
}

// fakeConversations hands out fakeConversations by key.
type fakeConversations struct {
	mu    sync.Mutex
	byKey map[ConversationKey]*fakeConversation
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{byKey: make(map[ConversationKey]*fakeConversation)}
}

func (c *fakeConversations) Get(_ context.Context, key ConversationKey, create bool) (Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conversation, ok := c.byKey[key]
	if !ok {
		if !create {
			return nil, nil
		}
		conversation = &fakeConversation{key: key}
		c.byKey[key] = conversation
	}
	return conversation, nil
}

// withRoom registers a conversation for key that has a Matrix room.
func (c *fakeConversations) withRoom(key ConversationKey, room string) *fakeConversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	conversation := &fakeConversation{key: key, room: ref.MustParseRoomID(room)}
	c.byKey[key] = conversation
	return conversation
}

func (c *fakeConversations) lookup(key ConversationKey) *fakeConversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKey[key]
}

type testManager struct {
	*Manager
	store         *store.Store
	server        *messaging.FakeHomeserver
	registry      *puppet.Registry
	conversations *fakeConversations

	mu         sync.Mutex
	transports map[ref.UserID]*telegram.FakeTransport
}

func (m *testManager) transport(mxid ref.UserID) *telegram.FakeTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	transport, ok := m.transports[mxid]
	if !ok {
		transport = telegram.NewFakeTransport()
		m.transports[mxid] = transport
	}
	return transport
}

func newTestManager(t *testing.T, whitelist ...string) *testManager {
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

	mapper, err := puppet.NewIDMapper("telegram_{userid}", testDomain)
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	server := messaging.NewFakeHomeserver(testDomain)
	registry, err := puppet.NewRegistry(puppet.Config{
		Store:                 records,
		Gateway:               server,
		Mapper:                mapper,
		DisplaynameTemplate:   "{displayname} (Telegram)",
		DisplaynamePreference: []string{"full name", "username", "phone number"},
		Logger:                logger,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	test := &testManager{
		store:         records,
		server:        server,
		registry:      registry,
		conversations: newFakeConversations(),
		transports:    make(map[ref.UserID]*telegram.FakeTransport),
	}
	manager, err := NewManager(Config{
		Store:         records,
		Registry:      registry,
		Conversations: test.conversations,
		Transports: func(mxid ref.UserID) telegram.Transport {
			return test.transport(mxid)
		},
		Whitelist: whitelist,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	test.Manager = manager
	return test
}

// loggedIn returns a started session for alice logged in as Telegram
// user 1.
func (m *testManager) loggedIn(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	mxid := ref.MustParseUserID("@alice:" + testDomain)
	session, err := m.Get(ctx, mxid, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	account := &telegram.User{ID: 1, Username: "alice", FirstName: "Alice"}
	m.transport(mxid).SetAccount(account, true)
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.PostLogin(ctx, account); err != nil {
		t.Fatalf("PostLogin: %v", err)
	}
	return session
}
