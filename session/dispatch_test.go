// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// onlyCall returns the single call conversation received.
func onlyCall(t *testing.T, conversation *fakeConversation) conversationCall {
	t.Helper()
	if conversation == nil {
		t.Fatal("conversation was never resolved")
	}
	calls := conversation.recorded()
	if len(calls) != 1 {
		t.Fatalf("conversation %v received %d calls, want 1: %+v", conversation.key, len(calls), calls)
	}
	return calls[0]
}

func TestDispatchShortMessages(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()
	date := time.Unix(1700000000, 0)

	session.HandleUpdate(ctx, &telegram.ShortMessage{ID: 10, UserID: 7, Text: "hi", Date: date})
	call := onlyCall(t, manager.conversations.lookup(DirectKey(7, 1)))
	if call.method != "message" || call.sender != 7 {
		t.Errorf("incoming direct message: got %s from %d, want message from 7", call.method, call.sender)
	}
	if call.message.To != telegram.UserPeer(1) || call.message.Text != "hi" || !call.message.Date.Equal(date) {
		t.Errorf("incoming direct message expanded to %+v", call.message)
	}

	session.HandleUpdate(ctx, &telegram.ShortMessage{ID: 11, UserID: 8, Out: true, Text: "yo"})
	call = onlyCall(t, manager.conversations.lookup(DirectKey(8, 1)))
	if call.sender != 1 {
		t.Errorf("outgoing direct message sender = %d, want own puppet 1", call.sender)
	}
	if call.message.To != telegram.UserPeer(8) || call.message.FromID != 1 {
		t.Errorf("outgoing direct message expanded to %+v", call.message)
	}

	session.HandleUpdate(ctx, &telegram.ShortChatMessage{ID: 12, FromID: 9, ChatID: 500, Text: "all"})
	call = onlyCall(t, manager.conversations.lookup(PeerKey(telegram.ChatPeer(500), 0)))
	if call.method != "message" || call.sender != 9 {
		t.Errorf("group message: got %s from %d, want message from 9", call.method, call.sender)
	}
}

func TestDispatchFullMessageRouting(t *testing.T) {
	tests := []struct {
		name       string
		update     telegram.Update
		wantKey    ConversationKey
		wantMethod string
		wantSender int64
	}{
		{
			name:       "incoming direct",
			update:     &telegram.NewMessage{Message: telegram.Message{ID: 1, FromID: 7, To: telegram.UserPeer(1)}},
			wantKey:    DirectKey(7, 1),
			wantMethod: "message",
			wantSender: 7,
		},
		{
			name:       "outgoing direct",
			update:     &telegram.NewMessage{Message: telegram.Message{ID: 2, FromID: 1, To: telegram.UserPeer(7), Out: true}},
			wantKey:    DirectKey(7, 1),
			wantMethod: "message",
			wantSender: 1,
		},
		{
			name:       "group",
			update:     &telegram.NewMessage{Message: telegram.Message{ID: 3, FromID: 7, To: telegram.ChatPeer(500)}},
			wantKey:    ConversationKey{Peer: telegram.ChatPeer(500)},
			wantMethod: "message",
			wantSender: 7,
		},
		{
			name:       "anonymous channel post",
			update:     &telegram.NewMessage{Channel: true, Message: telegram.Message{ID: 4, To: telegram.ChannelPeer(900)}},
			wantKey:    ConversationKey{Peer: telegram.ChannelPeer(900)},
			wantMethod: "message",
			wantSender: 0,
		},
		{
			name:       "channel edit",
			update:     &telegram.EditMessage{Channel: true, Message: telegram.Message{ID: 5, FromID: 7, To: telegram.ChannelPeer(900)}},
			wantKey:    ConversationKey{Peer: telegram.ChannelPeer(900)},
			wantMethod: "edit",
			wantSender: 7,
		},
		{
			name: "service message",
			update: &telegram.NewMessage{Message: telegram.Message{
				ID: 6, FromID: 7, To: telegram.ChatPeer(500),
				Action: &telegram.Action{Type: telegram.ActionChatEditTitle, Title: "New"},
			}},
			wantKey:    ConversationKey{Peer: telegram.ChatPeer(500)},
			wantMethod: "action",
			wantSender: 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := newTestManager(t)
			session := manager.loggedIn(t)
			session.HandleUpdate(context.Background(), tt.update)

			call := onlyCall(t, manager.conversations.lookup(tt.wantKey))
			if call.method != tt.wantMethod {
				t.Errorf("method = %s, want %s", call.method, tt.wantMethod)
			}
			if int64(call.sender) != tt.wantSender {
				t.Errorf("sender = %d, want %d", call.sender, tt.wantSender)
			}
		})
	}
}

func TestDispatchIgnoresChannelMigration(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	session.HandleUpdate(context.Background(), &telegram.NewMessage{Channel: true, Message: telegram.Message{
		ID: 1, FromID: 7, To: telegram.ChannelPeer(900),
		Action: &telegram.Action{Type: telegram.ActionChannelMigrateFrom, Title: "Old group"},
	}})
	conversation := manager.conversations.lookup(ConversationKey{Peer: telegram.ChannelPeer(900)})
	if conversation != nil && len(conversation.recorded()) != 0 {
		t.Errorf("migration action reached the conversation: %+v", conversation.recorded())
	}
}

func TestDispatchTyping(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()

	session.HandleUpdate(ctx, &telegram.UserTyping{UserID: 7, Action: telegram.TypingActionTyping})
	call := onlyCall(t, manager.conversations.lookup(DirectKey(7, 1)))
	if call.method != "typing" || call.sender != 7 || call.value != true {
		t.Errorf("direct typing = %+v", call)
	}

	session.HandleUpdate(ctx, &telegram.ChatUserTyping{ChatID: 500, UserID: 9, Action: telegram.TypingActionCancel})
	call = onlyCall(t, manager.conversations.lookup(ConversationKey{Peer: telegram.ChatPeer(500)}))
	if call.method != "typing" || call.sender != 9 || call.value != false {
		t.Errorf("cancelled group typing = %+v", call)
	}
}

func TestDispatchStatus(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()
	mxid := manager.registry.Mapper().MXID(7)

	session.HandleUpdate(ctx, &telegram.UserStatus{UserID: 7, Status: telegram.StatusOnline})
	if got := manager.server.Presence(mxid); got != messaging.PresenceOnline {
		t.Errorf("presence after online = %q", got)
	}
	session.HandleUpdate(ctx, &telegram.UserStatus{UserID: 7, Status: telegram.StatusOffline})
	if got := manager.server.Presence(mxid); got != messaging.PresenceOffline {
		t.Errorf("presence after offline = %q", got)
	}
	session.HandleUpdate(ctx, &telegram.UserStatus{UserID: 7, Status: telegram.StatusRecently})
	if got := manager.server.Presence(mxid); got != messaging.PresenceOffline {
		t.Errorf("unmapped status changed presence to %q", got)
	}
}

func TestDispatchRoomOnlyUpdatesNeedExistingRoom(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()
	chat := ConversationKey{Peer: telegram.ChatPeer(500)}
	channel := ConversationKey{Peer: telegram.ChannelPeer(900)}

	updates := []telegram.Update{
		&telegram.ChatAdmins{ChatID: 500, Enabled: true},
		&telegram.ChatParticipantAdmin{ChatID: 500, UserID: 7, IsAdmin: true},
		&telegram.ChatParticipants{ChatID: 500, Participants: []telegram.Participant{{UserID: 7}, {UserID: 9}}},
		&telegram.ChannelPinnedMessage{ChannelID: 900, MessageID: 33},
		&telegram.ReadHistoryOutbox{Peer: telegram.UserPeer(7), MaxID: 12},
	}
	for _, update := range updates {
		session.HandleUpdate(ctx, update)
	}
	for _, key := range []ConversationKey{chat, channel, DirectKey(7, 1)} {
		if manager.conversations.lookup(key) != nil {
			t.Errorf("conversation %v was created for a room-only update", key)
		}
	}

	group := manager.conversations.withRoom(chat, "!group:example.org")
	pinned := manager.conversations.withRoom(channel, "!channel:example.org")
	direct := manager.conversations.withRoom(DirectKey(7, 1), "!direct:example.org")
	for _, update := range updates {
		session.HandleUpdate(ctx, update)
	}

	groupCalls := group.recorded()
	if len(groupCalls) != 3 {
		t.Fatalf("group received %+v", groupCalls)
	}
	if groupCalls[0].method != "admins_enabled" || groupCalls[0].value != true {
		t.Errorf("first group call = %+v", groupCalls[0])
	}
	if groupCalls[1].method != "admin" || groupCalls[1].sender != 7 || groupCalls[1].value != true {
		t.Errorf("second group call = %+v", groupCalls[1])
	}
	if groupCalls[2].method != "participants" || groupCalls[2].value != 2 {
		t.Errorf("third group call = %+v", groupCalls[2])
	}
	if call := onlyCall(t, pinned); call.method != "pin" || call.value != 33 {
		t.Errorf("channel call = %+v", call)
	}
	if call := onlyCall(t, direct); call.method != "read" || call.sender != 7 || call.value != 12 {
		t.Errorf("direct call = %+v", call)
	}
}

func TestDispatchDropsGroupReadReceipts(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	group := manager.conversations.withRoom(ConversationKey{Peer: telegram.ChatPeer(500)}, "!group:example.org")

	session.HandleUpdate(context.Background(), &telegram.ReadHistoryOutbox{Peer: telegram.ChatPeer(500), MaxID: 3})
	if calls := group.recorded(); len(calls) != 0 {
		t.Errorf("group read receipt was forwarded: %+v", calls)
	}
}

func TestDispatchUserName(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()
	manager.transport(session.MXID()).AddUser(&telegram.User{ID: 7, FirstName: "Ada", LastName: "Lovelace", Username: "ada"})

	session.HandleUpdate(ctx, &telegram.UserName{UserID: 7, FirstName: "Ada", LastName: "Lovelace", Username: "ada"})

	user, err := manager.registry.Get(ctx, 7, false)
	if err != nil || user == nil {
		t.Fatalf("Get(7) = %v, %v", user, err)
	}
	if got := user.DisplayName(); got != "Ada Lovelace (Telegram)" {
		t.Errorf("display name = %q", got)
	}
	record, err := manager.store.GetPuppet(ctx, 7)
	if err != nil || record == nil {
		t.Fatalf("GetPuppet(7) = %v, %v", record, err)
	}
	if record.DisplayName != "Ada Lovelace (Telegram)" || record.DisplayNameSource != 1 {
		t.Errorf("stored name %q from %d, want the rendered name from session 1", record.DisplayName, record.DisplayNameSource)
	}
	if got := manager.server.Profile(user.DefaultMXID()).DisplayName; got != "Ada Lovelace (Telegram)" {
		t.Errorf("matrix display name = %q", got)
	}
}

func TestDispatchUserPhoto(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()
	manager.transport(session.MXID()).AddPhoto("p1", &telegram.Photo{Data: []byte("jpeg"), MIMEType: "image/jpeg"})

	session.HandleUpdate(ctx, &telegram.UserPhoto{UserID: 7, Photo: &telegram.ProfilePhoto{ID: "p1"}})

	record, err := manager.store.GetPuppet(ctx, 7)
	if err != nil || record == nil {
		t.Fatalf("GetPuppet(7) = %v, %v", record, err)
	}
	if record.PhotoID != "p1" || record.AvatarURL.IsZero() {
		t.Errorf("stored photo %q avatar %v", record.PhotoID, record.AvatarURL)
	}
	user, _ := manager.registry.Get(ctx, 7, false)
	if got := manager.server.Profile(user.DefaultMXID()).AvatarURL; got != record.AvatarURL {
		t.Errorf("matrix avatar = %v, want %v", got, record.AvatarURL)
	}
}

func TestDispatchSurvivesPanicsAndUnknownUpdates(t *testing.T) {
	manager := newTestManager(t)
	session := manager.loggedIn(t)
	ctx := context.Background()
	exploding := manager.conversations.withRoom(DirectKey(7, 1), "!direct:example.org")
	exploding.panics = true

	session.HandleUpdate(ctx, &telegram.ShortMessage{ID: 1, UserID: 7, Text: "boom"})
	session.HandleUpdate(ctx, &telegram.Unknown{Type: "update_dc_options"})

	// The session keeps working after the panic.
	session.HandleUpdate(ctx, &telegram.ShortMessage{ID: 2, UserID: 8, Text: "still here"})
	if call := onlyCall(t, manager.conversations.lookup(DirectKey(8, 1))); call.message.ID != 2 {
		t.Errorf("message after panic = %+v", call.message)
	}
}
