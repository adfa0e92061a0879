// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// ConversationKey identifies a bridged conversation. Direct chats are
// scoped by the Telegram id of the session that sees them; groups and
// channels are shared and have a zero Receiver.
type ConversationKey struct {
	Peer     telegram.Peer
	Receiver telegram.UserID
}

// DirectKey is the key of the direct chat between receiver and
// counterpart.
func DirectKey(counterpart, receiver telegram.UserID) ConversationKey {
	return ConversationKey{Peer: telegram.UserPeer(counterpart), Receiver: receiver}
}

// PeerKey is the key of the conversation addressed by peer as seen by
// receiver. Only user peers keep the receiver.
func PeerKey(peer telegram.Peer, receiver telegram.UserID) ConversationKey {
	if peer.Kind != telegram.PeerUser {
		receiver = 0
	}
	return ConversationKey{Peer: peer, Receiver: receiver}
}

// Conversations resolves conversation keys. With create unset, Get
// returns nil and no error for a conversation that does not exist.
type Conversations interface {
	Get(ctx context.Context, key ConversationKey, create bool) (Conversation, error)
}

// Conversation is one bridged chat. Methods that take a source receive
// the session the update arrived on; a nil sender marks a message with
// no author, such as a channel post.
type Conversation interface {
	// RoomID is zero until the Matrix room exists.
	RoomID() ref.RoomID

	HandleMessage(ctx context.Context, source *Session, sender *puppet.Puppet, message *telegram.Message) error
	HandleEdit(ctx context.Context, source *Session, sender *puppet.Puppet, message *telegram.Message) error
	HandleAction(ctx context.Context, source *Session, sender *puppet.Puppet, message *telegram.Message) error
	HandleTyping(ctx context.Context, sender *puppet.Puppet, typing bool) error

	// SetAdminsEnabled and SetAdmin may be called repeatedly with the
	// same value; repeats must not change the room.
	SetAdminsEnabled(ctx context.Context, enabled bool) error
	SetAdmin(ctx context.Context, user *puppet.Puppet, admin bool) error

	ReplaceParticipants(ctx context.Context, source *Session, participants []telegram.Participant) error
	HandlePin(ctx context.Context, source *Session, messageID int) error
	MarkRead(ctx context.Context, source *Session, reader *puppet.Puppet, messageID int) error
}
