// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import "fmt"

// UserID is a Telegram user id. Zero means "none".
type UserID int64

// ChatID is the id of a basic group chat.
type ChatID int64

// ChannelID is the id of a channel or supergroup.
type ChannelID int64

// PeerKind distinguishes the three kinds of Telegram conversation.
type PeerKind string

// Peer kinds, as sent by the sidecar.
const (
	PeerUser    PeerKind = "user"
	PeerChat    PeerKind = "chat"
	PeerChannel PeerKind = "channel"
)

// Peer addresses a conversation: a user (direct chat), a basic group, or
// a channel.
type Peer struct {
	Kind PeerKind `json:"kind" cbor:"kind"`
	ID   int64    `json:"id" cbor:"id"`
}

// UserPeer returns the peer of a direct chat with id.
func UserPeer(id UserID) Peer { return Peer{Kind: PeerUser, ID: int64(id)} }

// ChatPeer returns the peer of a basic group.
func ChatPeer(id ChatID) Peer { return Peer{Kind: PeerChat, ID: int64(id)} }

// ChannelPeer returns the peer of a channel.
func ChannelPeer(id ChannelID) Peer { return Peer{Kind: PeerChannel, ID: int64(id)} }

// IsZero reports whether the peer is unset.
func (p Peer) IsZero() bool { return p.Kind == "" && p.ID == 0 }

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}
