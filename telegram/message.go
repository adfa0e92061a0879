// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import "time"

// Message is a message inside a NewMessage or EditMessage envelope.
type Message struct {
	ID int `json:"id" cbor:"id"`

	// FromID is the sender. Zero for senderless messages, such as
	// channel posts signed by the channel itself.
	FromID UserID `json:"from_id,omitempty" cbor:"from_id,omitempty"`

	// To is the conversation the message was sent to. For a direct chat
	// this is the receiving user, not the counterpart.
	To Peer `json:"to" cbor:"to"`

	// Out is set when the session's own account sent the message.
	Out bool `json:"out,omitempty" cbor:"out,omitempty"`

	Text     string    `json:"text,omitempty" cbor:"text,omitempty"`
	Date     time.Time `json:"date" cbor:"date"`
	EditDate time.Time `json:"edit_date,omitzero" cbor:"edit_date"`

	// ReplyTo is the id of the message this one replies to, or zero.
	ReplyTo int `json:"reply_to,omitempty" cbor:"reply_to,omitempty"`

	// Action is set for service messages (joins, title changes,
	// migrations). Service messages have no Text.
	Action *Action `json:"action,omitempty" cbor:"action,omitempty"`
}

// ActionType names the kind of a service message.
type ActionType string

// Service message actions the bridge distinguishes. Others pass through
// under their wire name.
const (
	ActionChatCreate         ActionType = "chat_create"
	ActionChatEditTitle      ActionType = "chat_edit_title"
	ActionChatAddUser        ActionType = "chat_add_user"
	ActionChatDeleteUser     ActionType = "chat_delete_user"
	ActionChatJoinedByLink   ActionType = "chat_joined_by_link"
	ActionChatMigrateTo      ActionType = "chat_migrate_to"
	ActionChannelMigrateFrom ActionType = "channel_migrate_from"
	ActionPinMessage         ActionType = "pin_message"
)

// Action is the payload of a service message.
type Action struct {
	Type ActionType `json:"type" cbor:"type"`

	// Title is set for chat_create and chat_edit_title.
	Title string `json:"title,omitempty" cbor:"title,omitempty"`

	// Users lists the affected users for add/delete actions.
	Users []UserID `json:"users,omitempty" cbor:"users,omitempty"`
}
