// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"time"
)

// Update is a decoded Telegram update. The set of variants is closed;
// consumers type-switch over them and treat [Unknown] (and any variant
// they do not care about) as "log and drop".
type Update interface {
	isUpdate()
}

// ShortMessage is a compact direct-chat message notification. UserID is
// the counterpart, regardless of direction.
type ShortMessage struct {
	ID      int       `cbor:"id"`
	UserID  UserID    `cbor:"user_id"`
	Out     bool      `cbor:"out,omitempty"`
	Text    string    `cbor:"text,omitempty"`
	Date    time.Time `cbor:"date"`
	ReplyTo int       `cbor:"reply_to,omitempty"`
}

// ShortChatMessage is a compact group message notification.
type ShortChatMessage struct {
	ID      int       `cbor:"id"`
	FromID  UserID    `cbor:"from_id"`
	ChatID  ChatID    `cbor:"chat_id"`
	Out     bool      `cbor:"out,omitempty"`
	Text    string    `cbor:"text,omitempty"`
	Date    time.Time `cbor:"date"`
	ReplyTo int       `cbor:"reply_to,omitempty"`
}

// NewMessage wraps a full message. Channel is set for the channel
// variant of the update.
type NewMessage struct {
	Message Message `cbor:"message"`
	Channel bool    `cbor:"channel,omitempty"`
}

// EditMessage wraps the new version of an edited message.
type EditMessage struct {
	Message Message `cbor:"message"`
	Channel bool    `cbor:"channel,omitempty"`
}

// UserTyping reports typing in a direct chat.
type UserTyping struct {
	UserID UserID `cbor:"user_id"`
	Action string `cbor:"action,omitempty"`
}

// ChatUserTyping reports typing in a group.
type ChatUserTyping struct {
	ChatID ChatID `cbor:"chat_id"`
	UserID UserID `cbor:"user_id"`
	Action string `cbor:"action,omitempty"`
}

// Typing action names used by [UserTyping] and [ChatUserTyping].
const (
	TypingActionTyping = "typing"
	TypingActionCancel = "cancel"
)

// Status is a user's online status.
type Status string

// Statuses of [UserStatus]. Telegram hides the exact last-seen time
// behind the coarse ones.
const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusRecently  Status = "recently"
	StatusLastWeek  Status = "last_week"
	StatusLastMonth Status = "last_month"
	StatusEmpty     Status = "empty"
)

// UserStatus reports a change in a user's online status.
type UserStatus struct {
	UserID UserID `cbor:"user_id"`
	Status Status `cbor:"status"`
}

// ChatAdmins toggles whether a basic group restricts editing to admins.
type ChatAdmins struct {
	ChatID  ChatID `cbor:"chat_id"`
	Enabled bool   `cbor:"enabled"`
}

// ChatParticipantAdmin promotes or demotes one group member.
type ChatParticipantAdmin struct {
	ChatID  ChatID `cbor:"chat_id"`
	UserID  UserID `cbor:"user_id"`
	IsAdmin bool   `cbor:"is_admin"`
}

// Participant is one member of a basic group.
type Participant struct {
	UserID  UserID `cbor:"user_id"`
	Admin   bool   `cbor:"admin,omitempty"`
	Creator bool   `cbor:"creator,omitempty"`
}

// ChatParticipants is a full snapshot of a basic group's members.
type ChatParticipants struct {
	ChatID       ChatID        `cbor:"chat_id"`
	Participants []Participant `cbor:"participants"`
}

// ChannelPinnedMessage reports the pinned message of a channel. A zero
// MessageID means the pin was removed.
type ChannelPinnedMessage struct {
	ChannelID ChannelID `cbor:"channel_id"`
	MessageID int       `cbor:"message_id"`
}

// UserName reports a change in a user's name fields. It carries no phone
// number and no other profile data.
type UserName struct {
	UserID    UserID `cbor:"user_id"`
	Username  string `cbor:"username,omitempty"`
	FirstName string `cbor:"first_name,omitempty"`
	LastName  string `cbor:"last_name,omitempty"`
}

// UserPhoto reports a change of profile photo. A nil Photo means the
// photo was removed.
type UserPhoto struct {
	UserID UserID        `cbor:"user_id"`
	Photo  *ProfilePhoto `cbor:"photo,omitempty"`
}

// ReadHistoryOutbox reports that the other side read the session's
// outgoing messages in Peer up to MaxID.
type ReadHistoryOutbox struct {
	Peer  Peer `cbor:"peer"`
	MaxID int  `cbor:"max_id"`
}

// Unknown is any update the transport could not classify. Type is the
// wire name as received.
type Unknown struct {
	Type string `cbor:"type"`
}

func (*ShortMessage) isUpdate()         {}
func (*ShortChatMessage) isUpdate()     {}
func (*NewMessage) isUpdate()           {}
func (*EditMessage) isUpdate()          {}
func (*UserTyping) isUpdate()           {}
func (*ChatUserTyping) isUpdate()       {}
func (*UserStatus) isUpdate()           {}
func (*ChatAdmins) isUpdate()           {}
func (*ChatParticipantAdmin) isUpdate() {}
func (*ChatParticipants) isUpdate()     {}
func (*ChannelPinnedMessage) isUpdate() {}
func (*UserName) isUpdate()             {}
func (*UserPhoto) isUpdate()            {}
func (*ReadHistoryOutbox) isUpdate()    {}
func (*Unknown) isUpdate()              {}

// Wire names of the update variants, as sent by the sidecar.
const (
	UpdateTypeShortMessage         = "short_message"
	UpdateTypeShortChatMessage     = "short_chat_message"
	UpdateTypeNewMessage           = "new_message"
	UpdateTypeNewChannelMessage    = "new_channel_message"
	UpdateTypeEditMessage          = "edit_message"
	UpdateTypeEditChannelMessage   = "edit_channel_message"
	UpdateTypeUserTyping           = "user_typing"
	UpdateTypeChatUserTyping       = "chat_user_typing"
	UpdateTypeUserStatus           = "user_status"
	UpdateTypeChatAdmins           = "chat_admins"
	UpdateTypeChatParticipantAdmin = "chat_participant_admin"
	UpdateTypeChatParticipants     = "chat_participants"
	UpdateTypeChannelPinnedMessage = "channel_pinned_message"
	UpdateTypeUserName             = "user_name"
	UpdateTypeUserPhoto            = "user_photo"
	UpdateTypeReadHistoryOutbox    = "read_history_outbox"
)

// UpdateHandler receives updates from a [Transport] subscription. Calls
// are sequential: the next update is not delivered until the handler
// returns.
type UpdateHandler func(ctx context.Context, update Update)
