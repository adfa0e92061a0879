// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// Event types used by the bridge.
const (
	EventTypeMessage     = "m.room.message"
	EventTypeMember      = "m.room.member"
	EventTypeRoomName    = "m.room.name"
	EventTypePowerLevels = "m.room.power_levels"
	EventTypePinned      = "m.room.pinned_events"
	EventTypeTyping      = "m.typing"
	EventTypeReceipt     = "m.receipt"
	EventTypePresence    = "m.presence"
)

// Presence states.
const (
	PresenceOnline      = "online"
	PresenceOffline     = "offline"
	PresenceUnavailable = "unavailable"
)

// ReceiptTypeRead is the public read receipt type.
const ReceiptTypeRead = "m.read"

// CreateRoomRequest holds parameters for creating a room.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Visibility                string         `json:"visibility,omitempty"` // "public" or "private"
	Preset                    string         `json:"preset,omitempty"`     // "private_chat", "trusted_private_chat", ...
	IsDirect                  bool           `json:"is_direct,omitempty"`
	Invite                    []ref.UserID   `json:"invite,omitempty"`
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// CreateRoomResponse is returned by /createRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent is a state event for room creation.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// MessageContent is the content of an m.room.message event. Format and
// FormattedBody carry the HTML rendering when present.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
}

// RelatesTo expresses a relation to another event. Edits use
// rel_type "m.replace".
type RelatesTo struct {
	RelType   string      `json:"rel_type,omitempty"`
	EventID   ref.EventID `json:"event_id,omitzero"`
	InReplyTo *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// Message types.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	MsgTypeEmote  = "m.emote"
)

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: MsgTypeText, Body: body}
}

// NewNotice creates a plain m.notice message, the type bots use for
// replies.
func NewNotice(body string) MessageContent {
	return MessageContent{MsgType: MsgTypeNotice, Body: body}
}

// NewHTMLNotice creates an m.notice with an HTML rendering.
func NewHTMLNotice(body, html string) MessageContent {
	return MessageContent{
		MsgType:       MsgTypeNotice,
		Body:          body,
		Format:        "org.matrix.custom.html",
		FormattedBody: html,
	}
}

// NewEdit creates an m.replace edit of original carrying the new content.
func NewEdit(original ref.EventID, replacement MessageContent) MessageContent {
	newContent := replacement
	edit := replacement
	edit.Body = "* " + replacement.Body
	if edit.FormattedBody != "" {
		edit.FormattedBody = "* " + replacement.FormattedBody
	}
	edit.NewContent = &newContent
	edit.RelatesTo = &RelatesTo{RelType: "m.replace", EventID: original}
	return edit
}

// Event is a Matrix event from /sync or an appservice transaction.
type Event struct {
	EventID        ref.EventID    `json:"event_id,omitzero"`
	Type           string         `json:"type"`
	Sender         ref.UserID     `json:"sender,omitzero"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitzero"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// SyncOptions controls one /sync request.
type SyncOptions struct {
	Since       string // next_batch from the previous response; empty for the initial sync
	Timeout     int    // long-poll timeout in milliseconds
	SetTimeout  bool   // send Timeout even when it is zero
	Filter      string // filter ID or inline JSON
	SetPresence string // "offline" keeps the long-poll from marking the user online
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	Presence  PresenceSection `json:"presence,omitzero"`
	Rooms     RoomsSection    `json:"rooms"`
}

// PresenceSection contains presence events.
type PresenceSection struct {
	Events []PresenceEvent `json:"events"`
}

// PresenceEvent is a single m.presence event.
type PresenceEvent struct {
	Type    string               `json:"type"`
	Sender  ref.UserID           `json:"sender"`
	Content PresenceEventContent `json:"content"`
}

// PresenceEventContent carries one user's presence state.
type PresenceEventContent struct {
	Presence        string `json:"presence"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`
}

// SetPresenceRequest is the body of PUT /presence/{userId}/status.
type SetPresenceRequest struct {
	Presence  string `json:"presence"`
	StatusMsg string `json:"status_msg,omitempty"`
}

// RoomsSection contains per-room sync data keyed by room ID.
type RoomsSection struct {
	Join map[ref.RoomID]JoinedRoom `json:"join,omitempty"`
}

// JoinedRoom contains sync data for a joined room.
type JoinedRoom struct {
	Timeline  TimelineSection  `json:"timeline"`
	State     StateSection     `json:"state"`
	Ephemeral EphemeralSection `json:"ephemeral"`
}

// TimelineSection contains timeline events.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events.
type StateSection struct {
	Events []Event `json:"events"`
}

// EphemeralSection contains typing and receipt events.
type EphemeralSection struct {
	Events []Event `json:"events"`
}

// Filter is a /sync filter definition.
type Filter struct {
	Room        *RoomFilter  `json:"room,omitempty"`
	Presence    *EventFilter `json:"presence,omitempty"`
	AccountData *EventFilter `json:"account_data,omitempty"`
}

// RoomFilter filters the rooms section.
type RoomFilter struct {
	IncludeLeave bool         `json:"include_leave"`
	State        *EventFilter `json:"state,omitempty"`
	Timeline     *EventFilter `json:"timeline,omitempty"`
	Ephemeral    *EventFilter `json:"ephemeral,omitempty"`
	AccountData  *EventFilter `json:"account_data,omitempty"`
}

// EventFilter restricts events by type and sender. A non-nil empty
// Types list excludes every event.
type EventFilter struct {
	Types   []string     `json:"types"`
	Senders []ref.UserID `json:"senders,omitempty"`
}

// CreateFilterResponse is returned by the filter endpoint.
type CreateFilterResponse struct {
	FilterID string `json:"filter_id"`
}

// TypingRequest is the body of PUT /rooms/{roomId}/typing/{userId}.
type TypingRequest struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout,omitempty"`
}

// PowerLevels is the content of m.room.power_levels.
type PowerLevels struct {
	Users         map[ref.UserID]int `json:"users,omitempty"`
	UsersDefault  int                `json:"users_default"`
	Events        map[string]int     `json:"events,omitempty"`
	EventsDefault int                `json:"events_default"`
	StateDefault  int                `json:"state_default"`
	Ban           int                `json:"ban"`
	Kick          int                `json:"kick"`
	Redact        int                `json:"redact"`
	Invite        int                `json:"invite"`
}

// UserLevel returns userID's power level.
func (p PowerLevels) UserLevel(userID ref.UserID) int {
	if level, ok := p.Users[userID]; ok {
		return level
	}
	return p.UsersDefault
}

// SetUserLevel sets userID's level, deleting the entry when it equals
// the default. Reports whether anything changed.
func (p *PowerLevels) SetUserLevel(userID ref.UserID, level int) bool {
	if p.UserLevel(userID) == level {
		return false
	}
	if level == p.UsersDefault {
		delete(p.Users, userID)
		return true
	}
	if p.Users == nil {
		p.Users = make(map[ref.UserID]int)
	}
	p.Users[userID] = level
	return true
}

// PinnedEvents is the content of m.room.pinned_events.
type PinnedEvents struct {
	Pinned []ref.EventID `json:"pinned"`
}

// RoomName is the content of m.room.name.
type RoomName struct {
	Name string `json:"name"`
}

// InviteRequest holds the user to invite to a room.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// SendEventResponse is returned by the send and state endpoints.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by /account/whoami.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// UploadResponse is returned by the media upload endpoint.
type UploadResponse struct {
	ContentURI ref.ContentURI `json:"content_uri"`
}

// JoinedRoomsResponse is returned by /joined_rooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// JoinedMembersResponse is returned by /rooms/{roomId}/joined_members.
// Profiles are keyed by user id; the bridge only needs the keys.
type JoinedMembersResponse struct {
	Joined map[ref.UserID]struct{} `json:"joined"`
}
