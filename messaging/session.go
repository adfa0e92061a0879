// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// Session is the set of Matrix operations a bridged identity performs.
// *DirectSession implements it for both appservice and user sessions;
// tests substitute fakes.
type Session interface {
	// UserID returns the Matrix user the session acts as.
	UserID() ref.UserID

	// Close releases resources held by the session. Idempotent.
	Close() error

	// EnsureRegistered creates the account through the appservice
	// registration flow if needed. No-op for user sessions.
	EnsureRegistered(ctx context.Context) error

	// WhoAmI returns the user the credentials belong to.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error)
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)
	LeaveRoom(ctx context.Context, roomID ref.RoomID) error
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
	JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error)

	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error)
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType string, content any) (ref.EventID, error)
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string, content any) (ref.EventID, error)
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error)

	SetDisplayName(ctx context.Context, displayName string) error
	SetAvatarURL(ctx context.Context, avatar ref.ContentURI) error
	SetPresence(ctx context.Context, presence string) error
	SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error
	SendReceipt(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) error
	UploadMedia(ctx context.Context, contentType string, body io.Reader) (ref.ContentURI, error)

	CreateFilter(ctx context.Context, filter Filter) (string, error)
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
}

var _ Session = (*DirectSession)(nil)

// GetState reads a typed state event from a room:
//
//	levels, err := messaging.GetState[messaging.PowerLevels](ctx, session, roomID, messaging.EventTypePowerLevels, "")
func GetState[T any](ctx context.Context, session Session, roomID ref.RoomID, eventType, stateKey string) (T, error) {
	var zero T
	content, err := session.GetStateEvent(ctx, roomID, eventType, stateKey)
	if err != nil {
		return zero, fmt.Errorf("reading %s[%q] from room %s: %w", eventType, stateKey, roomID, err)
	}
	var result T
	if err := json.Unmarshal(content, &result); err != nil {
		return zero, fmt.Errorf("unmarshaling %s from room %s: %w", eventType, roomID, err)
	}
	return result, nil
}
