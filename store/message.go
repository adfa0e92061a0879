// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// Message maps a Telegram message to the Matrix event it was bridged as.
//
// Telegram message ids are unique per account for users and basic
// groups, and per channel for channels. Space is the scope the id is
// unique in: the receiving session's Telegram id, or the channel id.
type Message struct {
	TelegramID int64
	Space      int64
	MXID       ref.EventID
	RoomID     ref.RoomID
}

func scanMessage(stmt *sqlite.Stmt) (*Message, error) {
	message := &Message{
		TelegramID: stmt.ColumnInt64(0),
		Space:      stmt.ColumnInt64(1),
	}
	if err := message.MXID.UnmarshalText([]byte(stmt.ColumnText(2))); err != nil {
		return nil, fmt.Errorf("store: message %d/%d mxid: %w", message.TelegramID, message.Space, err)
	}
	if err := message.RoomID.UnmarshalText([]byte(stmt.ColumnText(3))); err != nil {
		return nil, fmt.Errorf("store: message %d/%d room: %w", message.TelegramID, message.Space, err)
	}
	return message, nil
}

// GetMessage returns the mapping of a Telegram message.
func (s *Store) GetMessage(ctx context.Context, telegramID, space int64) (*Message, error) {
	message, err := queryOne(ctx, s, "SELECT tgid, tg_space, mxid, mx_room FROM message WHERE tgid = ? AND tg_space = ?",
		[]any{telegramID, space}, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("store: get message %d/%d: %w", telegramID, space, err)
	}
	return message, nil
}

// GetMessageByMXID returns the mapping of a Matrix event.
func (s *Store) GetMessageByMXID(ctx context.Context, eventID ref.EventID, roomID ref.RoomID) (*Message, error) {
	message, err := queryOne(ctx, s, "SELECT tgid, tg_space, mxid, mx_room FROM message WHERE mxid = ? AND mx_room = ?",
		[]any{eventID.String(), roomID.String()}, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("store: get message by mxid %s: %w", eventID, err)
	}
	return message, nil
}

// InsertMessage records a message mapping. Re-inserting the same
// Telegram message keeps the first mapping.
func (s *Store) InsertMessage(ctx context.Context, message *Message) error {
	err := s.execute(ctx, `INSERT INTO message (tgid, tg_space, mxid, mx_room) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		[]any{message.TelegramID, message.Space, message.MXID.String(), message.RoomID.String()}, nil)
	if err != nil {
		return fmt.Errorf("store: insert message %d/%d: %w", message.TelegramID, message.Space, err)
	}
	return nil
}
