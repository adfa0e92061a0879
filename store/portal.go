// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// Portal maps a Telegram conversation to its Matrix room.
type Portal struct {
	// TelegramID is the peer id: the counterpart for direct chats, the
	// chat or channel id otherwise.
	TelegramID int64

	// Receiver scopes direct chats to the session that owns them. Zero
	// for groups and channels.
	Receiver int64

	// PeerType is "user", "chat", or "channel".
	PeerType string

	// MXID is zero until the Matrix room is created.
	MXID  ref.RoomID
	Title string
}

const portalColumns = "tgid, tg_receiver, peer_type, mxid, title"

func scanPortal(stmt *sqlite.Stmt) (*Portal, error) {
	portal := &Portal{
		TelegramID: stmt.ColumnInt64(0),
		Receiver:   stmt.ColumnInt64(1),
		PeerType:   stmt.ColumnText(2),
		Title:      stmt.ColumnText(4),
	}
	if err := portal.MXID.UnmarshalText([]byte(stmt.ColumnText(3))); err != nil {
		return nil, fmt.Errorf("store: portal %d/%d mxid: %w", portal.TelegramID, portal.Receiver, err)
	}
	return portal, nil
}

// GetPortal returns the portal for a Telegram peer and receiver.
func (s *Store) GetPortal(ctx context.Context, telegramID, receiver int64) (*Portal, error) {
	portal, err := queryOne(ctx, s, "SELECT "+portalColumns+" FROM portal WHERE tgid = ? AND tg_receiver = ?",
		[]any{telegramID, receiver}, scanPortal)
	if err != nil {
		return nil, fmt.Errorf("store: get portal %d/%d: %w", telegramID, receiver, err)
	}
	return portal, nil
}

// GetPortalByMXID returns the portal bridged to a Matrix room.
func (s *Store) GetPortalByMXID(ctx context.Context, roomID ref.RoomID) (*Portal, error) {
	portal, err := queryOne(ctx, s, "SELECT "+portalColumns+" FROM portal WHERE mxid = ?",
		[]any{roomID.String()}, scanPortal)
	if err != nil {
		return nil, fmt.Errorf("store: get portal by mxid %s: %w", roomID, err)
	}
	return portal, nil
}

// SavePortal inserts or replaces a portal record.
func (s *Store) SavePortal(ctx context.Context, portal *Portal) error {
	err := s.execute(ctx, `INSERT INTO portal (`+portalColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tgid, tg_receiver) DO UPDATE SET
			peer_type = excluded.peer_type,
			mxid = excluded.mxid,
			title = excluded.title`,
		[]any{
			portal.TelegramID,
			portal.Receiver,
			portal.PeerType,
			nullableText(portal.MXID.String()),
			portal.Title,
		}, nil)
	if err != nil {
		return fmt.Errorf("store: save portal %d/%d: %w", portal.TelegramID, portal.Receiver, err)
	}
	return nil
}

// DeletePortal removes a portal record.
func (s *Store) DeletePortal(ctx context.Context, telegramID, receiver int64) error {
	err := s.execute(ctx, "DELETE FROM portal WHERE tgid = ? AND tg_receiver = ?",
		[]any{telegramID, receiver}, nil)
	if err != nil {
		return fmt.Errorf("store: delete portal %d/%d: %w", telegramID, receiver, err)
	}
	return nil
}
