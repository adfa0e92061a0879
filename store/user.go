// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// User is a bridged Matrix account and the Telegram account it is
// logged into, if any.
type User struct {
	MXID ref.UserID

	// TelegramID is zero until the user logs in.
	TelegramID int64
	Username   string
	Phone      string

	ManagementRoom ref.RoomID
}

const userColumns = "mxid, tgid, tg_username, tg_phone, management_room"

func scanUser(stmt *sqlite.Stmt) (*User, error) {
	user := &User{
		TelegramID: stmt.ColumnInt64(1),
		Username:   stmt.ColumnText(2),
		Phone:      stmt.ColumnText(3),
	}
	if err := user.MXID.UnmarshalText([]byte(stmt.ColumnText(0))); err != nil {
		return nil, fmt.Errorf("store: user mxid: %w", err)
	}
	if err := user.ManagementRoom.UnmarshalText([]byte(stmt.ColumnText(4))); err != nil {
		return nil, fmt.Errorf("store: user %s management_room: %w", user.MXID, err)
	}
	return user, nil
}

// GetUser returns the user record of a Matrix account.
func (s *Store) GetUser(ctx context.Context, mxid ref.UserID) (*User, error) {
	user, err := queryOne(ctx, s, "SELECT "+userColumns+" FROM user WHERE mxid = ?",
		[]any{mxid.String()}, scanUser)
	if err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", mxid, err)
	}
	return user, nil
}

// GetUserByTelegramID returns the user logged into a Telegram account.
func (s *Store) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	if telegramID == 0 {
		return nil, nil
	}
	user, err := queryOne(ctx, s, "SELECT "+userColumns+" FROM user WHERE tgid = ?",
		[]any{telegramID}, scanUser)
	if err != nil {
		return nil, fmt.Errorf("store: get user by telegram id %d: %w", telegramID, err)
	}
	return user, nil
}

// Users returns every user record, ordered by Matrix id.
func (s *Store) Users(ctx context.Context) ([]*User, error) {
	users, err := queryAll(ctx, s, "SELECT "+userColumns+" FROM user ORDER BY mxid", nil, scanUser)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

// SaveUser inserts or replaces a user record.
func (s *Store) SaveUser(ctx context.Context, user *User) error {
	err := s.execute(ctx, `INSERT INTO user (`+userColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (mxid) DO UPDATE SET
			tgid = excluded.tgid,
			tg_username = excluded.tg_username,
			tg_phone = excluded.tg_phone,
			management_room = excluded.management_room`,
		[]any{
			user.MXID.String(),
			nullableInt(user.TelegramID),
			user.Username,
			user.Phone,
			user.ManagementRoom.String(),
		}, nil)
	if err != nil {
		return fmt.Errorf("store: save user %s: %w", user.MXID, err)
	}
	return nil
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, mxid ref.UserID) error {
	if err := s.execute(ctx, "DELETE FROM user WHERE mxid = ?", []any{mxid.String()}, nil); err != nil {
		return fmt.Errorf("store: delete user %s: %w", mxid, err)
	}
	return nil
}
