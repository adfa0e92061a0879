// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// Puppet is the persisted state of one Telegram user's Matrix puppet.
// The default Matrix id is derived from ID and never stored.
type Puppet struct {
	ID int64

	// CustomMXID and AccessToken are set together when a real Matrix
	// user has claimed the puppet.
	CustomMXID  ref.UserID
	AccessToken string

	DisplayName string
	// DisplayNameSource is the Telegram id of the session that last
	// set DisplayName, or zero.
	DisplayNameSource int64

	Username  string
	FirstName string
	LastName  string

	PhotoID   string
	AvatarURL ref.ContentURI

	IsBot          bool
	IsRegistered   bool
	DisableUpdates bool
}

const puppetColumns = "id, custom_mxid, access_token, displayname, displayname_source, " +
	"username, first_name, last_name, photo_id, avatar_url, is_bot, is_registered, disable_updates"

func scanPuppet(stmt *sqlite.Stmt) (*Puppet, error) {
	puppet := &Puppet{
		ID:                stmt.ColumnInt64(0),
		AccessToken:       stmt.ColumnText(2),
		DisplayName:       stmt.ColumnText(3),
		DisplayNameSource: stmt.ColumnInt64(4),
		Username:          stmt.ColumnText(5),
		FirstName:         stmt.ColumnText(6),
		LastName:          stmt.ColumnText(7),
		PhotoID:           stmt.ColumnText(8),
		IsBot:             stmt.ColumnInt64(10) != 0,
		IsRegistered:      stmt.ColumnInt64(11) != 0,
		DisableUpdates:    stmt.ColumnInt64(12) != 0,
	}
	if err := puppet.CustomMXID.UnmarshalText([]byte(stmt.ColumnText(1))); err != nil {
		return nil, fmt.Errorf("store: puppet %d: custom_mxid: %w", puppet.ID, err)
	}
	if err := puppet.AvatarURL.UnmarshalText([]byte(stmt.ColumnText(9))); err != nil {
		return nil, fmt.Errorf("store: puppet %d: avatar_url: %w", puppet.ID, err)
	}
	return puppet, nil
}

func (p *Puppet) args() []any {
	return []any{
		p.ID,
		p.CustomMXID.String(),
		p.AccessToken,
		p.DisplayName,
		p.DisplayNameSource,
		p.Username,
		p.FirstName,
		p.LastName,
		p.PhotoID,
		p.AvatarURL.String(),
		boolInt(p.IsBot),
		boolInt(p.IsRegistered),
		boolInt(p.DisableUpdates),
	}
}

// GetPuppet returns the puppet with the given Telegram id.
func (s *Store) GetPuppet(ctx context.Context, id int64) (*Puppet, error) {
	puppet, err := queryOne(ctx, s, "SELECT "+puppetColumns+" FROM puppet WHERE id = ?",
		[]any{id}, scanPuppet)
	if err != nil {
		return nil, fmt.Errorf("store: get puppet %d: %w", id, err)
	}
	return puppet, nil
}

// GetPuppetByCustomMXID returns the puppet claimed by a Matrix user.
func (s *Store) GetPuppetByCustomMXID(ctx context.Context, mxid ref.UserID) (*Puppet, error) {
	if mxid.IsZero() {
		return nil, nil
	}
	puppet, err := queryOne(ctx, s, "SELECT "+puppetColumns+" FROM puppet WHERE custom_mxid = ? LIMIT 1",
		[]any{mxid.String()}, scanPuppet)
	if err != nil {
		return nil, fmt.Errorf("store: get puppet by custom mxid %s: %w", mxid, err)
	}
	return puppet, nil
}

// GetPuppetByUsername returns the puppet with a Telegram username,
// compared case-insensitively.
func (s *Store) GetPuppetByUsername(ctx context.Context, username string) (*Puppet, error) {
	if username == "" {
		return nil, nil
	}
	puppet, err := queryOne(ctx, s, "SELECT "+puppetColumns+" FROM puppet WHERE username = ? LIMIT 1",
		[]any{username}, scanPuppet)
	if err != nil {
		return nil, fmt.Errorf("store: get puppet by username %q: %w", username, err)
	}
	return puppet, nil
}

// GetPuppetByDisplayName returns a puppet whose rendered display name
// matches exactly.
func (s *Store) GetPuppetByDisplayName(ctx context.Context, displayName string) (*Puppet, error) {
	if displayName == "" {
		return nil, nil
	}
	puppet, err := queryOne(ctx, s, "SELECT "+puppetColumns+" FROM puppet WHERE displayname = ? COLLATE BINARY LIMIT 1",
		[]any{displayName}, scanPuppet)
	if err != nil {
		return nil, fmt.Errorf("store: get puppet by displayname %q: %w", displayName, err)
	}
	return puppet, nil
}

// PuppetsWithCustomMXID returns every puppet that has been claimed by a
// Matrix user, ordered by id.
func (s *Store) PuppetsWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	puppets, err := queryAll(ctx, s, "SELECT "+puppetColumns+" FROM puppet WHERE custom_mxid != '' ORDER BY id",
		nil, scanPuppet)
	if err != nil {
		return nil, fmt.Errorf("store: list custom puppets: %w", err)
	}
	return puppets, nil
}

// InsertPuppet inserts a new puppet record.
func (s *Store) InsertPuppet(ctx context.Context, puppet *Puppet) error {
	err := s.execute(ctx, "INSERT INTO puppet ("+puppetColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		puppet.args(), nil)
	if err != nil {
		return fmt.Errorf("store: insert puppet %d: %w", puppet.ID, err)
	}
	return nil
}

// UpdatePuppet overwrites every field of an existing puppet record.
func (s *Store) UpdatePuppet(ctx context.Context, puppet *Puppet) error {
	args := puppet.args()
	// Move id from the front to the WHERE clause.
	args = append(args[1:], args[0])
	err := s.execute(ctx, `UPDATE puppet SET
		custom_mxid = ?, access_token = ?, displayname = ?, displayname_source = ?,
		username = ?, first_name = ?, last_name = ?, photo_id = ?, avatar_url = ?,
		is_bot = ?, is_registered = ?, disable_updates = ?
		WHERE id = ?`, args, nil)
	if err != nil {
		return fmt.Errorf("store: update puppet %d: %w", puppet.ID, err)
	}
	return nil
}

// DeletePuppet removes a puppet record. Deleting a missing record is not
// an error.
func (s *Store) DeletePuppet(ctx context.Context, id int64) error {
	if err := s.execute(ctx, "DELETE FROM puppet WHERE id = ?", []any{id}, nil); err != nil {
		return fmt.Errorf("store: delete puppet %d: %w", id, err)
	}
	return nil
}
