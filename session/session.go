// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// Pending is the state a multi-step command leaves on a session for
// the next message its user sends. Action names the operation for
// messages such as "Login cancelled".
type Pending interface {
	PendingAction() string
}

// Session is one Matrix user's bridge to their Telegram account.
type Session struct {
	manager     *Manager
	mxid        ref.UserID
	whitelisted bool
	transport   telegram.Transport
	logger      *slog.Logger

	// lifecycle serializes Start, Stop, PostLogin and LogOut.
	lifecycle sync.Mutex

	mu             sync.Mutex
	telegramID     telegram.UserID
	username       string
	phone          string
	bot            bool
	managementRoom ref.RoomID
	connected      bool
	pending        Pending
}

var _ puppet.Source = (*Session)(nil)

// MXID returns the Matrix user the session belongs to.
func (s *Session) MXID() ref.UserID { return s.mxid }

// Transport returns the session's Telegram transport.
func (s *Session) Transport() telegram.Transport { return s.transport }

// Whitelisted reports whether the user may use the bridge.
func (s *Session) Whitelisted() bool { return s.whitelisted }

// TelegramID returns the logged-in Telegram user, zero before login.
func (s *Session) TelegramID() telegram.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telegramID
}

// Username returns the Telegram username of the logged-in account.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Phone returns the phone number of the logged-in account.
func (s *Session) Phone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phone
}

// IsBot reports whether the logged-in account is a bot.
func (s *Session) IsBot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot
}

// Connected reports whether the transport is connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// HumanID describes the logged-in account as "@username", "+phone", or
// the numeric id, whichever is known first.
func (s *Session) HumanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return humanID(s.telegramID, s.username, s.phone)
}

func humanID(id telegram.UserID, username, phone string) string {
	switch {
	case username != "":
		return "@" + username
	case phone != "":
		return "+" + phone
	default:
		return fmt.Sprint(id)
	}
}

// ManagementRoom returns the room the user talks to the bridge bot in.
func (s *Session) ManagementRoom() ref.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managementRoom
}

// SetManagementRoom records roomID as the management room and saves
// the session when it changed.
func (s *Session) SetManagementRoom(ctx context.Context, roomID ref.RoomID) error {
	s.mu.Lock()
	if s.managementRoom == roomID {
		s.mu.Unlock()
		return nil
	}
	s.managementRoom = roomID
	s.mu.Unlock()
	return s.save(ctx)
}

// SetPending replaces the session's continuation.
func (s *Session) SetPending(pending Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pending
}

// TakePending returns the session's continuation and clears it.
func (s *Session) TakePending() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

// TakePendingIf clears and returns the session's continuation when
// match accepts it. Otherwise the continuation stays armed and nil is
// returned.
func (s *Session) TakePendingIf(match func(Pending) bool) Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || !match(s.pending) {
		return nil
	}
	pending := s.pending
	s.pending = nil
	return pending
}

// HasPending reports whether a continuation is armed.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// LoggedIn asks the transport whether the session is authorized.
func (s *Session) LoggedIn(ctx context.Context) (bool, error) {
	if !s.Connected() {
		return false, nil
	}
	authorized, err := s.transport.IsAuthorized(ctx)
	if err != nil {
		return false, fmt.Errorf("session: checking authorization of %s: %w", s.mxid, err)
	}
	return authorized, nil
}

// Start subscribes HandleUpdate to the transport and connects it.
// Starting a started session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	s.transport.Subscribe(s.HandleUpdate)
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("session: connecting %s: %w", s.mxid, err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("telegram session connected")
	return nil
}

// EnsureStarted starts a whitelisted session that is not connected.
// Sessions of users outside the whitelist never connect.
func (s *Session) EnsureStarted(ctx context.Context) error {
	if !s.whitelisted {
		return nil
	}
	return s.Start(ctx)
}

// Stop disconnects the transport.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	if !s.Connected() {
		return nil
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	if err := s.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("session: disconnecting %s: %w", s.mxid, err)
	}
	s.logger.Info("telegram session disconnected")
	return nil
}

// PostLogin finalizes a login as user: the session takes the account,
// is indexed under its id, and the account's own puppet is refreshed
// from the profile.
func (s *Session) PostLogin(ctx context.Context, user *telegram.User) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	previous := s.telegramID
	s.telegramID = user.ID
	s.username = user.Username
	s.phone = user.Phone
	s.bot = user.Bot
	s.mu.Unlock()

	s.manager.reindex(s, previous, user.ID)
	if err := s.save(ctx); err != nil {
		return err
	}

	own, err := s.manager.registry.Get(ctx, user.ID, true)
	if err != nil {
		return fmt.Errorf("session: loading own puppet: %w", err)
	}
	if err := own.UpdateInfo(ctx, s, user); err != nil {
		s.logger.Warn("failed to update own puppet", "error", err)
	}
	s.logger.Info("logged in to telegram",
		"telegram_id", user.ID,
		"account", humanID(user.ID, user.Username, user.Phone),
	)
	return nil
}

// RefreshInfo re-reads the logged-in account from Telegram.
func (s *Session) RefreshInfo(ctx context.Context) error {
	me, err := s.transport.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("session: reading own account: %w", err)
	}
	s.mu.Lock()
	changed := s.username != me.Username || s.phone != me.Phone || s.bot != me.Bot
	s.username = me.Username
	s.phone = me.Phone
	s.bot = me.Bot
	s.mu.Unlock()
	if !changed {
		return nil
	}
	return s.save(ctx)
}

// LogOut logs the account out of Telegram, disconnects, and forgets
// the account. The session itself survives for a later login.
func (s *Session) LogOut(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	var logoutErr error
	if s.Connected() {
		if err := s.transport.LogOut(ctx); err != nil {
			logoutErr = fmt.Errorf("session: logging out %s: %w", s.mxid, err)
		}
	}
	if err := s.stopLocked(ctx); err != nil {
		s.logger.Warn("failed to disconnect after logout", "error", err)
	}

	s.mu.Lock()
	previous := s.telegramID
	s.telegramID = 0
	s.username = ""
	s.phone = ""
	s.bot = false
	s.pending = nil
	s.mu.Unlock()

	s.manager.reindex(s, previous, 0)
	if err := s.save(ctx); err != nil {
		return err
	}
	if logoutErr != nil {
		return logoutErr
	}
	s.logger.Info("logged out of telegram", "telegram_id", previous)
	return nil
}

func (s *Session) record() *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &store.User{
		MXID:           s.mxid,
		TelegramID:     int64(s.telegramID),
		Username:       s.username,
		Phone:          s.phone,
		ManagementRoom: s.managementRoom,
	}
}

func (s *Session) save(ctx context.Context) error {
	if err := s.manager.store.SaveUser(ctx, s.record()); err != nil {
		return fmt.Errorf("session: saving %s: %w", s.mxid, err)
	}
	return nil
}
