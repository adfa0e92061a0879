// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
)

// HandleEphemeral relays typing and read receipts a custom puppet's
// sync loop saw to the Telegram account the puppet belongs to.
func (m *Manager) HandleEphemeral(ctx context.Context, source *puppet.Puppet, event messaging.Event) error {
	user := m.sessions.ByTelegramID(source.ID())
	if user == nil || !user.Connected() {
		return nil
	}
	portal, err := m.ByRoomID(ctx, event.RoomID)
	if err != nil || portal == nil {
		return err
	}
	mxid := source.MXID()
	switch event.Type {
	case messaging.EventTypeTyping:
		return portal.relayTyping(ctx, user, mxid, slices.Contains(typingUsers(event), mxid))
	case messaging.EventTypeReceipt:
		for _, receipt := range readReceipts(event) {
			if receipt.reader == mxid {
				return portal.relayReceipt(ctx, user, receipt.eventID)
			}
		}
	}
	return nil
}

// HandlePresence relays a custom puppet's presence to its Telegram
// account.
func (m *Manager) HandlePresence(ctx context.Context, source *puppet.Puppet, event messaging.PresenceEvent) error {
	user := m.sessions.ByTelegramID(source.ID())
	if user == nil || !user.Connected() {
		return nil
	}
	online := event.Content.Presence == messaging.PresenceOnline
	if err := user.Transport().SetOnline(ctx, online); err != nil {
		return fmt.Errorf("portal: relaying presence of %s: %w", user.MXID(), err)
	}
	return nil
}

// HandleMatrixEphemeral relays typing and read receipts of bridged
// Matrix users from an appservice transaction. Puppets and users
// without a session are ignored. A failure for one user is logged and
// does not stop the others; the failures are returned joined.
func (m *Manager) HandleMatrixEphemeral(ctx context.Context, event messaging.Event) error {
	portal, err := m.ByRoomID(ctx, event.RoomID)
	if err != nil || portal == nil {
		return err
	}
	var errs []error
	relay := func(userID ref.UserID, send func(*session.Session) error) {
		user, err := m.bridgedUser(ctx, userID)
		if err == nil && user != nil {
			err = send(user)
		}
		if err != nil {
			m.logger.Warn("failed to relay ephemeral event",
				"type", event.Type, "room_id", event.RoomID, "user_id", userID, "error", err)
			errs = append(errs, err)
		}
	}
	switch event.Type {
	case messaging.EventTypeTyping:
		typing := make(map[ref.UserID]bool)
		for _, userID := range typingUsers(event) {
			typing[userID] = true
		}
		// Users not listed anymore stopped typing.
		for _, userID := range portal.typingUsers() {
			typing[userID] = typing[userID]
		}
		for userID, active := range typing {
			relay(userID, func(user *session.Session) error {
				return portal.relayTyping(ctx, user, userID, active)
			})
		}
	case messaging.EventTypeReceipt:
		for _, receipt := range readReceipts(event) {
			relay(receipt.reader, func(user *session.Session) error {
				return portal.relayReceipt(ctx, user, receipt.eventID)
			})
		}
	}
	return errors.Join(errs...)
}

// bridgedUser returns the logged-in session of a real Matrix user, or
// nil.
func (m *Manager) bridgedUser(ctx context.Context, userID ref.UserID) (*session.Session, error) {
	if m.registry.Mapper().IsPuppet(userID) {
		return nil, nil
	}
	user, err := m.sessions.Get(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("portal: loading session of %s: %w", userID, err)
	}
	if user == nil || user.TelegramID() == 0 || !user.Connected() {
		return nil, nil
	}
	return user, nil
}

func (p *Portal) typingUsers() []ref.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]ref.UserID, 0, len(p.typing))
	for userID := range p.typing {
		users = append(users, userID)
	}
	return users
}

// relayTyping sends user's typing state to Telegram when it differs
// from the state last relayed for mxid.
func (p *Portal) relayTyping(ctx context.Context, user *session.Session, mxid ref.UserID, typing bool) error {
	if !p.visibleTo(user) {
		return nil
	}
	p.mu.Lock()
	if p.typing[mxid] == typing {
		p.mu.Unlock()
		return nil
	}
	if typing {
		p.typing[mxid] = true
	} else {
		delete(p.typing, mxid)
	}
	p.mu.Unlock()

	if err := user.Transport().SetTyping(ctx, p.key.Peer, typing); err != nil {
		return fmt.Errorf("portal: relaying typing of %s to %s: %w", mxid, p.key.Peer, err)
	}
	return nil
}

// relayReceipt marks the Telegram message behind eventID read for
// user. Message ids in basic groups are per account, so a receipt for a
// message another account bridged cannot be mapped and is dropped.
func (p *Portal) relayReceipt(ctx context.Context, user *session.Session, eventID ref.EventID) error {
	if !p.visibleTo(user) {
		return nil
	}
	roomID := p.RoomID()
	message, err := p.manager.store.GetMessageByMXID(ctx, eventID, roomID)
	if err != nil {
		return fmt.Errorf("portal: loading message of %s: %w", eventID, err)
	}
	if message == nil || message.Space != p.space(user) {
		return nil
	}
	if err := user.Transport().ReadHistory(ctx, p.key.Peer, int(message.TelegramID)); err != nil {
		return fmt.Errorf("portal: marking %s read up to %d: %w", p.key.Peer, message.TelegramID, err)
	}
	return nil
}

// visibleTo reports whether user's account takes part in the chat. A
// direct chat belongs to one account only.
func (p *Portal) visibleTo(user *session.Session) bool {
	return p.key.Receiver == 0 || p.key.Receiver == user.TelegramID()
}

// typingUsers returns the user ids of an m.typing event.
func typingUsers(event messaging.Event) []ref.UserID {
	raw, _ := event.Content["user_ids"].([]any)
	users := make([]ref.UserID, 0, len(raw))
	for _, entry := range raw {
		value, _ := entry.(string)
		userID, err := ref.ParseUserID(value)
		if err != nil {
			continue
		}
		users = append(users, userID)
	}
	return users
}

type readReceipt struct {
	eventID ref.EventID
	reader  ref.UserID
}

// readReceipts flattens m.receipt content, shaped
// {eventID: {"m.read": {userID: receipt}}}, in event id order.
func readReceipts(event messaging.Event) []readReceipt {
	rawEventIDs := make([]string, 0, len(event.Content))
	for rawEventID := range event.Content {
		rawEventIDs = append(rawEventIDs, rawEventID)
	}
	slices.Sort(rawEventIDs)

	var receipts []readReceipt
	for _, rawEventID := range rawEventIDs {
		eventID, err := ref.ParseEventID(rawEventID)
		if err != nil {
			continue
		}
		byType, _ := event.Content[rawEventID].(map[string]any)
		read, _ := byType[messaging.ReceiptTypeRead].(map[string]any)
		for rawUserID := range read {
			userID, err := ref.ParseUserID(rawUserID)
			if err != nil {
				continue
			}
			receipts = append(receipts, readReceipt{eventID: eventID, reader: userID})
		}
	}
	return receipts
}
