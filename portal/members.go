// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"slices"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// Power levels of Telegram roles. The bridge bot creates every room at
// 100 and stays above the creator.
const (
	levelMember  = 0
	levelAdmin   = 50
	levelCreator = 95
)

// updatePowerLevels applies change to the room's power levels and
// writes them back when change reports a difference.
func (p *Portal) updatePowerLevels(ctx context.Context, roomID ref.RoomID, change func(*messaging.PowerLevels) bool) error {
	p.operation.Lock()
	defer p.operation.Unlock()

	levels, err := messaging.GetState[messaging.PowerLevels](ctx, p.manager.bot, roomID, messaging.EventTypePowerLevels, "")
	if err != nil {
		return fmt.Errorf("portal: %w", err)
	}
	if !change(&levels) {
		return nil
	}
	if _, err := p.manager.bot.SendStateEvent(ctx, roomID, messaging.EventTypePowerLevels, "", levels); err != nil {
		return fmt.Errorf("portal: writing power levels of %s: %w", roomID, err)
	}
	return nil
}

// SetAdminsEnabled switches a basic group between "everyone is an
// admin" and "only admins may edit". Repeating the current setting
// leaves the room untouched.
func (p *Portal) SetAdminsEnabled(ctx context.Context, enabled bool) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		return nil
	}
	level := levelAdmin
	if enabled {
		level = levelMember
	}
	return p.updatePowerLevels(ctx, roomID, func(levels *messaging.PowerLevels) bool {
		if levels.UsersDefault == level {
			return false
		}
		levels.UsersDefault = level
		return true
	})
}

// SetAdmin promotes or demotes user. Granting a level the user already
// has leaves the room untouched.
func (p *Portal) SetAdmin(ctx context.Context, user *puppet.Puppet, admin bool) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		return nil
	}
	level := levelMember
	if admin {
		level = levelAdmin
	}
	userID := user.MXID()
	return p.updatePowerLevels(ctx, roomID, func(levels *messaging.PowerLevels) bool {
		return levels.SetUserLevel(userID, level)
	})
}

// ReplaceParticipants makes the room's puppets match a full member
// snapshot: missing members join, members no longer listed leave, and
// power levels follow admin and creator flags. Snapshots for a chat
// with no room are dropped.
func (p *Portal) ReplaceParticipants(ctx context.Context, source *session.Session, participants []telegram.Participant) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		p.logger.Debug("dropping participant snapshot for chat without room", "participants", len(participants))
		return nil
	}

	present := make(map[telegram.UserID]bool, len(participants))
	levels := make(map[ref.UserID]int, len(participants))
	for _, participant := range participants {
		present[participant.UserID] = true
		user, err := p.manager.registry.Get(ctx, participant.UserID, true)
		if err != nil {
			return fmt.Errorf("portal: loading participant %d: %w", participant.UserID, err)
		}
		intent, release, err := p.intentFor(ctx, roomID, user)
		if err != nil {
			return err
		}
		userID := intent.UserID()
		release()
		switch {
		case participant.Creator:
			levels[userID] = levelCreator
		case participant.Admin:
			levels[userID] = levelAdmin
		default:
			levels[userID] = levelMember
		}
	}

	err := p.updatePowerLevels(ctx, roomID, func(current *messaging.PowerLevels) bool {
		changed := false
		for userID, level := range levels {
			if current.SetUserLevel(userID, level) {
				changed = true
			}
		}
		return changed
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	var gone []telegram.UserID
	for _, id := range p.joined {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	p.mu.Unlock()
	slices.Sort(gone)
	for _, id := range gone {
		user, err := p.manager.registry.Get(ctx, id, true)
		if err != nil {
			return fmt.Errorf("portal: loading departed participant %d: %w", id, err)
		}
		if err := p.leave(ctx, roomID, user); err != nil {
			return err
		}
	}
	return nil
}

// HandlePin makes messageID the room's only pinned event. Zero clears
// the pins; an unbridged message leaves them unchanged.
func (p *Portal) HandlePin(ctx context.Context, source *session.Session, messageID int) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		return nil
	}
	pinned := []ref.EventID{}
	if messageID != 0 {
		message, err := p.manager.store.GetMessage(ctx, int64(messageID), p.space(source))
		if err != nil {
			return fmt.Errorf("portal: loading pinned message %d: %w", messageID, err)
		}
		if message == nil {
			p.logger.Debug("ignoring pin of unbridged message", "message_id", messageID)
			return nil
		}
		pinned = append(pinned, message.MXID)
	}

	p.operation.Lock()
	defer p.operation.Unlock()
	current, err := messaging.GetState[messaging.PinnedEvents](ctx, p.manager.bot, roomID, messaging.EventTypePinned, "")
	if err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		return fmt.Errorf("portal: %w", err)
	}
	if slices.Equal(current.Pinned, pinned) {
		return nil
	}
	if _, err := p.manager.bot.SendStateEvent(ctx, roomID, messaging.EventTypePinned, "", messaging.PinnedEvents{Pinned: pinned}); err != nil {
		return fmt.Errorf("portal: writing pins of %s: %w", roomID, err)
	}
	return nil
}
