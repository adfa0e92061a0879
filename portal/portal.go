// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// typingTimeout bounds a relayed typing notification. Telegram repeats
// typing updates every few seconds while the user keeps typing.
const typingTimeout = 5 * time.Second

// Portal is one bridged Telegram conversation.
type Portal struct {
	manager *Manager
	key     session.ConversationKey
	logger  *slog.Logger
	recent  dedup

	// operation serializes room creation and read-modify-write of room
	// state.
	operation sync.Mutex

	mu     sync.Mutex
	roomID ref.RoomID
	title  string

	// joined maps the Matrix users known to be in the room to the
	// Telegram user they stand for.
	joined map[ref.UserID]telegram.UserID

	// typing holds the Matrix users whose typing was last relayed to
	// Telegram as active.
	typing map[ref.UserID]bool
}

var _ session.Conversation = (*Portal)(nil)

// Key returns the conversation the portal bridges.
func (p *Portal) Key() session.ConversationKey { return p.key }

// RoomID returns the Matrix room, or the zero RoomID before the room
// is created.
func (p *Portal) RoomID() ref.RoomID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

// Title returns the last known chat title.
func (p *Portal) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *Portal) record() *store.Portal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &store.Portal{
		TelegramID: p.key.Peer.ID,
		Receiver:   int64(p.key.Receiver),
		PeerType:   string(p.key.Peer.Kind),
		MXID:       p.roomID,
		Title:      p.title,
	}
}

func (p *Portal) save(ctx context.Context) error {
	if err := p.manager.store.SavePortal(ctx, p.record()); err != nil {
		return fmt.Errorf("portal: saving %s: %w", p.key.Peer, err)
	}
	return nil
}

// space is the scope Telegram message ids are unique in, as seen by
// source.
func (p *Portal) space(source *session.Session) int64 {
	if p.key.Peer.Kind == telegram.PeerChannel {
		return p.key.Peer.ID
	}
	return int64(source.TelegramID())
}

// ensureRoom returns the portal's room, creating it on first use. The
// bot creates the room and invites source's Matrix user; a direct
// chat's counterpart puppet joins right away.
func (p *Portal) ensureRoom(ctx context.Context, source *session.Session) (ref.RoomID, error) {
	p.operation.Lock()
	defer p.operation.Unlock()

	if roomID := p.RoomID(); !roomID.IsZero() {
		return roomID, nil
	}

	request := messaging.CreateRoomRequest{
		Name:     p.Title(),
		Preset:   "private_chat",
		IsDirect: p.key.Peer.Kind == telegram.PeerUser,
		Invite:   []ref.UserID{source.MXID()},
	}
	roomID, err := p.manager.bot.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("portal: creating room for %s: %w", p.key.Peer, err)
	}
	p.mu.Lock()
	p.roomID = roomID
	p.mu.Unlock()
	p.manager.indexRoom(p, roomID)
	if err := p.save(ctx); err != nil {
		return ref.RoomID{}, err
	}
	p.logger.Info("created portal room", "room_id", roomID, "user_id", source.MXID())

	if p.key.Peer.Kind == telegram.PeerUser {
		counterpart, err := p.manager.registry.Get(ctx, telegram.UserID(p.key.Peer.ID), true)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("portal: loading counterpart of %s: %w", p.key.Peer, err)
		}
		if err := p.join(ctx, roomID, counterpart); err != nil {
			return ref.RoomID{}, err
		}
	}
	return roomID, nil
}

// intentFor returns the Matrix session sender acts through in roomID,
// joining it to the room if it is not known to be there. A nil sender
// acts as the bridge bot. The caller must call release once done with
// the session.
func (p *Portal) intentFor(ctx context.Context, roomID ref.RoomID, sender *puppet.Puppet) (intent messaging.Session, release func(), err error) {
	if sender == nil {
		return p.manager.bot, func() {}, nil
	}
	intent, release, err = sender.Intent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("portal: intent of %d: %w", sender.ID(), err)
	}
	userID := intent.UserID()

	p.mu.Lock()
	_, joined := p.joined[userID]
	p.mu.Unlock()
	if joined {
		return intent, release, nil
	}

	// Users already in the room make the invite fail; the join decides.
	if err := p.manager.bot.InviteUser(ctx, roomID, userID); err != nil {
		p.logger.Debug("invite failed, joining anyway", "user_id", userID, "error", err)
	}
	if _, err := intent.JoinRoom(ctx, roomID); err != nil {
		release()
		return nil, nil, fmt.Errorf("portal: joining %s to %s: %w", userID, roomID, err)
	}
	p.mu.Lock()
	p.joined[userID] = sender.ID()
	p.mu.Unlock()
	return intent, release, nil
}

// join makes sure user's Matrix identity is in the room.
func (p *Portal) join(ctx context.Context, roomID ref.RoomID, user *puppet.Puppet) error {
	_, release, err := p.intentFor(ctx, roomID, user)
	if err != nil {
		return err
	}
	release()
	return nil
}

// leave makes user's Matrix identity leave the room.
func (p *Portal) leave(ctx context.Context, roomID ref.RoomID, user *puppet.Puppet) error {
	intent, release, err := user.Intent(ctx)
	if err != nil {
		return fmt.Errorf("portal: intent of %d: %w", user.ID(), err)
	}
	defer release()
	if err := intent.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("portal: removing %s from %s: %w", intent.UserID(), roomID, err)
	}
	p.mu.Lock()
	delete(p.joined, intent.UserID())
	p.mu.Unlock()
	return nil
}

// seen reports whether another session already delivered this message
// to a shared chat. Direct chats are never shared.
func (p *Portal) seen(edit bool, message *telegram.Message) (fingerprint, bool) {
	sum := fingerprintMessage(edit, message)
	if p.key.Peer.Kind == telegram.PeerUser {
		return sum, false
	}
	return sum, p.recent.check(sum)
}

// HandleMessage delivers a text message to the room, creating the room
// if needed, and records the event mapping. Messages without text are
// not bridged.
func (p *Portal) HandleMessage(ctx context.Context, source *session.Session, sender *puppet.Puppet, message *telegram.Message) error {
	if message.Text == "" {
		p.logger.Debug("skipping message without text", "message_id", message.ID)
		return nil
	}
	sum, duplicate := p.seen(false, message)
	if duplicate {
		p.logger.Debug("skipping duplicate message", "message_id", message.ID)
		return nil
	}
	if err := p.deliver(ctx, source, sender, message); err != nil {
		p.recent.forget(sum)
		return err
	}
	return nil
}

func (p *Portal) deliver(ctx context.Context, source *session.Session, sender *puppet.Puppet, message *telegram.Message) error {
	roomID, err := p.ensureRoom(ctx, source)
	if err != nil {
		return err
	}
	intent, release, err := p.intentFor(ctx, roomID, sender)
	if err != nil {
		return err
	}
	defer release()

	space := p.space(source)
	content := messaging.NewTextMessage(message.Text)
	if message.ReplyTo != 0 {
		original, err := p.manager.store.GetMessage(ctx, int64(message.ReplyTo), space)
		if err != nil {
			return fmt.Errorf("portal: loading reply target %d: %w", message.ReplyTo, err)
		}
		if original != nil {
			content.RelatesTo = &messaging.RelatesTo{InReplyTo: &messaging.InReplyTo{EventID: original.MXID}}
		}
	}

	eventID, err := intent.SendMessage(ctx, roomID, content)
	if err != nil {
		return fmt.Errorf("portal: sending message %d to %s: %w", message.ID, roomID, err)
	}
	mapping := &store.Message{
		TelegramID: int64(message.ID),
		Space:      space,
		MXID:       eventID,
		RoomID:     roomID,
	}
	if err := p.manager.store.InsertMessage(ctx, mapping); err != nil {
		return fmt.Errorf("portal: recording message %d: %w", message.ID, err)
	}
	return nil
}

// HandleEdit sends an m.replace edit of the event a message was bridged
// as. Edits of messages that were never bridged are dropped.
func (p *Portal) HandleEdit(ctx context.Context, source *session.Session, sender *puppet.Puppet, message *telegram.Message) error {
	roomID := p.RoomID()
	if roomID.IsZero() || message.Text == "" {
		return nil
	}
	original, err := p.manager.store.GetMessage(ctx, int64(message.ID), p.space(source))
	if err != nil {
		return fmt.Errorf("portal: loading edited message %d: %w", message.ID, err)
	}
	if original == nil {
		p.logger.Debug("dropping edit of unknown message", "message_id", message.ID)
		return nil
	}
	sum, duplicate := p.seen(true, message)
	if duplicate {
		return nil
	}
	intent, release, err := p.intentFor(ctx, roomID, sender)
	if err != nil {
		p.recent.forget(sum)
		return err
	}
	defer release()
	edit := messaging.NewEdit(original.MXID, messaging.NewTextMessage(message.Text))
	if _, err := intent.SendMessage(ctx, roomID, edit); err != nil {
		p.recent.forget(sum)
		return fmt.Errorf("portal: sending edit of %d to %s: %w", message.ID, roomID, err)
	}
	return nil
}

// HandleAction applies a service message to the room.
func (p *Portal) HandleAction(ctx context.Context, source *session.Session, sender *puppet.Puppet, message *telegram.Message) error {
	action := message.Action
	switch action.Type {
	case telegram.ActionChatCreate:
		p.mu.Lock()
		p.title = action.Title
		p.mu.Unlock()
		roomID, err := p.ensureRoom(ctx, source)
		if err != nil {
			return err
		}
		if err := p.join(ctx, roomID, sender); err != nil {
			return err
		}
		return p.addUsers(ctx, roomID, action.Users)

	case telegram.ActionChatEditTitle:
		return p.setTitle(ctx, action.Title)

	case telegram.ActionChatAddUser:
		roomID, err := p.ensureRoom(ctx, source)
		if err != nil {
			return err
		}
		return p.addUsers(ctx, roomID, action.Users)

	case telegram.ActionChatJoinedByLink:
		if sender == nil {
			return nil
		}
		roomID, err := p.ensureRoom(ctx, source)
		if err != nil {
			return err
		}
		return p.join(ctx, roomID, sender)

	case telegram.ActionChatDeleteUser:
		roomID := p.RoomID()
		if roomID.IsZero() {
			return nil
		}
		for _, id := range action.Users {
			user, err := p.manager.registry.Get(ctx, id, true)
			if err != nil {
				return fmt.Errorf("portal: loading removed user %d: %w", id, err)
			}
			if err := p.leave(ctx, roomID, user); err != nil {
				return err
			}
		}
		return nil

	case telegram.ActionPinMessage:
		return p.HandlePin(ctx, source, message.ReplyTo)

	default:
		p.logger.Debug("ignoring service message", "action", action.Type)
		return nil
	}
}

func (p *Portal) addUsers(ctx context.Context, roomID ref.RoomID, ids []telegram.UserID) error {
	for _, id := range ids {
		user, err := p.manager.registry.Get(ctx, id, true)
		if err != nil {
			return fmt.Errorf("portal: loading added user %d: %w", id, err)
		}
		if err := p.join(ctx, roomID, user); err != nil {
			return err
		}
	}
	return nil
}

// setTitle records a new title and renames the room if it exists.
func (p *Portal) setTitle(ctx context.Context, title string) error {
	p.mu.Lock()
	if p.title == title {
		p.mu.Unlock()
		return nil
	}
	p.title = title
	roomID := p.roomID
	p.mu.Unlock()

	if err := p.save(ctx); err != nil {
		return err
	}
	if roomID.IsZero() {
		return nil
	}
	if _, err := p.manager.bot.SendStateEvent(ctx, roomID, messaging.EventTypeRoomName, "", messaging.RoomName{Name: title}); err != nil {
		return fmt.Errorf("portal: renaming %s: %w", roomID, err)
	}
	return nil
}

// HandleTyping shows sender typing in the room. Typing in a chat with no
// room yet is dropped.
func (p *Portal) HandleTyping(ctx context.Context, sender *puppet.Puppet, typing bool) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		return nil
	}
	intent, release, err := p.intentFor(ctx, roomID, sender)
	if err != nil {
		return err
	}
	defer release()
	if err := intent.SetTyping(ctx, roomID, typing, typingTimeout); err != nil {
		return fmt.Errorf("portal: setting typing in %s: %w", roomID, err)
	}
	return nil
}

// MarkRead sends reader's read receipt for a bridged message.
func (p *Portal) MarkRead(ctx context.Context, source *session.Session, reader *puppet.Puppet, messageID int) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		return nil
	}
	message, err := p.manager.store.GetMessage(ctx, int64(messageID), p.space(source))
	if err != nil {
		return fmt.Errorf("portal: loading read message %d: %w", messageID, err)
	}
	if message == nil {
		return nil
	}
	intent, release, err := p.intentFor(ctx, roomID, reader)
	if err != nil {
		return err
	}
	defer release()
	if err := intent.SendReceipt(ctx, roomID, message.MXID); err != nil {
		return fmt.Errorf("portal: sending receipt in %s: %w", roomID, err)
	}
	return nil
}
