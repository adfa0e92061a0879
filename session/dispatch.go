// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// HandleUpdate routes one Telegram update. It is the session's
// telegram.UpdateHandler; the transport calls it sequentially, so
// updates of one session are handled in arrival order. Failures and
// panics are logged and the update is dropped.
func (s *Session) HandleUpdate(ctx context.Context, update telegram.Update) {
	if err := s.dispatchSafely(ctx, update); err != nil {
		s.logger.Error("failed to handle telegram update",
			"update", fmt.Sprintf("%T", update),
			"error", err,
		)
	}
}

func (s *Session) dispatchSafely(ctx context.Context, update telegram.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.dispatch(ctx, update)
}

func (s *Session) dispatch(ctx context.Context, update telegram.Update) error {
	switch update := update.(type) {
	case *telegram.ShortMessage, *telegram.ShortChatMessage, *telegram.NewMessage, *telegram.EditMessage:
		return s.handleMessage(ctx, update)
	case *telegram.UserTyping:
		return s.handleTyping(ctx, DirectKey(update.UserID, s.TelegramID()), update.UserID, update.Action)
	case *telegram.ChatUserTyping:
		return s.handleTyping(ctx, PeerKey(telegram.ChatPeer(update.ChatID), 0), update.UserID, update.Action)
	case *telegram.UserStatus:
		return s.handleStatus(ctx, update)
	case *telegram.ChatAdmins:
		conversation, err := s.existing(ctx, PeerKey(telegram.ChatPeer(update.ChatID), 0))
		if err != nil || conversation == nil {
			return err
		}
		return conversation.SetAdminsEnabled(ctx, update.Enabled)
	case *telegram.ChatParticipantAdmin:
		conversation, err := s.existing(ctx, PeerKey(telegram.ChatPeer(update.ChatID), 0))
		if err != nil || conversation == nil {
			return err
		}
		user, err := s.puppet(ctx, update.UserID)
		if err != nil {
			return err
		}
		return conversation.SetAdmin(ctx, user, update.IsAdmin)
	case *telegram.ChatParticipants:
		conversation, err := s.existing(ctx, PeerKey(telegram.ChatPeer(update.ChatID), 0))
		if err != nil || conversation == nil {
			return err
		}
		return conversation.ReplaceParticipants(ctx, s, update.Participants)
	case *telegram.ChannelPinnedMessage:
		conversation, err := s.existing(ctx, PeerKey(telegram.ChannelPeer(update.ChannelID), 0))
		if err != nil || conversation == nil {
			return err
		}
		return conversation.HandlePin(ctx, s, update.MessageID)
	case *telegram.UserName:
		return s.handleUserName(ctx, update)
	case *telegram.UserPhoto:
		return s.handleUserPhoto(ctx, update)
	case *telegram.ReadHistoryOutbox:
		return s.handleReadReceipt(ctx, update)
	case *telegram.Unknown:
		s.logger.Debug("unhandled telegram update", "type", update.Type)
		return nil
	default:
		s.logger.Debug("unhandled telegram update", "type", fmt.Sprintf("%T", update))
		return nil
	}
}

// messageDetails is a message update resolved to its target.
type messageDetails struct {
	message *telegram.Message
	sender  telegram.UserID
	key     ConversationKey
	edit    bool
}

// resolveMessage normalizes the four message update shapes. Short
// updates are expanded to a full Message addressed the way Telegram
// would have addressed it.
func (s *Session) resolveMessage(update telegram.Update) (messageDetails, bool) {
	self := s.TelegramID()
	switch update := update.(type) {
	case *telegram.ShortMessage:
		message := &telegram.Message{
			ID:      update.ID,
			FromID:  update.UserID,
			To:      telegram.UserPeer(self),
			Out:     update.Out,
			Text:    update.Text,
			Date:    update.Date,
			ReplyTo: update.ReplyTo,
		}
		if update.Out {
			message.FromID = self
			message.To = telegram.UserPeer(update.UserID)
		}
		return messageDetails{
			message: message,
			sender:  message.FromID,
			key:     DirectKey(update.UserID, self),
		}, true
	case *telegram.ShortChatMessage:
		message := &telegram.Message{
			ID:      update.ID,
			FromID:  update.FromID,
			To:      telegram.ChatPeer(update.ChatID),
			Out:     update.Out,
			Text:    update.Text,
			Date:    update.Date,
			ReplyTo: update.ReplyTo,
		}
		return messageDetails{
			message: message,
			sender:  update.FromID,
			key:     PeerKey(message.To, 0),
		}, true
	case *telegram.NewMessage:
		return s.fullMessage(&update.Message, false), true
	case *telegram.EditMessage:
		return s.fullMessage(&update.Message, true), true
	}
	return messageDetails{}, false
}

func (s *Session) fullMessage(message *telegram.Message, edit bool) messageDetails {
	self := s.TelegramID()
	key := PeerKey(message.To, self)
	if message.To.Kind == telegram.PeerUser && !message.Out {
		key = DirectKey(message.FromID, self)
	}
	return messageDetails{message: message, sender: message.FromID, key: key, edit: edit}
}

func (s *Session) handleMessage(ctx context.Context, update telegram.Update) error {
	details, ok := s.resolveMessage(update)
	if !ok {
		s.logger.Warn("unexpected message update", "update", fmt.Sprintf("%T", update))
		return nil
	}
	conversation, err := s.manager.conversations.Get(ctx, details.key, true)
	if err != nil {
		return fmt.Errorf("session: resolving conversation %s: %w", details.key.Peer, err)
	}
	if conversation == nil {
		return nil
	}
	var sender *puppet.Puppet
	if details.sender != 0 {
		if sender, err = s.puppet(ctx, details.sender); err != nil {
			return err
		}
	}

	message := details.message
	switch {
	case message.Action != nil:
		if message.Action.Type == telegram.ActionChannelMigrateFrom {
			s.logger.Debug("ignoring channel migration action",
				"peer", details.key.Peer,
				"sender", details.sender,
			)
			return nil
		}
		s.logger.Debug("handling telegram action",
			"action", message.Action.Type,
			"peer", details.key.Peer,
			"sender", details.sender,
		)
		return conversation.HandleAction(ctx, s, sender, message)
	case details.edit:
		s.logger.Debug("handling telegram edit",
			"message_id", message.ID,
			"peer", details.key.Peer,
			"sender", details.sender,
		)
		return conversation.HandleEdit(ctx, s, sender, message)
	default:
		s.logger.Debug("handling telegram message",
			"message_id", message.ID,
			"peer", details.key.Peer,
			"sender", details.sender,
		)
		return conversation.HandleMessage(ctx, s, sender, message)
	}
}

func (s *Session) handleTyping(ctx context.Context, key ConversationKey, userID telegram.UserID, action string) error {
	conversation, err := s.manager.conversations.Get(ctx, key, true)
	if err != nil {
		return fmt.Errorf("session: resolving conversation %s: %w", key.Peer, err)
	}
	if conversation == nil {
		return nil
	}
	sender, err := s.puppet(ctx, userID)
	if err != nil {
		return err
	}
	return conversation.HandleTyping(ctx, sender, action != telegram.TypingActionCancel)
}

func (s *Session) handleStatus(ctx context.Context, update *telegram.UserStatus) error {
	var presence string
	switch update.Status {
	case telegram.StatusOnline:
		presence = messaging.PresenceOnline
	case telegram.StatusOffline:
		presence = messaging.PresenceOffline
	default:
		s.logger.Warn("unexpected user status", "user_id", update.UserID, "status", update.Status)
		return nil
	}
	user, err := s.puppet(ctx, update.UserID)
	if err != nil {
		return err
	}
	return user.SetPresence(ctx, presence)
}

func (s *Session) handleUserName(ctx context.Context, update *telegram.UserName) error {
	user, err := s.puppet(ctx, update.UserID)
	if err != nil {
		return err
	}
	if user.UpdateDisplayName(ctx, s, update) {
		return user.Save(ctx)
	}
	return nil
}

func (s *Session) handleUserPhoto(ctx context.Context, update *telegram.UserPhoto) error {
	user, err := s.puppet(ctx, update.UserID)
	if err != nil {
		return err
	}
	if user.UpdateAvatar(ctx, s, update.Photo) {
		return user.Save(ctx)
	}
	return nil
}

// handleReadReceipt mirrors the counterpart of a direct chat reading
// the session's messages. Receipts for groups and channels carry no
// reader and are dropped.
func (s *Session) handleReadReceipt(ctx context.Context, update *telegram.ReadHistoryOutbox) error {
	if update.Peer.Kind != telegram.PeerUser {
		s.logger.Debug("unexpected read receipt peer", "peer", update.Peer)
		return nil
	}
	reader := telegram.UserID(update.Peer.ID)
	conversation, err := s.existing(ctx, DirectKey(reader, s.TelegramID()))
	if err != nil || conversation == nil {
		return err
	}
	user, err := s.puppet(ctx, reader)
	if err != nil {
		return err
	}
	return conversation.MarkRead(ctx, s, user, update.MaxID)
}

// existing returns the conversation for key only when it already has a
// Matrix room.
func (s *Session) existing(ctx context.Context, key ConversationKey) (Conversation, error) {
	conversation, err := s.manager.conversations.Get(ctx, key, false)
	if err != nil {
		return nil, fmt.Errorf("session: resolving conversation %s: %w", key.Peer, err)
	}
	if conversation == nil || conversation.RoomID().IsZero() {
		return nil, nil
	}
	return conversation, nil
}

func (s *Session) puppet(ctx context.Context, id telegram.UserID) (*puppet.Puppet, error) {
	user, err := s.manager.registry.Get(ctx, id, true)
	if err != nil {
		return nil, fmt.Errorf("session: loading puppet %d: %w", id, err)
	}
	return user, nil
}
