// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sidecar

import (
	"fmt"

	"github.com/bureau-foundation/tgbridge/lib/codec"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// updateEnvelope is one frame on a subscribe stream. Update is decoded
// according to Type.
type updateEnvelope struct {
	Type   string           `cbor:"type"`
	Update codec.RawMessage `cbor:"update,omitempty"`
}

type decodeFunc func(data []byte) (telegram.Update, error)

// decoders maps wire type names to their concrete update variants.
// Types missing from the table decode to *telegram.Unknown.
var decoders = map[string]decodeFunc{
	telegram.UpdateTypeShortMessage:         decodeAs[telegram.ShortMessage],
	telegram.UpdateTypeShortChatMessage:     decodeAs[telegram.ShortChatMessage],
	telegram.UpdateTypeNewMessage:           decodeAs[telegram.NewMessage],
	telegram.UpdateTypeEditMessage:          decodeAs[telegram.EditMessage],
	telegram.UpdateTypeUserTyping:           decodeAs[telegram.UserTyping],
	telegram.UpdateTypeChatUserTyping:       decodeAs[telegram.ChatUserTyping],
	telegram.UpdateTypeUserStatus:           decodeAs[telegram.UserStatus],
	telegram.UpdateTypeChatAdmins:           decodeAs[telegram.ChatAdmins],
	telegram.UpdateTypeChatParticipantAdmin: decodeAs[telegram.ChatParticipantAdmin],
	telegram.UpdateTypeChatParticipants:     decodeAs[telegram.ChatParticipants],
	telegram.UpdateTypeChannelPinnedMessage: decodeAs[telegram.ChannelPinnedMessage],
	telegram.UpdateTypeUserName:             decodeAs[telegram.UserName],
	telegram.UpdateTypeUserPhoto:            decodeAs[telegram.UserPhoto],
	telegram.UpdateTypeReadHistoryOutbox:    decodeAs[telegram.ReadHistoryOutbox],

	telegram.UpdateTypeNewChannelMessage: func(data []byte) (telegram.Update, error) {
		var update telegram.NewMessage
		if err := codec.Unmarshal(data, &update); err != nil {
			return nil, err
		}
		update.Channel = true
		return &update, nil
	},
	telegram.UpdateTypeEditChannelMessage: func(data []byte) (telegram.Update, error) {
		var update telegram.EditMessage
		if err := codec.Unmarshal(data, &update); err != nil {
			return nil, err
		}
		update.Channel = true
		return &update, nil
	},
}

// decodeAs decodes data into a fresh T and returns it as an update.
func decodeAs[T any, P interface {
	*T
	telegram.Update
}](data []byte) (telegram.Update, error) {
	var value T
	if err := codec.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return P(&value), nil
}

// decodeUpdate converts an envelope into its update variant.
func decodeUpdate(envelope updateEnvelope) (telegram.Update, error) {
	decode, ok := decoders[envelope.Type]
	if !ok {
		return &telegram.Unknown{Type: envelope.Type}, nil
	}
	if len(envelope.Update) == 0 {
		return nil, fmt.Errorf("sidecar: %s update has no payload", envelope.Type)
	}
	update, err := decode(envelope.Update)
	if err != nil {
		return nil, fmt.Errorf("sidecar: decoding %s update: %w", envelope.Type, err)
	}
	return update, nil
}
