// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"context"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// Store persists puppet records. *store.Store implements it.
type Store interface {
	GetPuppet(ctx context.Context, id int64) (*store.Puppet, error)
	GetPuppetByCustomMXID(ctx context.Context, mxid ref.UserID) (*store.Puppet, error)
	GetPuppetByUsername(ctx context.Context, username string) (*store.Puppet, error)
	GetPuppetByDisplayName(ctx context.Context, displayName string) (*store.Puppet, error)
	PuppetsWithCustomMXID(ctx context.Context) ([]*store.Puppet, error)
	InsertPuppet(ctx context.Context, puppet *store.Puppet) error
	UpdatePuppet(ctx context.Context, puppet *store.Puppet) error
}

// Gateway hands out Matrix sessions. *messaging.AppService implements
// it.
type Gateway interface {
	// PuppetSession returns the appservice session masquerading as
	// userID. The gateway owns it.
	PuppetSession(userID ref.UserID) messaging.Session

	// UserSession returns a session using a real user's access token.
	// The caller owns it.
	UserSession(userID ref.UserID, accessToken string) (messaging.Session, error)
}

// Source is the bridged Telegram session acting on a puppet: the
// origin of a name or photo change and the transport used to fetch
// whatever the change notification left out.
type Source interface {
	TelegramID() telegram.UserID
	Transport() telegram.Transport
}

// EventSink receives the ephemeral events a custom puppet's sync loop
// relays, together with the puppet whose loop saw them. Ephemeral
// events carry their RoomID; a typing event lists at most the puppet's
// own custom user. Calls for one sync batch run concurrently.
type EventSink interface {
	HandleEphemeral(ctx context.Context, source *Puppet, event messaging.Event) error
	HandlePresence(ctx context.Context, source *Puppet, event messaging.PresenceEvent) error
}
