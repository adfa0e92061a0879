// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

var (
	// ErrInvalidAccessToken means the access token did not verify.
	ErrInvalidAccessToken = errors.New("puppet: invalid access token")

	// ErrOnlyLoginSelf means the access token belongs to a different
	// Matrix user than the one requested.
	ErrOnlyLoginSelf = errors.New("puppet: access token belongs to another user")
)

// Puppet is the Matrix side of one Telegram user. Obtain puppets from a
// Registry; never construct them directly.
type Puppet struct {
	registry *Registry
	id       telegram.UserID
	logger   *slog.Logger

	// operation serializes multi-step mutations (identity switch, name
	// and avatar updates), which may span network calls. mu guards the
	// fields below and is never held across a call.
	operation sync.Mutex

	mu                sync.Mutex
	customMXID        ref.UserID
	accessToken       string
	userIntent        *customIntent
	displayName       string
	displayNameSource telegram.UserID
	username          string
	firstName         string
	lastName          string
	photoID           string
	avatarURL         ref.ContentURI
	isBot             bool
	isRegistered      bool
	disableUpdates    bool

	// syncToken is the access token of the running sync loop, empty
	// when none runs; syncDone closes when that loop returns.
	syncToken string
	syncDone  chan struct{}
}

// customIntent is the real user's session. Callers of Intent hold it
// while they use it; a replaced session is closed by the last release.
type customIntent struct {
	session messaging.Session
	holders int
	retired bool
}

func newPuppet(registry *Registry, record *store.Puppet) *Puppet {
	id := telegram.UserID(record.ID)
	return &Puppet{
		registry:          registry,
		id:                id,
		logger:            registry.logger.With("telegram_id", id),
		customMXID:        record.CustomMXID,
		accessToken:       record.AccessToken,
		displayName:       record.DisplayName,
		displayNameSource: telegram.UserID(record.DisplayNameSource),
		username:          record.Username,
		firstName:         record.FirstName,
		lastName:          record.LastName,
		photoID:           record.PhotoID,
		avatarURL:         record.AvatarURL,
		isBot:             record.IsBot,
		isRegistered:      record.IsRegistered,
		disableUpdates:    record.DisableUpdates,
	}
}

// ID returns the Telegram user id.
func (p *Puppet) ID() telegram.UserID { return p.id }

// DefaultMXID returns the appservice user the bridge controls for this
// puppet.
func (p *Puppet) DefaultMXID() ref.UserID { return p.registry.mapper.MXID(p.id) }

// CustomMXID returns the claimed real Matrix user, or the zero value.
func (p *Puppet) CustomMXID() ref.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.customMXID
}

// MXID returns the Matrix user the puppet currently acts as.
func (p *Puppet) MXID() ref.UserID {
	if custom := p.CustomMXID(); !custom.IsZero() {
		return custom
	}
	return p.DefaultMXID()
}

// IsRealUser reports whether a real Matrix user has claimed the puppet.
func (p *Puppet) IsRealUser() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.customMXID.IsZero() && p.accessToken != ""
}

// DisplayName returns the rendered Matrix display name.
func (p *Puppet) DisplayName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayName
}

// DisplayNameSource returns the Telegram id of the session that set the
// current display name, or zero.
func (p *Puppet) DisplayNameSource() telegram.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayNameSource
}

// Username returns the Telegram username, without the @.
func (p *Puppet) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

// Names returns the raw Telegram name fields.
func (p *Puppet) Names() telegram.Names {
	p.mu.Lock()
	defer p.mu.Unlock()
	return telegram.Names{Username: p.username, FirstName: p.firstName, LastName: p.lastName}
}

// AvatarURL returns the uploaded profile photo, zero when unset.
func (p *Puppet) AvatarURL() ref.ContentURI {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avatarURL
}

// IsBot reports whether the Telegram account is a bot.
func (p *Puppet) IsBot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isBot
}

func (p *Puppet) liveAccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken
}

// Record returns a snapshot of the persisted fields.
func (p *Puppet) Record() *store.Puppet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordLocked()
}

func (p *Puppet) recordLocked() *store.Puppet {
	return &store.Puppet{
		ID:                int64(p.id),
		CustomMXID:        p.customMXID,
		AccessToken:       p.accessToken,
		DisplayName:       p.displayName,
		DisplayNameSource: int64(p.displayNameSource),
		Username:          p.username,
		FirstName:         p.firstName,
		LastName:          p.lastName,
		PhotoID:           p.photoID,
		AvatarURL:         p.avatarURL,
		IsBot:             p.isBot,
		IsRegistered:      p.isRegistered,
		DisableUpdates:    p.disableUpdates,
	}
}

// Save persists the puppet.
func (p *Puppet) Save(ctx context.Context) error {
	if err := p.registry.store.UpdatePuppet(ctx, p.Record()); err != nil {
		return fmt.Errorf("puppet: saving %d: %w", p.id, err)
	}
	return nil
}

// Intent returns the Matrix session the puppet acts through: the real
// user's session when claimed, otherwise the default user, registered
// on first use. The caller must call release once done with the
// session.
func (p *Puppet) Intent(ctx context.Context) (intent messaging.Session, release func(), err error) {
	p.mu.Lock()
	custom := p.userIntent
	if custom != nil {
		custom.holders++
	}
	p.mu.Unlock()
	if custom != nil {
		return custom.session, sync.OnceFunc(func() { p.releaseIntent(custom) }), nil
	}
	intent, err = p.DefaultIntent(ctx)
	if err != nil {
		return nil, nil, err
	}
	return intent, func() {}, nil
}

func (p *Puppet) releaseIntent(custom *customIntent) {
	p.mu.Lock()
	custom.holders--
	unused := custom.retired && custom.holders == 0
	p.mu.Unlock()
	if unused {
		closeIntent(custom.session, p.logger)
	}
}

// DefaultIntent returns the default user's session, registering the
// user with the homeserver the first time.
func (p *Puppet) DefaultIntent(ctx context.Context) (messaging.Session, error) {
	intent := p.registry.gateway.PuppetSession(p.DefaultMXID())

	p.mu.Lock()
	registered := p.isRegistered
	p.mu.Unlock()
	if registered {
		return intent, nil
	}

	if err := intent.EnsureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("puppet: registering %s: %w", intent.UserID(), err)
	}
	p.mu.Lock()
	p.isRegistered = true
	p.mu.Unlock()
	if err := p.Save(ctx); err != nil {
		p.logger.Warn("recording registration failed", "error", err)
	}
	return intent, nil
}

// SetPresence sets the default user's presence.
func (p *Puppet) SetPresence(ctx context.Context, presence string) error {
	intent, err := p.DefaultIntent(ctx)
	if err != nil {
		return err
	}
	if err := intent.SetPresence(ctx, presence); err != nil {
		return fmt.Errorf("puppet: setting presence of %d: %w", p.id, err)
	}
	return nil
}

// SwitchMXID makes the puppet act as mxid using accessToken. The token
// is verified with WhoAmI first: a token that does not verify returns
// ErrInvalidAccessToken and one naming another user returns
// ErrOnlyLoginSelf, both leaving the puppet unchanged. On success the
// default user's rooms are handed over to mxid, the puppet is saved,
// and a sync loop starts if configured.
//
// An empty token and mxid revert the puppet to its default user.
func (p *Puppet) SwitchMXID(ctx context.Context, accessToken string, mxid ref.UserID) error {
	p.operation.Lock()
	defer p.operation.Unlock()

	if accessToken == "" || mxid.IsZero() {
		return p.revertToDefault(ctx)
	}

	intent, err := p.verify(ctx, accessToken, mxid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	previous := p.customMXID
	replaced := p.retireLocked()
	p.customMXID = mxid
	p.accessToken = accessToken
	p.userIntent = &customIntent{session: intent}
	p.mu.Unlock()
	closeIntent(replaced, p.logger)
	p.registry.reindex(p, previous, mxid)

	p.logger.Info("puppet switched to custom mxid", "custom_mxid", mxid, "previous", previous)
	if mxid != p.DefaultMXID() {
		p.moveMemberships(ctx, intent)
	}
	if err := p.Save(ctx); err != nil {
		return err
	}
	p.startSyncing()
	return nil
}

func (p *Puppet) revertToDefault(ctx context.Context) error {
	p.mu.Lock()
	previous := p.customMXID
	replaced := p.retireLocked()
	p.customMXID = ref.UserID{}
	p.accessToken = ""
	p.mu.Unlock()
	closeIntent(replaced, p.logger)
	p.registry.reindex(p, previous, ref.UserID{})

	if !previous.IsZero() {
		p.logger.Info("puppet reverted to default mxid", "previous", previous)
	}
	return p.Save(ctx)
}

// verify opens a session with accessToken and checks it belongs to
// mxid. The caller owns the returned session.
func (p *Puppet) verify(ctx context.Context, accessToken string, mxid ref.UserID) (messaging.Session, error) {
	intent, err := p.registry.gateway.UserSession(mxid, accessToken)
	if err != nil {
		return nil, fmt.Errorf("puppet: opening session for %s: %w", mxid, err)
	}
	whoami, err := intent.WhoAmI(ctx)
	if err != nil || whoami.IsZero() {
		closeIntent(intent, p.logger)
		if err == nil {
			err = errors.New("whoami returned no user")
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if whoami != mxid {
		closeIntent(intent, p.logger)
		return nil, fmt.Errorf("%w: token is for %s, not %s", ErrOnlyLoginSelf, whoami, mxid)
	}
	return intent, nil
}

// initCustomMXID re-verifies a stored custom identity at startup. A
// token that no longer verifies reverts the puppet to its default user;
// a session that cannot be opened leaves the identity stored.
func (p *Puppet) initCustomMXID(ctx context.Context) error {
	p.operation.Lock()
	defer p.operation.Unlock()

	p.mu.Lock()
	mxid, accessToken := p.customMXID, p.accessToken
	p.mu.Unlock()
	if mxid.IsZero() || accessToken == "" {
		return nil
	}

	intent, err := p.verify(ctx, accessToken, mxid)
	if err != nil {
		if !errors.Is(err, ErrInvalidAccessToken) && !errors.Is(err, ErrOnlyLoginSelf) {
			return err
		}
		if revertErr := p.revertToDefault(ctx); revertErr != nil {
			return errors.Join(err, revertErr)
		}
		return err
	}

	p.mu.Lock()
	replaced := p.retireLocked()
	p.userIntent = &customIntent{session: intent}
	p.mu.Unlock()
	closeIntent(replaced, p.logger)
	p.registry.reindex(p, ref.UserID{}, mxid)
	p.startSyncing()
	return nil
}

// moveMemberships joins intent to every room the default user is in,
// leaving each room as the default user once the join succeeded.
// Failures are logged per room.
func (p *Puppet) moveMemberships(ctx context.Context, intent messaging.Session) {
	defaultIntent := p.registry.gateway.PuppetSession(p.DefaultMXID())
	rooms, err := defaultIntent.JoinedRooms(ctx)
	if err != nil {
		p.logger.Warn("listing default user rooms failed", "error", err)
		return
	}
	for _, roomID := range rooms {
		if _, err := intent.JoinRoom(ctx, roomID); err != nil {
			p.logger.Debug("custom user could not join room", "room_id", roomID, "error", err)
			continue
		}
		if err := defaultIntent.LeaveRoom(ctx, roomID); err != nil {
			p.logger.Warn("leaving room as default user failed", "room_id", roomID, "error", err)
		}
	}
}

// retireLocked detaches the custom session. It returns the session for
// the caller to close after unlocking when nobody holds it; otherwise
// the last release closes it.
func (p *Puppet) retireLocked() messaging.Session {
	custom := p.userIntent
	p.userIntent = nil
	if custom == nil {
		return nil
	}
	custom.retired = true
	if custom.holders > 0 {
		return nil
	}
	return custom.session
}

// closeSessions releases the custom-identity session at shutdown.
func (p *Puppet) closeSessions() error {
	p.mu.Lock()
	replaced := p.retireLocked()
	p.mu.Unlock()
	if replaced == nil {
		return nil
	}
	return replaced.Close()
}

func closeIntent(intent messaging.Session, logger *slog.Logger) {
	if intent == nil {
		return
	}
	if err := intent.Close(); err != nil {
		logger.Warn("closing matrix session failed", "error", err)
	}
}
