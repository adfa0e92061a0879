// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/tgbridge/lib/clock"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// verifyConcurrency bounds the WhoAmI calls StartCustomPuppets makes at
// once.
const verifyConcurrency = 8

// Config configures a Registry.
type Config struct {
	Store   Store
	Gateway Gateway
	Mapper  IDMapper

	// DisplaynameTemplate wraps the chosen name; it must contain
	// {displayname}.
	DisplaynameTemplate string

	// DisplaynamePreference lists the name sources tried in order, using
	// the config.NameSource* names.
	DisplaynamePreference []string

	// SyncWithCustomPuppets starts a sync loop for every verified
	// custom identity.
	SyncWithCustomPuppets bool

	// Events receives what sync loops relay. May be nil when
	// SyncWithCustomPuppets is off.
	Events EventSink

	// Clock drives sync backoff. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Registry is the process-wide owner of puppets. It guarantees a single
// *Puppet per Telegram id and indexes puppets by custom Matrix id.
type Registry struct {
	store       Store
	gateway     Gateway
	mapper      IDMapper
	names       nameRenderer
	syncEnabled bool
	events      EventSink
	clock       clock.Clock
	logger      *slog.Logger

	// loopCtx bounds every sync loop; Close cancels it.
	loopCtx    context.Context
	cancelLoop context.CancelFunc
	loops      sync.WaitGroup

	loads singleflight.Group

	mu           sync.Mutex
	byID         map[telegram.UserID]*Puppet
	byCustomMXID map[ref.UserID]*Puppet
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil || cfg.Gateway == nil {
		return nil, errors.New("puppet: store and gateway are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("puppet: logger is required")
	}
	if cfg.Mapper == (IDMapper{}) {
		return nil, errors.New("puppet: id mapper is required")
	}
	if cfg.SyncWithCustomPuppets && cfg.Events == nil {
		return nil, errors.New("puppet: an event sink is required to sync custom puppets")
	}
	names, err := newNameRenderer(cfg.DisplaynameTemplate, cfg.DisplaynamePreference)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		mapper:       cfg.Mapper,
		names:        names,
		syncEnabled:  cfg.SyncWithCustomPuppets,
		events:       cfg.Events,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		loopCtx:      loopCtx,
		cancelLoop:   cancel,
		byID:         make(map[telegram.UserID]*Puppet),
		byCustomMXID: make(map[ref.UserID]*Puppet),
	}, nil
}

// Mapper returns the registry's id mapper.
func (r *Registry) Mapper() IDMapper { return r.mapper }

// Close stops every sync loop, waits for them to return, and releases
// custom-identity sessions.
func (r *Registry) Close() error {
	r.cancelLoop()
	r.loops.Wait()

	r.mu.Lock()
	puppets := make([]*Puppet, 0, len(r.byID))
	for _, puppet := range r.byID {
		puppets = append(puppets, puppet)
	}
	r.mu.Unlock()

	var errs []error
	for _, puppet := range puppets {
		if err := puppet.closeSessions(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the puppet for id. On a cache miss it loads the record
// from the store; if there is none and create is set, a fresh record is
// inserted. With create unset a missing puppet is (nil, nil).
func (r *Registry) Get(ctx context.Context, id telegram.UserID, create bool) (*Puppet, error) {
	if id <= 0 {
		return nil, fmt.Errorf("puppet: invalid telegram id %d", id)
	}
	if puppet := r.cached(id); puppet != nil {
		return puppet, nil
	}

	key := strconv.FormatInt(int64(id), 10) + "/" + strconv.FormatBool(create)
	result, err, _ := r.loads.Do(key, func() (any, error) {
		if puppet := r.cached(id); puppet != nil {
			return puppet, nil
		}
		record, err := r.store.GetPuppet(ctx, int64(id))
		if err != nil {
			return nil, err
		}
		if record == nil {
			if !create {
				return (*Puppet)(nil), nil
			}
			record = &store.Puppet{ID: int64(id)}
			if err := r.store.InsertPuppet(ctx, record); err != nil {
				return nil, err
			}
			r.logger.Debug("created puppet", "telegram_id", id)
		}
		return r.promote(record), nil
	})
	if err != nil {
		return nil, fmt.Errorf("puppet: loading %d: %w", id, err)
	}
	return result.(*Puppet), nil
}

// GetByMXID returns the puppet whose default Matrix id is userID, or
// (nil, nil) when userID is not in the puppet namespace.
func (r *Registry) GetByMXID(ctx context.Context, userID ref.UserID, create bool) (*Puppet, error) {
	id, ok := r.mapper.Parse(userID)
	if !ok {
		return nil, nil
	}
	return r.Get(ctx, id, create)
}

// GetByCustomMXID returns the puppet a real Matrix user has claimed, or
// (nil, nil).
func (r *Registry) GetByCustomMXID(ctx context.Context, userID ref.UserID) (*Puppet, error) {
	if userID.IsZero() {
		return nil, nil
	}
	r.mu.Lock()
	puppet := r.byCustomMXID[userID]
	r.mu.Unlock()
	if puppet != nil {
		return puppet, nil
	}

	record, err := r.store.GetPuppetByCustomMXID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("puppet: loading by custom mxid %s: %w", userID, err)
	}
	if record == nil {
		return nil, nil
	}
	return r.promote(record), nil
}

// FindByUsername returns the puppet with a Telegram username, compared
// case-insensitively, or (nil, nil).
func (r *Registry) FindByUsername(ctx context.Context, username string) (*Puppet, error) {
	if username == "" {
		return nil, nil
	}
	if puppet := r.scan(func(p *Puppet) bool { return strings.EqualFold(p.Username(), username) }); puppet != nil {
		return puppet, nil
	}
	record, err := r.store.GetPuppetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("puppet: loading by username %q: %w", username, err)
	}
	if record == nil {
		return nil, nil
	}
	return r.promote(record), nil
}

// FindByDisplayName returns a puppet with exactly this rendered display
// name, or (nil, nil).
func (r *Registry) FindByDisplayName(ctx context.Context, displayName string) (*Puppet, error) {
	if displayName == "" {
		return nil, nil
	}
	if puppet := r.scan(func(p *Puppet) bool { return p.DisplayName() == displayName }); puppet != nil {
		return puppet, nil
	}
	record, err := r.store.GetPuppetByDisplayName(ctx, displayName)
	if err != nil {
		return nil, fmt.Errorf("puppet: loading by display name %q: %w", displayName, err)
	}
	if record == nil {
		return nil, nil
	}
	return r.promote(record), nil
}

// AllWithCustomMXID returns every puppet with a recorded custom
// identity, preferring cached instances over store records.
func (r *Registry) AllWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	records, err := r.store.PuppetsWithCustomMXID(ctx)
	if err != nil {
		return nil, fmt.Errorf("puppet: listing custom puppets: %w", err)
	}
	puppets := make([]*Puppet, 0, len(records))
	for _, record := range records {
		puppets = append(puppets, r.promote(record))
	}
	return puppets, nil
}

// StartCustomPuppets re-verifies every stored custom identity and
// starts sync loops for those still valid. Identities whose token no
// longer verifies are reverted to the default user. Failures are
// logged; only a store failure is returned.
func (r *Registry) StartCustomPuppets(ctx context.Context) error {
	puppets, err := r.AllWithCustomMXID(ctx)
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(verifyConcurrency)
	for _, puppet := range puppets {
		group.Go(func() error {
			if err := puppet.initCustomMXID(groupCtx); err != nil {
				r.logger.Warn("custom puppet failed verification",
					"telegram_id", puppet.ID(),
					"error", err,
				)
			}
			return nil
		})
	}
	group.Wait()
	r.logger.Info("custom puppets started", "count", len(puppets))
	return nil
}

func (r *Registry) cached(id telegram.UserID) *Puppet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *Registry) scan(match func(*Puppet) bool) *Puppet {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, puppet := range r.byID {
		if match(puppet) {
			return puppet
		}
	}
	return nil
}

// promote caches a puppet built from record unless one with the same
// id is already cached, in which case the cached instance wins.
func (r *Registry) promote(record *store.Puppet) *Puppet {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := telegram.UserID(record.ID)
	if existing, ok := r.byID[id]; ok {
		return existing
	}
	puppet := newPuppet(r, record)
	r.byID[id] = puppet
	if !record.CustomMXID.IsZero() {
		if _, taken := r.byCustomMXID[record.CustomMXID]; !taken {
			r.byCustomMXID[record.CustomMXID] = puppet
		}
	}
	return puppet
}

// reindex moves puppet's custom index entry from previous to current.
// Either may be zero.
func (r *Registry) reindex(puppet *Puppet, previous, current ref.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !previous.IsZero() && r.byCustomMXID[previous] == puppet {
		delete(r.byCustomMXID, previous)
	}
	if !current.IsZero() && current != r.mapper.MXID(puppet.id) {
		r.byCustomMXID[current] = puppet
	}
}
