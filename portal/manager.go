// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// Store persists portals and message mappings. *store.Store implements
// it.
type Store interface {
	GetPortal(ctx context.Context, telegramID, receiver int64) (*store.Portal, error)
	GetPortalByMXID(ctx context.Context, roomID ref.RoomID) (*store.Portal, error)
	SavePortal(ctx context.Context, portal *store.Portal) error
	GetMessage(ctx context.Context, telegramID, space int64) (*store.Message, error)
	GetMessageByMXID(ctx context.Context, eventID ref.EventID, roomID ref.RoomID) (*store.Message, error)
	InsertMessage(ctx context.Context, message *store.Message) error
}

// Sessions finds the bridged session of a Telegram account or a Matrix
// user. *session.Manager implements it.
type Sessions interface {
	ByTelegramID(id telegram.UserID) *session.Session
	Get(ctx context.Context, mxid ref.UserID, create bool) (*session.Session, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Store Store

	// Bot creates rooms and writes room state.
	Bot messaging.Session

	Logger *slog.Logger
}

// Manager owns every Portal, keyed by conversation and indexed by
// Matrix room.
type Manager struct {
	store  Store
	bot    messaging.Session
	logger *slog.Logger

	// Set once by Attach, before any update is dispatched.
	registry *puppet.Registry
	sessions Sessions

	mu     sync.Mutex
	byKey  map[session.ConversationKey]*Portal
	byRoom map[ref.RoomID]*Portal
}

var (
	_ session.Conversations = (*Manager)(nil)
	_ puppet.EventSink      = (*Manager)(nil)
)

// NewManager validates cfg and returns a Manager. It must be attached
// to the puppet registry and the session manager with Attach before
// use; those both depend on the Manager in turn.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Bot == nil {
		return nil, errors.New("portal: store and bot session are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("portal: logger is required")
	}
	return &Manager{
		store:  cfg.Store,
		bot:    cfg.Bot,
		logger: cfg.Logger,
		byKey:  make(map[session.ConversationKey]*Portal),
		byRoom: make(map[ref.RoomID]*Portal),
	}, nil
}

// Attach completes construction.
func (m *Manager) Attach(registry *puppet.Registry, sessions Sessions) {
	m.registry = registry
	m.sessions = sessions
}

// Get returns the portal for key. With create set, a portal missing
// from the store is created without a room; otherwise Get returns nil
// and no error.
func (m *Manager) Get(ctx context.Context, key session.ConversationKey, create bool) (session.Conversation, error) {
	portal, err := m.portal(ctx, key, create)
	if err != nil || portal == nil {
		return nil, err
	}
	return portal, nil
}

func (m *Manager) portal(ctx context.Context, key session.ConversationKey, create bool) (*Portal, error) {
	m.mu.Lock()
	portal, ok := m.byKey[key]
	m.mu.Unlock()
	if ok {
		return portal, nil
	}

	record, err := m.store.GetPortal(ctx, key.Peer.ID, int64(key.Receiver))
	if err != nil {
		return nil, fmt.Errorf("portal: loading %s: %w", key.Peer, err)
	}
	if record == nil {
		if !create {
			return nil, nil
		}
		record = &store.Portal{
			TelegramID: key.Peer.ID,
			Receiver:   int64(key.Receiver),
			PeerType:   string(key.Peer.Kind),
		}
		if err := m.store.SavePortal(ctx, record); err != nil {
			return nil, fmt.Errorf("portal: creating %s: %w", key.Peer, err)
		}
	}
	return m.add(key, record), nil
}

// ByRoomID returns the portal bridged to roomID, or nil.
func (m *Manager) ByRoomID(ctx context.Context, roomID ref.RoomID) (*Portal, error) {
	m.mu.Lock()
	portal, ok := m.byRoom[roomID]
	m.mu.Unlock()
	if ok {
		return portal, nil
	}
	record, err := m.store.GetPortalByMXID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("portal: loading room %s: %w", roomID, err)
	}
	if record == nil {
		return nil, nil
	}
	key := session.ConversationKey{
		Peer:     telegram.Peer{Kind: telegram.PeerKind(record.PeerType), ID: record.TelegramID},
		Receiver: telegram.UserID(record.Receiver),
	}
	return m.add(key, record), nil
}

// add caches a loaded portal. An instance cached concurrently wins.
func (m *Manager) add(key session.ConversationKey, record *store.Portal) *Portal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[key]; ok {
		return existing
	}
	portal := &Portal{
		manager: m,
		key:     key,
		logger:  m.logger.With("peer", key.Peer.String()),
		roomID:  record.MXID,
		title:   record.Title,
		joined:  make(map[ref.UserID]telegram.UserID),
		typing:  make(map[ref.UserID]bool),
	}
	m.byKey[key] = portal
	if !record.MXID.IsZero() {
		m.byRoom[record.MXID] = portal
	}
	return portal
}

func (m *Manager) indexRoom(portal *Portal, roomID ref.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRoom[roomID] = portal
}
