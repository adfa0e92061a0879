// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// startConcurrency bounds how many sessions connect at once during
// StartAll.
const startConcurrency = 8

// Store persists sessions. *store.Store implements it.
type Store interface {
	GetUser(ctx context.Context, mxid ref.UserID) (*store.User, error)
	Users(ctx context.Context) ([]*store.User, error)
	SaveUser(ctx context.Context, user *store.User) error
}

// TransportFactory returns the Telegram transport for a Matrix user's
// session. It is called once per session.
type TransportFactory func(mxid ref.UserID) telegram.Transport

// Config holds the dependencies of a Manager.
type Config struct {
	Store         Store
	Registry      *puppet.Registry
	Conversations Conversations
	Transports    TransportFactory

	// Whitelist lists Matrix user ids and server names allowed to use
	// the bridge. Empty allows everyone.
	Whitelist []string

	Logger *slog.Logger
}

// Manager owns every Session, keyed by Matrix user id and indexed by
// Telegram id.
type Manager struct {
	store         Store
	registry      *puppet.Registry
	conversations Conversations
	transports    TransportFactory
	whitelist     []string
	logger        *slog.Logger

	mu           sync.Mutex
	byMXID       map[ref.UserID]*Session
	byTelegramID map[telegram.UserID]*Session
}

// NewManager validates cfg and returns an empty manager. Call Load to
// restore stored sessions.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Conversations == nil {
		return nil, errors.New("session: store, registry and conversations are required")
	}
	if cfg.Transports == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("session: logger is required")
	}
	return &Manager{
		store:         cfg.Store,
		registry:      cfg.Registry,
		conversations: cfg.Conversations,
		transports:    cfg.Transports,
		whitelist:     slices.Clone(cfg.Whitelist),
		logger:        cfg.Logger,
		byMXID:        make(map[ref.UserID]*Session),
		byTelegramID:  make(map[telegram.UserID]*Session),
	}, nil
}

// Registry returns the puppet registry sessions dispatch through.
func (m *Manager) Registry() *puppet.Registry { return m.registry }

// IsWhitelisted reports whether mxid, or its server, is whitelisted.
func (m *Manager) IsWhitelisted(mxid ref.UserID) bool {
	if len(m.whitelist) == 0 {
		return true
	}
	for _, entry := range m.whitelist {
		if entry == mxid.String() || strings.EqualFold(entry, mxid.Server()) {
			return true
		}
	}
	return false
}

// Load restores every stored session. Sessions already in memory are
// kept.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.Users(ctx)
	if err != nil {
		return fmt.Errorf("session: loading sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		if _, ok := m.byMXID[record.MXID]; ok {
			continue
		}
		m.addLocked(m.newSession(record))
	}
	m.logger.Info("loaded sessions", "count", len(records))
	return nil
}

// Get returns the session of mxid, loading it from the store. With
// create set, a missing session is created and saved; otherwise Get
// returns nil and no error.
func (m *Manager) Get(ctx context.Context, mxid ref.UserID, create bool) (*Session, error) {
	if mxid.IsZero() {
		return nil, errors.New("session: empty matrix user id")
	}
	m.mu.Lock()
	if session, ok := m.byMXID[mxid]; ok {
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	record, err := m.store.GetUser(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("session: loading %s: %w", mxid, err)
	}
	if record == nil && !create {
		return nil, nil
	}
	fresh := record == nil
	if fresh {
		record = &store.User{MXID: mxid}
	}

	m.mu.Lock()
	session, ok := m.byMXID[mxid]
	if !ok {
		session = m.newSession(record)
		m.addLocked(session)
	}
	m.mu.Unlock()

	if ok || !fresh {
		return session, nil
	}
	if err := session.save(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// ByTelegramID returns the session logged in as id, or nil.
func (m *Manager) ByTelegramID(id telegram.UserID) *Session {
	if id == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTelegramID[id]
}

// All returns every session in Matrix id order.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.byMXID))
	for _, session := range m.byMXID {
		sessions = append(sessions, session)
	}
	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.mxid.String(), b.mxid.String())
	})
	return sessions
}

// StartAll connects every whitelisted session that has logged in
// before. Failures are logged; one session failing does not stop the
// others.
func (m *Manager) StartAll(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(startConcurrency)
	for _, session := range m.All() {
		if !session.whitelisted || session.TelegramID() == 0 {
			continue
		}
		group.Go(func() error {
			if err := session.Start(ctx); err != nil {
				session.logger.Error("failed to start session", "error", err)
			}
			return nil
		})
	}
	return group.Wait()
}

// StopAll disconnects every connected session.
func (m *Manager) StopAll(ctx context.Context) {
	for _, session := range m.All() {
		if err := session.Stop(ctx); err != nil {
			session.logger.Warn("failed to stop session", "error", err)
		}
	}
}

func (m *Manager) newSession(record *store.User) *Session {
	return &Session{
		manager:        m,
		mxid:           record.MXID,
		whitelisted:    m.IsWhitelisted(record.MXID),
		transport:      m.transports(record.MXID),
		logger:         m.logger.With("mxid", record.MXID),
		telegramID:     telegram.UserID(record.TelegramID),
		username:       record.Username,
		phone:          record.Phone,
		managementRoom: record.ManagementRoom,
	}
}

func (m *Manager) addLocked(session *Session) {
	m.byMXID[session.mxid] = session
	if session.telegramID != 0 {
		m.byTelegramID[session.telegramID] = session
	}
}

// reindex moves session from previous to current in the Telegram id
// index. An entry owned by another session is left alone.
func (m *Manager) reindex(session *Session, previous, current telegram.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if previous != 0 && m.byTelegramID[previous] == session {
		delete(m.byTelegramID, previous)
	}
	if current != 0 {
		m.byTelegramID[current] = session
	}
}
