// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/clock"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/testutil"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/store"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const testDomain = "example.org"

// fakeStore is an in-memory Store that copies records in and out.
type fakeStore struct {
	mu      sync.Mutex
	records map[int64]store.Puppet
	inserts int
	updates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[int64]store.Puppet)}
}

func (s *fakeStore) put(record store.Puppet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
}

func (s *fakeStore) get(id int64) (store.Puppet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok
}

func (s *fakeStore) find(match func(store.Puppet) bool) *store.Puppet {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if match(record) {
			return &record
		}
	}
	return nil
}

func (s *fakeStore) GetPuppet(_ context.Context, id int64) (*store.Puppet, error) {
	return s.find(func(r store.Puppet) bool { return r.ID == id }), nil
}

func (s *fakeStore) GetPuppetByCustomMXID(_ context.Context, mxid ref.UserID) (*store.Puppet, error) {
	return s.find(func(r store.Puppet) bool { return r.CustomMXID == mxid }), nil
}

func (s *fakeStore) GetPuppetByUsername(_ context.Context, username string) (*store.Puppet, error) {
	return s.find(func(r store.Puppet) bool { return r.Username != "" && strings.EqualFold(r.Username, username) }), nil
}

func (s *fakeStore) GetPuppetByDisplayName(_ context.Context, displayName string) (*store.Puppet, error) {
	return s.find(func(r store.Puppet) bool { return r.DisplayName == displayName }), nil
}

func (s *fakeStore) PuppetsWithCustomMXID(_ context.Context) ([]*store.Puppet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*store.Puppet
	for _, record := range s.records {
		if !record.CustomMXID.IsZero() {
			result = append(result, &record)
		}
	}
	return result, nil
}

func (s *fakeStore) InsertPuppet(_ context.Context, puppet *store.Puppet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[puppet.ID]; exists {
		return errors.New("duplicate puppet")
	}
	s.inserts++
	s.records[puppet.ID] = *puppet
	return nil
}

func (s *fakeStore) UpdatePuppet(_ context.Context, puppet *store.Puppet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.records[puppet.ID] = *puppet
	return nil
}

// syncResult is one scripted /sync outcome.
type syncResult struct {
	response *messaging.SyncResponse
	err      error
}

// sessionCalls records what a fakeSession was asked to do.
type sessionCalls struct {
	joins        []ref.RoomID
	leaves       []ref.RoomID
	displayNames []string
	avatars      []ref.ContentURI
	presences    []string
	uploads      int
	registered   int
	filters      []messaging.Filter
	syncOptions  []messaging.SyncOptions
	closed       bool
}

// fakeSession records the Matrix calls puppets make. Methods the
// tests never reach panic through the nil embedded interface.
type fakeSession struct {
	messaging.Session

	userID ref.UserID
	whoami ref.UserID

	// syncs feeds Sync; nil blocks Sync until ctx ends.
	syncs chan syncResult

	mu        sync.Mutex
	joined    []ref.RoomID
	joinFails map[ref.RoomID]bool
	uploadErr error
	calls     sessionCalls
}

func (s *fakeSession) UserID() ref.UserID { return s.userID }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.closed = true
	return nil
}

func (s *fakeSession) EnsureRegistered(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.registered++
	return nil
}

func (s *fakeSession) WhoAmI(context.Context) (ref.UserID, error) {
	if s.whoami.IsZero() {
		return ref.UserID{}, &messaging.MatrixError{Code: messaging.ErrCodeUnknownToken, StatusCode: 401}
	}
	return s.whoami, nil
}

func (s *fakeSession) JoinedRooms(context.Context) ([]ref.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.joined), nil
}

func (s *fakeSession) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinFails[roomID] {
		return ref.RoomID{}, &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: 403}
	}
	s.calls.joins = append(s.calls.joins, roomID)
	return roomID, nil
}

func (s *fakeSession) LeaveRoom(_ context.Context, roomID ref.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.leaves = append(s.calls.leaves, roomID)
	return nil
}

func (s *fakeSession) SetDisplayName(_ context.Context, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.displayNames = append(s.calls.displayNames, displayName)
	return nil
}

func (s *fakeSession) SetAvatarURL(_ context.Context, avatar ref.ContentURI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.avatars = append(s.calls.avatars, avatar)
	return nil
}

func (s *fakeSession) SetPresence(_ context.Context, presence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.presences = append(s.calls.presences, presence)
	return nil
}

func (s *fakeSession) UploadMedia(_ context.Context, _ string, body io.Reader) (ref.ContentURI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return ref.ContentURI{}, s.uploadErr
	}
	if _, err := io.ReadAll(body); err != nil {
		return ref.ContentURI{}, err
	}
	s.calls.uploads++
	return ref.ParseContentURI(fmt.Sprintf("mxc://%s/avatar%d", testDomain, s.calls.uploads))
}

func (s *fakeSession) CreateFilter(_ context.Context, filter messaging.Filter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.filters = append(s.calls.filters, filter)
	return "filter1", nil
}

func (s *fakeSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.mu.Lock()
	s.calls.syncOptions = append(s.calls.syncOptions, options)
	s.mu.Unlock()

	select {
	case result := <-s.syncs:
		return result.response, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recorded returns a copy of the calls made so far.
func (s *fakeSession) recorded() sessionCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.calls
	calls.joins = slices.Clone(calls.joins)
	calls.leaves = slices.Clone(calls.leaves)
	calls.displayNames = slices.Clone(calls.displayNames)
	calls.avatars = slices.Clone(calls.avatars)
	calls.presences = slices.Clone(calls.presences)
	calls.filters = slices.Clone(calls.filters)
	calls.syncOptions = slices.Clone(calls.syncOptions)
	return calls
}

// fakeGateway hands out fakeSessions. Access tokens resolve to users
// through tokens; an unknown token yields a session whose WhoAmI fails.
type fakeGateway struct {
	mu       sync.Mutex
	puppets  map[ref.UserID]*fakeSession
	tokens   map[string]ref.UserID
	sessions []*fakeSession

	// syncs is shared by every user session, feeding Sync.
	syncs chan syncResult

	// joinFails is handed to every user session.
	joinFails map[ref.RoomID]bool

	// sessionErr fails UserSession, as when the token cannot be locked
	// into memory.
	sessionErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		puppets: make(map[ref.UserID]*fakeSession),
		tokens:  make(map[string]ref.UserID),
		syncs:   make(chan syncResult),
	}
}

func (g *fakeGateway) PuppetSession(userID ref.UserID) messaging.Session {
	return g.puppet(userID)
}

func (g *fakeGateway) puppet(userID ref.UserID) *fakeSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.puppets[userID]
	if !ok {
		session = &fakeSession{userID: userID, whoami: userID}
		g.puppets[userID] = session
	}
	return session
}

func (g *fakeGateway) UserSession(userID ref.UserID, accessToken string) (messaging.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	session := &fakeSession{
		userID:    userID,
		whoami:    g.tokens[accessToken],
		syncs:     g.syncs,
		joinFails: g.joinFails,
	}
	g.sessions = append(g.sessions, session)
	return session, nil
}

// openSessions counts the user sessions handed out and not closed.
func (g *fakeGateway) openSessions() int {
	g.mu.Lock()
	sessions := slices.Clone(g.sessions)
	g.mu.Unlock()
	open := 0
	for _, session := range sessions {
		if !session.recorded().closed {
			open++
		}
	}
	return open
}

// fakeTransport answers the profile calls puppets make.
type fakeTransport struct {
	telegram.Transport

	mu          sync.Mutex
	profile     *telegram.User
	getUsers    int
	photo       *telegram.Photo
	downloadErr error
	downloads   int
}

func (t *fakeTransport) GetUser(_ context.Context, id telegram.UserID) (*telegram.User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getUsers++
	if t.profile == nil {
		return nil, &telegram.RPCError{Code: 400, Name: "USER_ID_INVALID"}
	}
	profile := *t.profile
	return &profile, nil
}

func (t *fakeTransport) DownloadProfilePhoto(context.Context, telegram.UserID, *telegram.ProfilePhoto) (*telegram.Photo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloads++
	if t.downloadErr != nil {
		return nil, t.downloadErr
	}
	return t.photo, nil
}

type fakeSource struct {
	id        telegram.UserID
	transport *fakeTransport
}

func (s *fakeSource) TelegramID() telegram.UserID   { return s.id }
func (s *fakeSource) Transport() telegram.Transport { return s.transport }

func newSource(id telegram.UserID) *fakeSource {
	return &fakeSource{id: id, transport: &fakeTransport{}}
}

// recordingSink collects relayed events.
type recordingSink struct {
	ephemeral chan messaging.Event
	presence  chan messaging.PresenceEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		ephemeral: make(chan messaging.Event, 16),
		presence:  make(chan messaging.PresenceEvent, 16),
	}
}

func (s *recordingSink) HandleEphemeral(_ context.Context, _ *Puppet, event messaging.Event) error {
	s.ephemeral <- event
	return nil
}

func (s *recordingSink) HandlePresence(_ context.Context, _ *Puppet, event messaging.PresenceEvent) error {
	s.presence <- event
	return nil
}

type registryOptions struct {
	store   *fakeStore
	gateway *fakeGateway
	sink    *recordingSink
	clock   clock.Clock
	sync    bool
}

type testRegistry struct {
	*Registry
	store   *fakeStore
	gateway *fakeGateway
	sink    *recordingSink
}

func newTestRegistry(t *testing.T, options registryOptions) *testRegistry {
	t.Helper()
	if options.store == nil {
		options.store = newFakeStore()
	}
	if options.gateway == nil {
		options.gateway = newFakeGateway()
	}
	if options.sink == nil {
		options.sink = newRecordingSink()
	}
	if options.clock == nil {
		options.clock = clock.Fake(time.Unix(1700000000, 0))
	}
	mapper, err := NewIDMapper("telegram_{userid}", testDomain)
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	registry, err := NewRegistry(Config{
		Store:                 options.store,
		Gateway:               options.gateway,
		Mapper:                mapper,
		DisplaynameTemplate:   "{displayname} (Telegram)",
		DisplaynamePreference: []string{"full name", "username", "phone number"},
		SyncWithCustomPuppets: options.sync,
		Events:                options.sink,
		Clock:                 options.clock,
		Logger:                testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return &testRegistry{
		Registry: registry,
		store:    options.store,
		gateway:  options.gateway,
		sink:     options.sink,
	}
}

func mustGet(t *testing.T, registry *testRegistry, id telegram.UserID) *Puppet {
	t.Helper()
	puppet, err := registry.Get(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return puppet
}
