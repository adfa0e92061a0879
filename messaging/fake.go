// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/ref"
)

// NewFakeHomeserver returns an in-memory homeserver for tests. It hands
// out sessions the way AppService does and keeps enough room state to
// answer the reads the bridge makes.
//
// FakeHomeserver is safe for concurrent use by multiple goroutines.
func NewFakeHomeserver(domain string) *FakeHomeserver {
	return &FakeHomeserver{
		domain:     domain,
		rooms:      make(map[ref.RoomID]*fakeRoom),
		tokens:     make(map[string]ref.UserID),
		puppets:    make(map[ref.UserID]*FakeSession),
		profiles:   make(map[ref.UserID]Profile),
		presence:   make(map[ref.UserID]string),
		registered: make(map[ref.UserID]int),
		joinFails:  make(map[ref.UserID]map[ref.RoomID]bool),
	}
}

// FakeHomeserver backs FakeSessions with shared room, profile, and
// presence state.
type FakeHomeserver struct {
	domain string

	mu         sync.Mutex
	counter    int
	rooms      map[ref.RoomID]*fakeRoom
	order      []ref.RoomID
	tokens     map[string]ref.UserID
	puppets    map[ref.UserID]*FakeSession
	profiles   map[ref.UserID]Profile
	presence   map[ref.UserID]string
	registered map[ref.UserID]int
	joinFails  map[ref.UserID]map[ref.RoomID]bool
}

// Profile is a user's global profile as the fake homeserver stores it.
type Profile struct {
	DisplayName string
	AvatarURL   ref.ContentURI
}

// SentEvent is a timeline event recorded by the fake homeserver.
type SentEvent struct {
	EventID ref.EventID
	Sender  ref.UserID
	Type    string
	Content any
}

type stateKey struct {
	eventType string
	key       string
}

type fakeRoom struct {
	members  map[ref.UserID]bool
	invited  map[ref.UserID]bool
	request  CreateRoomRequest
	state    map[stateKey]json.RawMessage
	events   []SentEvent
	typing   map[ref.UserID]bool
	receipts map[ref.UserID]ref.EventID
}

// AddToken makes accessToken authenticate as userID for sessions
// created through UserSession.
func (h *FakeHomeserver) AddToken(accessToken string, userID ref.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens[accessToken] = userID
}

// FailJoins makes every JoinRoom by userID into roomID fail with
// M_FORBIDDEN.
func (h *FakeHomeserver) FailJoins(userID ref.UserID, roomID ref.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joinFails[userID] == nil {
		h.joinFails[userID] = make(map[ref.RoomID]bool)
	}
	h.joinFails[userID][roomID] = true
}

// PuppetSession returns the masquerading session for userID. Repeated
// calls return the same session.
func (h *FakeHomeserver) PuppetSession(userID ref.UserID) Session {
	return h.Puppet(userID)
}

// Puppet is PuppetSession with the concrete type.
func (h *FakeHomeserver) Puppet(userID ref.UserID) *FakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.puppets[userID]
	if !ok {
		session = &FakeSession{server: h, userID: userID, masquerade: true}
		h.puppets[userID] = session
	}
	return session
}

// UserSession returns a session authenticated by accessToken. WhoAmI
// on it fails unless the token was registered with AddToken.
func (h *FakeHomeserver) UserSession(userID ref.UserID, accessToken string) (Session, error) {
	return &FakeSession{server: h, userID: userID, accessToken: accessToken}, nil
}

// NewRoom creates a room joined by members, for tests that need a room
// the bridge did not create.
func (h *FakeHomeserver) NewRoom(members ...ref.UserID) ref.RoomID {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID := h.newRoomLocked()
	for _, member := range members {
		h.rooms[roomID].members[member] = true
	}
	return roomID
}

func (h *FakeHomeserver) newRoomLocked() ref.RoomID {
	h.counter++
	roomID := ref.MustParseRoomID(fmt.Sprintf("!room%d:%s", h.counter, h.domain))
	h.order = append(h.order, roomID)
	h.rooms[roomID] = &fakeRoom{
		members:  make(map[ref.UserID]bool),
		invited:  make(map[ref.UserID]bool),
		state:    make(map[stateKey]json.RawMessage),
		typing:   make(map[ref.UserID]bool),
		receipts: make(map[ref.UserID]ref.EventID),
	}
	return roomID
}

func (h *FakeHomeserver) room(roomID ref.RoomID) (*fakeRoom, error) {
	room, ok := h.rooms[roomID]
	if !ok {
		return nil, &MatrixError{Code: ErrCodeNotFound, Message: "unknown room", StatusCode: 404}
	}
	return room, nil
}

func (h *FakeHomeserver) nextEventIDLocked() ref.EventID {
	h.counter++
	return ref.MustParseEventID(fmt.Sprintf("$event%d", h.counter))
}

// Rooms returns every room in creation order.
func (h *FakeHomeserver) Rooms() []ref.RoomID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order)
}

// CreateRequest returns the request roomID was created with.
func (h *FakeHomeserver) CreateRequest(roomID ref.RoomID) CreateRoomRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		return room.request
	}
	return CreateRoomRequest{}
}

// Events returns the timeline events sent to roomID.
func (h *FakeHomeserver) Events(roomID ref.RoomID) []SentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		return slices.Clone(room.events)
	}
	return nil
}

// Members returns the joined members of roomID.
func (h *FakeHomeserver) Members(roomID ref.RoomID) []ref.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	var members []ref.UserID
	for member, joined := range room.members {
		if joined {
			members = append(members, member)
		}
	}
	slices.SortFunc(members, func(a, b ref.UserID) int { return strings.Compare(a.String(), b.String()) })
	return members
}

// IsMember reports whether userID has joined roomID.
func (h *FakeHomeserver) IsMember(roomID ref.RoomID, userID ref.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	return ok && room.members[userID]
}

// IsInvited reports whether userID was invited to roomID.
func (h *FakeHomeserver) IsInvited(roomID ref.RoomID, userID ref.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	return ok && room.invited[userID]
}

// State returns the raw content of a state event, nil when unset.
func (h *FakeHomeserver) State(roomID ref.RoomID, eventType, key string) json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		return room.state[stateKey{eventType, key}]
	}
	return nil
}

// Typing reports whether userID is typing in roomID.
func (h *FakeHomeserver) Typing(roomID ref.RoomID, userID ref.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	return ok && room.typing[userID]
}

// Receipt returns the event userID last marked read in roomID.
func (h *FakeHomeserver) Receipt(roomID ref.RoomID, userID ref.UserID) ref.EventID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		return room.receipts[userID]
	}
	return ref.EventID{}
}

// Profile returns userID's global profile.
func (h *FakeHomeserver) Profile(userID ref.UserID) Profile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.profiles[userID]
}

// Presence returns userID's last set presence.
func (h *FakeHomeserver) Presence(userID ref.UserID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence[userID]
}

// Registrations returns how many times userID was registered.
func (h *FakeHomeserver) Registrations(userID ref.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered[userID]
}

// FakeSession is a Session backed by a FakeHomeserver.
type FakeSession struct {
	server      *FakeHomeserver
	userID      ref.UserID
	accessToken string
	masquerade  bool

	mu     sync.Mutex
	closed bool
}

var _ Session = (*FakeSession)(nil)

// UserID implements [Session].
func (s *FakeSession) UserID() ref.UserID { return s.userID }

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements [Session].
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EnsureRegistered implements [Session].
func (s *FakeSession) EnsureRegistered(context.Context) error {
	if !s.masquerade {
		return nil
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.registered[s.userID]++
	return nil
}

// WhoAmI implements [Session].
func (s *FakeSession) WhoAmI(context.Context) (ref.UserID, error) {
	if s.masquerade {
		return s.userID, nil
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	userID, ok := s.server.tokens[s.accessToken]
	if !ok {
		return ref.UserID{}, &MatrixError{Code: ErrCodeUnknownToken, Message: "unknown token", StatusCode: 401}
	}
	return userID, nil
}

// CreateRoom implements [Session].
func (s *FakeSession) CreateRoom(_ context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	roomID := s.server.newRoomLocked()
	room := s.server.rooms[roomID]
	room.request = request
	room.members[s.userID] = true
	for _, invitee := range request.Invite {
		room.invited[invitee] = true
	}
	for _, event := range request.InitialState {
		content, err := json.Marshal(event.Content)
		if err != nil {
			return ref.RoomID{}, err
		}
		room.state[stateKey{event.Type, event.StateKey}] = content
	}
	levels := PowerLevels{
		Users:         map[ref.UserID]int{s.userID: 100},
		StateDefault:  50,
		Ban:           50,
		Kick:          50,
		Redact:        50,
		EventsDefault: 0,
	}
	content, err := json.Marshal(levels)
	if err != nil {
		return ref.RoomID{}, err
	}
	if request.PowerLevelContentOverride != nil {
		var merged map[string]any
		if err := json.Unmarshal(content, &merged); err != nil {
			return ref.RoomID{}, err
		}
		for key, value := range request.PowerLevelContentOverride {
			merged[key] = value
		}
		if content, err = json.Marshal(merged); err != nil {
			return ref.RoomID{}, err
		}
	}
	room.state[stateKey{EventTypePowerLevels, ""}] = content
	return roomID, nil
}

// InviteUser implements [Session].
func (s *FakeSession) InviteUser(_ context.Context, roomID ref.RoomID, userID ref.UserID) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return err
	}
	if !room.members[s.userID] {
		return &MatrixError{Code: ErrCodeForbidden, Message: "not in room", StatusCode: 403}
	}
	room.invited[userID] = true
	return nil
}

// JoinRoom implements [Session].
func (s *FakeSession) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return ref.RoomID{}, err
	}
	if s.server.joinFails[s.userID][roomID] {
		return ref.RoomID{}, &MatrixError{Code: ErrCodeForbidden, Message: "join refused", StatusCode: 403}
	}
	room.members[s.userID] = true
	delete(room.invited, s.userID)
	return roomID, nil
}

// LeaveRoom implements [Session].
func (s *FakeSession) LeaveRoom(_ context.Context, roomID ref.RoomID) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return err
	}
	delete(room.members, s.userID)
	return nil
}

// JoinedRooms implements [Session].
func (s *FakeSession) JoinedRooms(context.Context) ([]ref.RoomID, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	var joined []ref.RoomID
	for roomID, room := range s.server.rooms {
		if room.members[s.userID] {
			joined = append(joined, roomID)
		}
	}
	return joined, nil
}

// JoinedMembers implements [Session].
func (s *FakeSession) JoinedMembers(_ context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	s.server.mu.Lock()
	room, err := s.server.room(roomID)
	if err == nil && !room.members[s.userID] {
		err = &MatrixError{Code: ErrCodeForbidden, Message: "not in room", StatusCode: 403}
	}
	s.server.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.server.Members(roomID), nil
}

// SendMessage implements [Session].
func (s *FakeSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// SendEvent implements [Session].
func (s *FakeSession) SendEvent(_ context.Context, roomID ref.RoomID, eventType string, content any) (ref.EventID, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	if !room.members[s.userID] {
		return ref.EventID{}, &MatrixError{Code: ErrCodeForbidden, Message: "not in room", StatusCode: 403}
	}
	eventID := s.server.nextEventIDLocked()
	room.events = append(room.events, SentEvent{EventID: eventID, Sender: s.userID, Type: eventType, Content: content})
	return eventID, nil
}

// SendStateEvent implements [Session].
func (s *FakeSession) SendStateEvent(_ context.Context, roomID ref.RoomID, eventType, key string, content any) (ref.EventID, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: marshaling %s: %w", eventType, err)
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	room.state[stateKey{eventType, key}] = encoded
	return s.server.nextEventIDLocked(), nil
}

// GetStateEvent implements [Session].
func (s *FakeSession) GetStateEvent(_ context.Context, roomID ref.RoomID, eventType, key string) (json.RawMessage, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return nil, err
	}
	content, ok := room.state[stateKey{eventType, key}]
	if !ok {
		return nil, &MatrixError{Code: ErrCodeNotFound, Message: "event not found", StatusCode: 404}
	}
	return slices.Clone(content), nil
}

// SetDisplayName implements [Session].
func (s *FakeSession) SetDisplayName(_ context.Context, displayName string) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	profile := s.server.profiles[s.userID]
	profile.DisplayName = displayName
	s.server.profiles[s.userID] = profile
	return nil
}

// SetAvatarURL implements [Session].
func (s *FakeSession) SetAvatarURL(_ context.Context, avatar ref.ContentURI) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	profile := s.server.profiles[s.userID]
	profile.AvatarURL = avatar
	s.server.profiles[s.userID] = profile
	return nil
}

// SetPresence implements [Session].
func (s *FakeSession) SetPresence(_ context.Context, presence string) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.presence[s.userID] = presence
	return nil
}

// SetTyping implements [Session].
func (s *FakeSession) SetTyping(_ context.Context, roomID ref.RoomID, typing bool, _ time.Duration) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return err
	}
	room.typing[s.userID] = typing
	return nil
}

// SendReceipt implements [Session].
func (s *FakeSession) SendReceipt(_ context.Context, roomID ref.RoomID, eventID ref.EventID) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	room, err := s.server.room(roomID)
	if err != nil {
		return err
	}
	room.receipts[s.userID] = eventID
	return nil
}

// UploadMedia implements [Session].
func (s *FakeSession) UploadMedia(_ context.Context, _ string, body io.Reader) (ref.ContentURI, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return ref.ContentURI{}, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.counter++
	return ref.ParseContentURI(fmt.Sprintf("mxc://%s/media%d", s.server.domain, s.server.counter))
}

// CreateFilter implements [Session].
func (s *FakeSession) CreateFilter(context.Context, Filter) (string, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.counter++
	return fmt.Sprintf("filter%d", s.server.counter), nil
}

// Sync blocks until ctx ends. The fake homeserver has no event stream.
func (s *FakeSession) Sync(ctx context.Context, _ SyncOptions) (*SyncResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
