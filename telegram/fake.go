// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// NewFakeTransport returns an in-memory Transport for tests. The
// account it signs in as is set with SetAccount; failures are scripted
// with FailNext.
//
// FakeTransport is safe for concurrent use by multiple goroutines.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		users:    make(map[UserID]*User),
		photos:   make(map[string]*Photo),
		failures: make(map[string][]error),
	}
}

// FakeTransport is a deterministic Transport. Updates reach the
// subscribed handler only through Deliver.
type FakeTransport struct {
	mu         sync.Mutex
	handler    UpdateHandler
	connected  bool
	authorized bool
	account    *User
	users      map[UserID]*User
	photos     map[string]*Photo
	failures   map[string][]error
	calls      FakeCalls
}

// FakeCalls records what a FakeTransport was asked to do.
type FakeCalls struct {
	Connects    int
	Disconnects int
	CodesSent   []string
	SignIns     []SignInRequest
	SignUps     [][3]string
	Usernames   []string
	LogOuts     int
	Typing      []FakeTyping
	Reads       []FakeRead
	Online      []bool
}

// FakeTyping is one SetTyping call.
type FakeTyping struct {
	Peer   Peer
	Typing bool
}

// FakeRead is one ReadHistory call.
type FakeRead struct {
	Peer  Peer
	MaxID int
}

// SetAccount sets the user SignIn and SignUp authorize as and GetMe
// reports. A non-nil account with authorized set starts logged in.
func (t *FakeTransport) SetAccount(account *User, authorized bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.account = account
	t.authorized = authorized
	if account != nil {
		t.users[account.ID] = account
	}
}

// AddUser makes GetUser answer for user.ID.
func (t *FakeTransport) AddUser(user *User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[user.ID] = user
}

// AddPhoto makes DownloadProfilePhoto answer for photoID.
func (t *FakeTransport) AddPhoto(photoID string, photo *Photo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.photos[photoID] = photo
}

// FailNext makes the next call to method (e.g. "SignIn") return err.
// Queued failures are consumed in order.
func (t *FakeTransport) FailNext(method string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[method] = append(t.failures[method], err)
}

func (t *FakeTransport) failure(method string) error {
	queue := t.failures[method]
	if len(queue) == 0 {
		return nil
	}
	t.failures[method] = queue[1:]
	return queue[0]
}

// Calls returns a copy of the calls made so far.
func (t *FakeTransport) Calls() FakeCalls {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := t.calls
	calls.CodesSent = slices.Clone(calls.CodesSent)
	calls.SignIns = slices.Clone(calls.SignIns)
	calls.SignUps = slices.Clone(calls.SignUps)
	calls.Usernames = slices.Clone(calls.Usernames)
	calls.Typing = slices.Clone(calls.Typing)
	calls.Reads = slices.Clone(calls.Reads)
	calls.Online = slices.Clone(calls.Online)
	return calls
}

// Connected reports whether the transport is connected.
func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Deliver hands update to the subscribed handler on the calling
// goroutine. It reports false when nothing is subscribed.
func (t *FakeTransport) Deliver(ctx context.Context, update Update) bool {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(ctx, update)
	return true
}

// Subscribe implements [Transport].
func (t *FakeTransport) Subscribe(handler UpdateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect implements [Transport].
func (t *FakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failure("Connect"); err != nil {
		return err
	}
	t.calls.Connects++
	t.connected = true
	return nil
}

// Disconnect implements [Transport].
func (t *FakeTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.Disconnects++
	t.connected = false
	return nil
}

// IsAuthorized implements [Transport].
func (t *FakeTransport) IsAuthorized(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failure("IsAuthorized"); err != nil {
		return false, err
	}
	return t.authorized, nil
}

// SendCode implements [Transport].
func (t *FakeTransport) SendCode(_ context.Context, phone string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.CodesSent = append(t.calls.CodesSent, phone)
	return t.failure("SendCode")
}

// SignIn implements [Transport].
func (t *FakeTransport) SignIn(_ context.Context, request SignInRequest) (*User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.SignIns = append(t.calls.SignIns, request)
	if err := t.failure("SignIn"); err != nil {
		return nil, err
	}
	return t.authorize()
}

// SignUp implements [Transport].
func (t *FakeTransport) SignUp(_ context.Context, code, firstName, lastName string) (*User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.SignUps = append(t.calls.SignUps, [3]string{code, firstName, lastName})
	if err := t.failure("SignUp"); err != nil {
		return nil, err
	}
	return t.authorize()
}

func (t *FakeTransport) authorize() (*User, error) {
	if t.account == nil {
		return nil, errors.New("telegram: fake transport has no account")
	}
	t.authorized = true
	account := *t.account
	return &account, nil
}

// GetMe implements [Transport].
func (t *FakeTransport) GetMe(context.Context) (*User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failure("GetMe"); err != nil {
		return nil, err
	}
	if !t.authorized || t.account == nil {
		return nil, &RPCError{Code: 401, Name: ErrAuthKeyUnregistered}
	}
	account := *t.account
	return &account, nil
}

// GetUser implements [Transport].
func (t *FakeTransport) GetUser(_ context.Context, id UserID) (*User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failure("GetUser"); err != nil {
		return nil, err
	}
	user, ok := t.users[id]
	if !ok {
		return nil, &RPCError{Code: 400, Name: "USER_ID_INVALID"}
	}
	copied := *user
	return &copied, nil
}

// DownloadProfilePhoto implements [Transport].
func (t *FakeTransport) DownloadProfilePhoto(_ context.Context, _ UserID, photo *ProfilePhoto) (*Photo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failure("DownloadProfilePhoto"); err != nil {
		return nil, err
	}
	if photo == nil {
		return nil, errors.New("telegram: no photo")
	}
	downloaded, ok := t.photos[photo.ID]
	if !ok {
		return nil, &RPCError{Code: 400, Name: "FILE_ID_INVALID"}
	}
	return downloaded, nil
}

// UpdateUsername implements [Transport].
func (t *FakeTransport) UpdateUsername(_ context.Context, username string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.Usernames = append(t.calls.Usernames, username)
	if err := t.failure("UpdateUsername"); err != nil {
		return err
	}
	if t.account != nil {
		t.account.Username = username
	}
	return nil
}

// LogOut implements [Transport].
func (t *FakeTransport) LogOut(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.LogOuts++
	if err := t.failure("LogOut"); err != nil {
		return err
	}
	t.authorized = false
	return nil
}

// SetTyping implements [Transport].
func (t *FakeTransport) SetTyping(_ context.Context, peer Peer, typing bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.Typing = append(t.calls.Typing, FakeTyping{Peer: peer, Typing: typing})
	return t.failure("SetTyping")
}

// ReadHistory implements [Transport].
func (t *FakeTransport) ReadHistory(_ context.Context, peer Peer, maxID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.Reads = append(t.calls.Reads, FakeRead{Peer: peer, MaxID: maxID})
	return t.failure("ReadHistory")
}

// SetOnline implements [Transport].
func (t *FakeTransport) SetOnline(_ context.Context, online bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls.Online = append(t.calls.Online, online)
	return t.failure("SetOnline")
}

var _ Transport = (*FakeTransport)(nil)
