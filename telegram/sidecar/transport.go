// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sidecar

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/tgbridge/telegram"
)

// Transport is one session's view of the sidecar. It implements
// [telegram.Transport].
type Transport struct {
	client  *Client
	session string

	mu      sync.Mutex
	handler telegram.UpdateHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ telegram.Transport = (*Transport)(nil)

// Transport returns a transport for the named session. The sidecar
// keys its Telegram connections and session files by this name.
func (c *Client) Transport(session string) *Transport {
	return &Transport{client: c, session: session}
}

// Session returns the sidecar session name.
func (t *Transport) Session() string { return t.session }

func (t *Transport) call(ctx context.Context, action string, fields map[string]any, result any) error {
	return t.client.Call(ctx, action, t.session, fields, result)
}

// Subscribe sets the update handler. Replacing it while connected takes
// effect on the next reconnect.
func (t *Transport) Subscribe(handler telegram.UpdateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect asks the sidecar to connect the session and starts the update
// stream. The stream outlives ctx; it stops on Disconnect. Connecting
// an already connected transport only repeats the sidecar request.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.call(ctx, "connect", nil, nil); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil || t.handler == nil {
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.client.runStream(streamCtx, t.session, t.handler, t.done)
	return nil
}

// Disconnect stops the update stream, waits for the in-flight handler
// to return, and asks the sidecar to disconnect the session.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.call(ctx, "disconnect", nil, nil)
}

// IsAuthorized reports whether the sidecar session is logged in.
func (t *Transport) IsAuthorized(ctx context.Context) (bool, error) {
	var result struct {
		Authorized bool `cbor:"authorized"`
	}
	if err := t.call(ctx, "is_authorized", nil, &result); err != nil {
		return false, err
	}
	return result.Authorized, nil
}

// SendCode asks Telegram to send a login code to phone.
func (t *Transport) SendCode(ctx context.Context, phone string) error {
	return t.call(ctx, "send_code", map[string]any{"phone": phone}, nil)
}

// SignIn completes a login with whichever credentials request carries.
func (t *Transport) SignIn(ctx context.Context, request telegram.SignInRequest) (*telegram.User, error) {
	fields := map[string]any{}
	if request.Phone != "" {
		fields["phone"] = request.Phone
	}
	if request.Code != "" {
		fields["code"] = request.Code
	}
	if request.Password != "" {
		fields["password"] = request.Password
	}
	if request.BotToken != "" {
		fields["bot_token"] = request.BotToken
	}
	if len(fields) == 0 {
		return nil, errors.New("sidecar: sign_in: empty request")
	}
	return t.callUser(ctx, "sign_in", fields)
}

// SignUp registers the phone a code was sent to under a new name.
func (t *Transport) SignUp(ctx context.Context, code, firstName, lastName string) (*telegram.User, error) {
	return t.callUser(ctx, "sign_up", map[string]any{
		"code":       code,
		"first_name": firstName,
		"last_name":  lastName,
	})
}

// GetMe returns the logged-in account.
func (t *Transport) GetMe(ctx context.Context) (*telegram.User, error) {
	return t.callUser(ctx, "get_me", nil)
}

// GetUser fetches the profile of id.
func (t *Transport) GetUser(ctx context.Context, id telegram.UserID) (*telegram.User, error) {
	return t.callUser(ctx, "get_user", map[string]any{"user_id": int64(id)})
}

func (t *Transport) callUser(ctx context.Context, action string, fields map[string]any) (*telegram.User, error) {
	var user telegram.User
	if err := t.call(ctx, action, fields, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, &Error{Action: action, Message: "response carries no user"}
	}
	return &user, nil
}

// DownloadProfilePhoto fetches the image bytes of photo.
func (t *Transport) DownloadProfilePhoto(ctx context.Context, id telegram.UserID, photo *telegram.ProfilePhoto) (*telegram.Photo, error) {
	if photo == nil {
		return nil, errors.New("sidecar: download_profile_photo: no photo")
	}
	var result telegram.Photo
	fields := map[string]any{"user_id": int64(id), "photo_id": photo.ID}
	if err := t.call(ctx, "download_profile_photo", fields, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateUsername sets the account's username. An empty name removes it.
func (t *Transport) UpdateUsername(ctx context.Context, username string) error {
	return t.call(ctx, "update_username", map[string]any{"username": username}, nil)
}

// LogOut terminates the Telegram session.
func (t *Transport) LogOut(ctx context.Context) error {
	return t.call(ctx, "log_out", nil, nil)
}

// SetTyping starts or cancels the typing action in peer.
func (t *Transport) SetTyping(ctx context.Context, peer telegram.Peer, typing bool) error {
	return t.call(ctx, "set_typing", map[string]any{"peer": peer, "typing": typing}, nil)
}

// ReadHistory marks messages in peer up to maxID as read.
func (t *Transport) ReadHistory(ctx context.Context, peer telegram.Peer, maxID int) error {
	return t.call(ctx, "read_history", map[string]any{"peer": peer, "max_id": maxID}, nil)
}

// SetOnline sets the account's online status.
func (t *Transport) SetOnline(ctx context.Context, online bool) error {
	return t.call(ctx, "set_online", map[string]any{"online": online}, nil)
}
