// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import "context"

// SignInRequest carries one sign-in attempt. Exactly one of the
// combinations is used per call: Phone+Code, Password (after
// SESSION_PASSWORD_NEEDED), or BotToken.
type SignInRequest struct {
	Phone    string `cbor:"phone,omitempty"`
	Code     string `cbor:"code,omitempty"`
	Password string `cbor:"password,omitempty"`
	BotToken string `cbor:"bot_token,omitempty"`
}

// Photo is downloaded profile photo data.
type Photo struct {
	Data     []byte `cbor:"data"`
	MIMEType string `cbor:"mime_type"`
}

// Transport is one Telegram account's connection. Every method that
// talks to Telegram may fail with an *RPCError; pass errors through
// [Classify] to decide how to react.
type Transport interface {
	// Connect opens the connection and starts delivering updates to
	// the subscribed handler.
	Connect(ctx context.Context) error

	// Disconnect stops update delivery and closes the connection.
	Disconnect(ctx context.Context) error

	// IsAuthorized reports whether the account is signed in.
	IsAuthorized(ctx context.Context) (bool, error)

	// Subscribe sets the handler that receives updates. Must be called
	// before Connect; updates are delivered sequentially.
	Subscribe(handler UpdateHandler)

	// SendCode requests a login code for phone.
	SendCode(ctx context.Context, phone string) error

	// SignIn completes a sign-in step and returns the signed-in user.
	SignIn(ctx context.Context, request SignInRequest) (*User, error)

	// SignUp registers a new account with the code sent to the phone
	// passed to the preceding SendCode.
	SignUp(ctx context.Context, code, firstName, lastName string) (*User, error)

	// GetMe returns the signed-in account.
	GetMe(ctx context.Context) (*User, error)

	// GetUser fetches a full user profile as seen by this account.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// DownloadProfilePhoto fetches the data of a user's profile photo.
	DownloadProfilePhoto(ctx context.Context, id UserID, photo *ProfilePhoto) (*Photo, error)

	// UpdateUsername changes the account's username. Empty removes it.
	UpdateUsername(ctx context.Context, username string) error

	// LogOut terminates the account's authorization.
	LogOut(ctx context.Context) error

	// SetTyping starts or stops the account's typing indicator in peer.
	SetTyping(ctx context.Context, peer Peer, typing bool) error

	// ReadHistory marks messages in peer up to maxID as read.
	ReadHistory(ctx context.Context, peer Peer, maxID int) error

	// SetOnline sets the account's online status.
	SetOnline(ctx context.Context, online bool) error
}
