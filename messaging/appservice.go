// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/secret"
)

// AppService hands out sessions that act through the application-service
// token. Sessions are cached per user so registration state and
// transaction counters survive across calls.
type AppService struct {
	client *Client
	token  *secret.Buffer
	bot    ref.UserID

	mu       sync.Mutex
	sessions map[ref.UserID]*DirectSession
}

// NewAppService creates an AppService. The token buffer is owned by the
// AppService and released by Close.
func NewAppService(client *Client, token *secret.Buffer, bot ref.UserID) *AppService {
	return &AppService{
		client:   client,
		token:    token,
		bot:      bot,
		sessions: make(map[ref.UserID]*DirectSession),
	}
}

// Bot returns the session of the bridge bot.
func (a *AppService) Bot() *DirectSession {
	return a.session(a.bot)
}

// BotUserID returns the bridge bot's user ID.
func (a *AppService) BotUserID() ref.UserID {
	return a.bot
}

// Client returns the underlying Matrix client.
func (a *AppService) Client() *Client {
	return a.client
}

// PuppetSession returns the masquerading session for userID.
func (a *AppService) PuppetSession(userID ref.UserID) Session {
	return a.session(userID)
}

// UserSession creates a session from a user's own access token. The
// caller owns the returned session and must Close it.
func (a *AppService) UserSession(userID ref.UserID, accessToken string) (Session, error) {
	session, err := a.client.SessionFromToken(userID, accessToken)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *AppService) session(userID ref.UserID) *DirectSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if session, ok := a.sessions[userID]; ok {
		return session
	}
	session := &DirectSession{
		client:      a.client,
		accessToken: a.token,
		userID:      userID,
		masquerade:  true,
	}
	a.sessions[userID] = session
	return session
}

// Close releases the appservice token. Sessions handed out before Close
// must not be used afterwards.
func (a *AppService) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = make(map[ref.UserID]*DirectSession)
	if err := a.token.Close(); err != nil {
		return fmt.Errorf("messaging: releasing appservice token: %w", err)
	}
	return nil
}
