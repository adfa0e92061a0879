// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/secret"
)

// DirectSession is an authenticated Matrix session. It is either a user
// session holding the user's own access token, or an application-service
// session that masquerades as userID using the appservice token.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	ownsToken   bool
	userID      ref.UserID

	// masquerade adds user_id=<userID> to every request.
	masquerade bool
	registered atomic.Bool

	transactionCounter atomic.Int64
}

// UserID returns the Matrix user the session acts as.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// IsAppService reports whether the session acts through the appservice
// token rather than the user's own access token.
func (s *DirectSession) IsAppService() bool {
	return s.masquerade
}

// Close releases the access token memory for user sessions. Appservice
// sessions share the appservice token and leave it alone. Idempotent.
func (s *DirectSession) Close() error {
	if s.ownsToken && s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

func (s *DirectSession) query(values url.Values) url.Values {
	if !s.masquerade {
		return values
	}
	if values == nil {
		values = url.Values{}
	}
	values.Set("user_id", s.userID.String())
	return values
}

func (s *DirectSession) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	return s.client.doRequest(ctx, method, path, s.accessToken, s.query(query), body)
}

// EnsureRegistered registers the session's user with the homeserver
// through the appservice registration flow. An existing account is not
// an error. User sessions are always registered already.
func (s *DirectSession) EnsureRegistered(ctx context.Context) error {
	if !s.masquerade || s.registered.Load() {
		return nil
	}
	request := map[string]any{
		"type":          "m.login.application_service",
		"username":      s.userID.Localpart(),
		"inhibit_login": true,
	}
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", s.accessToken, nil, request)
	if err != nil && !IsMatrixError(err, ErrCodeUserInUse) {
		return fmt.Errorf("messaging: registering %s failed: %w", s.userID, err)
	}
	s.registered.Store(true)
	return nil
}

// WhoAmI returns the user the access token belongs to.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.request(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}
	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a new room.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	body, err := s.request(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: create room failed: %w", err)
	}
	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}
	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"name", request.Name,
		"creator", s.userID,
	)
	return response.RoomID, nil
}

// JoinRoom joins a room by ID and returns the joined room's ID.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.request(ctx, http.MethodPost, path, nil, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}
	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// InviteUser invites a user to a room.
func (s *DirectSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID.String()))
	if _, err := s.request(ctx, http.MethodPost, path, nil, InviteRequest{UserID: userID}); err != nil {
		return fmt.Errorf("messaging: invite %s to %s failed: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom leaves a room.
func (s *DirectSession) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID.String()))
	if _, err := s.request(ctx, http.MethodPost, path, nil, struct{}{}); err != nil {
		return fmt.Errorf("messaging: leave room %s failed: %w", roomID, err)
	}
	return nil
}

// JoinedRooms returns the rooms the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.request(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}
	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// JoinedMembers returns the joined members of roomID, sorted.
func (s *DirectSession) JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID.String()))
	body, err := s.request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined members of %s failed: %w", roomID, err)
	}
	var response JoinedMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined members response: %w", err)
	}
	members := make([]ref.UserID, 0, len(response.Joined))
	for userID := range response.Joined {
		members = append(members, userID)
	}
	slices.SortFunc(members, func(a, b ref.UserID) int { return strings.Compare(a.String(), b.String()) })
	return members, nil
}

// SendMessage sends an m.room.message event and returns its ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// SendEvent sends a timeline event using an idempotent transaction ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(s.nextTransactionID()),
	)
	body, err := s.request(ctx, http.MethodPut, path, nil, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send %s to %s failed: %w", eventType, roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendStateEvent sets a state event and returns its ID.
func (s *DirectSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
	body, err := s.request(ctx, http.MethodPut, path, nil, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state %s to %s failed: %w", eventType, roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches the raw content of a state event. A missing
// event is a *MatrixError with code M_NOT_FOUND.
func (s *DirectSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
	body, err := s.request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state %s/%s in %s failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// SetDisplayName sets the user's global display name.
func (s *DirectSession) SetDisplayName(ctx context.Context, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.userID.String()) + "/displayname"
	if _, err := s.request(ctx, http.MethodPut, path, nil, map[string]string{"displayname": displayName}); err != nil {
		return fmt.Errorf("messaging: set display name for %s failed: %w", s.userID, err)
	}
	return nil
}

// SetAvatarURL sets the user's global avatar. A zero URI clears it.
func (s *DirectSession) SetAvatarURL(ctx context.Context, avatar ref.ContentURI) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.userID.String()) + "/avatar_url"
	if _, err := s.request(ctx, http.MethodPut, path, nil, map[string]string{"avatar_url": avatar.String()}); err != nil {
		return fmt.Errorf("messaging: set avatar for %s failed: %w", s.userID, err)
	}
	return nil
}

// SetPresence sets the user's presence: PresenceOnline,
// PresenceOffline, or PresenceUnavailable.
func (s *DirectSession) SetPresence(ctx context.Context, presence string) error {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(s.userID.String()) + "/status"
	if _, err := s.request(ctx, http.MethodPut, path, nil, SetPresenceRequest{Presence: presence}); err != nil {
		return fmt.Errorf("messaging: set presence for %s failed: %w", s.userID, err)
	}
	return nil
}

// SetTyping starts or stops the typing notification in a room. timeout
// is ignored when typing is false.
func (s *DirectSession) SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(s.userID.String()),
	)
	request := TypingRequest{Typing: typing}
	if typing {
		request.Timeout = timeout.Milliseconds()
	}
	if _, err := s.request(ctx, http.MethodPut, path, nil, request); err != nil {
		return fmt.Errorf("messaging: set typing in %s failed: %w", roomID, err)
	}
	return nil
}

// SendReceipt marks eventID as read.
func (s *DirectSession) SendReceipt(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/receipt/%s/%s",
		url.PathEscape(roomID.String()),
		ReceiptTypeRead,
		url.PathEscape(eventID.String()),
	)
	if _, err := s.request(ctx, http.MethodPost, path, nil, struct{}{}); err != nil {
		return fmt.Errorf("messaging: send receipt in %s failed: %w", roomID, err)
	}
	return nil
}

// UploadMedia uploads content to the media repository.
func (s *DirectSession) UploadMedia(ctx context.Context, contentType string, body io.Reader) (ref.ContentURI, error) {
	responseBody, err := s.client.doRequestRaw(ctx, http.MethodPost, "/_matrix/media/v3/upload",
		s.accessToken, s.query(nil), contentType, body)
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: media upload failed: %w", err)
	}
	var response UploadResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: failed to parse upload response: %w", err)
	}
	return response.ContentURI, nil
}

// CreateFilter uploads a sync filter and returns its ID.
func (s *DirectSession) CreateFilter(ctx context.Context, filter Filter) (string, error) {
	path := "/_matrix/client/v3/user/" + url.PathEscape(s.userID.String()) + "/filter"
	body, err := s.request(ctx, http.MethodPost, path, nil, filter)
	if err != nil {
		return "", fmt.Errorf("messaging: create filter failed: %w", err)
	}
	var response CreateFilterResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse filter response: %w", err)
	}
	return response.FilterID, nil
}

// Sync performs one /sync request. Leave options.Since empty for the
// initial sync.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	if options.SetPresence != "" {
		query.Set("set_presence", options.SetPresence)
	}

	body, err := s.request(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// CloseIdleConnections drops the shared client's pooled connections.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// nextTransactionID returns "tgbridge-<ms>-<counter>", unique across
// restarts.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("tgbridge-%d-%d", time.Now().UnixMilli(), counter)
}
