// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/tgbridge/commands"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/lib/secret"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
)

const (
	// maxTransactionSize caps the body of one transaction.
	maxTransactionSize = 32 << 20

	// seenTransactions is how many transaction ids are remembered for
	// retry detection.
	seenTransactions = 256
)

// Commands executes bot commands.
type Commands interface {
	Handle(ctx context.Context, message commands.Message)
}

// Ephemeral relays typing notifications and read receipts.
type Ephemeral interface {
	HandleMatrixEphemeral(ctx context.Context, event messaging.Event) error
}

// Users decides who may talk to the bridge bot.
type Users interface {
	IsWhitelisted(mxid ref.UserID) bool
}

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	// HSToken authenticates the homeserver.
	HSToken *secret.Buffer

	Bot     messaging.Session
	Gateway puppet.Gateway
	Mapper  puppet.IDMapper

	Commands  Commands
	Ephemeral Ephemeral
	Users     Users

	Logger *slog.Logger
}

// Handler implements the homeserver-facing appservice API: event
// transactions and user queries for the puppet namespace.
type Handler struct {
	hsToken   *secret.Buffer
	bot       messaging.Session
	gateway   puppet.Gateway
	mapper    puppet.IDMapper
	commands  Commands
	ephemeral Ephemeral
	users     Users
	logger    *slog.Logger
	mux       *http.ServeMux

	mu      sync.Mutex
	seen    map[string]bool
	order   []string
	members map[ref.RoomID][]ref.UserID
}

// NewHandler validates cfg and returns a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.HSToken == nil {
		return nil, errors.New("appservice: homeserver token is required")
	}
	if cfg.Bot == nil || cfg.Gateway == nil {
		return nil, errors.New("appservice: bot and gateway are required")
	}
	if cfg.Commands == nil || cfg.Ephemeral == nil || cfg.Users == nil {
		return nil, errors.New("appservice: commands, ephemeral and users are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("appservice: logger is required")
	}
	h := &Handler{
		hsToken:   cfg.HSToken,
		bot:       cfg.Bot,
		gateway:   cfg.Gateway,
		mapper:    cfg.Mapper,
		commands:  cfg.Commands,
		ephemeral: cfg.Ephemeral,
		users:     cfg.Users,
		logger:    cfg.Logger,
		seen:      make(map[string]bool),
		members:   make(map[ref.RoomID][]ref.UserID),
	}

	mux := http.NewServeMux()
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		mux.HandleFunc("PUT "+prefix+"/transactions/{txnID}", h.authorized(h.handleTransaction))
		mux.HandleFunc("GET "+prefix+"/users/{userID}", h.authorized(h.handleUserQuery))
		mux.HandleFunc("GET "+prefix+"/rooms/{alias}", h.authorized(h.handleRoomQuery))
	}
	mux.HandleFunc("POST /_matrix/app/v1/ping", h.authorized(h.handlePing))
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

// authorized rejects requests that do not carry the homeserver token,
// either as a bearer token or as the legacy access_token parameter.
func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		token, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = request.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(writer, http.StatusUnauthorized, messaging.ErrCodeMissingToken, "missing homeserver token")
			return
		}
		if !h.hsToken.Equal(token) {
			h.logger.Warn("rejected appservice request with wrong token", "path", request.URL.Path)
			writeError(writer, http.StatusForbidden, messaging.ErrCodeForbidden, "invalid homeserver token")
			return
		}
		next(writer, request)
	}
}

// transaction is the body of PUT /transactions/{txnId}.
type transaction struct {
	Events    []messaging.Event `json:"events"`
	Ephemeral []messaging.Event `json:"ephemeral"`

	// Homeservers that predate stable MSC2409 send ephemeral events
	// under the unstable name.
	UnstableEphemeral []messaging.Event `json:"de.sorunome.msc2409.ephemeral"`
}

func (h *Handler) handleTransaction(writer http.ResponseWriter, request *http.Request) {
	txnID := request.PathValue("txnID")
	if h.alreadySeen(txnID) {
		writeJSON(writer, http.StatusOK, struct{}{})
		return
	}

	var body transaction
	decoder := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxTransactionSize))
	if err := decoder.Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, messaging.ErrCodeInvalidParam, "malformed transaction")
		return
	}

	ctx := request.Context()
	logger := h.logger.With("txn_id", txnID)
	logger.Debug("processing transaction",
		"events", len(body.Events),
		"ephemeral", len(body.Ephemeral)+len(body.UnstableEphemeral),
	)
	for _, event := range body.Events {
		h.handleEvent(ctx, logger, event)
	}
	for _, event := range slices.Concat(body.Ephemeral, body.UnstableEphemeral) {
		if err := h.ephemeral.HandleMatrixEphemeral(ctx, event); err != nil {
			logger.Warn("failed to relay ephemeral event", "type", event.Type, "room_id", event.RoomID, "error", err)
		}
	}

	h.markSeen(txnID)
	writeJSON(writer, http.StatusOK, struct{}{})
}

func (h *Handler) alreadySeen(txnID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[txnID]
}

func (h *Handler) markSeen(txnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[txnID] {
		return
	}
	if len(h.order) == seenTransactions {
		delete(h.seen, h.order[0])
		h.order = h.order[1:]
	}
	h.seen[txnID] = true
	h.order = append(h.order, txnID)
}

func (h *Handler) handleEvent(ctx context.Context, logger *slog.Logger, event messaging.Event) {
	switch event.Type {
	case messaging.EventTypeMember:
		h.forgetMembers(event.RoomID)
		membership, _ := event.Content["membership"].(string)
		if membership == "invite" && event.StateKey != nil && *event.StateKey == h.bot.UserID().String() {
			h.handleBotInvite(ctx, logger, event)
		}
	case messaging.EventTypeMessage:
		h.handleMessage(ctx, logger, event)
	}
}

// handleMessage hands text messages of real users to the command
// processor.
func (h *Handler) handleMessage(ctx context.Context, logger *slog.Logger, event messaging.Event) {
	if event.Sender == h.bot.UserID() || h.mapper.IsPuppet(event.Sender) {
		return
	}
	msgtype, _ := event.Content["msgtype"].(string)
	body, _ := event.Content["body"].(string)
	if msgtype != messaging.MsgTypeText || body == "" {
		return
	}
	management, err := h.isManagementRoom(ctx, event.RoomID, event.Sender)
	if err != nil {
		logger.Warn("failed to read room members", "room_id", event.RoomID, "error", err)
	}
	h.commands.Handle(ctx, commands.Message{
		RoomID:       event.RoomID,
		EventID:      event.EventID,
		Sender:       event.Sender,
		Body:         body,
		IsManagement: management,
	})
}

// isManagementRoom reports whether roomID holds exactly the bot and
// sender.
func (h *Handler) isManagementRoom(ctx context.Context, roomID ref.RoomID, sender ref.UserID) (bool, error) {
	h.mu.Lock()
	members, cached := h.members[roomID]
	h.mu.Unlock()
	if !cached {
		var err error
		members, err = h.bot.JoinedMembers(ctx, roomID)
		if err != nil {
			return false, err
		}
		h.mu.Lock()
		h.members[roomID] = members
		h.mu.Unlock()
	}
	return len(members) == 2 &&
		slices.Contains(members, h.bot.UserID()) &&
		slices.Contains(members, sender), nil
}

func (h *Handler) forgetMembers(roomID ref.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, roomID)
}

// handleBotInvite accepts invites from whitelisted users and rejects
// the rest.
func (h *Handler) handleBotInvite(ctx context.Context, logger *slog.Logger, event messaging.Event) {
	logger = logger.With("room_id", event.RoomID, "inviter", event.Sender)
	if !h.users.IsWhitelisted(event.Sender) {
		logger.Info("rejecting invite from user outside the whitelist")
		if err := h.bot.LeaveRoom(ctx, event.RoomID); err != nil {
			logger.Warn("failed to reject invite", "error", err)
		}
		return
	}
	if _, err := h.bot.JoinRoom(ctx, event.RoomID); err != nil {
		logger.Warn("failed to accept invite", "error", err)
		return
	}
	management, err := h.isManagementRoom(ctx, event.RoomID, event.Sender)
	if err != nil {
		logger.Warn("failed to read room members", "error", err)
		return
	}
	if !management {
		return
	}
	notice := messaging.NewNotice("Hello, I'm a Telegram bridge bot. " +
		"This room can be used as your management room: send `help` for a list of commands.")
	if _, err := h.bot.SendMessage(ctx, event.RoomID, notice); err != nil {
		logger.Warn("failed to greet inviter", "error", err)
	}
}

// handleUserQuery tells the homeserver whether a user in the puppet
// namespace exists, registering it on first query.
func (h *Handler) handleUserQuery(writer http.ResponseWriter, request *http.Request) {
	userID, err := ref.ParseUserID(request.PathValue("userID"))
	if err != nil || !h.mapper.IsPuppet(userID) {
		writeError(writer, http.StatusNotFound, messaging.ErrCodeNotFound, "user not bridged")
		return
	}
	if err := h.gateway.PuppetSession(userID).EnsureRegistered(request.Context()); err != nil {
		h.logger.Warn("failed to register queried puppet", "user_id", userID, "error", err)
		writeError(writer, http.StatusInternalServerError, messaging.ErrCodeUnknown, "registration failed")
		return
	}
	writeJSON(writer, http.StatusOK, struct{}{})
}

// handleRoomQuery answers room alias queries. The bridge does not
// provision rooms by alias.
func (h *Handler) handleRoomQuery(writer http.ResponseWriter, request *http.Request) {
	writeError(writer, http.StatusNotFound, messaging.ErrCodeNotFound, "room aliases are not bridged")
}

func (h *Handler) handlePing(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, struct{}{})
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(value)
}

func writeError(writer http.ResponseWriter, status int, code, message string) {
	writeJSON(writer, status, messaging.MatrixError{Code: code, Message: message})
}
