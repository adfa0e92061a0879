// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bureau-foundation/tgbridge/lib/clock"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/puppet"
	"github.com/bureau-foundation/tgbridge/session"
)

// Config holds the dependencies of a Processor.
type Config struct {
	Sessions *session.Manager
	Registry *puppet.Registry

	// Bot is the bridge bot's session. Replies are sent through it.
	Bot messaging.Session

	// Prefix is required before commands outside the management room.
	Prefix string

	// AllowMatrixLogin permits login steps sent as Matrix messages.
	AllowMatrixLogin bool

	// Clock formats rate-limit waits. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Processor parses and executes bridge bot commands.
type Processor struct {
	sessions         *session.Manager
	registry         *puppet.Registry
	bot              messaging.Session
	prefix           string
	allowMatrixLogin bool
	clock            clock.Clock
	logger           *slog.Logger
}

// NewProcessor validates cfg and returns a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Sessions == nil || cfg.Registry == nil || cfg.Bot == nil {
		return nil, errors.New("commands: sessions, registry and bot are required")
	}
	if cfg.Prefix == "" {
		return nil, errors.New("commands: prefix is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("commands: logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Processor{
		sessions:         cfg.Sessions,
		registry:         cfg.Registry,
		bot:              cfg.Bot,
		prefix:           cfg.Prefix,
		allowMatrixLogin: cfg.AllowMatrixLogin,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
	}, nil
}

// Message is a text message that may carry a command.
type Message struct {
	RoomID  ref.RoomID
	EventID ref.EventID
	Sender  ref.UserID
	Body    string

	// IsManagement marks the sender's management room, where commands
	// need no prefix.
	IsManagement bool
}

// request is one command invocation.
type request struct {
	processor  *Processor
	user       *session.Session
	roomID     ref.RoomID
	management bool
	command    string
	args       []string

	// pending is the continuation this request answers, if any.
	pending *Continuation
	logger  *slog.Logger
}

// Handle executes the command in message, if it carries one. Errors
// are reported to the user, never returned.
func (p *Processor) Handle(ctx context.Context, message Message) {
	if message.Sender == p.bot.UserID() || p.registry.Mapper().IsPuppet(message.Sender) {
		return
	}
	text, ok := p.commandText(message)
	if !ok {
		return
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	logger := p.logger.With("room_id", message.RoomID, "sender", message.Sender)
	user, err := p.sessions.Get(ctx, message.Sender, true)
	if err != nil {
		logger.Error("failed to load session for command", "error", err)
		return
	}
	r := &request{
		processor:  p,
		user:       user,
		roomID:     message.RoomID,
		management: message.IsManagement,
		logger:     logger,
	}
	if !user.Whitelisted() {
		r.reply(ctx, "You are not whitelisted to use this bridge.")
		return
	}
	if message.IsManagement {
		if err := user.SetManagementRoom(ctx, message.RoomID); err != nil {
			logger.Warn("failed to record management room", "error", err)
		}
	}
	if err := user.EnsureStarted(ctx); err != nil {
		logger.Warn("failed to start telegram session", "error", err)
	}

	name := strings.ToLower(fields[0])
	definition, known := builtinCommands[name]
	if !known {
		if pending := takePending(user); pending != nil {
			r.pending = pending
			r.args = fields
			r.logger = logger.With("step", pending.Step)
			steps[pending.Step](ctx, r)
			return
		}
		r.reply(ctx, "Unknown command. Try `$cmdprefix+sp help` for help.")
		return
	}

	r.command = name
	r.args = fields[1:]
	r.logger = logger.With("command", name)
	if definition.managementOnly && !message.IsManagement {
		r.reply(ctx, "This command requires you to be in a management room.")
		return
	}
	if definition.needsAuth {
		loggedIn, err := user.LoggedIn(ctx)
		if err != nil {
			r.logger.Warn("failed to check login state", "error", err)
		}
		if !loggedIn {
			r.reply(ctx, "That command requires you to be logged in.")
			return
		}
	}
	r.logger.Info("processing command")
	definition.handler(ctx, r)
}

// commandText strips the command prefix from message. Outside the
// management room a message without the prefix is not a command.
func (p *Processor) commandText(message Message) (string, bool) {
	body := strings.TrimSpace(message.Body)
	if rest, ok := strings.CutPrefix(body, p.prefix); ok && (rest == "" || rest[0] == ' ') {
		return strings.TrimSpace(rest), true
	}
	if message.IsManagement {
		return body, true
	}
	return "", false
}

var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownInstance
}

// reply sends text, formatted with args, as a notice. "$cmdprefix+sp "
// expands to the prefix and a space outside the management room and to
// nothing inside it; "$cmdprefix" expands to the prefix.
func (r *request) reply(ctx context.Context, format string, args ...any) {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	spaced := r.processor.prefix + " "
	if r.management {
		spaced = ""
	}
	text = strings.ReplaceAll(text, "$cmdprefix+sp ", spaced)
	text = strings.ReplaceAll(text, "$cmdprefix", r.processor.prefix)

	content := messaging.NewNotice(text)
	var html bytes.Buffer
	if err := markdown().Convert([]byte(text), &html); err != nil {
		r.logger.Warn("failed to render reply", "error", err)
	} else {
		content = messaging.NewHTMLNotice(text, strings.TrimSpace(html.String()))
	}
	if _, err := r.processor.bot.SendMessage(ctx, r.roomID, content); err != nil {
		r.logger.Error("failed to send command reply", "error", err)
	}
}
