// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// commandDefinition describes a single built-in command: whether it
// needs a logged-in account, whether it only works in the management
// room, its help line, and the handler function.
type commandDefinition struct {
	needsAuth      bool
	managementOnly bool
	helpArgs       string
	helpText       string
	handler        func(ctx context.Context, r *request)
}

// builtinCommands maps command names to their definitions. It is
// filled in init because help lists it.
var builtinCommands map[string]commandDefinition

func init() {
	builtinCommands = map[string]commandDefinition{
		"help": {
			helpText: "Show this help message.",
			handler:  handleHelp,
		},
		"cancel": {
			helpText: "Cancel an ongoing action, such as login.",
			handler:  handleCancel,
		},
		"ping": {
			helpText: "Check if you're logged into Telegram.",
			handler:  handlePing,
		},
		"login": {
			managementOnly: true,
			helpText:       "Get instructions on how to log in.",
			handler:        handleLogin,
		},
		"register": {
			managementOnly: true,
			helpArgs:       "<_phone_> <_full name_>",
			helpText:       "Register to Telegram.",
			handler:        handleRegister,
		},
		"enter-phone-or-token": {handler: handleEnterPhoneOrToken},
		"enter-code":           {handler: handleEnterCode},
		"enter-password":       {handler: handleEnterPassword},
		"logout": {
			needsAuth: true,
			helpText:  "Log out from Telegram.",
			handler:   handleLogout,
		},
		"username": {
			needsAuth: true,
			helpArgs:  "<_new username_>",
			helpText:  "Change your Telegram username. `-` removes it.",
			handler:   handleUsername,
		},
		"login-matrix": {
			needsAuth:      true,
			managementOnly: true,
			helpText:       "Replace your Telegram account's Matrix puppet with your own Matrix account.",
			handler:        handleLoginMatrix,
		},
		"logout-matrix": {
			needsAuth: true,
			helpText:  "Revert your Telegram account's Matrix puppet to use the default Matrix account.",
			handler:   handleLogoutMatrix,
		},
	}
}

func handleHelp(ctx context.Context, r *request) {
	names := make([]string, 0, len(builtinCommands))
	for name, definition := range builtinCommands {
		if definition.helpText != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var help strings.Builder
	if r.management {
		help.WriteString("This is a management room: prefixing commands with `$cmdprefix` is not required.\n\n")
	} else {
		help.WriteString("**This is not a management room**: you must prefix commands with `$cmdprefix`.\n\n")
	}
	for _, name := range names {
		definition := builtinCommands[name]
		fmt.Fprintf(&help, "* **%s**", name)
		if definition.helpArgs != "" {
			fmt.Fprintf(&help, " %s", definition.helpArgs)
		}
		fmt.Fprintf(&help, " - %s\n", definition.helpText)
	}
	r.reply(ctx, help.String())
}

func handleCancel(ctx context.Context, r *request) {
	pending := r.user.TakePending()
	if pending == nil {
		r.reply(ctx, "No ongoing command.")
		return
	}
	r.reply(ctx, "%s cancelled.", pending.PendingAction())
}

func handlePing(ctx context.Context, r *request) {
	if !r.loggedIn(ctx) {
		r.reply(ctx, "You're not logged in.")
		return
	}
	me, err := r.user.Transport().GetMe(ctx)
	if err != nil {
		r.fail(ctx, "checking your account", err, nil)
		return
	}
	r.reply(ctx, "You're logged in as %s", accountName(me.ID, me.Username, me.Phone))
}
