// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands implements the bridge bot's command processor and
// the login state machine.
//
// Users talk to the bridge bot in a management room (a room with only
// the bot and the user) without a prefix, or in any other room with the
// configured prefix ("!tg login"). Commands are looked up in a table;
// each entry declares whether it needs a logged-in account and whether
// it only works in the management room.
//
// Multi-step commands leave a [Continuation] on the user's
// [session.Session]: a [Step] tag and the payload the next step needs.
// The next message that is not a known command is routed to the step
// function registered for the tag. The continuation is taken before
// the step runs, so a step that fails without re-arming leaves the
// user at a clean prompt. Recoverable Telegram errors (an invalid code
// or password, rate limiting) re-arm the step that failed.
//
// Replies are written in Markdown and sent as m.notice events with an
// HTML rendering.
package commands
