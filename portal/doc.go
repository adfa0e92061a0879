// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package portal mirrors Telegram chats as Matrix rooms.
//
// A [Portal] is one chat: a direct chat scoped to the session that
// sees it, or a group or channel shared by every session. The
// [Manager] hands portals to the update dispatcher through the
// session.Conversations interface and creates the Matrix room the
// first time a message needs one. Text messages, edits, typing, power
// levels, pins and read receipts are mirrored; other message content is
// out of scope.
//
// The Manager also relays in the opposite direction: typing, read
// receipts and presence of bridged Matrix users go back to Telegram
// through the user's own session, whether they arrive in an appservice
// transaction or from a custom puppet's sync loop.
package portal
