// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package puppet maintains the Matrix puppets that stand in for
// Telegram users.
//
// A [Registry] owns every [Puppet] in the process: at most one
// instance exists per Telegram user id, cached after the first lookup
// and backed by the record store. A puppet acts on Matrix either as its
// default appservice user (derived from the Telegram id through an
// [IDMapper]) or, after [Puppet.SwitchMXID], as a real Matrix user who
// supplied their own access token. Puppets with such a custom identity
// run a /sync loop that relays the user's own typing, read receipts
// and presence back to Telegram through an [EventSink].
//
// Display names follow an attribution rule: the session that last set
// a puppet's rendered name owns it, and other sessions may only replace
// it with a name taken from a full profile that carries no phone number
// (a profile not colored by one account's contact list).
package puppet
