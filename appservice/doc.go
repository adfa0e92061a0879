// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appservice serves the HTTP API a Matrix homeserver uses to
// push events to the bridge.
//
// The homeserver authenticates with the hs_token from the registration
// file and delivers events in numbered transactions. A transaction is
// retried until it is acknowledged, so [Handler] remembers recent
// transaction ids and acknowledges repeats without processing them
// again. Text messages from real users go to the command processor,
// typing notifications and read receipts go to the portal relay, and
// invites for the bridge bot are accepted for whitelisted users.
//
// User queries for the puppet namespace register the queried puppet
// so the homeserver can deliver invites to it before Telegram has
// mentioned that user.
//
// [Server] owns the listener and graceful shutdown.
package appservice
