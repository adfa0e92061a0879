// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram defines the bridge's view of the Telegram network:
// identifiers, users, messages, the decoded [Update] sum type, typed RPC
// errors, and the [Transport] interface a session uses to talk to its
// Telegram account.
//
// Nothing here speaks MTProto. Updates arrive already decoded from a
// sidecar process (see the sidecar subpackage); this package only
// fixes the shapes the rest of the bridge matches on.
//
// [Update] is sealed: every variant is declared in this package and
// consumers switch over them exhaustively, with [Unknown] standing in
// for anything the transport could not classify.
package telegram
