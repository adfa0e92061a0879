// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sidecar implements [telegram.Transport] against the MTProto
// sidecar process.
//
// The sidecar owns every Telegram connection and exposes them over a
// Unix socket. Requests are CBOR maps with an "action" field and the
// name of the session (one per bridged Matrix user) they act on. Each
// request uses its own connection: the client writes one request,
// half-closes, and reads one [Response]. The "subscribe" action is the
// exception: after the response the connection stays open and carries
// a stream of update envelopes until either side closes it.
//
// A single [Client] is shared by every session. It rate limits requests
// across all of them so a burst of logins cannot flood the sidecar.
package sidecar
