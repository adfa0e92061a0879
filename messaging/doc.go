// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for the bridge.
//
// [Client] holds the homeserver URL and HTTP transport. Authenticated
// work goes through a [DirectSession], which pairs the Client with an
// access token held in a secret.Buffer. Two kinds of session exist:
//
//   - application-service sessions, created through [AppService], which
//     authenticate with the appservice token and act as a bridged user by
//     adding the user_id query parameter to every request. Default
//     puppets and the bridge bot use these.
//   - user sessions, created from a real user's own access token. Custom
//     puppets use these once the token has been verified with WhoAmI.
//
// Both satisfy [Session], the interface the puppet and portal layers
// program against.
//
// Every API failure is returned as a [*MatrixError] carrying the Matrix
// error code and HTTP status; [IsMatrixError] tests for a specific code.
// Request URLs are built by string concatenation with url.PathEscape on
// each path segment.
package messaging
