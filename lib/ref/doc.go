// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable value types for Matrix
// identifiers: user IDs, room IDs, event IDs, and mxc:// content URIs.
//
// Identifiers are parsed once at the boundary (configuration, HTTP
// responses, the store) and passed around as typed values afterwards,
// so a room ID can never be handed to a function expecting a user ID.
// The zero value of every type means "unset"; use IsZero to check.
// All types implement encoding.TextMarshaler and TextUnmarshaler so they
// round-trip through JSON, YAML, and CBOR as plain strings.
package ref
