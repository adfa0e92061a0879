// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the bridge's CBOR configuration.
//
// JSON is used for everything facing Matrix (the client-server API and
// application-service transactions). CBOR is used on the socket between
// the bridge and the Telegram sidecar process, where both ends are ours
// and compact binary framing matters more than readability.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical value always produces the same bytes. Types that
// implement encoding.TextMarshaler (the lib/ref identifiers) are
// written as CBOR text strings.
//
// Buffer-oriented use:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream-oriented use (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire types use `cbor` struct tags when they only ever travel over the
// sidecar socket, and `json` tags when they are shared with a JSON
// surface; fxamacker/cbor falls back to `json` tags when no `cbor` tag is
// present. Never put both on one field.
package codec
