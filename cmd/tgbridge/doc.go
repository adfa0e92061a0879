// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tgbridge is a puppeting bridge between Telegram and Matrix. It runs
// as a Matrix application service: the homeserver pushes events to
// its transaction endpoint, and a local MTProto sidecar carries every
// Telegram session.
//
// Configuration comes from the YAML file named by --config or the
// TGBRIDGE_CONFIG environment variable.
package main
