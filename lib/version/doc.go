// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the bridge.
//
// The variables are injected at build time via -ldflags -X and default
// to "unknown" / "0.1.0-dev" in development builds and tests:
//
//	go build -ldflags "-X github.com/bureau-foundation/tgbridge/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Info] and [Full] format --version output. [UserAgent] is sent with
// every request to the homeserver.
package version
