// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short directory in /tmp for Unix sockets, since
// sun_path is limited to 108 bytes and t.TempDir() paths can exceed it.
// The sidecar transport tests listen on sockets created here.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so tests that wait on goroutines
// (sync loops, update subscribers) never hang forever. They are the only
// place tests use the wall clock.
//
// [UniqueID] generates increasing identifiers for transaction IDs and
// message bodies.
//
// [Logger] returns an slog.Logger that writes through the test's output,
// so log lines show up next to the failing test.
//
// All helpers call t.Fatalf on failure.
package testutil
