// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// bridge's record store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed defaults:
// WAL journal mode so the dispatcher's reads never wait on the auth
// flow's writes, synchronous=NORMAL, a busy timeout for write contention,
// and foreign keys enabled so message mappings follow their portal.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. A connection is not safe for concurrent use.
//
// Schema changes are applied with [Pool.Migrate]: an ordered list of SQL
// scripts tracked by PRAGMA user_version. Each script runs once, inside
// its own transaction, in list order.
package sqlitepool
