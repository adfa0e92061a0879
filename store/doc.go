// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the bridge's records in SQLite: puppets (one
// per Telegram user), users (one per bridged Matrix account), portals
// (one per mirrored conversation), and message id mappings.
//
// The store is a plain record layer. Caching, singleton instances, and
// the rules for when a record changes live in the packages that own
// those records (puppet, session, portal). Lookups that find nothing
// return a nil record and a nil error.
//
// Telegram ids are stored as int64 so this package does not depend on
// the telegram package; Matrix ids use the lib/ref types.
package store
