// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the Matrix users who bridge their Telegram
// accounts and routes the updates each account receives.
//
// A [Session] pairs one Matrix user with one Telegram transport. The
// [Manager] creates sessions on demand, loads the stored ones at
// startup, and indexes them by Telegram id once they log in. Every
// update a session's transport delivers goes through
// [Session.HandleUpdate], which resolves the sender puppet and the
// target conversation and hands the update to the [Conversations]
// layer or the puppet registry. HandleUpdate never fails: errors and
// panics are logged and the update is dropped.
//
// A session also carries at most one [Pending] continuation, the state
// a multi-step command leaves for the next message its user sends.
package session
