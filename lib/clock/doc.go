// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock waits so that retry loops can be
// driven deterministically in tests.
//
// Production code receives [Real]; tests receive [Fake] and step time
// forward with [FakeClock.Advance]. The bridge only ever waits (sync
// backoff, sidecar reconnects), so the interface is limited to Now and
// After.
package clock
