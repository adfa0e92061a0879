// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps Matrix access tokens out of the Go heap.
//
// [Buffer] allocates memory via mmap(MAP_ANONYMOUS), locks it into RAM
// with mlock so it is never swapped, and marks it MADV_DONTDUMP so it is
// excluded from core dumps. On Close the memory is zeroed, unlocked, and
// unmapped. The garbage collector never sees the region, so it cannot
// leave stray copies behind.
//
// The application-service token and every custom puppet's access token
// live in a Buffer for as long as the bridge uses them. [Buffer.String]
// makes a heap copy and is only called where an HTTP header needs the
// value.
package secret
