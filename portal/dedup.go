// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/tgbridge/telegram"
)

// dedupSize is how many recent fingerprints a portal remembers. Every
// logged-in member of a shared chat receives its own copy of each
// message, usually within a few updates of each other.
const dedupSize = 128

type fingerprint [32]byte

// dedupDomainKey keys the fingerprint hash. ASCII, zero-padded to 32
// bytes.
var dedupDomainKey = [32]byte{
	't', 'g', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'p', 'o', 'r', 't', 'a', 'l', '.',
	'd', 'e', 'd', 'u', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// fingerprintMessage identifies a message independently of the
// account that received it. Basic group message ids are per account,
// so the id is not part of the fingerprint.
func fingerprintMessage(edit bool, message *telegram.Message) fingerprint {
	hasher, err := blake3.NewKeyed(dedupDomainKey[:])
	if err != nil {
		panic("portal: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var header [25]byte
	if edit {
		header[0] = 1
	}
	binary.BigEndian.PutUint64(header[1:], uint64(message.FromID))
	binary.BigEndian.PutUint64(header[9:], uint64(message.Date.Unix()))
	binary.BigEndian.PutUint64(header[17:], uint64(message.EditDate.Unix()))
	hasher.Write(header[:])
	hasher.Write([]byte(message.Text))
	var sum fingerprint
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// dedup is a fixed-size set of recently seen fingerprints. The oldest
// entry is evicted first.
type dedup struct {
	mu    sync.Mutex
	seen  map[fingerprint]struct{}
	ring  [dedupSize]fingerprint
	next  int
	count int
}

// check records sum and reports whether it was already present.
func (d *dedup) check(sum fingerprint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[fingerprint]struct{}, dedupSize)
	}
	if _, ok := d.seen[sum]; ok {
		return true
	}
	if d.count == dedupSize {
		delete(d.seen, d.ring[d.next])
	} else {
		d.count++
	}
	d.ring[d.next] = sum
	d.next = (d.next + 1) % dedupSize
	d.seen[sum] = struct{}{}
	return false
}

// forget removes sum so a failed delivery can be retried by the next
// copy of the message.
func (d *dedup) forget(sum fingerprint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, sum)
}
