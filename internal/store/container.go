// Package store implements the unified versioned store: an ordered mapping
// from kernel.Key to kernel.VersionedValue, plus the run/type/TTL secondary
// indices and the snapshot view over it.
//
// What: a single ordered container (github.com/google/btree) holding the
//       live head of every key, with indices maintained in the same
//       critical section as every mutation.
// How: the tree is keyed by the canonical Key encoding, so keys sharing a
//      (run, type) prefix sort contiguously and range scans walk them in
//      order.
// Why: prefix/run scans must be O(log n + k) and snapshots must be cheap
//      to clone; an ordered copy-on-write tree gives both.
package store

import (
	"bytes"

	"github.com/google/btree"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

// entry is the btree element: a key paired with its current head value.
type entry struct {
	key kernel.Key
	val kernel.VersionedValue
}

func entryLess(a, b entry) bool {
	return bytes.Compare(a.key.Encode(), b.key.Encode()) < 0
}

func newContainer() *btree.BTreeG[entry] {
	return btree.NewG(32, entryLess)
}
