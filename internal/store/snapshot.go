package store

import (
	"github.com/google/btree"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

// Snapshot is an immutable, version-bounded read view created by cloning
// the primary container under a short read guard. Because the underlying
// tree is copy-on-write, later mutations of the live store never affect an
// outstanding Snapshot.
type Snapshot struct {
	tree    *btree.BTreeG[entry]
	version uint64
	now     func() int64
}

// Version returns the commit version this snapshot is bounded to.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Get returns the entry visible at this snapshot's version, or (zero,
// false) if absent, TTL-expired, or written after the snapshot was taken.
func (s *Snapshot) Get(key kernel.Key) (kernel.VersionedValue, bool) {
	e, found := s.tree.Get(entry{key: key})
	if !found {
		return kernel.VersionedValue{}, false
	}
	if e.val.Version > s.version {
		return kernel.VersionedValue{}, false
	}
	if e.val.Expired(s.now()) {
		return kernel.VersionedValue{}, false
	}
	return e.val, true
}

// ScanPrefix returns every key sharing prefix.Sub within (prefix.RunID,
// prefix.Type), version-bounded and lexicographically ordered.
func (s *Snapshot) ScanPrefix(prefix kernel.Key) []KeyValue {
	lower := entry{key: prefix}
	now := s.now()
	var out []KeyValue
	s.tree.AscendGreaterOrEqual(lower, func(e entry) bool {
		if !keyHasPrefix(e.key, prefix) {
			return false
		}
		if e.val.Version <= s.version && !e.val.Expired(now) {
			out = append(out, KeyValue{Key: e.key, Value: e.val})
		}
		return true
	})
	return out
}
