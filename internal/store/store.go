package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

// Store is the unified versioned store: the primary ordered container plus
// the run index, type index, and TTL index.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]

	runIndex  map[kernel.RunID]map[string]kernel.Key
	typeIndex map[kernel.TypeTag]map[string]kernel.Key
	ttlIndex  map[int64]map[string]kernel.Key

	globalVersion atomic.Uint64

	now    func() int64
	logger *zap.Logger
}

// New creates an empty unified store. now defaults to the wall clock in
// nanoseconds; tests may override it for deterministic TTL behavior.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tree:      newContainer(),
		runIndex:  make(map[kernel.RunID]map[string]kernel.Key),
		typeIndex: make(map[kernel.TypeTag]map[string]kernel.Key),
		ttlIndex:  make(map[int64]map[string]kernel.Key),
		now:       func() int64 { return time.Now().UnixNano() },
		logger:    logger,
	}
}

// CurrentVersion reads the global monotone counter without allocating.
func (s *Store) CurrentVersion() uint64 {
	return s.globalVersion.Load()
}

// AllocateVersion hands out a fresh commit version strictly greater than
// every version allocated before it, independent of whether the allocating
// transaction ultimately commits. Only the transaction
// coordinator should call this.
func (s *Store) AllocateVersion() uint64 {
	return s.globalVersion.Add(1)
}

// ObserveVersion raises the global counter to at least v+1; used by
// recovery to restore monotonicity after replaying persisted commit
// versions.
func (s *Store) ObserveVersion(v uint64) {
	for {
		cur := s.globalVersion.Load()
		if v < cur {
			return
		}
		if s.globalVersion.CompareAndSwap(cur, v+1) {
			return
		}
	}
}

// Put inserts or overwrites the head value for key. Index maintenance
// happens in the same critical section as the primary mutation (V2).
func (s *Store) Put(key kernel.Key, value kernel.Value, commitVersion uint64, ttlDeadlineNS *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := string(key.Encode())
	vv := kernel.VersionedValue{
		Value:         value,
		Version:       commitVersion,
		WriteTimeNS:   s.now(),
		TTLDeadlineNS: ttlDeadlineNS,
	}

	if old, found := s.tree.Get(entry{key: key}); found && old.val.TTLDeadlineNS != nil {
		s.removeFromTTLIndex(*old.val.TTLDeadlineNS, enc)
	}

	s.tree.ReplaceOrInsert(entry{key: key, val: vv})
	s.indexInsert(enc, key)
	if ttlDeadlineNS != nil {
		s.addToTTLIndex(*ttlDeadlineNS, enc, key)
	}
}

// Delete removes key from the primary container and every index, returning
// whether a live entry was removed.
func (s *Store) Delete(key kernel.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, found := s.tree.Get(entry{key: key})
	if !found {
		return false
	}
	s.tree.Delete(entry{key: key})

	enc := string(key.Encode())
	s.indexRemove(enc, key)
	if old.val.TTLDeadlineNS != nil {
		s.removeFromTTLIndex(*old.val.TTLDeadlineNS, enc)
	}
	return true
}

// Get returns the head value for key, or (zero, false) if absent or
// TTL-expired. Expired keys read as absent even before the sweeper removes
// them.
func (s *Store) Get(key kernel.Key) (kernel.VersionedValue, bool) {
	s.mu.RLock()
	e, found := s.tree.Get(entry{key: key})
	s.mu.RUnlock()
	if !found {
		return kernel.VersionedValue{}, false
	}
	if e.val.Expired(s.now()) {
		return kernel.VersionedValue{}, false
	}
	return e.val, true
}

// KeyValue pairs a Key with its VersionedValue for scan results.
type KeyValue struct {
	Key   kernel.Key
	Value kernel.VersionedValue
}

// ScanByRun returns every live key in run, ordered lexicographically,
// optionally filtered to a single TypeTag.
func (s *Store) ScanByRun(run kernel.RunID, typeFilter *kernel.TypeTag) []KeyValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]kernel.Key, 0, len(s.runIndex[run]))
	for _, k := range s.runIndex[run] {
		if typeFilter != nil && k.Type != *typeFilter {
			continue
		}
		keys = append(keys, k)
	}
	return s.materializeSorted(keys)
}

// ScanByType returns every live key carrying tag, across all runs, ordered
// lexicographically. Used by run-catalog listings.
func (s *Store) ScanByType(tag kernel.TypeTag) []KeyValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]kernel.Key, 0, len(s.typeIndex[tag]))
	for _, k := range s.typeIndex[tag] {
		keys = append(keys, k)
	}
	return s.materializeSorted(keys)
}

// ScanByPrefix returns every live key sharing prefix.Sub within
// (prefix.RunID, prefix.Type), ordered lexicographically.
func (s *Store) ScanByPrefix(prefix kernel.Key) []KeyValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := entry{key: prefix}
	now := s.now()
	var out []KeyValue
	s.tree.AscendGreaterOrEqual(lower, func(e entry) bool {
		if !keyHasPrefix(e.key, prefix) {
			return false
		}
		if !e.val.Expired(now) {
			out = append(out, KeyValue{Key: e.key, Value: e.val})
		}
		return true
	})
	return out
}

func keyHasPrefix(k, prefix kernel.Key) bool {
	if k.RunID != prefix.RunID || k.Type != prefix.Type {
		return false
	}
	if len(k.Sub) < len(prefix.Sub) {
		return false
	}
	for i := range prefix.Sub {
		if k.Sub[i] != prefix.Sub[i] {
			return false
		}
	}
	return true
}

func (s *Store) materializeSorted(keys []kernel.Key) []KeyValue {
	sortKeys(keys)
	now := s.now()
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		if e, found := s.tree.Get(entry{key: k}); found && !e.val.Expired(now) {
			out = append(out, KeyValue{Key: k, Value: e.val})
		}
	}
	return out
}

func sortKeys(keys []kernel.Key) {
	// insertion sort is adequate: index scans are bounded by a single
	// run/type partition, not the whole store.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].Compare(keys[j-1]) < 0; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func (s *Store) indexInsert(enc string, key kernel.Key) {
	if s.runIndex[key.RunID] == nil {
		s.runIndex[key.RunID] = make(map[string]kernel.Key)
	}
	s.runIndex[key.RunID][enc] = key

	if s.typeIndex[key.Type] == nil {
		s.typeIndex[key.Type] = make(map[string]kernel.Key)
	}
	s.typeIndex[key.Type][enc] = key
}

func (s *Store) indexRemove(enc string, key kernel.Key) {
	delete(s.runIndex[key.RunID], enc)
	if len(s.runIndex[key.RunID]) == 0 {
		delete(s.runIndex, key.RunID)
	}
	delete(s.typeIndex[key.Type], enc)
	if len(s.typeIndex[key.Type]) == 0 {
		delete(s.typeIndex, key.Type)
	}
}

func (s *Store) addToTTLIndex(deadline int64, enc string, key kernel.Key) {
	if s.ttlIndex[deadline] == nil {
		s.ttlIndex[deadline] = make(map[string]kernel.Key)
	}
	s.ttlIndex[deadline][enc] = key
}

func (s *Store) removeFromTTLIndex(deadline int64, enc string) {
	delete(s.ttlIndex[deadline], enc)
	if len(s.ttlIndex[deadline]) == 0 {
		delete(s.ttlIndex, deadline)
	}
}

// ExpiredKeys returns every key whose TTL deadline is <= nowNS, for the
// retention sweeper.
func (s *Store) ExpiredKeys(nowNS int64) []kernel.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []kernel.Key
	for deadline, keys := range s.ttlIndex {
		if deadline > nowNS {
			continue
		}
		for _, k := range keys {
			out = append(out, k)
		}
	}
	return out
}

// CreateSnapshot clones the primary container under a short read guard and
// returns an immutable view at the version observed at clone time.
func (s *Store) CreateSnapshot() *Snapshot {
	s.mu.RLock()
	cloned := s.tree.Clone()
	version := s.globalVersion.Load()
	s.mu.RUnlock()

	return &Snapshot{tree: cloned, version: version, now: s.now}
}
