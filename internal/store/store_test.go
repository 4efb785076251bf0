package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

func newTestStore() *Store {
	return New(zap.NewNop())
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore()
	run := kernel.NewRunID()
	k := kernel.NewKey(run, kernel.TypeKV, []byte("k"))

	s.Put(k, kernel.Int(7), 1, nil)
	vv, found := s.Get(k)
	require.True(t, found)
	require.Equal(t, int64(7), vv.Value.Int)
	require.Equal(t, uint64(1), vv.Version)

	s.Put(k, kernel.Int(9), 2, nil)
	vv, _ = s.Get(k)
	require.Equal(t, int64(9), vv.Value.Int)
	require.Equal(t, uint64(2), vv.Version)

	if !s.Delete(k) {
		t.Fatalf("delete of a live key should report true")
	}
	if _, found := s.Get(k); found {
		t.Errorf("deleted key still readable")
	}
	if s.Delete(k) {
		t.Errorf("second delete should report false")
	}
}

func TestVersionAllocationMonotone(t *testing.T) {
	s := newTestStore()
	last := uint64(0)
	for i := 0; i < 100; i++ {
		v := s.AllocateVersion()
		if v <= last {
			t.Fatalf("allocated %d after %d", v, last)
		}
		last = v
	}
	require.Equal(t, last, s.CurrentVersion())
}

func TestObserveVersionRaisesCounter(t *testing.T) {
	s := newTestStore()
	s.ObserveVersion(41)
	if got := s.AllocateVersion(); got <= 41 {
		t.Fatalf("allocation after ObserveVersion(41) = %d, want > 41", got)
	}
	// Observing a smaller version never lowers the counter.
	cur := s.CurrentVersion()
	s.ObserveVersion(1)
	require.Equal(t, cur, s.CurrentVersion())
}

func TestRunAndTypeIndexCoherence(t *testing.T) {
	s := newTestStore()
	runA, runB := kernel.NewRunID(), kernel.NewRunID()

	s.Put(kernel.NewKey(runA, kernel.TypeKV, []byte("a")), kernel.Int(1), 1, nil)
	s.Put(kernel.NewKey(runA, kernel.TypeState, []byte("s")), kernel.Int(2), 2, nil)
	s.Put(kernel.NewKey(runB, kernel.TypeKV, []byte("b")), kernel.Int(3), 3, nil)

	require.Len(t, s.ScanByRun(runA, nil), 2)
	require.Len(t, s.ScanByRun(runB, nil), 1)

	kvTag := kernel.TypeKV
	require.Len(t, s.ScanByRun(runA, &kvTag), 1)
	require.Len(t, s.ScanByType(kernel.TypeKV), 2)
	require.Len(t, s.ScanByType(kernel.TypeState), 1)

	s.Delete(kernel.NewKey(runA, kernel.TypeKV, []byte("a")))
	require.Len(t, s.ScanByRun(runA, nil), 1)
	require.Len(t, s.ScanByType(kernel.TypeKV), 1)
}

func TestScanByPrefixOrdered(t *testing.T) {
	s := newTestStore()
	run := kernel.NewRunID()
	for _, sub := range []string{"b", "ab", "a", "ac", "z"} {
		s.Put(kernel.NewKey(run, kernel.TypeKV, []byte(sub)), kernel.String(sub), 1, nil)
	}

	got := s.ScanByPrefix(kernel.NewKey(run, kernel.TypeKV, []byte("a")))
	require.Len(t, got, 3)
	order := []string{"a", "ab", "ac"}
	for i, kv := range got {
		require.Equal(t, order[i], string(kv.Key.Sub))
	}
}

func TestTTLExpiredReadsAsAbsent(t *testing.T) {
	s := newTestStore()
	clock := int64(100)
	s.now = func() int64 { return clock }

	run := kernel.NewRunID()
	k := kernel.NewKey(run, kernel.TypeKV, []byte("ttl"))
	deadline := int64(200)
	s.Put(k, kernel.Int(1), 1, &deadline)

	if _, found := s.Get(k); !found {
		t.Fatalf("not yet expired")
	}
	clock = 200
	if _, found := s.Get(k); found {
		t.Errorf("expired key must read as absent before the sweeper runs")
	}

	keys := s.ExpiredKeys(clock)
	require.Len(t, keys, 1)
	require.Equal(t, k.Compare(keys[0]), 0)
}

func TestSnapshotImmutability(t *testing.T) {
	s := newTestStore()
	run := kernel.NewRunID()
	k := kernel.NewKey(run, kernel.TypeKV, []byte("k"))

	s.AllocateVersion()
	s.Put(k, kernel.Int(1), 1, nil)
	snap := s.CreateSnapshot()
	require.Equal(t, uint64(1), snap.Version())

	s.AllocateVersion()
	s.Put(k, kernel.Int(2), 2, nil)
	s.Put(kernel.NewKey(run, kernel.TypeKV, []byte("new")), kernel.Int(3), 2, nil)

	vv, found := snap.Get(k)
	require.True(t, found)
	require.Equal(t, int64(1), vv.Value.Int, "snapshot must not observe later writes")

	if _, found := snap.Get(kernel.NewKey(run, kernel.TypeKV, []byte("new"))); found {
		t.Errorf("snapshot observed a key created after it was taken")
	}

	live, _ := s.Get(k)
	require.Equal(t, int64(2), live.Value.Int)
}

func TestSnapshotScanPrefixVersionBound(t *testing.T) {
	s := newTestStore()
	run := kernel.NewRunID()
	s.AllocateVersion()
	s.Put(kernel.NewKey(run, kernel.TypeKV, []byte("a")), kernel.Int(1), 1, nil)

	snap := s.CreateSnapshot()
	s.AllocateVersion()
	s.Put(kernel.NewKey(run, kernel.TypeKV, []byte("b")), kernel.Int(2), 2, nil)

	got := snap.ScanPrefix(kernel.NewKey(run, kernel.TypeKV, nil))
	require.Len(t, got, 1)
	require.Equal(t, "a", string(got[0].Key.Sub))
}
