package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/wal"
)

func writeEntries(t *testing.T, path string, entries []wal.Entry) {
	t.Helper()
	w, err := wal.Open(wal.Config{Path: path, Durability: wal.Strict, Logger: zap.NewNop()})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())
}

func kvKey(run kernel.RunID, k string) kernel.Key {
	return kernel.NewKey(run, kernel.TypeKV, []byte(k))
}

func TestIncompleteTransactionDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.wal")
	run := kernel.NewRunID()

	writeEntries(t, path, []wal.Entry{
		{Kind: wal.KindBeginTxn, TxnID: 1, RunID: run},
		{Kind: wal.KindPut, TxnID: 1, RunID: run, Key: kvKey(run, "a"), Value: kernel.Int(1), CommitVersion: 1},
		{Kind: wal.KindPut, TxnID: 1, RunID: run, Key: kvKey(run, "b"), Value: kernel.Int(2), CommitVersion: 1},
		{Kind: wal.KindCommitTxn, TxnID: 1, RunID: run, CommitVersion: 1},
		{Kind: wal.KindBeginTxn, TxnID: 2, RunID: run},
		{Kind: wal.KindPut, TxnID: 2, RunID: run, Key: kvKey(run, "c"), Value: kernel.Int(3), CommitVersion: 2},
		// Crash: no CommitTxn for txn 2.
	})

	s, stats, err := Recover(path, wal.DefaultMaxEntrySize, false, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, stats.TransactionsCommitted)
	require.Equal(t, 1, stats.TransactionsDiscarded)

	a, found := s.Get(kvKey(run, "a"))
	require.True(t, found)
	require.Equal(t, int64(1), a.Value.Int)
	require.Equal(t, uint64(1), a.Version)

	b, found := s.Get(kvKey(run, "b"))
	require.True(t, found)
	require.Equal(t, int64(2), b.Value.Int)

	if _, found := s.Get(kvKey(run, "c")); found {
		t.Errorf("write from the incomplete transaction survived recovery")
	}

	// The counter must move past every replayed commit version.
	require.Greater(t, s.AllocateVersion(), uint64(2))
}

func TestAbortedTransactionDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.wal")
	run := kernel.NewRunID()

	writeEntries(t, path, []wal.Entry{
		{Kind: wal.KindBeginTxn, TxnID: 1, RunID: run},
		{Kind: wal.KindPut, TxnID: 1, RunID: run, Key: kvKey(run, "x"), Value: kernel.Int(1), CommitVersion: 1},
		{Kind: wal.KindAbortTxn, TxnID: 1, RunID: run},
	})

	s, stats, err := Recover(path, wal.DefaultMaxEntrySize, false, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, stats.TransactionsCommitted)
	if _, found := s.Get(kvKey(run, "x")); found {
		t.Errorf("aborted write survived recovery")
	}
}

func TestReplayAppliesInCommitVersionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.wal")
	run := kernel.NewRunID()

	// Two committed transactions touch the same key; the one with the
	// higher commit version must win regardless of grouping order.
	writeEntries(t, path, []wal.Entry{
		{Kind: wal.KindBeginTxn, TxnID: 1, RunID: run},
		{Kind: wal.KindBeginTxn, TxnID: 2, RunID: run},
		{Kind: wal.KindPut, TxnID: 2, RunID: run, Key: kvKey(run, "k"), Value: kernel.Int(2), CommitVersion: 2},
		{Kind: wal.KindPut, TxnID: 1, RunID: run, Key: kvKey(run, "k"), Value: kernel.Int(1), CommitVersion: 1},
		{Kind: wal.KindCommitTxn, TxnID: 2, RunID: run, CommitVersion: 2},
		{Kind: wal.KindCommitTxn, TxnID: 1, RunID: run, CommitVersion: 1},
	})

	s, _, err := Recover(path, wal.DefaultMaxEntrySize, false, zap.NewNop())
	require.NoError(t, err)
	vv, found := s.Get(kvKey(run, "k"))
	require.True(t, found)
	require.Equal(t, int64(2), vv.Value.Int)
	require.Equal(t, uint64(2), vv.Version)
}

func TestDeleteReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.wal")
	run := kernel.NewRunID()

	writeEntries(t, path, []wal.Entry{
		{Kind: wal.KindBeginTxn, TxnID: 1, RunID: run},
		{Kind: wal.KindPut, TxnID: 1, RunID: run, Key: kvKey(run, "k"), Value: kernel.Int(1), CommitVersion: 1},
		{Kind: wal.KindCommitTxn, TxnID: 1, RunID: run, CommitVersion: 1},
		{Kind: wal.KindBeginTxn, TxnID: 2, RunID: run},
		{Kind: wal.KindDelete, TxnID: 2, RunID: run, Key: kvKey(run, "k"), CommitVersion: 2},
		{Kind: wal.KindCommitTxn, TxnID: 2, RunID: run, CommitVersion: 2},
	})

	s, _, err := Recover(path, wal.DefaultMaxEntrySize, false, zap.NewNop())
	require.NoError(t, err)
	if _, found := s.Get(kvKey(run, "k")); found {
		t.Errorf("deleted key resurrected by replay")
	}
}

func TestCommitWithoutBeginIsFatalUnlessRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.wal")
	run := kernel.NewRunID()

	writeEntries(t, path, []wal.Entry{
		{Kind: wal.KindPut, TxnID: 7, RunID: run, Key: kvKey(run, "k"), Value: kernel.Int(1), CommitVersion: 1},
		{Kind: wal.KindCommitTxn, TxnID: 7, RunID: run, CommitVersion: 1},
	})

	_, _, err := Recover(path, wal.DefaultMaxEntrySize, false, zap.NewNop())
	require.ErrorIs(t, err, wal.ErrInconsistentGroup)

	s, stats, err := Recover(path, wal.DefaultMaxEntrySize, true, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, stats.TransactionsCommitted)
	if _, found := s.Get(kvKey(run, "k")); found {
		t.Errorf("repair mode must discard the inconsistent group")
	}
}

func TestRecoverMissingFileYieldsEmptyStore(t *testing.T) {
	s, stats, err := Recover(filepath.Join(t.TempDir(), "absent.wal"), wal.DefaultMaxEntrySize, false, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, stats.EntriesScanned)
	require.Equal(t, uint64(0), s.CurrentVersion())
}
