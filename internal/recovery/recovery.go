// Package recovery rebuilds a Store from a WAL file on startup.
//
// What: replay every committed transaction's operations, discard anything
//       left over from a transaction that never reached a CommitTxn frame,
//       and restore the store's version counter and secondary indices.
// How: one sequential scan groups entries by TxnID; committed groups are
//      then applied in commit-version order. A transaction's entries can
//      interleave in the file with another run's entries (concurrent
//      commits share one WAL, serialized only per run), so replay groups
//      by TxnID rather than assuming contiguity.
// Why: applying in commit-version order, not map iteration order, is what
//      keeps a key's replayed head equal to its last committed write.
package recovery

import (
	"sort"

	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/store"
	"github.com/agentsubstrate/substrate/internal/wal"
)

// Stats summarizes one recovery pass for operators/logs.
type Stats struct {
	EntriesScanned        int
	TransactionsCommitted int
	TransactionsDiscarded int
	KeysApplied           int
	Truncated             bool
	MaxCommitVersionSeen  uint64
	MaxTxnIDSeen          uint64
}

// Recover scans the WAL at path and replays it into a fresh Store.
//
// A CommitTxn frame for a transaction that never logged a BeginTxn means
// the file is internally inconsistent; that is fatal unless repair is set,
// in which case the group is discarded and recovery continues.
func Recover(path string, maxEntrySize int, repair bool, logger *zap.Logger) (*store.Store, Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := store.New(logger)

	type txnRecord struct {
		run           kernel.RunID
		ops           []wal.Entry
		begun         bool
		committed     bool
		commitVersion uint64
	}
	txns := make(map[uint64]*txnRecord)

	var stats Stats
	truncated, err := wal.Scan(path, maxEntrySize, func(res wal.ScanResult) error {
		stats.EntriesScanned++
		e := res.Entry
		if e.TxnID > stats.MaxTxnIDSeen {
			stats.MaxTxnIDSeen = e.TxnID
		}

		rec, ok := txns[e.TxnID]
		if !ok {
			rec = &txnRecord{run: e.RunID}
			txns[e.TxnID] = rec
		}

		switch e.Kind {
		case wal.KindBeginTxn:
			rec.begun = true
		case wal.KindCommitTxn:
			if !rec.begun {
				if !repair {
					return wal.ErrInconsistentGroup
				}
				logger.Warn("discarding commit without begin", zap.Uint64("txn_id", e.TxnID))
				delete(txns, e.TxnID)
				return nil
			}
			rec.committed = true
			rec.commitVersion = e.CommitVersion
			if e.CommitVersion > stats.MaxCommitVersionSeen {
				stats.MaxCommitVersionSeen = e.CommitVersion
			}
		case wal.KindAbortTxn:
			delete(txns, e.TxnID)
		case wal.KindCheckpoint:
			// Reserved for future compaction; no replay action today.
		default:
			rec.ops = append(rec.ops, e)
			if e.CommitVersion > stats.MaxCommitVersionSeen {
				stats.MaxCommitVersionSeen = e.CommitVersion
			}
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	stats.Truncated = truncated

	committed := make([]*txnRecord, 0, len(txns))
	for _, rec := range txns {
		if !rec.committed {
			stats.TransactionsDiscarded++
			continue
		}
		committed = append(committed, rec)
	}
	sort.Slice(committed, func(i, j int) bool {
		return committed[i].commitVersion < committed[j].commitVersion
	})

	for _, rec := range committed {
		stats.TransactionsCommitted++
		for _, e := range rec.ops {
			applyEntry(s, e)
			stats.KeysApplied++
		}
		s.ObserveVersion(rec.commitVersion)
	}

	logger.Info("WAL recovery complete",
		zap.Int("entries_scanned", stats.EntriesScanned),
		zap.Int("transactions_committed", stats.TransactionsCommitted),
		zap.Int("transactions_discarded", stats.TransactionsDiscarded),
		zap.Int("keys_applied", stats.KeysApplied),
		zap.Bool("truncated", stats.Truncated),
	)

	return s, stats, nil
}

func applyEntry(s *store.Store, e wal.Entry) {
	switch e.Kind {
	case wal.KindDelete, wal.KindVectorCollectionDelete, wal.KindVectorDelete:
		s.Delete(e.Key)
	case wal.KindPut, wal.KindStateSet, wal.KindVectorCollectionCreate, wal.KindVectorUpsert, wal.KindEventAppend:
		s.Put(e.Key, e.Value, e.CommitVersion, e.TTLDeadlineNS)
	}
}
