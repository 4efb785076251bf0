package substrate

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/recovery"
	"github.com/agentsubstrate/substrate/internal/runs"
	"github.com/agentsubstrate/substrate/internal/store"
	"github.com/agentsubstrate/substrate/internal/txn"
	"github.com/agentsubstrate/substrate/internal/wal"
)

// Engine is the single handle to one open substrate instance. All engine
// state — the store, the WAL writer, the version counter, the run catalog —
// is owned by the handle; two Engines never share anything.
type Engine struct {
	opts   Options
	logger *zap.Logger

	store *store.Store
	wal   *wal.Writer
	coord *txn.Coordinator

	sweeper *store.TTLSweeper

	// validRuns caches each known run's lifecycle state for the O(1)
	// existence/writability check every data operation performs.
	validRuns sync.Map // RunID -> RunStatus

	closed atomic.Bool
}

// Open creates or reopens an engine backed by the WAL file at path. A
// non-empty existing file is replayed through recovery before the engine
// accepts operations.
func Open(path string, options ...Option) (*Engine, error) {
	opts := resolveOptions(options)
	if path == "" || opts.Durability == DurabilityInMemory {
		opts.Durability = DurabilityInMemory
		return openWith(store.New(opts.Logger), "", 0, opts)
	}

	var s *store.Store
	var seedTxnID uint64
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		recovered, stats, err := recovery.Recover(path, opts.WALMaxEntrySize, opts.Repair, opts.Logger)
		if err != nil {
			return nil, errors.Wrap(err, "recover WAL")
		}
		s = recovered
		seedTxnID = stats.MaxTxnIDSeen
		opts.Logger.Info("engine recovered",
			zap.String("path", path),
			zap.Int("transactions", stats.TransactionsCommitted),
			zap.Uint64("max_commit_version", stats.MaxCommitVersionSeen))
	} else {
		s = store.New(opts.Logger)
	}
	return openWith(s, path, seedTxnID, opts)
}

// OpenEphemeral creates an engine with no on-disk state at all.
func OpenEphemeral(options ...Option) (*Engine, error) {
	options = append(options, WithDurability(DurabilityInMemory))
	return Open("", options...)
}

func openWith(s *store.Store, path string, seedTxnID uint64, opts Options) (*Engine, error) {
	w, err := wal.Open(wal.Config{
		Path:                    path,
		Durability:              opts.Durability,
		BufferedFlushInterval:   opts.BufferedFlushInterval,
		BufferedFlushMaxCommits: opts.BufferedFlushMaxCommits,
		MaxEntrySize:            opts.WALMaxEntrySize,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open WAL")
	}

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		store:  s,
		wal:    w,
		coord:  txn.NewCoordinator(s, w, opts.Logger),
	}
	e.coord.SeedTxnID(seedTxnID)

	// Rebuild the run catalog cache from the replayed store.
	for _, kv := range s.ScanByType(kernel.TypeRunMeta) {
		if meta, ok := runs.MetaFromValue(kv.Key.RunID, kv.Value.Value); ok {
			e.validRuns.Store(kv.Key.RunID, meta.Status)
		}
	}

	if opts.TTLSweepInterval > 0 {
		e.sweeper = store.NewTTLSweeper(s, opts.TTLSweepInterval, e.sweepDelete, opts.Logger)
		if err := e.sweeper.Start(opts.TTLSweepInterval); err != nil {
			w.Close()
			return nil, errors.Wrap(err, "start TTL sweeper")
		}
	}

	return e, nil
}

// Shutdown stops background work and flushes/closes the WAL. Afterwards
// every transaction and every data read fails with ErrInternal; the
// run-catalog reads (GetRun, ListRuns, ListChildRuns) and ExportRun still
// answer from the in-memory store.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.sweeper != nil {
		done := make(chan struct{})
		go func() {
			e.sweeper.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := e.wal.Close(); err != nil {
		return errors.Wrap(err, "close WAL")
	}
	_ = e.logger.Sync()
	return nil
}

// CurrentVersion reads the engine's global commit-version counter.
func (e *Engine) CurrentVersion() uint64 { return e.store.CurrentVersion() }

// Transaction runs fn inside a single committing transaction scoped to
// run. fn may be invoked several times — each attempt gets a fresh
// snapshot — so it must be pure with respect to outside state. Conflicts
// exhaust the retry budget as ErrConflict.
func (e *Engine) Transaction(run RunID, fn func(*Tx) error) error {
	if err := e.checkRun(run, true); err != nil {
		return err
	}
	return e.transact(run, fn)
}

// transact is Transaction minus the run-lifecycle check, for internal
// callers that manage run metadata itself.
func (e *Engine) transact(run RunID, fn func(*Tx) error) error {
	if e.closed.Load() {
		return errors.Wrap(ErrInternal, "engine is shut down")
	}
	return e.coord.RunWithRetry(run, e.opts.TransactionRetryBudget, func(t *txn.Txn) error {
		return fn(&Tx{inner: t, run: run})
	})
}

// view hands back a read-only snapshot for the engine-level read wrappers.
func (e *Engine) view(run RunID) (*store.Snapshot, error) {
	if e.closed.Load() {
		return nil, errors.Wrap(ErrInternal, "engine is shut down")
	}
	if err := e.checkRun(run, false); err != nil {
		return nil, err
	}
	return e.store.CreateSnapshot(), nil
}

// checkRun enforces the run-lifecycle policy on data operations: the run
// must exist (the default run always does), and writes additionally
// require it not to be in a terminal state. Reads on terminal runs stay
// allowed so archived data remains inspectable.
func (e *Engine) checkRun(run RunID, write bool) error {
	if run == DefaultRunID {
		return nil
	}
	v, ok := e.validRuns.Load(run)
	if !ok {
		return ErrRunNotFound
	}
	if write {
		return runs.EnsureWritable(runs.Meta{Status: v.(RunStatus)})
	}
	return nil
}

// sweepDelete removes a batch of expired keys through ordinary committing
// transactions, one per run, so the deletions hit the WAL in commit order
// like any other write.
func (e *Engine) sweepDelete(keys []kernel.Key) error {
	if len(keys) == 0 || e.closed.Load() {
		return nil
	}
	run := keys[0].RunID
	return e.transact(run, func(t *Tx) error {
		for _, k := range keys {
			t.inner.Delete(k)
		}
		return nil
	})
}
