package substrate

import (
	"time"

	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/bundle"
	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/primitives/event"
	"github.com/agentsubstrate/substrate/internal/primitives/kv"
	"github.com/agentsubstrate/substrate/internal/primitives/state"
	"github.com/agentsubstrate/substrate/internal/primitives/vector"
)

// The methods below are the implicit-transaction façade: each read runs
// against a fresh snapshot, each write opens a single-shot committing
// transaction. Callers that need several operations to land atomically
// use Transaction directly.

// ---- key-value ----

func (e *Engine) KVGet(run RunID, key string) (VersionedValue, error) {
	if key == "" {
		return VersionedValue{}, ErrInvalidKey
	}
	snap, err := e.view(run)
	if err != nil {
		return VersionedValue{}, err
	}
	vv, found := snap.Get(kv.Key(run, []byte(key)))
	if !found {
		return VersionedValue{}, ErrKeyNotFound
	}
	return vv, nil
}

func (e *Engine) KVPut(run RunID, key string, value Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.KVPut(key, value) })
}

func (e *Engine) KVPutTTL(run RunID, key string, value Value, ttl time.Duration) error {
	return e.Transaction(run, func(t *Tx) error { return t.KVPutTTL(key, value, ttl) })
}

func (e *Engine) KVDelete(run RunID, key string) error {
	return e.Transaction(run, func(t *Tx) error { return t.KVDelete(key) })
}

func (e *Engine) KVIncr(run RunID, key string, delta int64) (int64, error) {
	var out int64
	err := e.Transaction(run, func(t *Tx) error {
		n, err := t.KVIncr(key, delta)
		out = n
		return err
	})
	return out, err
}

func (e *Engine) KVScan(run RunID, prefix string) ([]KVPair, error) {
	snap, err := e.view(run)
	if err != nil {
		return nil, err
	}
	kvs := snap.ScanPrefix(kv.Key(run, []byte(prefix)))
	out := make([]KVPair, 0, len(kvs))
	for _, item := range kvs {
		out = append(out, KVPair{Key: string(item.Key.Sub), Value: item.Value})
	}
	return out, nil
}

// ---- state cells ----

func (e *Engine) StateInit(run RunID, name string, value Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.StateInit(name, value) })
}

func (e *Engine) StateRead(run RunID, name string) (VersionedValue, error) {
	if name == "" {
		return VersionedValue{}, ErrInvalidKey
	}
	snap, err := e.view(run)
	if err != nil {
		return VersionedValue{}, err
	}
	vv, found := snap.Get(state.Key(run, name))
	if !found {
		return VersionedValue{}, ErrCellNotFound
	}
	return vv, nil
}

func (e *Engine) StateSet(run RunID, name string, value Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.StateSet(name, value) })
}

func (e *Engine) StateCAS(run RunID, name string, expected uint64, value Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.StateCAS(name, expected, value) })
}

func (e *Engine) StateDelete(run RunID, name string) error {
	return e.Transaction(run, func(t *Tx) error { return t.StateDelete(name) })
}

func (e *Engine) StateList(run RunID) ([]string, error) {
	snap, err := e.view(run)
	if err != nil {
		return nil, err
	}
	kvs := snap.ScanPrefix(kernel.NewKey(run, kernel.TypeState, nil))
	out := make([]string, 0, len(kvs))
	for _, item := range kvs {
		out = append(out, string(item.Key.Sub))
	}
	return out, nil
}

// StateTransition reads a cell, applies fn, and commits the result with a
// CAS on the version it read. fn must be pure: a concurrent writer causes
// the whole closure to re-run against a fresh snapshot.
func (e *Engine) StateTransition(run RunID, name string, fn func(Value) (Value, error)) error {
	return e.Transaction(run, func(t *Tx) error {
		vv, err := t.StateRead(name)
		if err != nil {
			return err
		}
		next, err := fn(vv.Value)
		if err != nil {
			return err
		}
		return t.StateCAS(name, vv.Version, next)
	})
}

// ---- event log ----

func (e *Engine) EventAppend(run RunID, stream, eventType string, payload Value) (uint64, error) {
	var seq uint64
	err := e.Transaction(run, func(t *Tx) error {
		s, err := t.EventAppend(stream, eventType, payload)
		seq = s
		return err
	})
	return seq, err
}

func (e *Engine) EventList(run RunID, stream string) ([]event.Envelope, error) {
	if stream == "" {
		return nil, ErrConstraintViolation
	}
	snap, err := e.view(run)
	if err != nil {
		return nil, err
	}
	kvs := snap.ScanPrefix(event.StreamPrefix(run, stream))
	if len(kvs) == 0 {
		return nil, ErrStreamNotFound
	}
	out := make([]event.Envelope, 0, len(kvs))
	for _, item := range kvs {
		env, ok := event.FromValue(item.Value.Value)
		if !ok {
			return nil, ErrInternal
		}
		out = append(out, env)
	}
	return out, nil
}

// EventVerifyChain walks stream in sequence order recomputing every hash
// link. It returns the first sequence whose stored hash, linkage, or
// contiguity fails, or ok=true if the whole chain checks out.
func (e *Engine) EventVerifyChain(run RunID, stream string) (firstBad uint64, ok bool, err error) {
	events, err := e.EventList(run, stream)
	if err != nil {
		return 0, false, err
	}
	var prevHash uint64
	for i, env := range events {
		if env.Sequence != uint64(i) {
			return uint64(i), false, nil
		}
		if env.PrevHash != prevHash {
			return env.Sequence, false, nil
		}
		want := event.Hash(prevHash, env.Sequence, env.EventType, env.Payload, env.TimestampNS)
		if env.Hash != want {
			return env.Sequence, false, nil
		}
		prevHash = env.Hash
	}
	return 0, true, nil
}

// ---- JSON documents ----

func (e *Engine) JSONSet(run RunID, docID, path string, value Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.JSONSet(docID, path, value) })
}

func (e *Engine) JSONGet(run RunID, docID, path string) (Value, error) {
	var out Value
	err := e.readTx(run, func(t *Tx) error {
		v, err := t.JSONGet(docID, path)
		out = v
		return err
	})
	return out, err
}

func (e *Engine) JSONGetVersioned(run RunID, docID string) (VersionedValue, error) {
	var out VersionedValue
	err := e.readTx(run, func(t *Tx) error {
		v, err := t.JSONGetVersioned(docID)
		out = v
		return err
	})
	return out, err
}

func (e *Engine) JSONDeleteAtPath(run RunID, docID, path string) error {
	return e.Transaction(run, func(t *Tx) error { return t.JSONDeleteAtPath(docID, path) })
}

func (e *Engine) JSONDelete(run RunID, docID string) error {
	return e.Transaction(run, func(t *Tx) error { return t.JSONDelete(docID) })
}

func (e *Engine) JSONMerge(run RunID, docID, path string, patch Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.JSONMerge(docID, path, patch) })
}

func (e *Engine) JSONCAS(run RunID, docID string, expected uint64, path string, value Value) error {
	return e.Transaction(run, func(t *Tx) error { return t.JSONCAS(docID, expected, path, value) })
}

// ---- vector collections ----

func (e *Engine) VectorCollectionCreate(run RunID, name string, dimension int, metric string) error {
	return e.Transaction(run, func(t *Tx) error { return t.VectorCollectionCreate(name, dimension, metric) })
}

func (e *Engine) VectorCollectionDelete(run RunID, name string) error {
	return e.Transaction(run, func(t *Tx) error { return t.VectorCollectionDelete(name) })
}

func (e *Engine) VectorUpsert(run RunID, collection, id string, embedding []float32, attrs *Object) error {
	return e.Transaction(run, func(t *Tx) error { return t.VectorUpsert(collection, id, embedding, attrs) })
}

func (e *Engine) VectorDelete(run RunID, collection, id string) error {
	return e.Transaction(run, func(t *Tx) error { return t.VectorDelete(collection, id) })
}

func (e *Engine) VectorGet(run RunID, collection, id string) (VectorRecord, error) {
	var out VectorRecord
	err := e.readTx(run, func(t *Tx) error {
		rec, err := t.VectorGet(collection, id)
		out = rec
		return err
	})
	return out, err
}

// CollectionView is a consistent, version-bounded view of one collection's
// contents, handed to external ranking collaborators.
type CollectionView struct {
	Collection string
	Dimension  int
	Metric     string
	Version    uint64
	Records    []VectorRecord
}

// VectorSearchSnapshot returns every record in a collection as one
// consistent view. Ranking is the caller's business; the engine only
// guarantees the view is a single-version cut.
func (e *Engine) VectorSearchSnapshot(run RunID, collection string) (CollectionView, error) {
	if collection == "" {
		return CollectionView{}, ErrInvalidInput
	}
	snap, err := e.view(run)
	if err != nil {
		return CollectionView{}, err
	}
	metaV, found := snap.Get(vector.MetaKey(run, collection))
	if !found {
		return CollectionView{}, ErrCollectionNotFound
	}
	meta, ok := vector.MetadataFromValue(metaV.Value)
	if !ok {
		return CollectionView{}, ErrInternal
	}
	view := CollectionView{
		Collection: collection,
		Dimension:  meta.Dimension,
		Metric:     meta.Metric,
		Version:    snap.Version(),
	}
	for _, item := range snap.ScanPrefix(vector.CollectionPrefix(run, collection)) {
		if rec, ok := vector.RecordFromValue(item.Value.Value); ok {
			view.Records = append(view.Records, rec)
		}
	}
	return view, nil
}

// ---- run bundles ----

// ExportRun writes a run's data and metadata into a single self-contained
// bundle archive at destPath.
func (e *Engine) ExportRun(destPath string, id RunID) error {
	meta, err := e.GetRun(id)
	if err != nil {
		return err
	}
	return bundle.Export(destPath, id, meta, e.store, e.logger)
}

// ImportRun restores a bundle archive exported by ExportRun into this
// engine, replaying its entries through an ordinary transaction so the
// imported data is durable like any other write. The bundle's run id must
// not already exist here.
func (e *Engine) ImportRun(srcPath string) (RunID, error) {
	meta, entries, err := bundle.Read(srcPath)
	if err != nil {
		return RunID{}, err
	}
	if _, exists := e.validRuns.Load(meta.RunID); exists {
		return RunID{}, ErrRunExists
	}
	err = e.transact(meta.RunID, func(t *Tx) error {
		for _, entry := range entries {
			t.inner.Put(entry.Key, entry.Value, entry.TTLDeadlineNS)
		}
		return nil
	})
	if err != nil {
		return RunID{}, err
	}
	e.validRuns.Store(meta.RunID, meta.Status)
	e.logger.Info("run bundle imported",
		zap.String("run_id", meta.RunID.String()), zap.Int("entries", len(entries)))
	return meta.RunID, nil
}

// readTx runs fn against a read-only single-attempt transaction; used by
// read wrappers that want Tx semantics without commit retries.
func (e *Engine) readTx(run RunID, fn func(*Tx) error) error {
	if e.closed.Load() {
		return ErrInternal
	}
	if err := e.checkRun(run, false); err != nil {
		return err
	}
	t := e.coord.Begin(run)
	defer e.coord.Abort(t)
	return fn(&Tx{inner: t, run: run})
}
