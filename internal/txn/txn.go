// Package txn implements the optimistic transaction coordinator: snapshot
// issuance, buffered writes across every primitive, read-set and CAS-set
// validation at commit, WAL emission, and per-run commit serialization.
//
// What: a Txn buffers every operation in memory; nothing reaches the
//       store or the WAL until Commit validates and applies it atomically.
// How: each Txn carries a read set (key -> observed version), a write
//      buffer per primitive, and a delete set. Commit takes the run's
//      commit lock, re-reads every observed key against the live store,
//      evaluates CAS intents, allocates a commit version, writes the whole
//      transaction as one framed WAL group, and only then applies.
// Why: keeping validation and application in one critical section per run
//      is what makes commit atomic without a global lock across runs —
//      commits to different runs proceed concurrently because their
//      keyspaces are disjoint.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/primitives/state"
	"github.com/agentsubstrate/substrate/internal/store"
	"github.com/agentsubstrate/substrate/internal/wal"
)

type opKind int

const (
	opPut opKind = iota
	opDelete
	opStateSet
	opEventAppend
	opVectorUpsert
	opVectorDelete
	opVectorCollectionCreate
	opVectorCollectionDelete
)

type writeOp struct {
	kind opKind
	key  kernel.Key

	value         kernel.Value
	ttlDeadlineNS *int64

	// StateSet
	cellName    string
	casExpected *uint64
	casAbsent   bool

	// EventAppend
	stream      string
	sequence    uint64
	eventType   string
	payload     kernel.Value
	timestampNS int64
	prevHash    uint64
	hash        uint64

	// Vector*
	collection     string
	vectorKey      string
	embedding      []float32
	dimension      int
	distanceMetric string
}

type readRecord struct {
	key     kernel.Key
	version uint64
	absent  bool
}

// Txn buffers one transaction's reads and writes against a fixed snapshot
// until Commit or Abort finalizes it.
type Txn struct {
	id       uint64
	run      kernel.RunID
	snapshot *store.Snapshot
	coord    *Coordinator

	readSet map[string]readRecord

	// writes and deletes give read-your-writes semantics: Get consults
	// them before the snapshot. They shadow, not replace, the per-primitive
	// op buffers below, which preserve WAL emission order.
	writes  map[string]kernel.Value
	deletes map[string]struct{}

	kvOps     []writeOp
	jsonOps   []writeOp
	eventOps  []writeOp
	stateOps  []writeOp
	vectorOps []writeOp

	done bool
}

// ID returns the transaction's coordinator-assigned identifier.
func (t *Txn) ID() uint64 { return t.id }

// RunID returns the run this transaction is scoped to.
func (t *Txn) RunID() kernel.RunID { return t.run }

// SnapshotVersion returns the commit version this transaction's reads are
// bounded to.
func (t *Txn) SnapshotVersion() uint64 { return t.snapshot.Version() }

// Snapshot exposes the transaction's read view for callers that scan.
func (t *Txn) Snapshot() *store.Snapshot { return t.snapshot }

// Get reads key, consulting this transaction's own pending writes and
// deletes first, then the snapshot. Snapshot reads are recorded in the
// read set for validation at commit; reads served from the transaction's
// own buffers are not.
func (t *Txn) Get(key kernel.Key) (kernel.Value, bool) {
	enc := string(key.Encode())
	if _, deleted := t.deletes[enc]; deleted {
		return kernel.Value{}, false
	}
	if v, ok := t.writes[enc]; ok {
		return v, true
	}
	vv, found := t.snapshot.Get(key)
	if found {
		t.readSet[enc] = readRecord{key: key, version: vv.Version}
		return vv.Value, true
	}
	t.readSet[enc] = readRecord{key: key, absent: true}
	return kernel.Value{}, false
}

// GetVersioned is Get but returns the full VersionedValue, for callers
// (e.g. state CAS) that need the current version. Pending writes of this
// transaction have no committed version yet and surface as version 0.
func (t *Txn) GetVersioned(key kernel.Key) (kernel.VersionedValue, bool) {
	enc := string(key.Encode())
	if _, deleted := t.deletes[enc]; deleted {
		return kernel.VersionedValue{}, false
	}
	if v, ok := t.writes[enc]; ok {
		return kernel.VersionedValue{Value: v}, true
	}
	vv, found := t.snapshot.Get(key)
	if found {
		t.readSet[enc] = readRecord{key: key, version: vv.Version}
	} else {
		t.readSet[enc] = readRecord{key: key, absent: true}
	}
	return vv, found
}

// ScanPrefix reads every key sharing prefix from the transaction's
// snapshot without recording individual read-set entries. A range read is
// validated at commit only through the per-key entries callers
// subsequently Get; scan-as-predicate is not protected against phantoms.
func (t *Txn) ScanPrefix(prefix kernel.Key) []store.KeyValue {
	return t.snapshot.ScanPrefix(prefix)
}

// Put buffers a write. JSON-document keys are grouped and flushed
// separately from plain KV keys to preserve the fixed per-primitive WAL
// emission order (kv, json, event, state, vector).
func (t *Txn) Put(key kernel.Key, value kernel.Value, ttlDeadlineNS *int64) {
	enc := string(key.Encode())
	t.writes[enc] = value
	delete(t.deletes, enc)

	op := writeOp{kind: opPut, key: key, value: value, ttlDeadlineNS: ttlDeadlineNS}
	if key.Type == kernel.TypeJSON {
		t.jsonOps = upsertOp(t.jsonOps, op)
		return
	}
	t.kvOps = upsertOp(t.kvOps, op)
}

// Delete buffers a deletion. Later Gets in this transaction observe the
// key as absent.
func (t *Txn) Delete(key kernel.Key) {
	enc := string(key.Encode())
	delete(t.writes, enc)
	t.deletes[enc] = struct{}{}

	op := writeOp{kind: opDelete, key: key}
	if key.Type == kernel.TypeJSON {
		t.jsonOps = upsertOp(t.jsonOps, op)
		return
	}
	t.kvOps = upsertOp(t.kvOps, op)
}

// upsertOp replaces a buffered op targeting the same key, so a
// put-then-delete (or repeated puts) of one key emits a single WAL record.
func upsertOp(ops []writeOp, op writeOp) []writeOp {
	for i := range ops {
		if ops[i].key.Compare(op.key) == 0 {
			ops[i] = op
			return ops
		}
	}
	return append(ops, op)
}

// StateSet buffers a state cell write, optionally CAS-checked. expected
// carries the version the caller observed; absentRequired means "the cell
// must not already exist". Passing neither makes the write unconditional.
func (t *Txn) StateSet(key kernel.Key, value kernel.Value, cellName string, expected *uint64, absentRequired bool) {
	enc := string(key.Encode())
	t.writes[enc] = value
	delete(t.deletes, enc)
	t.stateOps = append(t.stateOps, writeOp{
		kind: opStateSet, key: key, value: value, cellName: cellName,
		casExpected: expected, casAbsent: absentRequired,
	})
}

// AppendEvent buffers an event append. Sequence and hash are computed by
// the caller against this transaction's snapshot plus its pending event
// buffer, since sequence allocation must be consistent with whatever else
// this transaction already appended.
func (t *Txn) AppendEvent(key kernel.Key, value kernel.Value, stream string, sequence uint64, eventType string, payload kernel.Value, timestampNS int64, prevHash, hash uint64) {
	enc := string(key.Encode())
	t.writes[enc] = value
	t.eventOps = append(t.eventOps, writeOp{
		kind: opEventAppend, key: key, value: value,
		stream: stream, sequence: sequence, eventType: eventType,
		payload: payload, timestampNS: timestampNS, prevHash: prevHash, hash: hash,
	})
}

// PendingEvents returns the transaction's buffered appends for stream, in
// buffer order, so sequence allocation can account for them.
func (t *Txn) PendingEvents(stream string) []PendingEvent {
	var out []PendingEvent
	for _, op := range t.eventOps {
		if op.stream == stream {
			out = append(out, PendingEvent{Sequence: op.sequence, Hash: op.hash})
		}
	}
	return out
}

// PendingEvent is the slice of a buffered append that sequence allocation
// needs: its sequence number and chain hash.
type PendingEvent struct {
	Sequence uint64
	Hash     uint64
}

// VectorCollectionCreate buffers creation of a vector collection's
// metadata record.
func (t *Txn) VectorCollectionCreate(key kernel.Key, value kernel.Value, collection string, dimension int, metric string) {
	enc := string(key.Encode())
	t.writes[enc] = value
	delete(t.deletes, enc)
	t.vectorOps = append(t.vectorOps, writeOp{
		kind: opVectorCollectionCreate, key: key, value: value,
		collection: collection, dimension: dimension, distanceMetric: metric,
	})
}

// VectorCollectionDelete buffers deletion of a vector collection's
// metadata record (member vectors are deleted individually beforehand by
// the caller).
func (t *Txn) VectorCollectionDelete(key kernel.Key, collection string) {
	enc := string(key.Encode())
	delete(t.writes, enc)
	t.deletes[enc] = struct{}{}
	t.vectorOps = append(t.vectorOps, writeOp{kind: opVectorCollectionDelete, key: key, collection: collection})
}

// VectorUpsert buffers an insert-or-replace of a single vector record.
func (t *Txn) VectorUpsert(key kernel.Key, value kernel.Value, collection, vectorKey string, embedding []float32) {
	enc := string(key.Encode())
	t.writes[enc] = value
	delete(t.deletes, enc)
	t.vectorOps = append(t.vectorOps, writeOp{
		kind: opVectorUpsert, key: key, value: value,
		collection: collection, vectorKey: vectorKey, embedding: embedding,
	})
}

// VectorDelete buffers removal of a single vector record.
func (t *Txn) VectorDelete(key kernel.Key, collection, vectorKey string) {
	enc := string(key.Encode())
	delete(t.writes, enc)
	t.deletes[enc] = struct{}{}
	t.vectorOps = append(t.vectorOps, writeOp{kind: opVectorDelete, key: key, collection: collection, vectorKey: vectorKey})
}

// Coordinator admits transactions: it hands out snapshots, validates and
// applies commits, and serializes commit+apply per run so two
// transactions on different runs never block each other.
type Coordinator struct {
	store  *store.Store
	wal    *wal.Writer
	logger *zap.Logger

	nextTxnID atomic.Uint64

	locksMu  sync.Mutex
	runLocks map[kernel.RunID]*sync.Mutex
}

// NewCoordinator wires a Coordinator to the store it validates/applies
// against and the WAL it durably records through.
func NewCoordinator(s *store.Store, w *wal.Writer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    s,
		wal:      w,
		logger:   logger,
		runLocks: make(map[kernel.RunID]*sync.Mutex),
	}
}

// SeedTxnID raises the local transaction-id counter past n, so fresh
// transactions never reuse an id still present in a recovered WAL file
// (recovery groups entries by id, and a collision would merge an old
// incomplete transaction's entries into a new commit).
func (c *Coordinator) SeedTxnID(n uint64) {
	for {
		cur := c.nextTxnID.Load()
		if n <= cur {
			return
		}
		if c.nextTxnID.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *Coordinator) runLock(run kernel.RunID) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	m, ok := c.runLocks[run]
	if !ok {
		m = &sync.Mutex{}
		c.runLocks[run] = m
	}
	return m
}

// Begin opens a transaction against a fresh snapshot of the store, scoped
// to run.
func (c *Coordinator) Begin(run kernel.RunID) *Txn {
	return &Txn{
		id:       c.nextTxnID.Add(1),
		run:      run,
		snapshot: c.store.CreateSnapshot(),
		coord:    c,
		readSet:  make(map[string]readRecord),
		writes:   make(map[string]kernel.Value),
		deletes:  make(map[string]struct{}),
	}
}

// Abort discards a transaction's buffered work. Since nothing is written
// to the store or the WAL before Commit validates it, aborting never
// requires compensating state.
func (c *Coordinator) Abort(t *Txn) {
	t.done = true
}

// Commit validates t's read set and CAS set against the live store, then
// atomically writes its buffered operations to the WAL (in kv, json,
// event, state, vector order) and applies them to the store, all while
// holding t.run's commit lock. If a WAL append fails after BeginTxn has
// reached the log, a best-effort AbortTxn frame is appended so recovery
// can discard the group without waiting for the commit-marker check.
func (c *Coordinator) Commit(t *Txn) error {
	if t.done {
		return errors.Wrap(kernel.ErrInternal, "transaction already finalized")
	}

	lock := c.runLock(t.run)
	lock.Lock()
	defer lock.Unlock()
	defer func() { t.done = true }()

	if err := c.validateReadSet(t); err != nil {
		return err
	}
	if err := c.validateCAS(t); err != nil {
		return err
	}

	commitVersion := c.store.AllocateVersion()

	entries := make([]wal.Entry, 0, 2+len(t.kvOps)+len(t.jsonOps)+len(t.eventOps)+len(t.stateOps)+len(t.vectorOps))
	entries = append(entries, wal.Entry{
		Kind: wal.KindBeginTxn, TxnID: t.id, RunID: t.run, BeginTS: time.Now().UnixNano(),
	})
	for _, group := range [][]writeOp{t.kvOps, t.jsonOps, t.eventOps, t.stateOps, t.vectorOps} {
		for _, op := range group {
			entries = append(entries, opEntry(t, op, commitVersion))
		}
	}
	entries = append(entries, wal.Entry{
		Kind: wal.KindCommitTxn, TxnID: t.id, RunID: t.run, CommitVersion: commitVersion,
	})

	for i, e := range entries {
		if err := c.wal.Append(e); err != nil {
			if i > 0 {
				if abortErr := c.wal.Append(wal.Entry{Kind: wal.KindAbortTxn, TxnID: t.id, RunID: t.run}); abortErr != nil {
					c.logger.Warn("abort marker append failed", zap.Uint64("txn_id", t.id), zap.Error(abortErr))
				}
			}
			return errors.Wrap(err, "append WAL entry")
		}
	}

	for _, group := range [][]writeOp{t.kvOps, t.jsonOps, t.eventOps, t.stateOps, t.vectorOps} {
		applyGroup(c.store, group, commitVersion)
	}

	return nil
}

func (c *Coordinator) validateReadSet(t *Txn) error {
	for _, rec := range t.readSet {
		cur, found := c.store.Get(rec.key)
		if rec.absent {
			if found {
				return kernel.ErrConflict
			}
			continue
		}
		if !found || cur.Version != rec.version {
			return kernel.ErrConflict
		}
	}
	return nil
}

func (c *Coordinator) validateCAS(t *Txn) error {
	for _, op := range t.stateOps {
		if op.casExpected == nil && !op.casAbsent {
			continue
		}
		cur, found := c.store.Get(op.key)
		// casAbsent maps to the overlay's "expected = none" protocol.
		expected := op.casExpected
		if op.casAbsent {
			expected = nil
		}
		if err := state.CheckCAS(cur, found, expected); err != nil {
			return err
		}
	}
	return nil
}

func opEntry(t *Txn, op writeOp, commitVersion uint64) wal.Entry {
	e := wal.Entry{TxnID: t.id, RunID: t.run, CommitVersion: commitVersion}
	switch op.kind {
	case opPut:
		e.Kind = wal.KindPut
		e.Key, e.Value, e.TTLDeadlineNS = op.key, op.value, op.ttlDeadlineNS
	case opDelete:
		e.Kind = wal.KindDelete
		e.Key = op.key
	case opStateSet:
		e.Kind = wal.KindStateSet
		e.Key, e.Value, e.CellName = op.key, op.value, op.cellName
	case opEventAppend:
		e.Kind = wal.KindEventAppend
		e.Key = op.key
		e.Value = op.value
		e.Stream, e.Sequence, e.EventType = op.stream, op.sequence, op.eventType
		e.Payload, e.TimestampNS, e.PrevHash, e.Hash = op.payload, op.timestampNS, op.prevHash, op.hash
	case opVectorCollectionCreate:
		e.Kind = wal.KindVectorCollectionCreate
		e.Key, e.Value, e.Collection = op.key, op.value, op.collection
		e.Dimension, e.DistanceMetric = op.dimension, op.distanceMetric
	case opVectorCollectionDelete:
		e.Kind = wal.KindVectorCollectionDelete
		e.Key, e.Collection = op.key, op.collection
	case opVectorUpsert:
		e.Kind = wal.KindVectorUpsert
		e.Key, e.Value, e.Collection, e.VectorKey, e.Embedding = op.key, op.value, op.collection, op.vectorKey, op.embedding
	case opVectorDelete:
		e.Kind = wal.KindVectorDelete
		e.Key, e.Collection, e.VectorKey = op.key, op.collection, op.vectorKey
	}
	return e
}

func applyGroup(s *store.Store, ops []writeOp, commitVersion uint64) {
	for _, op := range ops {
		switch op.kind {
		case opDelete, opVectorCollectionDelete, opVectorDelete:
			s.Delete(op.key)
		default:
			s.Put(op.key, op.value, commitVersion, op.ttlDeadlineNS)
		}
	}
}

// RunWithRetry begins, runs fn, and commits, retrying on a conflict with a
// fresh snapshot up to maxAttempts times (default 200). fn must be pure:
// it may run many times. Exhausting the budget surfaces ErrConflict.
func (c *Coordinator) RunWithRetry(run kernel.RunID, maxAttempts int, fn func(*Txn) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 200
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		t := c.Begin(run)
		if err := fn(t); err != nil {
			c.Abort(t)
			if isRetryable(err) {
				continue
			}
			return err
		}
		err := c.Commit(t)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
	}
	return errors.Wrap(kernel.ErrConflict, "commit retry budget exhausted")
}

// isRetryable: read-set conflicts are retried because a fresh snapshot can
// resolve them. A version conflict against a caller-fixed expected version
// cannot succeed on retry and surfaces immediately; callers that want
// retried CAS re-read the current version inside the closure, where a
// concurrent writer shows up as a read-set conflict instead.
func isRetryable(err error) bool {
	return errors.Is(err, kernel.ErrConflict)
}
