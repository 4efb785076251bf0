package substrate

import (
	"math"
	"time"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/primitives/event"
	"github.com/agentsubstrate/substrate/internal/primitives/jsondoc"
	"github.com/agentsubstrate/substrate/internal/primitives/kv"
	"github.com/agentsubstrate/substrate/internal/primitives/state"
	"github.com/agentsubstrate/substrate/internal/primitives/vector"
	"github.com/agentsubstrate/substrate/internal/txn"
)

// Tx is the transaction context handed to a Transaction closure. Every
// operation buffers; nothing is observable outside the transaction until
// commit, and a failed commit leaves no partial effects.
type Tx struct {
	inner *txn.Txn
	run   RunID
}

// RunID returns the run this transaction is scoped to.
func (t *Tx) RunID() RunID { return t.run }

// SnapshotVersion returns the commit version this transaction's reads are
// bounded to.
func (t *Tx) SnapshotVersion() uint64 { return t.inner.SnapshotVersion() }

// KVPair is one key's scan result.
type KVPair struct {
	Key   string
	Value VersionedValue
}

// ---- key-value ----

// KVGet reads a key, observing this transaction's own pending writes
// first.
func (t *Tx) KVGet(key string) (VersionedValue, error) {
	if key == "" {
		return VersionedValue{}, ErrInvalidKey
	}
	vv, found := t.inner.GetVersioned(kv.Key(t.run, []byte(key)))
	if !found {
		return VersionedValue{}, ErrKeyNotFound
	}
	return vv, nil
}

// KVPut buffers a write of key to value.
func (t *Tx) KVPut(key string, value Value) error {
	if key == "" {
		return ErrInvalidKey
	}
	t.inner.Put(kv.Key(t.run, []byte(key)), value, nil)
	return nil
}

// KVPutTTL is KVPut with an expiry: the deadline is fixed when KVPutTTL is
// called, and the key reads as absent once ttl has elapsed from then.
func (t *Tx) KVPutTTL(key string, value Value, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidInput
	}
	deadline := time.Now().Add(ttl).UnixNano()
	t.inner.Put(kv.Key(t.run, []byte(key)), value, &deadline)
	return nil
}

// KVDelete buffers removal of key, failing if it does not exist.
func (t *Tx) KVDelete(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	k := kv.Key(t.run, []byte(key))
	if _, found := t.inner.Get(k); !found {
		return ErrKeyNotFound
	}
	t.inner.Delete(k)
	return nil
}

// KVIncr atomically adds delta to an integer key, initializing an absent
// key to delta. Non-integer values fail with ErrWrongType; wrapping past
// the int64 range fails with ErrOverflow.
func (t *Tx) KVIncr(key string, delta int64) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	k := kv.Key(t.run, []byte(key))
	cur := int64(0)
	if v, found := t.inner.Get(k); found {
		if v.Kind != kernel.KindInt {
			return 0, ErrWrongType
		}
		cur = v.Int
	}
	if (delta > 0 && cur > math.MaxInt64-delta) || (delta < 0 && cur < math.MinInt64-delta) {
		return 0, ErrOverflow
	}
	next := cur + delta
	t.inner.Put(k, Int(next), nil)
	return next, nil
}

// KVScan returns every key sharing prefix within this run, in key order,
// as observed by the transaction's snapshot.
func (t *Tx) KVScan(prefix string) []KVPair {
	kvs := t.inner.ScanPrefix(kv.Key(t.run, []byte(prefix)))
	out := make([]KVPair, 0, len(kvs))
	for _, item := range kvs {
		out = append(out, KVPair{Key: string(item.Key.Sub), Value: item.Value})
	}
	return out
}

// ---- state cells ----

// StateInit creates a named cell, failing at commit with
// ErrVersionConflict if the cell already exists.
func (t *Tx) StateInit(name string, value Value) error {
	if name == "" {
		return ErrInvalidKey
	}
	t.inner.StateSet(state.Key(t.run, name), value, name, nil, true)
	return nil
}

// StateRead returns the cell's current value and version.
func (t *Tx) StateRead(name string) (VersionedValue, error) {
	if name == "" {
		return VersionedValue{}, ErrInvalidKey
	}
	vv, found := t.inner.GetVersioned(state.Key(t.run, name))
	if !found {
		return VersionedValue{}, ErrCellNotFound
	}
	return vv, nil
}

// StateSet writes the cell unconditionally.
func (t *Tx) StateSet(name string, value Value) error {
	if name == "" {
		return ErrInvalidKey
	}
	t.inner.StateSet(state.Key(t.run, name), value, name, nil, false)
	return nil
}

// StateCAS writes the cell only if its version still equals expected at
// commit time; otherwise the transaction fails with ErrVersionConflict.
func (t *Tx) StateCAS(name string, expected uint64, value Value) error {
	if name == "" {
		return ErrInvalidKey
	}
	t.inner.StateSet(state.Key(t.run, name), value, name, &expected, false)
	return nil
}

// StateDelete removes the cell, failing if it does not exist.
func (t *Tx) StateDelete(name string) error {
	if name == "" {
		return ErrInvalidKey
	}
	k := state.Key(t.run, name)
	if _, found := t.inner.Get(k); !found {
		return ErrCellNotFound
	}
	t.inner.Delete(k)
	return nil
}

// StateList returns the names of every cell in this run, in name order.
func (t *Tx) StateList() []string {
	kvs := t.inner.ScanPrefix(kernel.NewKey(t.run, kernel.TypeState, nil))
	out := make([]string, 0, len(kvs))
	for _, item := range kvs {
		out = append(out, string(item.Key.Sub))
	}
	return out
}

// ---- event log ----

// EventAppend appends one event to stream, allocating the next contiguous
// sequence number across both committed events and appends already
// buffered in this transaction, and linking it into the stream's hash
// chain. The payload must be an object.
func (t *Tx) EventAppend(stream, eventType string, payload Value) (uint64, error) {
	if err := event.ValidatePayload(stream, payload); err != nil {
		return 0, err
	}

	var nextSeq, prevHash uint64
	if pending := t.inner.PendingEvents(stream); len(pending) > 0 {
		last := pending[len(pending)-1]
		nextSeq = last.Sequence + 1
		prevHash = last.Hash
	} else if kvs := t.inner.ScanPrefix(event.StreamPrefix(t.run, stream)); len(kvs) > 0 {
		env, ok := event.FromValue(kvs[len(kvs)-1].Value.Value)
		if !ok {
			return 0, ErrInternal
		}
		nextSeq = env.Sequence + 1
		prevHash = env.Hash
	}

	ts := time.Now().UnixNano()
	hash := event.Hash(prevHash, nextSeq, eventType, payload, ts)
	env := event.Envelope{
		Sequence:    nextSeq,
		EventType:   eventType,
		Payload:     payload,
		TimestampNS: ts,
		PrevHash:    prevHash,
		Hash:        hash,
	}
	t.inner.AppendEvent(event.Key(t.run, stream, nextSeq), env.ToValue(),
		stream, nextSeq, eventType, payload, ts, prevHash, hash)
	return nextSeq, nil
}

// EventList returns stream's committed events in sequence order, as
// observed by the transaction's snapshot.
func (t *Tx) EventList(stream string) ([]event.Envelope, error) {
	if stream == "" {
		return nil, ErrConstraintViolation
	}
	kvs := t.inner.ScanPrefix(event.StreamPrefix(t.run, stream))
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

// ---- JSON documents ----

func (t *Tx) jsonKey(docID string) (kernel.Key, error) {
	if docID == "" {
		return kernel.Key{}, ErrInvalidKey
	}
	return jsondoc.Key(t.run, docID), nil
}

// jsonWrite validates the mutated document's shape and buffers it.
func (t *Tx) jsonWrite(key kernel.Key, doc Value) error {
	if doc.Kind != kernel.KindObject {
		return ErrWrongType
	}
	if jsondoc.Depth(doc) > jsondoc.MaxNestingDepth {
		return ErrConstraintViolation
	}
	if jsondoc.ApproxSize(doc) > jsondoc.MaxDocumentBytes {
		return ErrConstraintViolation
	}
	t.inner.Put(key, doc, nil)
	return nil
}

// JSONSet writes value at path inside docID, creating the document and
// missing object parents as needed.
func (t *Tx) JSONSet(docID, path string, value Value) error {
	key, err := t.jsonKey(docID)
	if err != nil {
		return err
	}
	segs, err := jsondoc.ParsePath(path)
	if err != nil {
		return err
	}
	doc := Null()
	if cur, found := t.inner.Get(key); found {
		doc = cur
	}
	updated, err := jsondoc.Set(doc, segs, value)
	if err != nil {
		return err
	}
	return t.jsonWrite(key, updated)
}

// JSONGet resolves path inside docID. A missing document fails with
// ErrDocumentNotFound; a path that does not resolve fails with
// ErrKeyNotFound.
func (t *Tx) JSONGet(docID, path string) (Value, error) {
	key, err := t.jsonKey(docID)
	if err != nil {
		return Value{}, err
	}
	segs, err := jsondoc.ParsePath(path)
	if err != nil {
		return Value{}, err
	}
	doc, found := t.inner.Get(key)
	if !found {
		return Value{}, ErrDocumentNotFound
	}
	v, ok := jsondoc.Get(doc, segs)
	if !ok {
		return Value{}, ErrKeyNotFound
	}
	return v, nil
}

// JSONGetVersioned returns the whole document with its commit version.
func (t *Tx) JSONGetVersioned(docID string) (VersionedValue, error) {
	key, err := t.jsonKey(docID)
	if err != nil {
		return VersionedValue{}, err
	}
	vv, found := t.inner.GetVersioned(key)
	if !found {
		return VersionedValue{}, ErrDocumentNotFound
	}
	return vv, nil
}

// JSONDeleteAtPath removes the value at path inside docID.
func (t *Tx) JSONDeleteAtPath(docID, path string) error {
	key, err := t.jsonKey(docID)
	if err != nil {
		return err
	}
	segs, err := jsondoc.ParsePath(path)
	if err != nil {
		return err
	}
	doc, found := t.inner.Get(key)
	if !found {
		return ErrDocumentNotFound
	}
	updated, err := jsondoc.DeleteAt(doc, segs)
	if err != nil {
		return err
	}
	return t.jsonWrite(key, updated)
}

// JSONDelete removes the whole document.
func (t *Tx) JSONDelete(docID string) error {
	key, err := t.jsonKey(docID)
	if err != nil {
		return err
	}
	if _, found := t.inner.Get(key); !found {
		return ErrDocumentNotFound
	}
	t.inner.Delete(key)
	return nil
}

// JSONMerge applies an RFC 7396 merge patch at path inside docID,
// creating the document if absent.
func (t *Tx) JSONMerge(docID, path string, patch Value) error {
	key, err := t.jsonKey(docID)
	if err != nil {
		return err
	}
	segs, err := jsondoc.ParsePath(path)
	if err != nil {
		return err
	}
	doc := ObjectValue(NewObject())
	if cur, found := t.inner.Get(key); found {
		doc = cur
	}
	target, _ := jsondoc.Get(doc, segs)
	merged := jsondoc.Merge(target, patch)
	updated, err := jsondoc.Set(doc, segs, merged)
	if err != nil {
		return err
	}
	return t.jsonWrite(key, updated)
}

// JSONCAS is JSONSet conditioned on the document's current version.
func (t *Tx) JSONCAS(docID string, expected uint64, path string, value Value) error {
	vv, err := t.JSONGetVersioned(docID)
	if err != nil {
		return err
	}
	if vv.Version != expected {
		return ErrVersionConflict
	}
	return t.JSONSet(docID, path, value)
}

// ---- vector collections ----

// VectorCollectionCreate registers a named collection with a fixed
// dimension and distance metric. Recreating an existing name fails with
// ErrCollectionExists.
func (t *Tx) VectorCollectionCreate(name string, dimension int, metric string) error {
	if name == "" {
		return ErrInvalidInput
	}
	if dimension <= 0 {
		return ErrInvalidInput
	}
	metaKey := vector.MetaKey(t.run, name)
	if _, found := t.inner.Get(metaKey); found {
		return ErrCollectionExists
	}
	meta := vector.Metadata{Dimension: dimension, Metric: metric}
	t.inner.VectorCollectionCreate(metaKey, meta.ToValue(), name, dimension, metric)
	return nil
}

// VectorCollectionDelete removes a collection and every vector in it.
func (t *Tx) VectorCollectionDelete(name string) error {
	if name == "" {
		return ErrInvalidInput
	}
	metaKey := vector.MetaKey(t.run, name)
	if _, found := t.inner.Get(metaKey); !found {
		return ErrCollectionNotFound
	}
	for _, item := range t.inner.ScanPrefix(vector.CollectionPrefix(t.run, name)) {
		rec, ok := vector.RecordFromValue(item.Value.Value)
		if !ok {
			continue
		}
		t.inner.VectorDelete(item.Key, name, rec.ID)
	}
	t.inner.VectorCollectionDelete(metaKey, name)
	return nil
}

func (t *Tx) collectionMeta(name string) (vector.Metadata, error) {
	v, found := t.inner.Get(vector.MetaKey(t.run, name))
	if !found {
		return vector.Metadata{}, ErrCollectionNotFound
	}
	meta, ok := vector.MetadataFromValue(v)
	if !ok {
		return vector.Metadata{}, ErrInternal
	}
	return meta, nil
}

// VectorUpsert inserts or replaces one vector record. The embedding must
// match the collection's dimension.
func (t *Tx) VectorUpsert(collection, id string, embedding []float32, attrs *Object) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}
	meta, err := t.collectionMeta(collection)
	if err != nil {
		return err
	}
	if err := vector.ValidateDimension(meta, embedding); err != nil {
		return err
	}
	rec := vector.Record{ID: id, Embedding: embedding, Attrs: attrs}
	t.inner.VectorUpsert(vector.Key(t.run, collection, id), rec.ToValue(), collection, id, embedding)
	return nil
}

// VectorDelete removes one vector record.
func (t *Tx) VectorDelete(collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}
	if _, err := t.collectionMeta(collection); err != nil {
		return err
	}
	key := vector.Key(t.run, collection, id)
	if _, found := t.inner.Get(key); !found {
		return ErrKeyNotFound
	}
	t.inner.VectorDelete(key, collection, id)
	return nil
}

// VectorGet reads one vector record.
func (t *Tx) VectorGet(collection, id string) (VectorRecord, error) {
	if collection == "" || id == "" {
		return VectorRecord{}, ErrInvalidInput
	}
	if _, err := t.collectionMeta(collection); err != nil {
		return VectorRecord{}, err
	}
	v, found := t.inner.Get(vector.Key(t.run, collection, id))
	if !found {
		return VectorRecord{}, ErrKeyNotFound
	}
	rec, ok := vector.RecordFromValue(v)
	if !ok {
		return VectorRecord{}, ErrInternal
	}
	return rec, nil
}
