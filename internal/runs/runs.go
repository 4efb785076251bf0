// Package runs implements run lifecycle management: the Active/Paused/
// terminal state machine, run metadata, parent/child links, and cascading
// deletion.
//
// What: a run's metadata is itself a single versioned value stored under
//       kernel.TypeRunMeta, so creating, transitioning, and deleting a run
//       goes through the same transaction coordinator as every other
//       primitive. There is no separate run catalog to keep consistent.
// How: the state machine lives in ValidTransition; everything else is
//      encode/decode between Meta and the stored object value.
// Why: run deletion must be atomic with the data it removes, which falls
//      out of storing run metadata in the same transactional keyspace.
package runs

import (
	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/txn"
)

// Status is a run's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusArchived
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusArchived:
		return "archived"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransition reports whether a run may move from `from` to `to`:
// Active and Paused toggle freely; either may end in one
// of the three terminal states; only a terminal state may be Archived; no
// other transition, including any move out of Archived, is allowed.
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch {
	case from == StatusActive && to == StatusPaused:
		return true
	case from == StatusPaused && to == StatusActive:
		return true
	case (from == StatusActive || from == StatusPaused) && to.terminal():
		return true
	case from.terminal() && to == StatusArchived:
		return true
	default:
		return false
	}
}

// Meta is a run's metadata record.
type Meta struct {
	RunID     kernel.RunID
	Status    Status
	Tags      map[string]string
	Parent    *kernel.RunID
	CreatedNS int64
	UpdatedNS int64
}

// MetaKey builds the store key for run's metadata record.
func MetaKey(run kernel.RunID) kernel.Key {
	return kernel.NewKey(run, kernel.TypeRunMeta, []byte("meta"))
}

// ToValue encodes Meta as the object stored at its metadata key.
func (m Meta) ToValue() kernel.Value {
	obj := kernel.NewObject()
	obj.Set("status", kernel.Int(int64(m.Status)))
	tags := kernel.NewObject()
	for k, v := range m.Tags {
		tags.Set(k, kernel.String(v))
	}
	obj.Set("tags", kernel.ObjectValue(tags))
	if m.Parent != nil {
		obj.Set("parent", kernel.String(m.Parent.String()))
	} else {
		obj.Set("parent", kernel.Null())
	}
	obj.Set("created_ns", kernel.Int(m.CreatedNS))
	obj.Set("updated_ns", kernel.Int(m.UpdatedNS))
	return kernel.ObjectValue(obj)
}

// MetaFromValue decodes a stored metadata object back into Meta.
func MetaFromValue(run kernel.RunID, v kernel.Value) (Meta, bool) {
	if v.Kind != kernel.KindObject || v.Object == nil {
		return Meta{}, false
	}
	status, _ := v.Object.Get("status")
	tagsV, _ := v.Object.Get("tags")
	parentV, _ := v.Object.Get("parent")
	created, _ := v.Object.Get("created_ns")
	updated, _ := v.Object.Get("updated_ns")

	m := Meta{
		RunID:     run,
		Status:    Status(status.Int),
		CreatedNS: created.Int,
		UpdatedNS: updated.Int,
	}
	if tagsV.Kind == kernel.KindObject && tagsV.Object != nil {
		m.Tags = make(map[string]string, tagsV.Object.Len())
		for _, k := range tagsV.Object.Keys() {
			val, _ := tagsV.Object.Get(k)
			m.Tags[k] = val.Str
		}
	}
	if !parentV.IsNull() {
		if id, err := kernel.ParseRunID(parentV.Str); err == nil {
			m.Parent = &id
		}
	}
	return m, true
}

// EnsureWritable rejects primitive writes against a run in a terminal
// state. Paused runs still accept writes; only the lifecycle is paused,
// not the data plane.
func EnsureWritable(m Meta) error {
	if m.Status.terminal() || m.Status == StatusArchived {
		return kernel.ErrRunClosed
	}
	return nil
}

// DeleteRun buffers deletion of every key belonging to run, including its
// own metadata record, within t. The caller commits t. Keys are discovered
// through the transaction's snapshot, so the cascade is atomic with
// whatever else the transaction does.
func DeleteRun(t *txn.Txn, run kernel.RunID) {
	tags := []kernel.TypeTag{
		kernel.TypeKV, kernel.TypeEvent, kernel.TypeState,
		kernel.TypeJSON, kernel.TypeVector, kernel.TypeRunMeta,
	}
	for _, tag := range tags {
		for _, kv := range t.ScanPrefix(kernel.NewKey(run, tag, nil)) {
			t.Delete(kv.Key)
		}
	}
}
