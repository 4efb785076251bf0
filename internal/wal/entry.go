// Package wal implements the write-ahead log: framing, durability modes,
// and the recovery scan.
//
// What: length-prefixed, CRC32-checked entries appended to a single file,
//       encoding the Entry union via encoding/gob.
// How: every entry is gob-encoded, then wrapped in a length + CRC32 frame.
//      The explicit frame, rather than gob's self-describing stream, is
//      what lets a reader stop cleanly at the first corrupt boundary.
// Why: the engine's durability story rests entirely on this package; every
//      other component either writes through it (the transaction
//      coordinator) or replays it (recovery).
package wal

import "github.com/agentsubstrate/substrate/internal/kernel"

// EntryKind discriminates the Entry union.
type EntryKind uint8

const (
	KindBeginTxn EntryKind = iota + 1
	KindPut
	KindDelete
	KindCommitTxn
	KindAbortTxn
	KindCheckpoint
	KindVectorUpsert
	KindVectorDelete
	KindVectorCollectionCreate
	KindVectorCollectionDelete
	KindStateSet
	KindEventAppend
)

func (k EntryKind) String() string {
	switch k {
	case KindBeginTxn:
		return "BeginTxn"
	case KindPut:
		return "Put"
	case KindDelete:
		return "Delete"
	case KindCommitTxn:
		return "CommitTxn"
	case KindAbortTxn:
		return "AbortTxn"
	case KindCheckpoint:
		return "Checkpoint"
	case KindVectorUpsert:
		return "VectorUpsert"
	case KindVectorDelete:
		return "VectorDelete"
	case KindVectorCollectionCreate:
		return "VectorCollectionCreate"
	case KindVectorCollectionDelete:
		return "VectorCollectionDelete"
	case KindStateSet:
		return "StateSet"
	case KindEventAppend:
		return "EventAppend"
	default:
		return "Unknown"
	}
}

// Entry is the flat, gob-encodable union of every WAL record kind. Only
// the fields relevant to Kind are meaningful; the rest stay zero and cost
// nothing on the wire.
type Entry struct {
	Kind  EntryKind
	TxnID uint64
	RunID kernel.RunID

	// BeginTxn
	BeginTS int64

	// Put / Delete (kv, json-document-whole-write, run-meta)
	Key           kernel.Key
	Value         kernel.Value
	CommitVersion uint64
	TTLDeadlineNS *int64

	// Vector*
	Collection     string
	VectorKey      string
	Embedding      []float32
	Metadata       *kernel.Value
	SourceRef      *string
	Dimension      int
	DistanceMetric string

	// StateSet
	CellName string

	// EventAppend
	Stream      string
	Sequence    uint64
	EventType   string
	Payload     kernel.Value
	TimestampNS int64
	PrevHash    uint64
	Hash        uint64
}
