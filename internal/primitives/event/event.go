// Package event implements the append-only event log overlay: key schema,
// sequence allocation, and the hash chain.
//
// What: each stream is a contiguous run of (stream_id, sequence) keys; each
//       event carries a hash over (prev_hash, sequence, type, payload,
//       timestamp).
// How: H is github.com/cespare/xxhash/v2's 64-bit fingerprint over the
//      chain fields, with the payload canonicalized (fields sorted) first.
// Why: the chain is tamper-evident against accidental corruption only; it
//      is not a cryptographic commitment.
package event

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

// Key builds the store key for (stream, sequence) within run. Sequences
// sort numerically because they're encoded big-endian, so a prefix scan
// over a stream's length-prefixed name yields sequences in order.
func Key(run kernel.RunID, stream string, sequence uint64) kernel.Key {
	sub := encodeSub(stream, sequence)
	return kernel.NewKey(run, kernel.TypeEvent, sub)
}

// StreamPrefix builds the prefix Key that scans every sequence in stream.
func StreamPrefix(run kernel.RunID, stream string) kernel.Key {
	sub := encodeStreamPrefix(stream)
	return kernel.NewKey(run, kernel.TypeEvent, sub)
}

func encodeStreamPrefix(stream string) []byte {
	buf := make([]byte, 2+len(stream))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(stream)))
	copy(buf[2:], stream)
	return buf
}

func encodeSub(stream string, sequence uint64) []byte {
	prefix := encodeStreamPrefix(stream)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], sequence)
	return buf
}

// MaxStreamNameLen bounds a stream name's byte length.
const MaxStreamNameLen = 255

// ValidatePayload enforces that an event payload is an object and that the
// stream name is non-empty and within length bounds.
func ValidatePayload(stream string, payload kernel.Value) error {
	if stream == "" || len(stream) > MaxStreamNameLen {
		return kernel.ErrConstraintViolation
	}
	if payload.Kind != kernel.KindObject || payload.Object == nil {
		return kernel.ErrConstraintViolation
	}
	return nil
}

// Hash computes H(prev_hash, sequence, type, payload, timestamp), the
// chain link for a single event.
func Hash(prevHash uint64, sequence uint64, eventType string, payload kernel.Value, timestampNS int64) uint64 {
	d := xxhash.New()
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], prevHash)
	d.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], sequence)
	d.Write(scratch[:])
	d.Write([]byte(eventType))
	d.Write(canonicalPayload(payload))
	binary.BigEndian.PutUint64(scratch[:], uint64(timestampNS))
	d.Write(scratch[:])

	return d.Sum64()
}

// canonicalPayload produces a deterministic byte encoding of an object
// payload (fields sorted by name) so the hash is stable regardless of the
// insertion order the caller happened to build the object in.
func canonicalPayload(v kernel.Value) []byte {
	if v.Kind != kernel.KindObject || v.Object == nil {
		return []byte(v.String())
	}
	keys := v.Object.Keys()
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		val, _ := v.Object.Get(k)
		buf = append(buf, []byte(k)...)
		buf = append(buf, ':')
		buf = append(buf, canonicalPayload(val)...)
		buf = append(buf, ';')
	}
	return buf
}

// Envelope is the stored representation of one event (the Value persisted
// at an event's key).
type Envelope struct {
	Sequence    uint64
	EventType   string
	Payload     kernel.Value
	TimestampNS int64
	PrevHash    uint64
	Hash        uint64
}

// ToValue encodes an Envelope as the object stored at the event's key.
func (e Envelope) ToValue() kernel.Value {
	obj := kernel.NewObject()
	obj.Set("sequence", kernel.Int(int64(e.Sequence)))
	obj.Set("type", kernel.String(e.EventType))
	obj.Set("payload", e.Payload)
	obj.Set("timestamp_ns", kernel.Int(e.TimestampNS))
	obj.Set("prev_hash", kernel.Int(int64(e.PrevHash)))
	obj.Set("hash", kernel.Int(int64(e.Hash)))
	return kernel.ObjectValue(obj)
}

// FromValue decodes a stored event object back into an Envelope.
func FromValue(v kernel.Value) (Envelope, bool) {
	if v.Kind != kernel.KindObject || v.Object == nil {
		return Envelope{}, false
	}
	seq, _ := v.Object.Get("sequence")
	typ, _ := v.Object.Get("type")
	payload, _ := v.Object.Get("payload")
	ts, _ := v.Object.Get("timestamp_ns")
	prev, _ := v.Object.Get("prev_hash")
	hash, _ := v.Object.Get("hash")
	return Envelope{
		Sequence:    uint64(seq.Int),
		EventType:   typ.Str,
		Payload:     payload,
		TimestampNS: ts.Int,
		PrevHash:    uint64(prev.Int),
		Hash:        uint64(hash.Int),
	}, true
}
