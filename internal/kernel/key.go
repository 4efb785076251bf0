// Package kernel holds the core types shared by every layer of the engine:
// typed keys, the value union, versioned values, and run identifiers.
//
// What: Key is the typed, run-scoped address of every stored item.
// How: a Key is the lexicographic triple (run_id_bytes, type_tag, sub_bytes);
//      Encode concatenates them in that order so keys sharing (run, type)
//      sort contiguously by sub-bytes, per spec.
// Why: a single ordered byte encoding lets the primary container (a plain
//      ordered tree) serve both run-scoped and prefix scans without a
//      separate comparator per primitive.
package kernel

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// RunID is a 128-bit opaque identifier. The zero value (uuid.Nil) denotes
// the default run.
type RunID = uuid.UUID

// DefaultRunID is the nil run, used when callers don't scope to a named run.
var DefaultRunID = uuid.Nil

// NewRunID allocates a fresh random run identifier.
func NewRunID() RunID {
	return uuid.New()
}

// ParseRunID parses a run identifier's canonical string form.
func ParseRunID(s string) (RunID, error) {
	return uuid.Parse(s)
}

// TypeTag discriminates the primitive a key belongs to.
type TypeTag byte

const (
	TypeKV      TypeTag = 0x01
	TypeEvent   TypeTag = 0x02
	TypeState   TypeTag = 0x03
	TypeJSON    TypeTag = 0x04
	TypeVector  TypeTag = 0x05
	TypeRunMeta TypeTag = 0x06
	// 0x10 and above are reserved for future primitives.
	typeReservedFloor TypeTag = 0x10
)

func (t TypeTag) String() string {
	switch t {
	case TypeKV:
		return "kv"
	case TypeEvent:
		return "event"
	case TypeState:
		return "state"
	case TypeJSON:
		return "json"
	case TypeVector:
		return "vector"
	case TypeRunMeta:
		return "run_meta"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

// Key is the composite, ordered address of a stored item.
type Key struct {
	RunID RunID
	Type  TypeTag
	Sub   []byte
}

// NewKey constructs a Key from its three components.
func NewKey(run RunID, typ TypeTag, sub []byte) Key {
	return Key{RunID: run, Type: typ, Sub: sub}
}

// Encode returns the canonical byte encoding used for ordering and as the
// primary container's comparison key: run_id(16) || type_tag(1) || sub.
func (k Key) Encode() []byte {
	buf := make([]byte, 0, 16+1+len(k.Sub))
	runBytes, _ := k.RunID.MarshalBinary()
	buf = append(buf, runBytes...)
	buf = append(buf, byte(k.Type))
	buf = append(buf, k.Sub...)
	return buf
}

// Compare orders keys by their canonical encoding.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k.Encode(), other.Encode())
}

// PrefixKey builds a Key-shaped prefix (run, type, sub-prefix) for range
// scans; Sub holds the prefix itself.
func PrefixKey(run RunID, typ TypeTag, subPrefix []byte) Key {
	return Key{RunID: run, Type: typ, Sub: subPrefix}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%x", k.RunID, k.Type, k.Sub)
}
