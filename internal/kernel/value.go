package kernel

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Kind discriminates the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the discriminated union stored at every key:
// {null, bool, int(i64), float(f64), string, bytes, array, object}.
//
// Only the field matching Kind is meaningful; the rest are zero. Object
// preserves insertion order, matching JSON document semantics.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	Array  []Value
	Object *Object
}

// Null, Bool, Int, Float, String and Bytes construct scalar values; Array
// and ObjectValue construct the composite ones.
func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func Array(items []Value) Value  { return Value{Kind: KindArray, Array: items} }
func ObjectValue(o *Object) Value { return Value{Kind: KindObject, Object: o} }

// IsNull reports whether v holds the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Clone returns a deep copy so snapshots never alias mutable state.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindBytes:
		cp := make([]byte, len(v.Bytes))
		copy(cp, v.Bytes)
		v.Bytes = cp
	case KindArray:
		cp := make([]Value, len(v.Array))
		for i, item := range v.Array {
			cp[i] = item.Clone()
		}
		v.Array = cp
	case KindObject:
		if v.Object != nil {
			v.Object = v.Object.Clone()
		}
	}
	return v
}

// Object is an ordered string-keyed map of Value, preserving insertion
// order the way a JSON object literal would be read back.
type Object struct {
	keys   []string
	values map[string]Value
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// Set inserts or overwrites a field, preserving the original position on
// overwrite and appending on first insertion.
func (o *Object) Set(key string, v Value) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Get returns the field's value and whether it was present.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Delete removes a field if present.
func (o *Object) Delete(key string) {
	if _, exists := o.values[key]; !exists {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len reports the number of fields.
func (o *Object) Len() int { return len(o.keys) }

// Clone returns a deep, independently mutable copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	cp := &Object{
		keys:   make([]string, len(o.keys)),
		values: make(map[string]Value, len(o.values)),
	}
	copy(cp.keys, o.keys)
	for k, v := range o.values {
		cp.values[k] = v.Clone()
	}
	return cp
}

// objectWire is Object's serializable shadow: gob only sees exported
// fields, so Object (whose keys/values are unexported to keep Set/Delete
// order-preserving) encodes itself through this pair of parallel slices.
type objectWire struct {
	Keys   []string
	Values []Value
}

// GobEncode implements gob.GobEncoder so Object can appear inside any
// gob-encoded structure (notably WAL entries) despite its unexported
// fields.
func (o *Object) GobEncode() ([]byte, error) {
	w := objectWire{}
	if o != nil {
		w.Keys = o.Keys()
		w.Values = make([]Value, len(w.Keys))
		for i, k := range w.Keys {
			w.Values[i], _ = o.Get(k)
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder, the inverse of GobEncode.
func (o *Object) GobDecode(data []byte) error {
	var w objectWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	o.keys = w.Keys
	o.values = make(map[string]Value, len(w.Keys))
	for i, k := range w.Keys {
		o.values[k] = w.Values[i]
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.Bytes))
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.Array))
	case KindObject:
		if v.Object == nil {
			return "object{}"
		}
		return fmt.Sprintf("object[%d]", v.Object.Len())
	default:
		return "?"
	}
}

// VersionedValue pairs a Value with the commit metadata the store and WAL
// carry alongside it.
type VersionedValue struct {
	Value          Value
	Version        uint64
	WriteTimeNS    int64
	TTLDeadlineNS  *int64 // nil means no expiry
}

// Expired reports whether the value's TTL deadline has passed as of nowNS.
func (vv VersionedValue) Expired(nowNS int64) bool {
	return vv.TTLDeadlineNS != nil && *vv.TTLDeadlineNS <= nowNS
}
