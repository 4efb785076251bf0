package jsondoc

import "github.com/agentsubstrate/substrate/internal/kernel"

// Get resolves path against doc, returning (value, false) if any segment
// does not resolve.
func Get(doc kernel.Value, segs []Segment) (kernel.Value, bool) {
	cur := doc
	for _, seg := range segs {
		if seg.IsIdx {
			if cur.Kind != kernel.KindArray || seg.Index >= len(cur.Array) {
				return kernel.Null(), false
			}
			cur = cur.Array[seg.Index]
			continue
		}
		if cur.Kind != kernel.KindObject || cur.Object == nil {
			return kernel.Null(), false
		}
		child, ok := cur.Object.Get(seg.Field)
		if !ok {
			return kernel.Null(), false
		}
		cur = child
	}
	return cur, true
}

// Set returns a copy of doc with path set to newVal, creating missing
// intermediate objects as needed; a missing array parent is not created
// and fails with ErrInvalidPath. Array segments may only address an
// existing index or exactly one past the end (an append).
func Set(doc kernel.Value, segs []Segment, newVal kernel.Value) (kernel.Value, error) {
	if len(segs) == 0 {
		return newVal, nil
	}
	seg := segs[0]
	rest := segs[1:]

	if seg.IsIdx {
		// Missing parents are created for objects only; an index segment
		// that lands on anything but an existing array is rejected.
		if doc.Kind != kernel.KindArray {
			if doc.IsNull() {
				return kernel.Value{}, kernel.ErrInvalidPath
			}
			return kernel.Value{}, kernel.ErrWrongType
		}
		arr := append([]kernel.Value(nil), doc.Array...)
		if seg.Index > len(arr) {
			return kernel.Value{}, kernel.ErrInvalidPath
		}
		if seg.Index == len(arr) {
			arr = append(arr, kernel.Null())
		}
		child, err := Set(arr[seg.Index], rest, newVal)
		if err != nil {
			return kernel.Value{}, err
		}
		arr[seg.Index] = child
		return kernel.Array(arr), nil
	}

	var obj *kernel.Object
	if doc.Kind == kernel.KindObject && doc.Object != nil {
		obj = doc.Object.Clone()
	} else if !doc.IsNull() {
		return kernel.Value{}, kernel.ErrWrongType
	} else {
		obj = kernel.NewObject()
	}
	child, _ := obj.Get(seg.Field)
	updated, err := Set(child, rest, newVal)
	if err != nil {
		return kernel.Value{}, err
	}
	obj.Set(seg.Field, updated)
	return kernel.ObjectValue(obj), nil
}

// DeleteAt returns a copy of doc with the value at path removed. Deleting
// the root (empty path) is rejected.
func DeleteAt(doc kernel.Value, segs []Segment) (kernel.Value, error) {
	if len(segs) == 0 {
		return kernel.Value{}, kernel.ErrInvalidPath
	}
	parentSegs := segs[:len(segs)-1]
	last := segs[len(segs)-1]

	parent, ok := Get(doc, parentSegs)
	if !ok {
		return kernel.Value{}, kernel.ErrInvalidPath
	}

	if last.IsIdx {
		if parent.Kind != kernel.KindArray || last.Index >= len(parent.Array) {
			return kernel.Value{}, kernel.ErrInvalidPath
		}
		arr := make([]kernel.Value, 0, len(parent.Array)-1)
		arr = append(arr, parent.Array[:last.Index]...)
		arr = append(arr, parent.Array[last.Index+1:]...)
		parent = kernel.Array(arr)
	} else {
		if parent.Kind != kernel.KindObject || parent.Object == nil {
			return kernel.Value{}, kernel.ErrInvalidPath
		}
		obj := parent.Object.Clone()
		obj.Delete(last.Field)
		parent = kernel.ObjectValue(obj)
	}

	return Set(doc, parentSegs, parent)
}

// Merge applies an RFC 7396 JSON Merge Patch: object fields set to null are
// removed, other fields are merged recursively, and a non-object patch
// replaces the target outright.
func Merge(target, patch kernel.Value) kernel.Value {
	if patch.Kind != kernel.KindObject {
		return patch
	}
	var obj *kernel.Object
	if target.Kind == kernel.KindObject && target.Object != nil {
		obj = target.Object.Clone()
	} else {
		obj = kernel.NewObject()
	}
	if patch.Object != nil {
		for _, k := range patch.Object.Keys() {
			val, _ := patch.Object.Get(k)
			if val.IsNull() {
				obj.Delete(k)
				continue
			}
			cur, _ := obj.Get(k)
			obj.Set(k, Merge(cur, val))
		}
	}
	return kernel.ObjectValue(obj)
}
