// Package vector implements the vector collection overlay: collection
// metadata, per-vector records, and dimension enforcement. Similarity
// search/ranking is delegated to an external collaborator; this package
// only owns storage.
package vector

import "github.com/agentsubstrate/substrate/internal/kernel"

// MetaKey builds the store key for a collection's metadata record.
func MetaKey(run kernel.RunID, collection string) kernel.Key {
	sub := append([]byte{0x00}, []byte(collection)...)
	return kernel.NewKey(run, kernel.TypeVector, sub)
}

// Key builds the store key for a single vector record within collection.
func Key(run kernel.RunID, collection, id string) kernel.Key {
	sub := append([]byte{0x01}, encodeCollID(collection, id)...)
	return kernel.NewKey(run, kernel.TypeVector, sub)
}

// CollectionPrefix builds the prefix Key that scans every vector record in
// collection.
func CollectionPrefix(run kernel.RunID, collection string) kernel.Key {
	sub := append([]byte{0x01}, encodeCollPrefix(collection)...)
	return kernel.NewKey(run, kernel.TypeVector, sub)
}

func encodeCollPrefix(collection string) []byte {
	buf := make([]byte, 2+len(collection))
	buf[0] = byte(len(collection) >> 8)
	buf[1] = byte(len(collection))
	copy(buf[2:], collection)
	return buf
}

func encodeCollID(collection, id string) []byte {
	prefix := encodeCollPrefix(collection)
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return buf
}

// Metadata describes a vector collection: the dimension
// every member vector must match, and an optional distance-metric hint for
// the external search collaborator.
type Metadata struct {
	Dimension int
	Metric    string
}

// ToValue encodes Metadata as the object stored at a collection's meta key.
func (m Metadata) ToValue() kernel.Value {
	obj := kernel.NewObject()
	obj.Set("dimension", kernel.Int(int64(m.Dimension)))
	obj.Set("metric", kernel.String(m.Metric))
	return kernel.ObjectValue(obj)
}

// MetadataFromValue decodes a collection meta object back into Metadata.
func MetadataFromValue(v kernel.Value) (Metadata, bool) {
	if v.Kind != kernel.KindObject || v.Object == nil {
		return Metadata{}, false
	}
	dim, _ := v.Object.Get("dimension")
	metric, _ := v.Object.Get("metric")
	return Metadata{Dimension: int(dim.Int), Metric: metric.Str}, true
}

// Record is a single vector's stored representation: its embedding plus
// caller-supplied metadata attributes.
type Record struct {
	ID        string
	Embedding []float32
	Attrs     *kernel.Object
}

// ToValue encodes Record as the object stored at the vector's key.
func (r Record) ToValue() kernel.Value {
	obj := kernel.NewObject()
	obj.Set("id", kernel.String(r.ID))
	emb := make([]kernel.Value, len(r.Embedding))
	for i, f := range r.Embedding {
		emb[i] = kernel.Float(float64(f))
	}
	obj.Set("embedding", kernel.Array(emb))
	if r.Attrs != nil {
		obj.Set("attrs", kernel.ObjectValue(r.Attrs))
	} else {
		obj.Set("attrs", kernel.ObjectValue(kernel.NewObject()))
	}
	return kernel.ObjectValue(obj)
}

// RecordFromValue decodes a stored vector object back into a Record.
func RecordFromValue(v kernel.Value) (Record, bool) {
	if v.Kind != kernel.KindObject || v.Object == nil {
		return Record{}, false
	}
	id, _ := v.Object.Get("id")
	embV, _ := v.Object.Get("embedding")
	attrsV, _ := v.Object.Get("attrs")
	emb := make([]float32, len(embV.Array))
	for i, c := range embV.Array {
		emb[i] = float32(c.Float)
	}
	rec := Record{ID: id.Str, Embedding: emb}
	if attrsV.Kind == kernel.KindObject {
		rec.Attrs = attrsV.Object
	}
	return rec, true
}

// ValidateDimension enforces that embedding matches the collection's
// declared dimension.
func ValidateDimension(meta Metadata, embedding []float32) error {
	if len(embedding) != meta.Dimension {
		return kernel.ErrDimensionMismatch
	}
	return nil
}
