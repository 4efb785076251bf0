package vector

import (
	"errors"
	"testing"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

func TestValidateDimension(t *testing.T) {
	meta := Metadata{Dimension: 3, Metric: "cosine"}

	if err := ValidateDimension(meta, []float32{1, 2, 3}); err != nil {
		t.Errorf("matching dimension rejected: %v", err)
	}
	if err := ValidateDimension(meta, []float32{1, 2}); !errors.Is(err, kernel.ErrDimensionMismatch) {
		t.Errorf("short embedding accepted")
	}
	if err := ValidateDimension(meta, nil); !errors.Is(err, kernel.ErrDimensionMismatch) {
		t.Errorf("empty embedding accepted")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := Metadata{Dimension: 768, Metric: "l2"}
	back, ok := MetadataFromValue(meta.ToValue())
	if !ok {
		t.Fatalf("MetadataFromValue rejected a ToValue result")
	}
	if back != meta {
		t.Errorf("round trip = %+v, want %+v", back, meta)
	}
	if _, ok := MetadataFromValue(kernel.Int(1)); ok {
		t.Errorf("scalar accepted as collection metadata")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	attrs := kernel.NewObject()
	attrs.Set("lang", kernel.String("en"))
	rec := Record{ID: "doc-1", Embedding: []float32{0.1, 0.2, 0.3}, Attrs: attrs}

	back, ok := RecordFromValue(rec.ToValue())
	if !ok {
		t.Fatalf("RecordFromValue rejected a ToValue result")
	}
	if back.ID != "doc-1" || len(back.Embedding) != 3 {
		t.Errorf("round trip mangled record: %+v", back)
	}
	if back.Embedding[1] < 0.19 || back.Embedding[1] > 0.21 {
		t.Errorf("embedding component drifted: %v", back.Embedding)
	}
	v, _ := back.Attrs.Get("lang")
	if v.Str != "en" {
		t.Errorf("attrs lost in round trip")
	}
}

func TestKeySpaceSeparation(t *testing.T) {
	run := kernel.NewRunID()

	// Collection metadata and member vectors live in disjoint key ranges,
	// so a collection scan never surfaces the metadata record.
	meta := MetaKey(run, "col")
	member := Key(run, "col", "v1")
	if meta.Compare(member) >= 0 {
		t.Errorf("metadata keys must sort before vector keys")
	}

	// Collections with a shared name prefix must not interleave.
	prefix := CollectionPrefix(run, "col")
	otherMember := Key(run, "col2", "v1")
	sub := otherMember.Sub
	if len(sub) >= len(prefix.Sub) && string(sub[:len(prefix.Sub)]) == string(prefix.Sub) {
		t.Errorf("collection prefix leaks into a longer collection name")
	}
}
