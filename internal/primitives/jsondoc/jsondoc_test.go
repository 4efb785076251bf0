package jsondoc

import (
	"errors"
	"testing"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

func mustParse(t *testing.T, path string) []Segment {
	t.Helper()
	segs, err := ParsePath(path)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", path, err)
	}
	return segs
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		path    string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"$", 0, false},
		{"a", 1, false},
		{"a.b.c", 3, false},
		{"$.a.b", 2, false},
		{"a.b[3].c", 4, false},
		{"a[0][1]", 3, false},
		{"a..b", 0, true},
		{"a[x]", 0, true},
		{"a[-1]", 0, true},
		{"a[", 0, true},
	}
	for _, c := range cases {
		segs, err := ParsePath(c.path)
		if c.wantErr {
			if !errors.Is(err, kernel.ErrInvalidPath) {
				t.Errorf("ParsePath(%q) err = %v, want ErrInvalidPath", c.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): %v", c.path, err)
			continue
		}
		if len(segs) != c.want {
			t.Errorf("ParsePath(%q) = %d segments, want %d", c.path, len(segs), c.want)
		}
	}
}

func sampleDoc() kernel.Value {
	inner := kernel.NewObject()
	inner.Set("c", kernel.Int(7))
	arr := kernel.Array([]kernel.Value{kernel.String("x"), kernel.String("y")})
	root := kernel.NewObject()
	root.Set("a", kernel.ObjectValue(inner))
	root.Set("list", arr)
	return kernel.ObjectValue(root)
}

func TestGet(t *testing.T) {
	doc := sampleDoc()

	v, ok := Get(doc, mustParse(t, "a.c"))
	if !ok || v.Int != 7 {
		t.Errorf("a.c = (%v, %v), want 7", v, ok)
	}
	v, ok = Get(doc, mustParse(t, "list[1]"))
	if !ok || v.Str != "y" {
		t.Errorf("list[1] = (%v, %v), want y", v, ok)
	}
	if _, ok := Get(doc, mustParse(t, "a.missing")); ok {
		t.Errorf("missing field resolved")
	}
	if _, ok := Get(doc, mustParse(t, "list[5]")); ok {
		t.Errorf("out-of-range index resolved")
	}
	root, ok := Get(doc, nil)
	if !ok || root.Kind != kernel.KindObject {
		t.Errorf("root path must resolve to the document")
	}
}

func TestSetCreatesObjectParents(t *testing.T) {
	doc := kernel.ObjectValue(kernel.NewObject())
	updated, err := Set(doc, mustParse(t, "a.b.c"), kernel.Int(1))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := Get(updated, mustParse(t, "a.b.c"))
	if !ok || v.Int != 1 {
		t.Errorf("created path not readable")
	}
	// The original document is untouched (set is copy-on-write).
	if _, ok := Get(doc, mustParse(t, "a")); ok {
		t.Errorf("Set mutated its input")
	}
}

func TestSetRejectsArrayParentCreation(t *testing.T) {
	doc := kernel.ObjectValue(kernel.NewObject())
	if _, err := Set(doc, mustParse(t, "a[0]"), kernel.Int(1)); !errors.Is(err, kernel.ErrInvalidPath) {
		t.Errorf("creating a missing array parent should fail, got %v", err)
	}

	// Appending exactly one past the end of an existing array is allowed.
	withArr, err := Set(doc, mustParse(t, "a"), kernel.Array(nil))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	appended, err := Set(withArr, mustParse(t, "a[0]"), kernel.Int(1))
	if err != nil {
		t.Fatalf("append at [0]: %v", err)
	}
	if _, err := Set(appended, mustParse(t, "a[5]"), kernel.Int(2)); !errors.Is(err, kernel.ErrInvalidPath) {
		t.Errorf("gap-creating index should fail, got %v", err)
	}
}

func TestSetWrongTypeParent(t *testing.T) {
	doc := sampleDoc()
	if _, err := Set(doc, mustParse(t, "a.c.d"), kernel.Int(1)); !errors.Is(err, kernel.ErrWrongType) {
		t.Errorf("descending through a scalar should fail with WrongType, got %v", err)
	}
}

func TestDeleteAt(t *testing.T) {
	doc := sampleDoc()

	updated, err := DeleteAt(doc, mustParse(t, "a.c"))
	if err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	if _, ok := Get(updated, mustParse(t, "a.c")); ok {
		t.Errorf("deleted field still present")
	}

	updated, err = DeleteAt(doc, mustParse(t, "list[0]"))
	if err != nil {
		t.Fatalf("DeleteAt index: %v", err)
	}
	v, ok := Get(updated, mustParse(t, "list[0]"))
	if !ok || v.Str != "y" {
		t.Errorf("array delete did not shift elements")
	}

	if _, err := DeleteAt(doc, nil); !errors.Is(err, kernel.ErrInvalidPath) {
		t.Errorf("root delete should be rejected")
	}
}

func TestMergeRFC7396(t *testing.T) {
	target := sampleDoc()

	patch := kernel.NewObject()
	patch.Set("a", func() kernel.Value {
		p := kernel.NewObject()
		p.Set("c", kernel.Null()) // null removes
		p.Set("d", kernel.Int(9)) // added
		return kernel.ObjectValue(p)
	}())
	patch.Set("list", kernel.Int(1)) // non-object replaces

	merged := Merge(target, kernel.ObjectValue(patch))

	if _, ok := Get(merged, mustParse(t, "a.c")); ok {
		t.Errorf("null patch field not removed")
	}
	v, ok := Get(merged, mustParse(t, "a.d"))
	if !ok || v.Int != 9 {
		t.Errorf("patch field not added")
	}
	v, ok = Get(merged, mustParse(t, "list"))
	if !ok || v.Kind != kernel.KindInt {
		t.Errorf("non-object patch should replace outright")
	}

	// A non-object patch replaces the whole target.
	if got := Merge(target, kernel.Int(5)); got.Kind != kernel.KindInt {
		t.Errorf("scalar patch should replace the target")
	}
}

func TestDepthAndSize(t *testing.T) {
	if d := Depth(sampleDoc()); d != 2 {
		t.Errorf("Depth = %d, want 2", d)
	}
	if Depth(kernel.Int(1)) != 0 {
		t.Errorf("scalar depth must be 0")
	}
	if ApproxSize(kernel.String("abcd")) != 4 {
		t.Errorf("string size estimate off")
	}
}
