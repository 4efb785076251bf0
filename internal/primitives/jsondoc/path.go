// Package jsondoc implements the path-addressed JSON document overlay:
// dotted/bracket path parsing, get/set/delete, and RFC 7396 merge-patch
// semantics. A document is stored whole as a single object value; path
// operations fetch, mutate in memory, and write the document back.
package jsondoc

import (
	"strconv"
	"strings"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

const (
	// MaxPathSegments bounds the number of segments in one path.
	MaxPathSegments = 256
	// MaxNestingDepth bounds document nesting.
	MaxNestingDepth = 100
	// MaxDocumentBytes bounds a document's serialized size.
	MaxDocumentBytes = 16 * 1024 * 1024
)

// Segment is one step of a parsed path: either a field name or an array
// index.
type Segment struct {
	Field string
	Index int
	IsIdx bool
}

// Key builds the store key for a document within run.
func Key(run kernel.RunID, docID string) kernel.Key {
	return kernel.NewKey(run, kernel.TypeJSON, []byte(docID))
}

// ParsePath parses a dotted/bracket path like "a.b[3].c" into segments.
// The empty string and "$" both denote the document root.
func ParsePath(path string) ([]Segment, error) {
	if path == "" || path == "$" {
		return nil, nil
	}
	trimmed := strings.TrimPrefix(path, "$.")
	trimmed = strings.TrimPrefix(trimmed, "$")

	var segs []Segment
	for _, field := range strings.Split(trimmed, ".") {
		if field == "" {
			return nil, kernel.ErrInvalidPath
		}
		name, indices, err := splitIndices(field)
		if err != nil {
			return nil, err
		}
		if name != "" {
			segs = append(segs, Segment{Field: name})
		}
		for _, idx := range indices {
			segs = append(segs, Segment{Index: idx, IsIdx: true})
		}
	}
	if len(segs) > MaxPathSegments {
		return nil, kernel.ErrInvalidPath
	}
	return segs, nil
}

// splitIndices splits "name[0][1]" into ("name", [0,1]).
func splitIndices(field string) (string, []int, error) {
	open := strings.IndexByte(field, '[')
	if open < 0 {
		return field, nil, nil
	}
	name := field[:open]
	rest := field[open:]
	var indices []int
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, kernel.ErrInvalidPath
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, kernel.ErrInvalidPath
		}
		n, err := strconv.Atoi(rest[1:close])
		if err != nil || n < 0 {
			return "", nil, kernel.ErrInvalidPath
		}
		indices = append(indices, n)
		rest = rest[close+1:]
	}
	return name, indices, nil
}

// Depth returns the structural nesting depth of v.
func Depth(v kernel.Value) int {
	switch v.Kind {
	case kernel.KindObject:
		max := 0
		if v.Object != nil {
			for _, k := range v.Object.Keys() {
				child, _ := v.Object.Get(k)
				if d := Depth(child); d > max {
					max = d
				}
			}
		}
		return 1 + max
	case kernel.KindArray:
		max := 0
		for _, child := range v.Array {
			if d := Depth(child); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 0
	}
}

// ApproxSize estimates v's serialized footprint in bytes, used to enforce
// MaxDocumentBytes without requiring a full canonical encoder.
func ApproxSize(v kernel.Value) int {
	switch v.Kind {
	case kernel.KindNull:
		return 4
	case kernel.KindBool:
		return 5
	case kernel.KindInt, kernel.KindFloat:
		return 8
	case kernel.KindString:
		return len(v.Str)
	case kernel.KindBytes:
		return len(v.Bytes)
	case kernel.KindArray:
		n := 2
		for _, child := range v.Array {
			n += ApproxSize(child) + 1
		}
		return n
	case kernel.KindObject:
		n := 2
		if v.Object != nil {
			for _, k := range v.Object.Keys() {
				child, _ := v.Object.Get(k)
				n += len(k) + ApproxSize(child) + 2
			}
		}
		return n
	default:
		return 0
	}
}
