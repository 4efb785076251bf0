// Package substrate is an embedded, in-memory, single-process data
// substrate for agent workloads: durable, transactional, versioned storage
// across key-value, event-log, state-cell, JSON-document, and
// vector-collection primitives, isolated between named runs.
//
// What: Engine is the single handle; everything mutable hangs off it —
//       there are no package-level singletons.
// How: all primitives share one ordered versioned store, one write-ahead
//      log, and one optimistic transaction coordinator. A transaction
//      buffers operations against an immutable snapshot and commits them
//      atomically under a per-run lock.
// Why: agent workloads interleave heterogeneous writes (an event, a state
//      transition, a vector upsert) that must land together or not at all;
//      a single cross-primitive commit path is the simplest way to
//      guarantee that.
package substrate

import (
	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/primitives/event"
	"github.com/agentsubstrate/substrate/internal/primitives/vector"
	"github.com/agentsubstrate/substrate/internal/runs"
)

// Core value and identifier types, re-exported so callers never import
// internal packages.
type (
	Value          = kernel.Value
	VersionedValue = kernel.VersionedValue
	Object         = kernel.Object
	Kind           = kernel.Kind
	RunID          = kernel.RunID
	RunStatus      = runs.Status
	RunMeta        = runs.Meta
	VectorRecord   = vector.Record
	EventEnvelope  = event.Envelope
)

// Value variants.
const (
	KindNull   = kernel.KindNull
	KindBool   = kernel.KindBool
	KindInt    = kernel.KindInt
	KindFloat  = kernel.KindFloat
	KindString = kernel.KindString
	KindBytes  = kernel.KindBytes
	KindArray  = kernel.KindArray
	KindObject = kernel.KindObject
)

// Value constructors.
var (
	Null        = kernel.Null
	Bool        = kernel.Bool
	Int         = kernel.Int
	Float       = kernel.Float
	String      = kernel.String
	Bytes       = kernel.Bytes
	Array       = kernel.Array
	ObjectValue = kernel.ObjectValue
	NewObject   = kernel.NewObject
)

// Run identifiers.
var (
	DefaultRunID = kernel.DefaultRunID
	NewRunID     = kernel.NewRunID
	ParseRunID   = kernel.ParseRunID
)

// Run lifecycle states.
const (
	RunActive    = runs.StatusActive
	RunPaused    = runs.StatusPaused
	RunCompleted = runs.StatusCompleted
	RunFailed    = runs.StatusFailed
	RunCancelled = runs.StatusCancelled
	RunArchived  = runs.StatusArchived
)

// Error kinds callers classify with errors.Is.
var (
	ErrKeyNotFound        = kernel.ErrKeyNotFound
	ErrRunNotFound        = kernel.ErrRunNotFound
	ErrCollectionNotFound = kernel.ErrCollectionNotFound
	ErrStreamNotFound     = kernel.ErrStreamNotFound
	ErrCellNotFound       = kernel.ErrCellNotFound
	ErrDocumentNotFound   = kernel.ErrDocumentNotFound

	ErrInvalidKey   = kernel.ErrInvalidKey
	ErrInvalidPath  = kernel.ErrInvalidPath
	ErrInvalidInput = kernel.ErrInvalidInput
	ErrWrongType    = kernel.ErrWrongType

	ErrVersionConflict   = kernel.ErrVersionConflict
	ErrConflict          = kernel.ErrConflict
	ErrDimensionMismatch = kernel.ErrDimensionMismatch

	ErrConstraintViolation = kernel.ErrConstraintViolation
	ErrRunClosed           = kernel.ErrRunClosed
	ErrRunExists           = kernel.ErrRunExists
	ErrCollectionExists    = kernel.ErrCollectionExists

	ErrUnsupportedVersion = kernel.ErrUnsupportedVersion
	ErrChecksumMismatch   = kernel.ErrChecksumMismatch
	ErrInvalidBundle      = kernel.ErrInvalidBundle

	ErrOverflow      = kernel.ErrOverflow
	ErrIO            = kernel.ErrIO
	ErrSerialization = kernel.ErrSerialization
	ErrInternal      = kernel.ErrInternal
)
