package substrate

import (
	"time"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/runs"
)

// CreateRun registers a fresh run in the Active state and returns its id.
func (e *Engine) CreateRun(tags map[string]string, parent *RunID) (RunID, error) {
	id := NewRunID()
	if err := e.createRun(id, tags, parent); err != nil {
		return RunID{}, err
	}
	return id, nil
}

// CreateRunWithID is CreateRun with a caller-chosen id, failing with
// ErrRunExists if the id is already registered.
func (e *Engine) CreateRunWithID(id RunID, tags map[string]string, parent *RunID) error {
	if id == DefaultRunID {
		return ErrInvalidInput
	}
	if _, exists := e.validRuns.Load(id); exists {
		return ErrRunExists
	}
	return e.createRun(id, tags, parent)
}

func (e *Engine) createRun(id RunID, tags map[string]string, parent *RunID) error {
	if parent != nil {
		if _, ok := e.validRuns.Load(*parent); !ok && *parent != DefaultRunID {
			return ErrRunNotFound
		}
	}
	now := time.Now().UnixNano()
	meta := runs.Meta{
		RunID:     id,
		Status:    RunActive,
		Tags:      tags,
		Parent:    parent,
		CreatedNS: now,
		UpdatedNS: now,
	}
	err := e.transact(id, func(t *Tx) error {
		if _, found := t.inner.Get(runs.MetaKey(id)); found {
			return ErrRunExists
		}
		t.inner.Put(runs.MetaKey(id), meta.ToValue(), nil)
		return nil
	})
	if err != nil {
		return err
	}
	e.validRuns.Store(id, RunActive)
	return nil
}

// GetRun returns a run's metadata record.
func (e *Engine) GetRun(id RunID) (RunMeta, error) {
	if _, ok := e.validRuns.Load(id); !ok {
		return RunMeta{}, ErrRunNotFound
	}
	snap := e.store.CreateSnapshot()
	v, found := snap.Get(runs.MetaKey(id))
	if !found {
		return RunMeta{}, ErrRunNotFound
	}
	meta, ok := runs.MetaFromValue(id, v.Value)
	if !ok {
		return RunMeta{}, ErrInternal
	}
	return meta, nil
}

// ListRuns returns every known run's metadata, ordered by run id.
func (e *Engine) ListRuns() []RunMeta {
	var out []RunMeta
	for _, kv := range e.store.ScanByType(kernel.TypeRunMeta) {
		if meta, ok := runs.MetaFromValue(kv.Key.RunID, kv.Value.Value); ok {
			out = append(out, meta)
		}
	}
	return out
}

// ListChildRuns returns the runs whose parent link points at id.
func (e *Engine) ListChildRuns(id RunID) []RunMeta {
	var out []RunMeta
	for _, meta := range e.ListRuns() {
		if meta.Parent != nil && *meta.Parent == id {
			out = append(out, meta)
		}
	}
	return out
}

// SetRunStatus transitions a run through its lifecycle state machine. An
// illegal transition fails with ErrConstraintViolation.
func (e *Engine) SetRunStatus(id RunID, to RunStatus) error {
	if _, ok := e.validRuns.Load(id); !ok {
		return ErrRunNotFound
	}
	err := e.transact(id, func(t *Tx) error {
		v, found := t.inner.Get(runs.MetaKey(id))
		if !found {
			return ErrRunNotFound
		}
		meta, ok := runs.MetaFromValue(id, v)
		if !ok {
			return ErrInternal
		}
		if !runs.ValidTransition(meta.Status, to) {
			return ErrConstraintViolation
		}
		meta.Status = to
		meta.UpdatedNS = time.Now().UnixNano()
		t.inner.Put(runs.MetaKey(id), meta.ToValue(), nil)
		return nil
	})
	if err != nil {
		return err
	}
	e.validRuns.Store(id, to)
	return nil
}

// UpdateRunTags merges tags into a run's tag set; an empty value removes
// the tag.
func (e *Engine) UpdateRunTags(id RunID, tags map[string]string) error {
	if _, ok := e.validRuns.Load(id); !ok {
		return ErrRunNotFound
	}
	return e.transact(id, func(t *Tx) error {
		v, found := t.inner.Get(runs.MetaKey(id))
		if !found {
			return ErrRunNotFound
		}
		meta, ok := runs.MetaFromValue(id, v)
		if !ok {
			return ErrInternal
		}
		if meta.Tags == nil {
			meta.Tags = make(map[string]string, len(tags))
		}
		for k, val := range tags {
			if val == "" {
				delete(meta.Tags, k)
				continue
			}
			meta.Tags[k] = val
		}
		meta.UpdatedNS = time.Now().UnixNano()
		t.inner.Put(runs.MetaKey(id), meta.ToValue(), nil)
		return nil
	})
}

// DeleteRun removes every key belonging to a run, including its metadata
// record, in one transaction.
func (e *Engine) DeleteRun(id RunID) error {
	if id == DefaultRunID {
		return ErrInvalidInput
	}
	if _, ok := e.validRuns.Load(id); !ok {
		return ErrRunNotFound
	}
	err := e.transact(id, func(t *Tx) error {
		runs.DeleteRun(t.inner, id)
		return nil
	})
	if err != nil {
		return err
	}
	e.validRuns.Delete(id)
	return nil
}
