// Package state implements the CAS-versioned state cell overlay. A cell is
// a single VersionedValue; a conditional write compares the caller's
// expected version against the cell's current version at commit.
package state

import "github.com/agentsubstrate/substrate/internal/kernel"

// Key builds the store key for a named state cell within run.
func Key(run kernel.RunID, name string) kernel.Key {
	return kernel.NewKey(run, kernel.TypeState, []byte(name))
}

// CheckCAS compares the expected version against the cell's current
// version. expected == nil means "the cell must not already exist". An
// absent cell matches no non-nil expected version, so that case is a
// version conflict like any other mismatch.
func CheckCAS(current kernel.VersionedValue, exists bool, expected *uint64) error {
	if expected == nil {
		if exists {
			return kernel.ErrVersionConflict
		}
		return nil
	}
	if !exists || current.Version != *expected {
		return kernel.ErrVersionConflict
	}
	return nil
}
