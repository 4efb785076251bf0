// Package kv provides the key schema for the key-value primitive. It has
// no state of its own: every operation is a
// plain get/put/delete against the unified store, buffered through a
// transaction like any other key.
package kv

import "github.com/agentsubstrate/substrate/internal/kernel"

// Key builds the store key for a user-supplied KV key within run.
func Key(run kernel.RunID, userKey []byte) kernel.Key {
	return kernel.NewKey(run, kernel.TypeKV, userKey)
}
