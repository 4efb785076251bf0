package substrate

import (
	"time"

	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/wal"
)

// DurabilityMode selects how aggressively commits are pushed to disk.
type DurabilityMode = wal.DurabilityMode

const (
	// DurabilityStrict fsyncs after every commit; no committed write is
	// ever lost.
	DurabilityStrict = wal.Strict
	// DurabilityBuffered flushes on a timer or after a commit-count
	// threshold; commits since the last flush may be lost on crash.
	DurabilityBuffered = wal.Buffered
	// DurabilityInMemory skips the WAL entirely; durability is
	// process-scoped only.
	DurabilityInMemory = wal.InMemory
)

// Options configures an Engine. The zero value plus a path is a working
// strict-durability engine.
type Options struct {
	Durability              DurabilityMode
	BufferedFlushInterval   time.Duration
	BufferedFlushMaxCommits int
	TransactionRetryBudget  int
	TTLSweepInterval        time.Duration
	WALMaxEntrySize         int
	// Repair lets recovery discard internally inconsistent WAL groups
	// instead of refusing to open.
	Repair bool
	Logger *zap.Logger
}

// Option mutates Options the functional-option way.
type Option func(*Options)

// WithDurability selects the commit durability mode.
func WithDurability(m DurabilityMode) Option {
	return func(o *Options) { o.Durability = m }
}

// WithBufferedFlush sets the buffered-mode flush interval and max commit
// count between flushes.
func WithBufferedFlush(interval time.Duration, maxCommits int) Option {
	return func(o *Options) {
		o.BufferedFlushInterval = interval
		o.BufferedFlushMaxCommits = maxCommits
	}
}

// WithRetryBudget sets how many times a conflicting transaction closure is
// re-run before surfacing ErrConflict.
func WithRetryBudget(attempts int) Option {
	return func(o *Options) { o.TransactionRetryBudget = attempts }
}

// WithTTLSweepInterval sets the background expiry sweep cadence. Zero
// disables the sweeper; expired keys still read as absent.
func WithTTLSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.TTLSweepInterval = d }
}

// WithWALMaxEntrySize caps a single WAL frame's payload.
func WithWALMaxEntrySize(n int) Option {
	return func(o *Options) { o.WALMaxEntrySize = n }
}

// WithRepair lets engine open survive an internally inconsistent WAL by
// discarding the bad transaction groups.
func WithRepair() Option {
	return func(o *Options) { o.Repair = true }
}

// WithLogger injects a structured logger. The default is a production
// JSON logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func resolveOptions(opts []Option) Options {
	o := Options{
		Durability:              DurabilityStrict,
		BufferedFlushInterval:   100 * time.Millisecond,
		BufferedFlushMaxCommits: 200,
		TransactionRetryBudget:  200,
		TTLSweepInterval:        time.Second,
		WALMaxEntrySize:         wal.DefaultMaxEntrySize,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		o.Logger = l
	}
	return o
}
