// TTL sweeper: background deletion of expired keys through transactions.
//
// What: periodically scans the TTL index for deadlines <= now and asks the
//       caller (the transaction coordinator) to delete them.
// How: driven by a robfig/cron/v3 "@every" schedule, so operators can
//      configure sweep cadence declaratively.
// Why: deletes must go through committing transactions so WAL ordering is
//      preserved; the sweeper itself never touches the store directly.
package store

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
)

// DeleteFunc removes a batch of expired keys through a committing
// transaction scoped to each key's run.
type DeleteFunc func(keys []kernel.Key) error

// TTLSweeper drives periodic expiry of keys past their TTL deadline.
type TTLSweeper struct {
	store    *Store
	cron     *cron.Cron
	entryID  cron.EntryID
	deleteFn DeleteFunc
	logger   *zap.Logger
}

// NewTTLSweeper creates a sweeper. Its cadence is the interval passed to
// Start; the interval argument here is not stored.
func NewTTLSweeper(store *Store, interval time.Duration, deleteFn DeleteFunc, logger *zap.Logger) *TTLSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TTLSweeper{
		store:    store,
		cron:     cron.New(),
		deleteFn: deleteFn,
		logger:   logger,
	}
}

// Start schedules the sweep and begins running it in the background.
func (t *TTLSweeper) Start(interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval.String())
	id, err := t.cron.AddFunc(spec, t.sweepOnce)
	if err != nil {
		return fmt.Errorf("schedule TTL sweep: %w", err)
	}
	t.entryID = id
	t.cron.Start()
	return nil
}

// Stop halts the sweeper and waits for any in-flight sweep to finish.
func (t *TTLSweeper) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
}

func (t *TTLSweeper) sweepOnce() {
	expired := t.store.ExpiredKeys(time.Now().UnixNano())
	if len(expired) == 0 {
		return
	}
	byRun := make(map[kernel.RunID][]kernel.Key)
	for _, k := range expired {
		byRun[k.RunID] = append(byRun[k.RunID], k)
	}
	for _, keys := range byRun {
		if err := t.deleteFn(keys); err != nil {
			t.logger.Warn("TTL sweep delete failed", zap.Error(err), zap.Int("keys", len(keys)))
		}
	}
}
