package rockguard

// db_apis.go implements size estimates and compaction waits.

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockguard/internal/keyspace"
)

// Range is a key range [Start, Limit) in a column family. A nil Start or
// Limit extends to the start or end of the family.
type Range struct {
	Start []byte
	Limit []byte
}

// WaitForCompactOptions controls WaitForCompact.
type WaitForCompactOptions struct {
	// AbortOnPause makes WaitForCompact fail if background work is paused
	// with tasks still queued.
	AbortOnPause bool
	// FlushFirst flushes the memtables before waiting.
	FlushFirst bool
	// Timeout is the maximum time to wait. Zero means wait until ctx ends.
	Timeout time.Duration
}

// pollInterval is how often WaitForCompact samples background work.
const pollInterval = 10 * time.Millisecond

// GetApproximateSizes returns the approximate on-disk size of each range
// of cf. Data still in memtables is not counted. A range whose Start does
// not sort before its Limit fails the whole call with InvalidArgument.
func (db *DB) GetApproximateSizes(cf *ColumnFamilyHandle, ranges []Range) ([]uint64, error) {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()

	n, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	for i, r := range ranges {
		if r.Start != nil && r.Limit != nil && n.cmp.Compare(r.Start, r.Limit) >= 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "range %d: start must sort before limit", i)
		}
	}

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		lo, hi := keyspace.Bounds(n.id, r.Start, r.Limit)
		size, err := db.engine.EstimateDiskUsage(lo, hi)
		if err != nil {
			return nil, engineError(err, "approximate size of %q range %d", n.name, i)
		}
		sizes[i] = size
	}
	return sizes, nil
}

// WaitForCompact blocks until no maintenance task is queued or running and
// the engine reports no compaction in progress. It returns ctx's error if
// ctx ends first, and MaintenanceFailed on timeout or, with AbortOnPause,
// when queued work is held by PauseBackgroundWork.
func (db *DB) WaitForCompact(ctx context.Context, opts *WaitForCompactOptions) error {
	if opts == nil {
		opts = &WaitForCompactOptions{}
	}
	if opts.FlushFirst {
		if _, err := db.Flush(nil, &FlushOptions{Wait: true}); err != nil {
			return err
		}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		idle, queued, err := db.compactionIdle()
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		if opts.AbortOnPause && queued > 0 && db.worker.isPaused() {
			return errors.Wrap(ErrMaintenanceFailed, "background work is paused")
		}

		select {
		case <-ctx.Done():
			if opts.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Mark(errors.Wrapf(ctx.Err(), "wait for compaction after %s", opts.Timeout), ErrMaintenanceFailed)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// compactionIdle samples background work. queued is the number of
// maintenance tasks waiting for the worker.
func (db *DB) compactionIdle() (idle bool, queued int, err error) {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	if err := db.checkLive(); err != nil {
		return false, 0, err
	}
	queued, running := db.worker.pending()
	idle = queued == 0 && !running && db.engine.Metrics().Compact.NumInProgress == 0
	return idle, queued, nil
}

// NumberLevels returns the number of LSM levels of the engine.
func (db *DB) NumberLevels() int {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	if db.checkLive() != nil {
		return 0
	}
	return len(db.engine.Metrics().Levels)
}
