package rockguard

// maintenance.go implements the compaction and flush facade.
//
// CompactRange and Flush return a MaintenanceTask that completes on the
// database's background worker. A failed task reports MaintenanceFailed
// wrapping the engine error; the data is untouched and the call may be
// retried.

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockguard/internal/keyspace"
	"github.com/aalhour/rockguard/internal/registry"
)

const (
	taskPending int32 = iota
	taskRunning
	taskDone
)

// MaintenanceTask is a compaction or flush submitted to the background
// worker. It is safe for concurrent use.
type MaintenanceTask struct {
	kind   taskKind
	target string
	fn     func() error

	state atomic.Int32
	done  chan struct{}
	err   error
}

func newMaintenanceTask(kind taskKind, target string, fn func() error) *MaintenanceTask {
	return &MaintenanceTask{
		kind:   kind,
		target: target,
		fn:     fn,
		done:   make(chan struct{}),
	}
}

// Kind returns "flush", "compact" or "reclaim".
func (t *MaintenanceTask) Kind() string { return t.kind.String() }

// Done returns a channel closed when the task has finished or was
// cancelled.
func (t *MaintenanceTask) Done() <-chan struct{} { return t.done }

// Err returns the task's error once Done is closed, and nil before.
func (t *MaintenanceTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends. It returns the task's
// error, or ctx's error if ctx ended first.
func (t *MaintenanceTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the task if it has not started. It reports whether the
// task was cancelled; a task that already started runs to completion.
func (t *MaintenanceTask) Cancel() bool {
	return t.cancel(context.Canceled)
}

func (t *MaintenanceTask) cancel(cause error) bool {
	if !t.state.CompareAndSwap(taskPending, taskDone) {
		return false
	}
	t.err = errors.Mark(errors.Wrapf(cause, "%s %s cancelled", t.kind, t.target), ErrMaintenanceFailed)
	close(t.done)
	return true
}

func (t *MaintenanceTask) begin() bool {
	return t.state.CompareAndSwap(taskPending, taskRunning)
}

func (t *MaintenanceTask) finish(err error) {
	t.err = err
	t.state.Store(taskDone)
	close(t.done)
}

// CompactRange compacts the keys of cf in [lower, upper). Nil bounds
// extend to the start or end of the column family. With opts.Wait set the
// call returns after the compaction finished, with its error.
func (db *DB) CompactRange(cf *ColumnFamilyHandle, lower, upper []byte, opts *CompactRangeOptions) (*MaintenanceTask, error) {
	if opts == nil {
		opts = DefaultCompactRangeOptions()
	}
	n, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	if lower != nil && upper != nil && n.cmp.Compare(lower, upper) >= 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "compact range: lower bound must sort before upper bound")
	}
	lo, hi := keyspace.Bounds(n.id, lower, upper)
	parallelize := opts.Parallelize

	t, err := db.worker.submit(taskCompact, n.name, func() error {
		return db.engine.Compact(lo, hi, parallelize)
	})
	if err != nil {
		return nil, err
	}
	if opts.Wait {
		return t, t.Wait(context.Background())
	}
	return t, nil
}

// Flush flushes the memtables to disk. The engine flushes every column
// family together; cf selects the family whose handle is validated. With
// opts.Wait set the call returns after the flush finished, with its error.
func (db *DB) Flush(cf *ColumnFamilyHandle, opts *FlushOptions) (*MaintenanceTask, error) {
	if opts == nil {
		opts = DefaultFlushOptions()
	}
	n, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	t, err := db.worker.submit(taskFlush, n.name, db.engine.Flush)
	if err != nil {
		return nil, err
	}
	if opts.Wait {
		return t, t.Wait(context.Background())
	}
	return t, nil
}

// PauseBackgroundWork holds queued maintenance tasks until
// ContinueBackgroundWork. The engine's own compactions are not affected.
func (db *DB) PauseBackgroundWork() error {
	if err := db.checkLive(); err != nil {
		return err
	}
	db.worker.pause()
	return nil
}

// ContinueBackgroundWork resumes queued maintenance tasks.
func (db *DB) ContinueBackgroundWork() error {
	if err := db.checkLive(); err != nil {
		return err
	}
	db.worker.resume()
	return nil
}

// LevelStats describes one LSM level.
type LevelStats struct {
	Level    int
	NumFiles int64
	Size     int64
}

// StatsSnapshot is a best-effort view of engine and layer statistics.
type StatsSnapshot struct {
	// ColumnFamily is the family the estimate below refers to.
	ColumnFamily string
	// EstimatedDiskUsage approximates the bytes the family occupies on disk.
	EstimatedDiskUsage uint64

	DiskSpaceUsage    uint64
	ReadAmplification int
	MemTableSize      uint64
	MemTableCount     int64
	FlushCount        int64
	CompactionCount   int64
	BlockCacheSize    int64
	BlockCacheHits    int64
	BlockCacheMisses  int64
	EngineSnapshots   int
	Levels            []LevelStats

	LiveHandles   int64
	LiveSnapshots int64
	LiveIterators int64
	KeysRead      uint64
	KeysWritten   uint64
	LastSequence  uint64

	PendingTasks int
	Paused       bool
}

// Stats returns statistics for cf. It does not block on background work;
// fields that cannot be computed are left zero.
func (db *DB) Stats(cf *ColumnFamilyHandle) (StatsSnapshot, error) {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()

	n, err := db.resolve(cf)
	if err != nil {
		return StatsSnapshot{}, err
	}
	m := db.engine.Metrics()
	s := StatsSnapshot{
		ColumnFamily:      n.name,
		DiskSpaceUsage:    m.DiskSpaceUsage(),
		ReadAmplification: m.ReadAmp(),
		MemTableSize:      m.MemTable.Size,
		MemTableCount:     m.MemTable.Count,
		FlushCount:        m.Flush.Count,
		CompactionCount:   m.Compact.Count,
		BlockCacheSize:    m.BlockCache.Size,
		BlockCacheHits:    m.BlockCache.Hits,
		BlockCacheMisses:  m.BlockCache.Misses,
		EngineSnapshots:   m.Snapshots.Count,
		LiveHandles:       db.reg.LiveCount(registry.KindHandle),
		LiveSnapshots:     db.reg.LiveCount(registry.KindSnapshot),
		LiveIterators:     db.reg.LiveCount(registry.KindIterator),
		KeysRead:          db.stats.GetTickerCount(TickerNumberKeysRead),
		KeysWritten:       db.stats.GetTickerCount(TickerNumberKeysWritten),
		LastSequence:      db.LatestSequenceNumber(),
		Paused:            db.worker.isPaused(),
	}
	s.PendingTasks, _ = db.worker.pending()
	for i := range m.Levels {
		s.Levels = append(s.Levels, LevelStats{
			Level:    i,
			NumFiles: m.Levels[i].NumFiles,
			Size:     m.Levels[i].Size,
		})
	}
	if usage, err := db.engine.EstimateDiskUsage(n.lower, n.upper); err == nil {
		s.EstimatedDiskUsage = usage
	}
	return s, nil
}
