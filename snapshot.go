package rockguard

// snapshot.go implements snapshot management.
//
// Snapshots provide consistent point-in-time views of the database.
// All reads from a snapshot see the database state at creation time.
//
// A snapshot is pinned by its owner and by every iterator bound to it.
// Release drops the owner's pin and makes bound iterators fail with
// StaleSnapshot; the engine snapshot is closed when the last pin goes.

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/registry"
)

// Snapshot provides a consistent read view of the database. It is safe
// for concurrent use.
type Snapshot struct {
	db        *DB
	id        registry.ID
	sequence  uint64
	createdAt time.Time

	mu       sync.Mutex
	engine   *pebble.Snapshot
	pins     int
	released atomic.Bool
}

// GetSnapshot returns a snapshot of the current database state. The
// snapshot must be released.
func (db *DB) GetSnapshot() (*Snapshot, error) {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	return db.newSnapshot()
}

// newSnapshot requires db.closeMu.
func (db *DB) newSnapshot() (*Snapshot, error) {
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	id, err := db.reg.Register(registry.KindSnapshot, "snapshot", db.id)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHandle, "database %q is closing", db.path)
	}
	// The sequence is read first so it never names a write the engine
	// snapshot cannot see.
	seq := db.LatestSequenceNumber()
	s := &Snapshot{
		db:        db,
		id:        id,
		sequence:  seq,
		engine:    db.engine.NewSnapshot(),
		createdAt: time.Now(),
		pins:      1,
	}
	return s, nil
}

// Sequence returns the sequence number at which this snapshot was taken.
func (s *Snapshot) Sequence() uint64 {
	return s.sequence
}

// CreatedAt returns the time the snapshot was taken.
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// Released reports whether Release was called.
func (s *Snapshot) Released() bool {
	return s.released.Load()
}

// Release releases the snapshot. Iterators still bound to it fail with
// StaleSnapshot afterwards and must be closed. Releasing twice is a no-op.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.unpin()
}

func (s *Snapshot) pin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released.Load() || s.pins == 0 {
		return errors.Wrapf(ErrStaleSnapshot, "snapshot at sequence %d", s.sequence)
	}
	s.pins++
	return nil
}

// pinShared pins an implicit snapshot, which iterators hold after its
// owner released it.
func (s *Snapshot) pinShared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins++
}

func (s *Snapshot) unpin() {
	s.mu.Lock()
	s.pins--
	last := s.pins == 0
	s.mu.Unlock()
	if !last {
		return
	}
	_ = s.engine.Close()
	s.db.reg.Release(s.id)
}

func (s *Snapshot) readOptions() *ReadOptions {
	ro := DefaultReadOptions()
	ro.Snapshot = s
	return ro
}

// Get returns the value of key in the default column family as of the
// snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return s.db.GetCF(s.readOptions(), nil, key)
}

// GetCF returns the value of key in cf as of the snapshot.
func (s *Snapshot) GetCF(cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	return s.db.GetCF(s.readOptions(), cf, key)
}

// MultiGet returns the values of keys in the default column family as of
// the snapshot.
func (s *Snapshot) MultiGet(keys [][]byte) ([][]byte, []error) {
	return s.db.MultiGet(s.readOptions(), keys)
}

// MultiGetCF returns the value of keys[i] in cfs[i] as of the snapshot.
func (s *Snapshot) MultiGetCF(cfs []*ColumnFamilyHandle, keys [][]byte) ([][]byte, []error) {
	return s.db.MultiGetCF(s.readOptions(), cfs, keys)
}

// get reads key through the snapshot, consulting the row cache.
func (s *Snapshot) get(ro *ReadOptions, cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	db := s.db
	if cf != nil && cf.db != db {
		return nil, errors.Wrap(ErrInvalidArgument, "snapshot and column family belong to different databases")
	}
	if err := s.pin(); err != nil {
		return nil, err
	}
	defer s.unpin()

	n, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		db.stats.MeasureTime(HistogramDBGet, uint64(time.Since(start).Microseconds()))
	}()

	rk := rowKey{snap: s.id, cf: n.id, key: string(key)}
	if e, ok := db.rows.get(rk); ok {
		db.stats.RecordTick(TickerRowCacheHit, 1)
		if !e.found {
			return nil, errors.Wrapf(ErrNotFound, "column family %q", n.name)
		}
		return append([]byte(nil), e.value...), nil
	}
	if db.rows != nil {
		db.stats.RecordTick(TickerRowCacheMiss, 1)
	}

	v, err := db.read(s.engine, ro, n, key)
	if ro.FillCache {
		switch {
		case err == nil:
			db.rows.add(rk, rowEntry{value: append([]byte(nil), v...), found: true})
		case errors.Is(err, ErrNotFound):
			db.rows.add(rk, rowEntry{})
		}
	}
	return v, err
}
