package rockguard

// iterator.go implements cursors over one column family.
//
// An Iterator counts against its database, its column family (which
// blocks a drop) and, when created from a counted handle, that handle. It
// reads a fixed view: the bound snapshot, or an implicit one taken at
// creation. Iterators are not safe for concurrent use.

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/keyspace"
	"github.com/aalhour/rockguard/internal/registry"
)

// Direction is the direction Iterator.Step moves in.
type Direction int

const (
	// Forward steps towards larger keys.
	Forward Direction = iota
	// Reverse steps towards smaller keys.
	Reverse
)

type modeKind int

const (
	modeStart modeKind = iota
	modeEnd
	modeFrom
)

// IteratorMode is the initial position of an iterator created by
// IteratorCF, and the direction it steps in.
type IteratorMode struct {
	kind modeKind
	key  []byte
	dir  Direction
}

var (
	// ModeStart positions at the first key and steps forward.
	ModeStart = IteratorMode{kind: modeStart, dir: Forward}
	// ModeEnd positions at the last key and steps backward.
	ModeEnd = IteratorMode{kind: modeEnd, dir: Reverse}
)

// From positions at key and steps in dir. Going forward the first key is
// the smallest one >= key; in reverse it is the largest one <= key.
func From(key []byte, dir Direction) IteratorMode {
	return IteratorMode{kind: modeFrom, key: append([]byte(nil), key...), dir: dir}
}

// Iterator is a cursor over the keys of one column family.
type Iterator struct {
	db   *DB
	node *cfNode
	id   registry.ID
	it   *pebble.Iterator

	// snap is the snapshot the iterator reads; checkStale is set when it
	// was supplied by the caller and its release invalidates the iterator.
	snap       *Snapshot
	checkStale bool

	verify bool
	dir    Direction
	err    error
	closed bool
}

// NewIterator returns an iterator over the default column family.
func (db *DB) NewIterator(ro *ReadOptions) (*Iterator, error) {
	return db.NewIteratorCF(ro, nil)
}

// NewIteratorCF returns an iterator over cf. The iterator is not
// positioned; call a Seek method first. It must be closed.
func (db *DB) NewIteratorCF(ro *ReadOptions, cf *ColumnFamilyHandle) (*Iterator, error) {
	ro = readOptionsOrDefault(ro)
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	return db.newIterator(ro, cf, nil)
}

// NewIterators returns one iterator per column family. Without a snapshot
// in ro, all of them read one implicit snapshot taken by this call.
func (db *DB) NewIterators(ro *ReadOptions, cfs []*ColumnFamilyHandle) ([]*Iterator, error) {
	ro = readOptionsOrDefault(ro)
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()

	var shared *Snapshot
	if ro.Snapshot == nil {
		s, err := db.newSnapshot()
		if err != nil {
			return nil, err
		}
		// Iterators pin the snapshot; it closes with the last of them.
		defer s.Release()
		shared = s
	}

	iters := make([]*Iterator, 0, len(cfs))
	for _, cf := range cfs {
		it, err := db.newIterator(ro, cf, shared)
		if err != nil {
			for _, done := range iters {
				_ = done.Close()
			}
			return nil, err
		}
		iters = append(iters, it)
	}
	return iters, nil
}

// IteratorCF returns an iterator over cf positioned by mode. Step moves it
// in the mode's direction.
func (db *DB) IteratorCF(ro *ReadOptions, cf *ColumnFamilyHandle, mode IteratorMode) (*Iterator, error) {
	it, err := db.NewIteratorCF(ro, cf)
	if err != nil {
		return nil, err
	}
	it.dir = mode.dir
	switch mode.kind {
	case modeStart:
		it.SeekToFirst()
	case modeEnd:
		it.SeekToLast()
	default:
		if mode.dir == Forward {
			it.Seek(mode.key)
		} else {
			it.SeekForPrev(mode.key)
		}
	}
	return it, nil
}

// newIterator requires db.closeMu. A non-nil shared snapshot is an
// implicit one owned by the caller.
func (db *DB) newIterator(ro *ReadOptions, cf *ColumnFamilyHandle, shared *Snapshot) (*Iterator, error) {
	n, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	if ro.Snapshot != nil && ro.Snapshot.db != db {
		return nil, errors.Wrap(ErrInvalidArgument, "snapshot belongs to another database")
	}
	if ro.IterateLowerBound != nil && ro.IterateUpperBound != nil &&
		n.cmp.Compare(ro.IterateLowerBound, ro.IterateUpperBound) > 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "iterator lower bound sorts after upper bound")
	}

	parents := []registry.ID{db.id, n.regID}
	if cf != nil && cf.id != 0 {
		parents = append(parents, cf.id)
	}
	id, err := db.reg.Register(registry.KindIterator, n.name, parents...)
	if err != nil {
		if lerr := db.checkLive(); lerr != nil {
			return nil, lerr
		}
		return nil, errors.Wrapf(ErrInvalidHandle, "column family %q: %v", n.name, err)
	}

	it := &Iterator{
		db:     db,
		node:   n,
		id:     id,
		verify: ro.VerifyChecksums || n.bundle.Load().verify,
	}
	switch {
	case ro.Snapshot != nil:
		if err := ro.Snapshot.pin(); err != nil {
			db.reg.Release(id)
			return nil, err
		}
		it.snap, it.checkStale = ro.Snapshot, true
	case shared != nil:
		shared.pinShared()
		it.snap = shared
	}

	lo, hi := keyspace.Bounds(n.id, ro.IterateLowerBound, ro.IterateUpperBound)
	opts := &pebble.IterOptions{LowerBound: lo, UpperBound: hi}
	if it.snap != nil {
		it.it, err = it.snap.engine.NewIter(opts)
	} else {
		it.it, err = db.engine.NewIter(opts)
	}
	if err != nil {
		it.release()
		return nil, engineError(err, "new iterator on %q", n.name)
	}
	return it, nil
}

// release drops the iterator's snapshot pin and registry entry.
func (it *Iterator) release() {
	if it.snap != nil {
		it.snap.unpin()
	}
	it.db.reg.Release(it.id)
}

// usable records a sticky error for a closed or stale iterator.
func (it *Iterator) usable() bool {
	if it.err != nil {
		return false
	}
	if it.closed {
		it.err = errors.Wrap(ErrInvalidIterator, "iterator is closed")
		return false
	}
	if it.checkStale && it.snap.Released() {
		it.err = errors.Wrapf(ErrStaleSnapshot, "snapshot at sequence %d", it.snap.Sequence())
		return false
	}
	return true
}

func (it *Iterator) positioned(ok bool) bool {
	if !ok {
		if err := it.it.Error(); err != nil {
			it.err = engineError(err, "iterate %q", it.node.name)
		}
	}
	return ok && it.err == nil
}

// Valid returns true if the iterator is positioned at a valid entry.
func (it *Iterator) Valid() bool {
	if it.closed || it.err != nil {
		return false
	}
	if it.checkStale && it.snap.Released() {
		return false
	}
	return it.it.Valid()
}

// SeekToFirst positions at the first key. It returns Valid().
func (it *Iterator) SeekToFirst() bool {
	if !it.usable() {
		return false
	}
	it.db.stats.RecordTick(TickerNumberDBSeek, 1)
	return it.positioned(it.it.First())
}

// SeekToLast positions at the last key. It returns Valid().
func (it *Iterator) SeekToLast() bool {
	if !it.usable() {
		return false
	}
	it.db.stats.RecordTick(TickerNumberDBSeek, 1)
	return it.positioned(it.it.Last())
}

// Seek positions at the first key >= target. It returns Valid().
func (it *Iterator) Seek(target []byte) bool {
	if !it.usable() {
		return false
	}
	it.db.stats.RecordTick(TickerNumberDBSeek, 1)
	return it.positioned(it.it.SeekGE(keyspace.Key(it.node.id, target)))
}

// SeekForPrev positions at the last key <= target. It returns Valid().
func (it *Iterator) SeekForPrev(target []byte) bool {
	if !it.usable() {
		return false
	}
	it.db.stats.RecordTick(TickerNumberDBSeek, 1)
	k := keyspace.Key(it.node.id, target)
	if it.it.SeekGE(k) && it.node.cmp.Compare(it.it.Key()[keyspace.HeaderLen:], target) == 0 {
		return true
	}
	return it.positioned(it.it.SeekLT(k))
}

// Next moves to the next key. It returns Valid().
func (it *Iterator) Next() bool {
	if !it.usable() {
		return false
	}
	it.db.stats.RecordTick(TickerNumberDBNext, 1)
	return it.positioned(it.it.Next())
}

// Prev moves to the previous key. It returns Valid().
func (it *Iterator) Prev() bool {
	if !it.usable() {
		return false
	}
	it.db.stats.RecordTick(TickerNumberDBPrev, 1)
	return it.positioned(it.it.Prev())
}

// Step moves in the direction of the iterator's mode: forward unless it
// was created with ModeEnd or a reverse From. It returns Valid().
func (it *Iterator) Step() bool {
	if it.dir == Reverse {
		return it.Prev()
	}
	return it.Next()
}

// check returns the error Key and Value report for an unusable position.
func (it *Iterator) check() error {
	if !it.usable() {
		return it.err
	}
	if !it.it.Valid() {
		return errors.Wrap(ErrInvalidIterator, "iterator is not positioned at an entry")
	}
	return nil
}

// Key returns the key at the current position. The slice is valid until
// the iterator moves.
func (it *Iterator) Key() ([]byte, error) {
	if err := it.check(); err != nil {
		return nil, err
	}
	return it.it.Key()[keyspace.HeaderLen:], nil
}

// Value returns the value at the current position. The slice is valid
// until the iterator moves.
func (it *Iterator) Value() ([]byte, error) {
	if err := it.check(); err != nil {
		return nil, err
	}
	raw, err := it.it.ValueAndErr()
	if err != nil {
		it.err = engineError(err, "iterate %q", it.node.name)
		return nil, it.err
	}
	v, err := compression.Decode(raw, it.verify)
	if err != nil {
		it.err = engineError(err, "iterate %q", it.node.name)
		return nil, it.err
	}
	it.db.stats.RecordTick(TickerBytesRead, uint64(len(v)))
	return v, nil
}

// Error returns the sticky error of the iterator, if any.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.checkStale && it.snap.Released() {
		return errors.Wrapf(ErrStaleSnapshot, "snapshot at sequence %d", it.snap.Sequence())
	}
	return nil
}

// Close releases the iterator. Closing twice is a no-op.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.it.Close()
	it.release()
	if err != nil && it.err == nil {
		return engineError(err, "close iterator on %q", it.node.name)
	}
	return nil
}
