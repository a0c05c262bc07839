package rockguard

// engine.go adapts the layer to the storage engine.
//
// All column families share one engine keyspace (see internal/keyspace).
// The engine is given a single comparer and a single merger that decode
// the column family id from each key and dispatch to the comparator and
// merge operator of that family.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/keyspace"
	"github.com/aalhour/rockguard/internal/logging"
)

// Names recorded by the engine. Changing them makes existing databases
// unreadable.
const (
	engineComparerName = "rockguard.cf-dispatch.v1"
	engineMergerName   = "rockguard.merge-dispatch.v1"
)

// numEngineLevels is the number of LSM levels the engine uses.
const numEngineLevels = 7

// familyTable maps column family ids to their nodes for the engine
// callbacks. Readers never lock; writers copy the map under mu.
// Entries of dropped families stay until the database closes so the
// engine can still order their remaining keys.
type familyTable struct {
	mu sync.Mutex
	m  atomic.Pointer[map[uint32]*cfNode]
}

func newFamilyTable() *familyTable {
	t := &familyTable{}
	m := make(map[uint32]*cfNode)
	t.m.Store(&m)
	return t
}

func (t *familyTable) lookup(id uint32) *cfNode {
	return (*t.m.Load())[id]
}

func (t *familyTable) store(n *cfNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.m.Load()
	m := make(map[uint32]*cfNode, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[n.id] = n
	t.m.Store(&m)
}

func (t *familyTable) comparator(id uint32) Comparator {
	if n := t.lookup(id); n != nil {
		return n.cmp
	}
	return BytewiseComparator{}
}

// newComparer returns the engine comparer. Keys are ordered by family
// prefix, then by tag, then by the family's comparator.
func newComparer(t *familyTable) *pebble.Comparer {
	compare := func(a, b []byte) int {
		if len(a) < keyspace.HeaderLen || len(b) < keyspace.HeaderLen {
			return bytes.Compare(a, b)
		}
		if c := bytes.Compare(a[:keyspace.HeaderLen], b[:keyspace.HeaderLen]); c != 0 {
			return c
		}
		if !keyspace.IsUserKey(a) {
			return bytes.Compare(a[keyspace.HeaderLen:], b[keyspace.HeaderLen:])
		}
		id := binary.BigEndian.Uint32(a)
		return t.comparator(id).Compare(a[keyspace.HeaderLen:], b[keyspace.HeaderLen:])
	}

	c := &pebble.Comparer{
		Compare: compare,
		Equal: func(a, b []byte) bool {
			return compare(a, b) == 0
		},
		AbbreviatedKey: func(key []byte) uint64 {
			var buf [8]byte
			copy(buf[:keyspace.HeaderLen], key)
			return binary.BigEndian.Uint64(buf[:])
		},
		Split: func(a []byte) int {
			return len(a)
		},
		ImmediateSuccessor: func(dst, a []byte) []byte {
			return append(append(dst, a...), 0x00)
		},
		Name: engineComparerName,
	}

	c.Separator = func(dst, a, b []byte) []byte {
		ida, ua, erra := keyspace.Decode(a)
		if erra != nil || len(b) == 0 {
			return append(dst, a...)
		}
		idb, ub, errb := keyspace.Decode(b)
		if errb != nil || ida != idb {
			return append(dst, a...)
		}
		sep := t.comparator(ida).FindShortestSeparator(ua, ub)
		out := keyspace.Encode(dst, ida, sep)
		k := out[len(dst):]
		if compare(a, k) > 0 || compare(k, b) >= 0 {
			return append(dst, a...)
		}
		return out
	}

	c.Successor = func(dst, a []byte) []byte {
		id, ua, err := keyspace.Decode(a)
		if err != nil {
			return append(dst, a...)
		}
		succ := t.comparator(id).FindShortSuccessor(ua)
		out := keyspace.Encode(dst, id, succ)
		if compare(out[len(dst):], a) < 0 {
			return append(dst, a...)
		}
		return out
	}
	return c
}

// errMergeFailed is returned to the engine when a merge operator rejects
// its operands.
var errMergeFailed = errors.New("rockguard: merge operator failed")

// newMerger returns the engine merger.
func newMerger(t *familyTable, stats *statisticsImpl) *pebble.Merger {
	return &pebble.Merger{
		Name: engineMergerName,
		Merge: func(key, value []byte) (pebble.ValueMerger, error) {
			id, _, err := keyspace.Decode(key)
			if err != nil {
				return nil, errors.Wrapf(errMergeFailed, "merge on non-user key %x", key)
			}
			n := t.lookup(id)
			if n == nil {
				return nil, errors.Wrapf(errMergeFailed, "merge on unknown column family %d", id)
			}
			b := n.bundle.Load()
			if b.merger == nil {
				return nil, errors.Wrapf(errMergeFailed, "column family %q has no merge operator", n.name)
			}
			m := &valueMerger{key: append([]byte(nil), key...), bundle: b, stats: stats}
			if err := m.MergeNewer(value); err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

// valueMerger collects operands oldest first and folds them on Finish.
type valueMerger struct {
	key      []byte
	bundle   *Bundle
	stats    *statisticsImpl
	operands [][]byte
}

func (m *valueMerger) decode(value []byte) ([]byte, error) {
	raw, err := compression.Decode(value, m.bundle.verify)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, raw...), nil
}

func (m *valueMerger) MergeNewer(value []byte) error {
	raw, err := m.decode(value)
	if err != nil {
		return err
	}
	m.operands = append(m.operands, raw)
	return nil
}

func (m *valueMerger) MergeOlder(value []byte) error {
	raw, err := m.decode(value)
	if err != nil {
		return err
	}
	m.operands = append([][]byte{raw}, m.operands...)
	return nil
}

// Finish folds the operands oldest first. When the oldest of several
// values may be a base the fold starts from it, which keeps an empty base
// distinct from a missing one. For a plain operand this equals folding
// from nil, the identity of an associative operator. A lone value is
// always an operand.
func (m *valueMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	userKey := m.key[keyspace.HeaderLen:]
	ops := m.operands
	var acc []byte
	if includesBase && len(ops) > 1 {
		acc, ops = ops[0], ops[1:]
	}
	for _, op := range ops {
		var ok bool
		acc, ok = m.bundle.merger.Merge(userKey, acc, op)
		if !ok {
			m.stats.RecordTick(TickerNumberMergeFailures, 1)
			return nil, nil, errors.Wrapf(errMergeFailed, "%s", m.bundle.merger.Name())
		}
	}
	out, err := compression.Encode(nil, m.bundle.compression.codec(), acc, m.bundle.minSize)
	if err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}

// engineLogger routes engine messages to the layer's logger. An engine
// fatal error does not exit the process; it stops writes instead.
type engineLogger struct {
	log   Logger
	fatal func(msg string)
}

func (l *engineLogger) Infof(format string, args ...any) {
	l.log.Debugf(logging.NSDB+"engine: "+format, args...)
}

func (l *engineLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.log.Errorf(logging.NSDB+"engine fatal: %s", msg)
	l.fatal(msg)
}

// newEventListener reports engine background activity to the log and the
// statistics.
func newEventListener(log Logger, stats *statisticsImpl) *pebble.EventListener {
	var stallStart atomic.Int64
	return &pebble.EventListener{
		BackgroundError: func(err error) {
			log.Errorf(logging.NSDB+"background error: %v", err)
			stats.RecordTick(TickerBackgroundErrors, 1)
		},
		FlushEnd: func(info pebble.FlushInfo) {
			if info.Err != nil {
				log.Warnf(logging.NSFlush+"job %d failed: %v", info.JobID, info.Err)
				return
			}
			stats.MeasureTime(HistogramFlushTime, uint64(info.TotalDuration.Microseconds()))
			log.Debugf(logging.NSFlush+"job %d done in %s", info.JobID, info.TotalDuration)
		},
		CompactionEnd: func(info pebble.CompactionInfo) {
			if info.Err != nil {
				log.Warnf(logging.NSCompact+"job %d failed: %v", info.JobID, info.Err)
				return
			}
			stats.MeasureTime(HistogramCompactionTime, uint64(info.TotalDuration.Microseconds()))
			log.Debugf(logging.NSCompact+"job %d (%s) done in %s", info.JobID, info.Reason, info.TotalDuration)
		},
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			stallStart.Store(time.Now().UnixNano())
			log.Warnf(logging.NSDB+"write stall: %s", info.Reason)
		},
		WriteStallEnd: func() {
			if start := stallStart.Swap(0); start != 0 {
				d := time.Since(time.Unix(0, start))
				stats.RecordTick(TickerStallMicros, uint64(d.Microseconds()))
				stats.MeasureTime(HistogramWriteStallDuration, uint64(d.Microseconds()))
			}
			log.Infof(logging.NSDB + "write stall ended")
		},
	}
}

// engineOptions builds the engine options for a database opened with b.
func engineOptions(b *Bundle, t *familyTable, cache *pebble.Cache, log *engineLogger,
	el *pebble.EventListener, stats *statisticsImpl, mustExist bool) (*pebble.Options, error) {
	opts := &pebble.Options{
		Cache:            cache,
		Comparer:         newComparer(t),
		Merger:           newMerger(t, stats),
		DisableWAL:       b.disableWAL,
		ErrorIfNotExists: mustExist,
		EventListener:    el,
		Logger:           log,
		MemTableSize:     b.writeBufferSize,
	}
	if b.maxOpenFiles > 0 {
		opts.MaxOpenFiles = b.maxOpenFiles
	}
	if n := len(b.perLevel); n > 0 {
		opts.Levels = make([]pebble.LevelOptions, numEngineLevels)
		for i := range opts.Levels {
			c, err := b.perLevel[min(i, n-1)].engineCompression()
			if err != nil {
				return nil, err
			}
			opts.Levels[i].Compression = c
		}
	}
	return opts, nil
}
