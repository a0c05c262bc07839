package rockguard

// db.go implements the database handle: open, close, and the direct
// single-key reads and writes.
//
// Liveness of the database and of everything derived from it is decided by
// the handle registry. Writers, snapshots and iterators register against
// the database, so Close can refuse while any of them is live. Point reads
// do not register; they hold closeMu for reading, which Close takes for
// writing after the database entry has stopped accepting new work.

import (
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/batch"
	"github.com/aalhour/rockguard/internal/catalog"
	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/keyspace"
	"github.com/aalhour/rockguard/internal/logging"
	"github.com/aalhour/rockguard/internal/registry"
	"github.com/aalhour/rockguard/internal/vfs"
)

// DB is an open database. It is safe for concurrent use.
type DB struct {
	env    *Env
	path   string
	bundle *Bundle
	log    Logger
	fs     vfs.FS
	lock   io.Closer

	reg *registry.Registry
	id  registry.ID

	engine    *pebble.DB
	fams      *familyTable
	cfs       *columnFamilySet
	defaultCF *ColumnFamilyHandle

	stats  *statisticsImpl
	rows   *rowCache
	worker *backgroundWork

	// meta serializes catalog changes.
	meta sync.Mutex
	cat  *catalog.Catalog

	lastSeq atomic.Uint64
	bgErr   atomic.Pointer[error]

	// txnGate is held exclusively by a transaction from validation until
	// its batch is applied, and shared by every other write.
	txnGate sync.RWMutex

	closeMu sync.RWMutex
}

// openDB opens the database at path, which env has already claimed.
func openDB(env *Env, path string, b *Bundle, descs []ColumnFamilyDescriptor) (_ *DB, _ []*ColumnFamilyHandle, err error) {
	fs := env.fs
	if !fs.Exists(path) && !b.createIfMissing {
		return nil, nil, errors.Wrapf(ErrNotFound, "database %q does not exist", path)
	}
	if err := fs.MkdirAll(path, 0o755); err != nil {
		return nil, nil, engineError(err, "create %q", path)
	}
	lock, err := fs.Lock(filepath.Join(path, lockFileName))
	if err != nil {
		return nil, nil, engineError(err, "open %q", path)
	}
	defer func() {
		if err != nil {
			_ = lock.Close()
		}
	}()

	exists := env.catalogExists(path)
	switch {
	case !exists && !b.createIfMissing:
		return nil, nil, errors.Wrapf(ErrNotFound, "database %q does not exist", path)
	case exists && b.errorIfExists:
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "database %q already exists", path)
	}

	var stored *catalog.Catalog
	if exists {
		if stored, err = catalog.Read(fs, path); err != nil {
			return nil, nil, engineError(err, "open %q: read catalog", path)
		}
	} else {
		stored = catalog.New(b.family(DefaultColumnFamilyName))
	}
	cat, bundles, err := resolveFamilies(b, stored, descs)
	if err != nil {
		return nil, nil, err
	}

	log := logging.OrDefault(b.logger)
	db := &DB{
		env:    env,
		path:   path,
		bundle: b,
		log:    log,
		fs:     fs,
		lock:   lock,
		reg:    registry.New(),
		fams:   newFamilyTable(),
		cfs:    newColumnFamilySet(),
		stats:  newStatistics(),
		cat:    cat,
	}
	if db.rows, err = newRowCache(b.rowCacheSize); err != nil {
		return nil, nil, errors.Wrapf(ErrConfigError, "row cache: %v", err)
	}
	if db.id, err = db.reg.Register(registry.KindDB, path); err != nil {
		return nil, nil, errors.Wrap(ErrInvalidHandle, err.Error())
	}

	// Dropped families only order their leftover keys.
	for _, f := range cat.Dropped {
		fb, ferr := resolverOf(b).bundleFromFamily(b, f)
		if ferr != nil {
			log.Warnf(logging.NSCF+"dropped family %q id=%d: %v", f.Name, f.ID, ferr)
			continue
		}
		db.fams.store(newCFNode(uint32(f.ID), f.Name, fb))
	}
	for _, f := range cat.Families {
		if err := db.registerNode(newCFNode(uint32(f.ID), f.Name, bundles[f.Name])); err != nil {
			return nil, nil, err
		}
	}
	def := db.cfs.getByID(DefaultColumnFamilyID)
	db.defaultCF = &ColumnFamilyHandle{db: db, node: def}

	cache := pebble.NewCache(b.blockCacheSize)
	defer cache.Unref()
	opts, err := engineOptions(b, db.fams, cache,
		&engineLogger{log: log, fatal: db.setBackgroundError},
		newEventListener(log, db.stats), db.stats, exists)
	if err != nil {
		return nil, nil, err
	}
	if db.engine, err = pebble.Open(path, opts); err != nil {
		if errors.Is(err, pebble.ErrDBDoesNotExist) {
			err = errors.Mark(err, ErrCorruption)
		}
		return nil, nil, engineError(err, "open %q", path)
	}
	defer func() {
		if err != nil {
			_ = db.engine.Close()
		}
	}()

	if !exists || catalogChanged(stored, cat) {
		if err := catalog.Write(fs, path, cat); err != nil {
			return nil, nil, engineError(err, "open %q: write catalog", path)
		}
	}

	handles := make([]*ColumnFamilyHandle, 0, len(descs))
	for _, d := range descs {
		h, err := db.newHandle(db.cfs.getByName(d.Name))
		if err != nil {
			return nil, nil, err
		}
		handles = append(handles, h)
	}

	db.worker = newBackgroundWork(log, db.stats)
	db.worker.start()
	log.Infof(logging.NSDB+"opened %q with %d column families", path, len(cat.Families))
	return db, handles, nil
}

func resolverOf(b *Bundle) *Assembler {
	if b.resolver != nil {
		return b.resolver
	}
	return NewAssembler()
}

// resolveFamilies pairs every stored column family with its Bundle and
// adds the missing families named by descs. A descriptor's Bundle, and b
// for the default family, replace the stored value options; families
// without one are rebuilt from the catalog.
func resolveFamilies(b *Bundle, stored *catalog.Catalog, descs []ColumnFamilyDescriptor) (*catalog.Catalog, map[string]*Bundle, error) {
	wanted := map[string]*Bundle{DefaultColumnFamilyName: b}
	for _, d := range descs {
		if d.Bundle != nil {
			wanted[d.Name] = d.Bundle
		}
	}

	resolver := resolverOf(b)
	cat := stored.Clone()
	bundles := make(map[string]*Bundle, len(stored.Families)+len(descs))
	for _, f := range stored.Families {
		want := wanted[f.Name]
		if want == nil {
			fb, err := resolver.bundleFromFamily(b, f)
			if err != nil {
				return nil, nil, err
			}
			bundles[f.Name] = fb
			continue
		}
		if want.comparator.Name() != f.Comparator {
			return nil, nil, errors.Wrapf(ErrConfigError,
				"column family %q was created with comparator %q, not %q",
				f.Name, f.Comparator, want.comparator.Name())
		}
		bundles[f.Name] = want
		cat.Replace(want.family(f.Name))
	}

	for _, d := range descs {
		if _, ok := bundles[d.Name]; ok {
			continue
		}
		nb := d.Bundle
		if nb == nil {
			nb = b
		}
		if !b.createMissingCF && !nb.createMissingCF {
			return nil, nil, errors.Wrapf(ErrNotFound, "column family %q", d.Name)
		}
		if _, err := cat.Add(nb.family(d.Name)); err != nil {
			return nil, nil, errors.Wrap(ErrInvalidArgument, err.Error())
		}
		bundles[d.Name] = nb
	}
	return cat, bundles, nil
}

func catalogChanged(a, b *catalog.Catalog) bool {
	if a.NextID != b.NextID || len(a.Families) != len(b.Families) {
		return true
	}
	for i := range a.Families {
		if a.Families[i] != b.Families[i] {
			return true
		}
	}
	return false
}

// setBackgroundError records an unrecoverable engine error. Writes fail
// with IOError afterwards; reads continue.
func (db *DB) setBackgroundError(msg string) {
	err := errors.Mark(errors.Newf("background error: %s", msg), ErrIOError)
	if db.bgErr.CompareAndSwap(nil, &err) {
		db.stats.RecordTick(TickerBackgroundErrors, 1)
	}
}

// backgroundError returns the recorded background error, if any.
func (db *DB) backgroundError() error {
	if p := db.bgErr.Load(); p != nil {
		return *p
	}
	return nil
}

// checkLive returns InvalidHandle once the database is closing or closed.
func (db *DB) checkLive() error {
	if !db.reg.Live(db.id) {
		return errors.Wrapf(ErrInvalidHandle, "database %q is closed", db.path)
	}
	return nil
}

// Path returns the directory of the database.
func (db *DB) Path() string { return db.path }

// Bundle returns the configuration the database was opened with.
func (db *DB) Bundle() *Bundle { return db.bundle }

// Statistics returns the database's tickers and histograms.
func (db *DB) Statistics() Statistics { return db.stats }

// WriteMetrics writes the database statistics to w in Prometheus text
// format.
func (db *DB) WriteMetrics(w io.Writer) {
	db.stats.WritePrometheus(w)
}

// LatestSequenceNumber returns the sequence number of the last write
// committed through this handle. It is zero after open until the first
// write.
func (db *DB) LatestSequenceNumber() uint64 {
	return db.lastSeq.Load()
}

func (db *DB) advanceSequence(seq uint64) {
	for {
		old := db.lastSeq.Load()
		if seq <= old || db.lastSeq.CompareAndSwap(old, seq) {
			return
		}
	}
}

// Close closes the database. It fails with InUse while column family
// handles, snapshots, iterators or writes derived from the database are
// live; release them and call Close again. Queued maintenance tasks are
// cancelled. Closing a closed database is a no-op.
func (db *DB) Close() error {
	err := db.reg.BeginRetire(db.id,
		registry.KindHandle, registry.KindSnapshot, registry.KindIterator, registry.KindWriter)
	if err != nil {
		if errors.Is(err, registry.ErrNotLive) {
			return nil
		}
		return retireError("db", db.path, err)
	}

	db.worker.stop()

	db.closeMu.Lock()
	defer db.closeMu.Unlock()

	var closeErr error
	if err := db.engine.Close(); err != nil {
		closeErr = engineError(err, "close %q", db.path)
	}
	db.rows.purge()
	for _, n := range *db.fams.m.Load() {
		db.reg.Release(n.regID)
	}
	db.reg.FinishRetire(db.id)
	if err := db.lock.Close(); err != nil && closeErr == nil {
		closeErr = engineError(err, "close %q: release lock", db.path)
	}
	db.env.release(db.path)
	db.log.Infof(logging.NSDB+"closed %q", db.path)
	return closeErr
}

// Get returns the value of key in the default column family.
func (db *DB) Get(ro *ReadOptions, key []byte) ([]byte, error) {
	return db.GetCF(ro, nil, key)
}

// GetCF returns the value of key in cf. It fails with NotFound when the
// key has no value.
func (db *DB) GetCF(ro *ReadOptions, cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	ro = readOptionsOrDefault(ro)
	if ro.Snapshot != nil {
		if ro.Snapshot.db != db {
			return nil, errors.Wrap(ErrInvalidArgument, "snapshot belongs to another database")
		}
		return ro.Snapshot.get(ro, cf, key)
	}

	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	n, err := db.resolve(cf)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	v, err := db.read(db.engine, ro, n, key)
	db.stats.MeasureTime(HistogramDBGet, uint64(time.Since(start).Microseconds()))
	return v, err
}

// read looks key up in r and decodes the value envelope. The result is a
// copy owned by the caller.
func (db *DB) read(r pebble.Reader, ro *ReadOptions, n *cfNode, key []byte) ([]byte, error) {
	db.stats.RecordTick(TickerNumberKeysRead, 1)
	raw, closer, err := r.Get(keyspace.Key(n.id, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "column family %q", n.name)
		}
		return nil, engineError(err, "get from %q", n.name)
	}
	defer closer.Close()

	verify := ro.VerifyChecksums || n.bundle.Load().verify
	v, err := compression.Decode(raw, verify)
	if err != nil {
		return nil, engineError(err, "get from %q", n.name)
	}
	db.stats.RecordTick(TickerNumberKeysFound, 1)
	db.stats.RecordTick(TickerBytesRead, uint64(len(v)))
	db.stats.MeasureTime(HistogramBytesPerRead, uint64(len(v)))
	return append([]byte(nil), v...), nil
}

// MultiGet returns the values of keys in the default column family.
func (db *DB) MultiGet(ro *ReadOptions, keys [][]byte) ([][]byte, []error) {
	cfs := make([]*ColumnFamilyHandle, len(keys))
	return db.MultiGetCF(ro, cfs, keys)
}

// MultiGetCF returns the value of keys[i] in cfs[i] for every i. All
// lookups observe one point in time. A missing key yields a nil value and
// a NotFound error in its slot.
func (db *DB) MultiGetCF(ro *ReadOptions, cfs []*ColumnFamilyHandle, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	fail := func(err error) ([][]byte, []error) {
		for i := range errs {
			errs[i] = err
		}
		return values, errs
	}
	if len(cfs) != len(keys) {
		return fail(errors.Wrapf(ErrInvalidArgument, "%d column families for %d keys", len(cfs), len(keys)))
	}
	if len(keys) == 0 {
		return values, errs
	}

	ro = readOptionsOrDefault(ro)
	db.stats.RecordTick(TickerNumberMultiGetCalls, 1)
	db.stats.RecordTick(TickerNumberMultiGetKeysRead, uint64(len(keys)))
	start := time.Now()
	defer func() {
		db.stats.MeasureTime(HistogramDBMultiGet, uint64(time.Since(start).Microseconds()))
	}()

	if s := ro.Snapshot; s != nil {
		if s.db != db {
			return fail(errors.Wrap(ErrInvalidArgument, "snapshot belongs to another database"))
		}
		for i := range keys {
			values[i], errs[i] = s.get(ro, cfs[i], keys[i])
			if errs[i] == nil {
				db.stats.RecordTick(TickerNumberMultiGetKeysFound, 1)
			}
		}
		return values, errs
	}

	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	if err := db.checkLive(); err != nil {
		return fail(err)
	}
	snap := db.engine.NewSnapshot()
	defer snap.Close()
	for i := range keys {
		n, err := db.resolve(cfs[i])
		if err != nil {
			errs[i] = err
			continue
		}
		values[i], errs[i] = db.read(snap, ro, n, keys[i])
		if errs[i] == nil {
			db.stats.RecordTick(TickerNumberMultiGetKeysFound, 1)
		}
	}
	return values, errs
}

// Put sets the value of key in the default column family.
func (db *DB) Put(wo *WriteOptions, key, value []byte) error {
	return db.PutCF(wo, nil, key, value)
}

// PutCF sets the value of key in cf.
func (db *DB) PutCF(wo *WriteOptions, cf *ColumnFamilyHandle, key, value []byte) error {
	n, err := db.resolve(cf)
	if err != nil {
		return err
	}
	wb := batch.GetFromPool()
	defer batch.ReturnToPool(wb)
	wb.PutCF(n.id, key, value)
	_, err = db.commit(wo, wb, []*cfNode{n})
	return err
}

// Delete removes key from the default column family. Deleting a missing
// key is not an error.
func (db *DB) Delete(wo *WriteOptions, key []byte) error {
	return db.DeleteCF(wo, nil, key)
}

// DeleteCF removes key from cf.
func (db *DB) DeleteCF(wo *WriteOptions, cf *ColumnFamilyHandle, key []byte) error {
	n, err := db.resolve(cf)
	if err != nil {
		return err
	}
	wb := batch.GetFromPool()
	defer batch.ReturnToPool(wb)
	wb.DeleteCF(n.id, key)
	_, err = db.commit(wo, wb, []*cfNode{n})
	return err
}

// Merge adds a merge operand for key in the default column family.
func (db *DB) Merge(wo *WriteOptions, key, operand []byte) error {
	return db.MergeCF(wo, nil, key, operand)
}

// MergeCF adds a merge operand for key in cf. It fails with
// InvalidArgument when cf has no merge operator.
func (db *DB) MergeCF(wo *WriteOptions, cf *ColumnFamilyHandle, key, operand []byte) error {
	n, err := db.resolve(cf)
	if err != nil {
		return err
	}
	if n.bundle.Load().merger == nil {
		return errors.Wrapf(ErrInvalidArgument, "column family %q has no merge operator", n.name)
	}
	wb := batch.GetFromPool()
	defer batch.ReturnToPool(wb)
	wb.MergeCF(n.id, key, operand)
	_, err = db.commit(wo, wb, []*cfNode{n})
	return err
}

// DeleteRangeCF removes the keys of cf in [begin, end). It fails with
// InvalidArgument when begin sorts after end; an empty range is a no-op.
func (db *DB) DeleteRangeCF(wo *WriteOptions, cf *ColumnFamilyHandle, begin, end []byte) error {
	n, err := db.resolve(cf)
	if err != nil {
		return err
	}
	c := n.cmp.Compare(begin, end)
	if c > 0 {
		return errors.Wrap(ErrInvalidArgument, "delete range: begin sorts after end")
	}
	if c == 0 {
		return nil
	}
	wb := batch.GetFromPool()
	defer batch.ReturnToPool(wb)
	wb.DeleteRangeCF(n.id, begin, end)
	_, err = db.commit(wo, wb, []*cfNode{n})
	return err
}

// commit applies the records of wb atomically and returns the sequence
// number of its last record. Every node must be live for the duration;
// a writer entry pins them against drop and the database against close.
func (db *DB) commit(wo *WriteOptions, wb *batch.WriteBatch, nodes []*cfNode) (uint64, error) {
	db.txnGate.RLock()
	defer db.txnGate.RUnlock()
	return db.apply(wo, wb, nodes)
}

// apply is commit without the transaction gate.
func (db *DB) apply(wo *WriteOptions, wb *batch.WriteBatch, nodes []*cfNode) (uint64, error) {
	wo = writeOptionsOrDefault(wo)
	if err := db.backgroundError(); err != nil {
		return 0, err
	}

	parents := make([]registry.ID, 0, len(nodes)+1)
	parents = append(parents, db.id)
	for _, n := range nodes {
		parents = append(parents, n.regID)
	}
	wid, err := db.reg.Register(registry.KindWriter, "write", parents...)
	if err != nil {
		if lerr := db.checkLive(); lerr != nil {
			return 0, lerr
		}
		return 0, errors.Wrap(ErrInvalidHandle, "write: column family was dropped")
	}
	defer db.reg.Release(wid)

	if wb.Count() == 0 {
		return db.LatestSequenceNumber(), nil
	}

	start := time.Now()
	pb := db.engine.NewBatch()
	defer pb.Close()
	enc := &batchEncoder{db: db, pb: pb}
	if err := wb.Iterate(enc); err != nil {
		return 0, err
	}

	opts := pebble.NoSync
	if wo.Sync {
		opts = pebble.Sync
	}
	if err := pb.Commit(opts); err != nil {
		return 0, engineError(err, "write")
	}
	seq := pb.SeqNum() + uint64(pb.Count()) - 1
	db.advanceSequence(seq)

	db.stats.RecordTick(TickerNumberKeysWritten, uint64(wb.Count()))
	db.stats.RecordTick(TickerBytesWritten, uint64(enc.bytes))
	db.stats.RecordTick(TickerBatchCommits, 1)
	db.stats.MeasureTime(HistogramBytesPerWrite, uint64(enc.bytes))
	db.stats.MeasureTime(HistogramDBWrite, uint64(time.Since(start).Microseconds()))
	return seq, nil
}

// batchEncoder replays staged records into an engine batch, encoding keys
// into the shared keyspace and values into envelopes.
type batchEncoder struct {
	db    *DB
	pb    *pebble.Batch
	key   []byte
	end   []byte
	value []byte
	bytes int
}

func (e *batchEncoder) node(cfID uint32) (*cfNode, error) {
	n := e.db.cfs.getByID(cfID)
	if n == nil {
		return nil, errors.Wrapf(ErrInvalidHandle, "column family %d was dropped", cfID)
	}
	return n, nil
}

func (e *batchEncoder) encodeValue(n *cfNode, value []byte) error {
	b := n.bundle.Load()
	var err error
	e.value, err = compression.Encode(e.value[:0], b.compression.codec(), value, b.minSize)
	if err != nil {
		return engineError(err, "encode value for %q", n.name)
	}
	e.bytes += len(value)
	return nil
}

func (e *batchEncoder) Put(cfID uint32, key, value []byte) error {
	n, err := e.node(cfID)
	if err != nil {
		return err
	}
	if err := e.encodeValue(n, value); err != nil {
		return err
	}
	e.key = keyspace.Encode(e.key[:0], cfID, key)
	e.bytes += len(key)
	return e.pb.Set(e.key, e.value, nil)
}

func (e *batchEncoder) Delete(cfID uint32, key []byte) error {
	if _, err := e.node(cfID); err != nil {
		return err
	}
	e.key = keyspace.Encode(e.key[:0], cfID, key)
	e.bytes += len(key)
	return e.pb.Delete(e.key, nil)
}

func (e *batchEncoder) Merge(cfID uint32, key, value []byte) error {
	n, err := e.node(cfID)
	if err != nil {
		return err
	}
	if n.bundle.Load().merger == nil {
		return errors.Wrapf(ErrInvalidArgument, "column family %q has no merge operator", n.name)
	}
	if err := e.encodeValue(n, value); err != nil {
		return err
	}
	e.key = keyspace.Encode(e.key[:0], cfID, key)
	e.bytes += len(key)
	return e.pb.Merge(e.key, e.value, nil)
}

func (e *batchEncoder) DeleteRange(cfID uint32, begin, end []byte) error {
	if _, err := e.node(cfID); err != nil {
		return err
	}
	e.key = keyspace.Encode(e.key[:0], cfID, begin)
	e.end = keyspace.Encode(e.end[:0], cfID, end)
	e.bytes += len(begin) + len(end)
	return e.pb.DeleteRange(e.key, e.end, nil)
}
