package rockguard

// column_family.go implements column family management.
//
// Column families partition one database into named keyspaces. Each family
// is a node (id, name, comparator, current Bundle) shared by any number of
// handles. Handles count against the database; the node does not, and is
// released when the database closes.
//
// Dropping is fail-fast: it is refused while iterators or in-flight writes
// use the family. A successful drop invalidates every other handle to it.

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aalhour/rockguard/internal/catalog"
	"github.com/aalhour/rockguard/internal/keyspace"
	"github.com/aalhour/rockguard/internal/logging"
	"github.com/aalhour/rockguard/internal/options"
	"github.com/aalhour/rockguard/internal/registry"
	"github.com/aalhour/rockguard/internal/vfs"
)

// DefaultColumnFamilyName is the name of the default column family.
const DefaultColumnFamilyName = catalog.DefaultName

// DefaultColumnFamilyID is the ID of the default column family.
const DefaultColumnFamilyID = catalog.DefaultID

// ColumnFamilyDescriptor names a column family to open with its Bundle.
// A nil Bundle reopens the family with its stored configuration.
type ColumnFamilyDescriptor struct {
	Name   string
	Bundle *Bundle
}

// cfNode is the shared state of one column family.
type cfNode struct {
	id     uint32
	name   string
	regID  registry.ID
	cmp    Comparator
	bundle atomic.Pointer[Bundle]

	// lower and upper are the family's sentinel keys.
	lower []byte
	upper []byte
}

func newCFNode(id uint32, name string, b *Bundle) *cfNode {
	n := &cfNode{
		id:    id,
		name:  name,
		cmp:   b.comparator,
		lower: keyspace.LowerSentinel(id),
		upper: keyspace.UpperSentinel(id),
	}
	n.bundle.Store(b)
	return n
}

// columnFamilySet indexes the live column families of a database.
type columnFamilySet struct {
	byName *xsync.MapOf[string, *cfNode]
	byID   *xsync.MapOf[uint32, *cfNode]
}

func newColumnFamilySet() *columnFamilySet {
	return &columnFamilySet{
		byName: xsync.NewMapOf[string, *cfNode](),
		byID:   xsync.NewMapOf[uint32, *cfNode](),
	}
}

func (s *columnFamilySet) getByName(name string) *cfNode {
	n, _ := s.byName.Load(name)
	return n
}

func (s *columnFamilySet) getByID(id uint32) *cfNode {
	n, _ := s.byID.Load(id)
	return n
}

func (s *columnFamilySet) add(n *cfNode) {
	s.byName.Store(n.name, n)
	s.byID.Store(n.id, n)
}

func (s *columnFamilySet) remove(n *cfNode) {
	s.byName.Delete(n.name)
	s.byID.Delete(n.id)
}

func (s *columnFamilySet) forEach(fn func(*cfNode)) {
	s.byID.Range(func(_ uint32, n *cfNode) bool {
		fn(n)
		return true
	})
}

// ColumnFamilyHandle refers to a column family of an open database.
// Handles are safe for concurrent use. Every handle returned by the
// database must be closed, except the one from DefaultColumnFamily.
type ColumnFamilyHandle struct {
	db   *DB
	node *cfNode

	// id is the handle's registry entry; zero for the borrowed default
	// handle, which does not count against the database.
	id registry.ID
}

// ID returns the column family ID.
func (h *ColumnFamilyHandle) ID() uint32 { return h.node.id }

// Name returns the column family name.
func (h *ColumnFamilyHandle) Name() string { return h.node.name }

// Bundle returns the column family's current configuration.
func (h *ColumnFamilyHandle) Bundle() *Bundle { return h.node.bundle.Load() }

// IsValid reports whether the handle can still be used: it is not closed,
// its family was not dropped, and its database is open.
func (h *ColumnFamilyHandle) IsValid() bool {
	ids := []registry.ID{h.db.id, h.node.regID}
	if h.id != 0 {
		ids = append(ids, h.id)
	}
	return h.db.reg.Live(ids...)
}

// Close releases the handle. It fails with InUse while iterators created
// from the handle are live. Closing twice, or closing the default handle,
// is a no-op.
func (h *ColumnFamilyHandle) Close() error {
	if h.id == 0 {
		return nil
	}
	if err := h.db.reg.Retire(h.id, registry.KindIterator); err != nil {
		if errors.Is(err, registry.ErrNotLive) {
			return nil
		}
		return retireError("column family handle", h.node.name, err)
	}
	return nil
}

// resolve validates a handle for use with db and returns its node. A nil
// handle means the default column family.
func (db *DB) resolve(h *ColumnFamilyHandle) (*cfNode, error) {
	if h == nil {
		return db.defaultCF.node, db.checkLive()
	}
	if h.db != db {
		return nil, errors.Wrap(ErrInvalidArgument, "column family handle belongs to another database")
	}
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	if !db.reg.Live(h.node.regID) {
		return nil, errors.Wrapf(ErrInvalidHandle, "column family %q was dropped", h.node.name)
	}
	if h.id != 0 && !db.reg.Live(h.id) {
		return nil, errors.Wrapf(ErrInvalidHandle, "column family handle %q is closed", h.node.name)
	}
	return h.node, nil
}

func (db *DB) newHandle(n *cfNode) (*ColumnFamilyHandle, error) {
	id, err := db.reg.Register(registry.KindHandle, n.name, db.id, n.regID)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHandle, "column family %q: %v", n.name, err)
	}
	return &ColumnFamilyHandle{db: db, node: n, id: id}, nil
}

// registerNode makes a column family known to the registry, the engine
// callbacks and the name index.
func (db *DB) registerNode(n *cfNode) error {
	id, err := db.reg.Register(registry.KindColumnFamily, n.name, db.id)
	if err != nil {
		return errors.Wrapf(ErrInvalidHandle, "column family %q: %v", n.name, err)
	}
	n.regID = id
	db.fams.store(n)
	db.cfs.add(n)
	return nil
}

// DefaultColumnFamily returns a borrowed handle to the default column
// family. It does not count against the database and need not be closed.
func (db *DB) DefaultColumnFamily() *ColumnFamilyHandle {
	return db.defaultCF
}

// GetColumnFamily returns a new handle to an existing column family.
func (db *DB) GetColumnFamily(name string) (*ColumnFamilyHandle, error) {
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	n := db.cfs.getByName(name)
	if n == nil {
		return nil, errors.Wrapf(ErrNotFound, "column family %q", name)
	}
	return db.newHandle(n)
}

// OpenColumnFamily returns a handle to the named column family. A missing
// family is created when b has CreateMissingColumnFamilies set, otherwise
// the call fails with NotFound. An existing family must have been created
// with the same comparator as b.
func (db *DB) OpenColumnFamily(name string, b *Bundle) (*ColumnFamilyHandle, error) {
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	db.meta.Lock()
	defer db.meta.Unlock()

	if n := db.cfs.getByName(name); n != nil {
		if b != nil && b.comparator.Name() != n.cmp.Name() {
			return nil, errors.Wrapf(ErrConfigError,
				"column family %q uses comparator %q, not %q", name, n.cmp.Name(), b.comparator.Name())
		}
		return db.newHandle(n)
	}
	if b == nil || !b.createMissingCF {
		return nil, errors.Wrapf(ErrNotFound, "column family %q", name)
	}
	return db.createColumnFamilyLocked(name, b)
}

// CreateColumnFamily creates a column family configured by b. It fails
// with InvalidArgument if the family exists.
func (db *DB) CreateColumnFamily(b *Bundle, name string) (*ColumnFamilyHandle, error) {
	if b == nil || name == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "column family needs a name and a bundle")
	}
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	db.meta.Lock()
	defer db.meta.Unlock()

	if db.cfs.getByName(name) != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "column family %q already exists", name)
	}
	return db.createColumnFamilyLocked(name, b)
}

// createColumnFamilyLocked requires db.meta.
func (db *DB) createColumnFamilyLocked(name string, b *Bundle) (*ColumnFamilyHandle, error) {
	cat := db.cat.Clone()
	f, err := cat.Add(b.family(name))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if err := catalog.Write(db.fs, db.path, cat); err != nil {
		return nil, engineError(err, "column family %q: write catalog", name)
	}
	db.cat = cat

	n := newCFNode(uint32(f.ID), name, b)
	if err := db.registerNode(n); err != nil {
		return nil, err
	}
	db.log.Infof(logging.NSCF+"created %q id=%d comparator=%s compression=%s",
		name, n.id, n.cmp.Name(), b.compression)
	return db.newHandle(n)
}

// ListColumnFamilies returns the names of the live column families,
// default first, the rest in creation order.
func (db *DB) ListColumnFamilies() ([]string, error) {
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	db.meta.Lock()
	defer db.meta.Unlock()
	return db.cat.Names(), nil
}

// ListColumnFamilies returns the column family names recorded in the
// database at path. The database may be open or closed.
func ListColumnFamilies(path string) ([]string, error) {
	cat, err := catalog.Read(vfs.Default(), path)
	if err != nil {
		return nil, engineError(err, "list column families of %q", path)
	}
	return cat.Names(), nil
}

// DropColumnFamily drops the column family of h and releases h.
//
// It fails with InUse while iterators or in-flight writes use the family,
// and with InvalidArgument for the default column family. On success
// every other handle to the family becomes invalid (each must still be
// closed) and the family's data is deleted. Ids are never reused.
func (db *DB) DropColumnFamily(h *ColumnFamilyHandle) error {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()

	n, err := db.resolve(h)
	if err != nil {
		return err
	}
	if n.id == DefaultColumnFamilyID {
		return errors.Wrap(ErrInvalidArgument, "cannot drop the default column family")
	}

	db.meta.Lock()
	defer db.meta.Unlock()

	if err := db.reg.BeginRetire(n.regID, registry.KindIterator, registry.KindWriter); err != nil {
		return retireError("column family", n.name, err)
	}
	cat := db.cat.Clone()
	cat.Remove(n.name)
	if err := catalog.Write(db.fs, db.path, cat); err != nil {
		db.reg.AbortRetire(n.regID)
		return engineError(err, "drop column family %q: write catalog", n.name)
	}
	db.cat = cat
	// The family is gone from the catalog and its id is never reused, so
	// keys left behind by a failed delete are unreachable.
	if err := db.engine.DeleteRange(n.lower, n.upper, pebble.Sync); err != nil {
		db.log.Warnf(logging.NSCF+"drop %q: delete range: %v", n.name, err)
	}
	db.cfs.remove(n)
	db.reg.Invalidate(n.regID)
	if h.id != 0 {
		db.reg.Release(h.id)
	}

	// Reclaim the space in the background; the data is already invisible.
	if _, err := db.worker.submit(taskReclaim, n.name, func() error {
		return db.engine.Compact(n.lower, n.upper, false)
	}); err != nil {
		db.log.Warnf(logging.NSCF+"drop %q: schedule reclaim: %v", n.name, err)
	}
	db.log.Infof(logging.NSCF+"dropped %q id=%d", n.name, n.id)
	return nil
}

// SetOptions changes mutable options of a column family: compression,
// compression_min_size and verify_checksums. The request is rejected as a
// whole with InvalidArgument if it is empty, names an unknown option,
// carries an invalid value or a NUL byte. The change applies to writes
// committed afterwards and is persisted.
func (db *DB) SetOptions(h *ColumnFamilyHandle, kv map[string]string) error {
	n, err := db.resolve(h)
	if err != nil {
		return err
	}
	m, err := options.ParseMutable(kv)
	if err != nil {
		return errors.Mark(err, ErrInvalidArgument)
	}

	db.meta.Lock()
	defer db.meta.Unlock()

	nb, err := n.bundle.Load().withMutable(m)
	if err != nil {
		return err
	}
	cat := db.cat.Clone()
	if !cat.Replace(nb.family(n.name)) {
		return errors.Wrapf(ErrInvalidHandle, "column family %q was dropped", n.name)
	}
	if err := catalog.Write(db.fs, db.path, cat); err != nil {
		return engineError(err, "set options on %q: write catalog", n.name)
	}
	db.cat = cat
	n.bundle.Store(nb)
	db.log.Infof(logging.NSCF+"%q options updated: %v", n.name, kv)
	return nil
}
