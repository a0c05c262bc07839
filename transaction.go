package rockguard

// transaction.go implements optimistic transactions.
//
// A Transaction stages its writes in a private batch and takes no locks.
// Every key it writes or reads with GetForUpdate is tracked together with
// the value the transaction observed for it: the value at the transaction
// snapshot when one is set, or the current value when the key was first
// tracked. Commit re-reads every tracked key while other writes are held
// off and fails with Busy when any of them changed; otherwise the batch is
// applied atomically.

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockguard/internal/batch"
	"github.com/aalhour/rockguard/internal/keyspace"
	"github.com/aalhour/rockguard/internal/logging"
)

// TransactionOptions configures a transaction.
type TransactionOptions struct {
	// SetSnapshot takes a snapshot when the transaction begins and again
	// after every Commit or Rollback. Conflicts are then detected against
	// writes made after the snapshot instead of after the first access.
	SetSnapshot bool
}

// DefaultTransactionOptions returns default options.
func DefaultTransactionOptions() *TransactionOptions {
	return &TransactionOptions{}
}

// trackedKey is a key whose value must not change before commit.
type trackedKey struct {
	node   *cfNode
	key    []byte
	exists bool
	value  []byte
}

type txnSavePoint struct {
	tracked int
}

// Transaction groups reads and writes that commit atomically, or not at
// all when another writer changed a key the transaction depends on.
//
// A transaction is reusable: after Commit or Rollback it starts over empty.
// It is safe for concurrent use. Close releases its snapshot.
//
// Example:
//
//	txn, _ := db.BeginTransaction(nil, nil)
//	defer txn.Close()
//	v, _ := txn.GetForUpdate(nil, []byte("balance"))
//	_ = txn.Put([]byte("balance"), debit(v))
//	if err := txn.Commit(); rockguard.CodeOf(err) == rockguard.CodeBusy {
//		// retry
//	}
type Transaction struct {
	mu sync.Mutex

	db   *DB
	wo   *WriteOptions
	opts TransactionOptions

	writes     *batch.WriteBatch
	snapshot   *Snapshot
	touched    map[uint32]*cfNode
	tracked    map[string]*trackedKey
	order      []string
	savepoints []txnSavePoint

	closed bool
}

// BeginTransaction starts an optimistic transaction. Nil options select
// the defaults.
func (db *DB) BeginTransaction(wo *WriteOptions, opts *TransactionOptions) (*Transaction, error) {
	if err := db.checkLive(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = DefaultTransactionOptions()
	}
	txn := &Transaction{
		db:      db,
		wo:      writeOptionsOrDefault(wo),
		opts:    *opts,
		writes:  batch.New(),
		touched: make(map[uint32]*cfNode),
		tracked: make(map[string]*trackedKey),
	}
	if opts.SetSnapshot {
		s, err := db.GetSnapshot()
		if err != nil {
			return nil, err
		}
		txn.snapshot = s
	}
	return txn, nil
}

func (txn *Transaction) checkOpen() error {
	if txn.closed {
		return errors.Wrap(ErrInvalidHandle, "transaction is closed")
	}
	return nil
}

// track records the value key has for the transaction unless it is
// already tracked. It requires txn.mu.
func (txn *Transaction) track(cf *ColumnFamilyHandle, n *cfNode, key []byte) error {
	k := string(keyspace.Key(n.id, key))
	if _, ok := txn.tracked[k]; ok {
		return nil
	}
	ro := DefaultReadOptions()
	ro.Snapshot = txn.snapshot
	v, err := txn.db.GetCF(ro, cf, key)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	txn.tracked[k] = &trackedKey{
		node:   n,
		key:    append([]byte(nil), key...),
		exists: exists,
		value:  v,
	}
	txn.order = append(txn.order, k)
	return nil
}

// stage tracks key and runs fn with the family id.
func (txn *Transaction) stage(cf *ColumnFamilyHandle, key []byte, needMerge bool, fn func(uint32)) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}
	n, err := txn.db.resolve(cf)
	if err != nil {
		return err
	}
	if needMerge && n.bundle.Load().merger == nil {
		return errors.Wrapf(ErrInvalidArgument, "column family %q has no merge operator", n.name)
	}
	if err := txn.track(cf, n, key); err != nil {
		return err
	}
	txn.touched[n.id] = n
	fn(n.id)
	return nil
}

// Put stages a key-value pair for the default column family.
func (txn *Transaction) Put(key, value []byte) error {
	return txn.PutCF(nil, key, value)
}

// PutCF stages a key-value pair for cf.
func (txn *Transaction) PutCF(cf *ColumnFamilyHandle, key, value []byte) error {
	return txn.stage(cf, key, false, func(id uint32) { txn.writes.PutCF(id, key, value) })
}

// Delete stages a deletion in the default column family.
func (txn *Transaction) Delete(key []byte) error {
	return txn.DeleteCF(nil, key)
}

// DeleteCF stages a deletion in cf.
func (txn *Transaction) DeleteCF(cf *ColumnFamilyHandle, key []byte) error {
	return txn.stage(cf, key, false, func(id uint32) { txn.writes.DeleteCF(id, key) })
}

// Merge stages a merge operand for the default column family.
func (txn *Transaction) Merge(key, operand []byte) error {
	return txn.MergeCF(nil, key, operand)
}

// MergeCF stages a merge operand for cf. It fails with InvalidArgument
// when cf has no merge operator.
func (txn *Transaction) MergeCF(cf *ColumnFamilyHandle, key, operand []byte) error {
	return txn.stage(cf, key, true, func(id uint32) { txn.writes.MergeCF(id, key, operand) })
}

// Get returns the value of key in the default column family as the
// transaction sees it.
func (txn *Transaction) Get(ro *ReadOptions, key []byte) ([]byte, error) {
	return txn.GetCF(ro, nil, key)
}

// GetCF returns the value of key in cf: the transaction's own staged
// writes applied over the database, read at ro.Snapshot or at the latest
// state. The transaction snapshot is only used when passed in ro.
func (txn *Transaction) GetCF(ro *ReadOptions, cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return nil, err
	}
	n, err := txn.db.resolve(cf)
	if err != nil {
		return nil, err
	}
	return txn.get(ro, cf, n, key)
}

// GetForUpdate reads key in the default column family and tracks it, so
// Commit fails if another writer changes it first.
func (txn *Transaction) GetForUpdate(ro *ReadOptions, key []byte) ([]byte, error) {
	return txn.GetForUpdateCF(ro, nil, key)
}

// GetForUpdateCF reads key in cf and tracks it.
func (txn *Transaction) GetForUpdateCF(ro *ReadOptions, cf *ColumnFamilyHandle, key []byte) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return nil, err
	}
	n, err := txn.db.resolve(cf)
	if err != nil {
		return nil, err
	}
	if err := txn.track(cf, n, key); err != nil {
		return nil, err
	}
	return txn.get(ro, cf, n, key)
}

// MultiGet returns the values of keys in the default column family.
func (txn *Transaction) MultiGet(ro *ReadOptions, keys [][]byte) ([][]byte, []error) {
	return txn.MultiGetCF(ro, make([]*ColumnFamilyHandle, len(keys)), keys)
}

// MultiGetCF returns the value of keys[i] in cfs[i] for every i.
func (txn *Transaction) MultiGetCF(ro *ReadOptions, cfs []*ColumnFamilyHandle, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	if len(cfs) != len(keys) {
		err := errors.Wrapf(ErrInvalidArgument, "%d column families for %d keys", len(cfs), len(keys))
		for i := range errs {
			errs[i] = err
		}
		return values, errs
	}
	for i, key := range keys {
		values[i], errs[i] = txn.GetCF(ro, cfs[i], key)
	}
	return values, errs
}

// pendingValue is the effect of the staged records on one key.
type pendingValue struct {
	// written is set by a Put or Delete; value is nil after a Delete.
	written  bool
	value    []byte
	operands [][]byte
}

// get requires txn.mu.
func (txn *Transaction) get(ro *ReadOptions, cf *ColumnFamilyHandle, n *cfNode, key []byte) ([]byte, error) {
	var p pendingValue
	match := func(cfID uint32, k []byte) bool {
		return cfID == n.id && n.cmp.Compare(k, key) == 0
	}
	err := txn.writes.Iterate(batch.HandlerFuncs{
		PutFunc: func(cfID uint32, k, v []byte) error {
			if match(cfID, k) {
				p = pendingValue{written: true, value: v}
			}
			return nil
		},
		DeleteFunc: func(cfID uint32, k []byte) error {
			if match(cfID, k) {
				p = pendingValue{written: true}
			}
			return nil
		},
		MergeFunc: func(cfID uint32, k, v []byte) error {
			if match(cfID, k) {
				p.operands = append(p.operands, v)
			}
			return nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.Mark(err, ErrCorruption), "transaction batch")
	}

	if len(p.operands) == 0 {
		switch {
		case !p.written:
			return txn.db.GetCF(ro, cf, key)
		case p.value == nil:
			return nil, errors.Wrapf(ErrNotFound, "column family %q", n.name)
		default:
			return append([]byte{}, p.value...), nil
		}
	}

	base := p.value
	if !p.written {
		v, err := txn.db.GetCF(ro, cf, key)
		switch {
		case err == nil:
			base = append([]byte{}, v...)
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	merger := n.bundle.Load().merger
	acc := base
	for _, op := range p.operands {
		var ok bool
		if acc, ok = merger.Merge(key, acc, op); !ok {
			txn.db.stats.RecordTick(TickerNumberMergeFailures, 1)
			return nil, engineError(errors.Wrapf(errMergeFailed, "merge operator %q", merger.Name()), "get from %q", n.name)
		}
	}
	return append([]byte{}, acc...), nil
}

// SetSavePoint records the staged writes and tracked keys so
// RollbackToSavePoint can return to them.
func (txn *Transaction) SetSavePoint() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}
	txn.writes.SetSavePoint()
	txn.savepoints = append(txn.savepoints, txnSavePoint{tracked: len(txn.order)})
	return nil
}

// RollbackToSavePoint drops the writes staged and the keys tracked since
// the most recent save point. It fails with NotFound when none is set.
func (txn *Transaction) RollbackToSavePoint() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}
	if err := txn.writes.RollbackToSavePoint(); err != nil {
		return errors.Wrap(ErrNotFound, "transaction has no save point")
	}
	last := len(txn.savepoints) - 1
	sp := txn.savepoints[last]
	txn.savepoints = txn.savepoints[:last]
	for _, k := range txn.order[sp.tracked:] {
		delete(txn.tracked, k)
	}
	txn.order = txn.order[:sp.tracked]
	return nil
}

// PopSavePoint discards the most recent save point without rolling back.
func (txn *Transaction) PopSavePoint() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}
	if err := txn.writes.PopSavePoint(); err != nil {
		return errors.Wrap(ErrNotFound, "transaction has no save point")
	}
	txn.savepoints = txn.savepoints[:len(txn.savepoints)-1]
	return nil
}

// SetSnapshot replaces the transaction snapshot with one taken now. Keys
// tracked afterwards are checked for writes made after this point.
func (txn *Transaction) SetSnapshot() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}
	s, err := txn.db.GetSnapshot()
	if err != nil {
		return err
	}
	if txn.snapshot != nil {
		txn.snapshot.Release()
	}
	txn.snapshot = s
	return nil
}

// Snapshot returns the transaction snapshot, or nil when none is set. It
// is owned by the transaction and must not be released.
func (txn *Transaction) Snapshot() *Snapshot {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.snapshot
}

// Count returns the number of staged records.
func (txn *Transaction) Count() uint32 {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.writes.Count()
}

// Commit applies the staged writes atomically. It fails with Busy when a
// tracked key was changed by another writer; the transaction keeps its
// state and may be rolled back.
func (txn *Transaction) Commit() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}

	db := txn.db
	nodes := make([]*cfNode, 0, len(txn.touched))
	for _, n := range txn.touched {
		nodes = append(nodes, n)
	}

	db.txnGate.Lock()
	err := txn.validate()
	var seq uint64
	if err == nil {
		seq, err = db.apply(txn.wo, txn.writes, nodes)
	}
	db.txnGate.Unlock()
	if err != nil {
		if errors.Is(err, ErrBusy) {
			db.log.Debugf(logging.NSTxn+"commit refused: %v", err)
		}
		return err
	}

	db.log.Debugf(logging.NSTxn+"committed %d records, %d tracked keys, seq=%d", txn.writes.Count(), len(txn.order), seq)
	txn.reset()
	return nil
}

// validate reports Busy when a tracked key no longer has the value the
// transaction observed. It requires db.txnGate.
func (txn *Transaction) validate() error {
	db := txn.db
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()
	if err := db.checkLive(); err != nil {
		return err
	}
	ro := DefaultReadOptions()
	for _, k := range txn.order {
		t := txn.tracked[k]
		if !db.reg.Live(t.node.regID) {
			return errors.Wrapf(ErrInvalidHandle, "column family %q was dropped", t.node.name)
		}
		cur, err := db.read(db.engine, ro, t.node, t.key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if exists != t.exists || !bytes.Equal(cur, t.value) {
			return errors.Wrapf(ErrBusy, "key %q in column family %q changed", t.key, t.node.name)
		}
	}
	return nil
}

// Rollback drops every staged write and tracked key.
func (txn *Transaction) Rollback() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkOpen(); err != nil {
		return err
	}
	txn.reset()
	return nil
}

// reset empties the transaction and renews its snapshot. It requires
// txn.mu.
func (txn *Transaction) reset() {
	txn.writes.Clear()
	clear(txn.touched)
	clear(txn.tracked)
	txn.order = txn.order[:0]
	txn.savepoints = txn.savepoints[:0]

	if txn.snapshot != nil {
		txn.snapshot.Release()
		txn.snapshot = nil
	}
	if txn.opts.SetSnapshot {
		s, err := txn.db.GetSnapshot()
		if err != nil {
			txn.db.log.Warnf(logging.NSTxn+"renew snapshot: %v", err)
			return
		}
		txn.snapshot = s
	}
}

// Close releases the transaction snapshot and drops staged writes. Using a
// closed transaction fails with InvalidHandle. Closing twice is a no-op.
func (txn *Transaction) Close() {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.closed {
		return
	}
	txn.closed = true
	if txn.snapshot != nil {
		txn.snapshot.Release()
		txn.snapshot = nil
	}
	txn.writes.Clear()
	clear(txn.tracked)
	txn.order = nil
}
