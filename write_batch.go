// write_batch.go implements the public WriteBatch API for atomic writes.
package rockguard

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockguard/internal/batch"
)

const (
	batchOpen int32 = iota
	batchCommitting
	batchSpent
)

// WriteBatch holds a collection of writes to be applied atomically.
// Keys and values are copied, so you can modify them after staging.
//
// A batch is spent once committed or discarded; staging into or committing
// a spent batch fails with BatchAlreadyCommitted. A batch that failed to
// commit stays unspent and may be committed again.
//
// Example:
//
//	wb := rockguard.NewWriteBatch()
//	_ = wb.Put([]byte("key1"), []byte("value1"))
//	_ = wb.PutCF(cf, []byte("key2"), []byte("value2"))
//	_ = wb.Delete([]byte("key3"))
//	seq, err := db.Write(nil, wb)
type WriteBatch struct {
	mu       sync.Mutex
	internal *batch.WriteBatch
	state    int32

	// db is the database of the first column family handle staged.
	db *DB
	// touched holds the nodes of the column families written through
	// handles. Records for the default family staged without a handle are
	// tracked by usesDefault.
	touched     map[uint32]*cfNode
	usesDefault bool
}

// NewWriteBatch creates a new empty WriteBatch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		internal: batch.New(),
		touched:  make(map[uint32]*cfNode),
	}
}

// stage runs fn on the internal batch unless the batch is spent.
func (wb *WriteBatch) stage(fn func(*batch.WriteBatch)) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.state != batchOpen {
		return ErrBatchAlreadyCommitted
	}
	fn(wb.internal)
	return nil
}

// stageCF validates cf and runs fn with its family id.
func (wb *WriteBatch) stageCF(cf *ColumnFamilyHandle, needMerge bool, fn func(*batch.WriteBatch, uint32)) error {
	if cf == nil {
		return wb.stage(func(b *batch.WriteBatch) {
			wb.usesDefault = true
			fn(b, DefaultColumnFamilyID)
		})
	}
	n, err := cf.db.resolve(cf)
	if err != nil {
		return err
	}
	if needMerge && n.bundle.Load().merger == nil {
		return errors.Wrapf(ErrInvalidArgument, "column family %q has no merge operator", n.name)
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.state != batchOpen {
		return ErrBatchAlreadyCommitted
	}
	if wb.db != nil && wb.db != cf.db {
		return errors.Wrap(ErrInvalidArgument, "write batch spans two databases")
	}
	wb.db = cf.db
	wb.touched[n.id] = n
	fn(wb.internal, n.id)
	return nil
}

// Put stages a key-value pair for the default column family.
func (wb *WriteBatch) Put(key, value []byte) error {
	return wb.PutCF(nil, key, value)
}

// PutCF stages a key-value pair for cf.
func (wb *WriteBatch) PutCF(cf *ColumnFamilyHandle, key, value []byte) error {
	return wb.stageCF(cf, false, func(b *batch.WriteBatch, id uint32) {
		b.PutCF(id, key, value)
	})
}

// Delete stages a deletion of key in the default column family.
func (wb *WriteBatch) Delete(key []byte) error {
	return wb.DeleteCF(nil, key)
}

// DeleteCF stages a deletion of key in cf.
func (wb *WriteBatch) DeleteCF(cf *ColumnFamilyHandle, key []byte) error {
	return wb.stageCF(cf, false, func(b *batch.WriteBatch, id uint32) {
		b.DeleteCF(id, key)
	})
}

// Merge stages a merge operand for key in the default column family. A
// default family without a merge operator fails the commit with
// InvalidArgument.
func (wb *WriteBatch) Merge(key, operand []byte) error {
	return wb.MergeCF(nil, key, operand)
}

// MergeCF stages a merge operand for key in cf. It fails with
// InvalidArgument when cf has no merge operator.
func (wb *WriteBatch) MergeCF(cf *ColumnFamilyHandle, key, operand []byte) error {
	return wb.stageCF(cf, true, func(b *batch.WriteBatch, id uint32) {
		b.MergeCF(id, key, operand)
	})
}

// DeleteRangeCF stages a deletion of the keys of cf in [begin, end). It
// fails with InvalidArgument when begin sorts after end; an empty range
// stages nothing.
func (wb *WriteBatch) DeleteRangeCF(cf *ColumnFamilyHandle, begin, end []byte) error {
	cmp := DefaultComparator()
	if cf != nil {
		cmp = cf.node.cmp
	}
	c := cmp.Compare(begin, end)
	if c > 0 {
		return errors.Wrap(ErrInvalidArgument, "delete range: begin sorts after end")
	}
	return wb.stageCF(cf, false, func(b *batch.WriteBatch, id uint32) {
		if c < 0 {
			b.DeleteRangeCF(id, begin, end)
		}
	})
}

// Count returns the number of staged records.
func (wb *WriteBatch) Count() uint32 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.internal.Count()
}

// Size returns the size of the staged records in bytes.
func (wb *WriteBatch) Size() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.internal.Size()
}

// IsEmpty reports whether nothing is staged.
func (wb *WriteBatch) IsEmpty() bool {
	return wb.Count() == 0
}

// SetSavePoint records the current state for RollbackToSavePoint.
func (wb *WriteBatch) SetSavePoint() error {
	return wb.stage(func(b *batch.WriteBatch) { b.SetSavePoint() })
}

// RollbackToSavePoint drops the records staged since the most recent save
// point. It fails with NotFound when no save point is set.
func (wb *WriteBatch) RollbackToSavePoint() error {
	var err error
	if serr := wb.stage(func(b *batch.WriteBatch) { err = b.RollbackToSavePoint() }); serr != nil {
		return serr
	}
	if errors.Is(err, batch.ErrNoSavePoint) {
		return errors.Wrap(ErrNotFound, "write batch has no save point")
	}
	return err
}

// PopSavePoint discards the most recent save point without rolling back.
// It fails with NotFound when no save point is set.
func (wb *WriteBatch) PopSavePoint() error {
	var err error
	if serr := wb.stage(func(b *batch.WriteBatch) { err = b.PopSavePoint() }); serr != nil {
		return serr
	}
	if errors.Is(err, batch.ErrNoSavePoint) {
		return errors.Wrap(ErrNotFound, "write batch has no save point")
	}
	return err
}

// Sequence returns the sequence number Write assigned to the batch's last
// record, or zero before a successful Write.
func (wb *WriteBatch) Sequence() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.internal.Sequence()
}

// Clear drops every staged record.
func (wb *WriteBatch) Clear() error {
	return wb.stage(func(b *batch.WriteBatch) {
		b.Clear()
		wb.db = nil
		wb.touched = make(map[uint32]*cfNode)
		wb.usesDefault = false
	})
}

// Discard drops the staged records and spends the batch.
func (wb *WriteBatch) Discard() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.state != batchOpen {
		return
	}
	wb.state = batchSpent
	wb.internal.Clear()
	wb.touched = nil
}

// Write commits wb atomically and returns the sequence number of its last
// record. It fails with BatchAlreadyCommitted for a spent batch, with
// InvalidArgument for a batch staged against another database, and with
// InvalidHandle when a staged column family was dropped; nothing is
// applied then. An engine failure leaves the batch unspent.
func (db *DB) Write(wo *WriteOptions, wb *WriteBatch) (uint64, error) {
	if wb == nil {
		return 0, errors.Wrap(ErrInvalidArgument, "write batch is nil")
	}
	wb.mu.Lock()
	if wb.state != batchOpen {
		wb.mu.Unlock()
		return 0, ErrBatchAlreadyCommitted
	}
	if wb.db != nil && wb.db != db {
		wb.mu.Unlock()
		return 0, errors.Wrap(ErrInvalidArgument, "write batch was staged against another database")
	}
	wb.state = batchCommitting
	nodes := make([]*cfNode, 0, len(wb.touched)+1)
	for _, n := range wb.touched {
		nodes = append(nodes, n)
	}
	wb.mu.Unlock()

	if wb.usesDefault {
		nodes = append(nodes, db.defaultCF.node)
	}
	seq, err := db.commit(wo, wb.internal, nodes)

	wb.mu.Lock()
	defer wb.mu.Unlock()
	if err != nil {
		wb.state = batchOpen
		return 0, err
	}
	wb.state = batchSpent
	wb.internal.SetSequence(seq)
	return seq, nil
}
