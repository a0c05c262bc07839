// Package batch implements the staged record log behind a write batch.
//
// WriteBatch Format:
//
//	Header (12 bytes):
//	  - 8 bytes: commit sequence number (little-endian uint64)
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: tag (record type)
//	  - For ColumnFamily variants: varint32 column_family_id
//	  - length-prefixed key
//	  - (for Put/Merge/RangeDeletion): length-prefixed value
//
// Keys and values are stored as the caller staged them. Translation into
// engine keys and value envelopes happens when the batch is replayed
// through a Handler at commit time.
package batch

import (
	"encoding/binary"
	"errors"

	"github.com/aalhour/rockguard/internal/encoding"
)

// HeaderSize is the size in bytes of the WriteBatch header (8 bytes sequence + 4 bytes count).
const HeaderSize = 12

// Record types for WriteBatch entries. Column family 0 uses the short
// forms; every other family carries its id after the tag.
const (
	TypeDeletion                  byte = 0x00
	TypeValue                     byte = 0x01
	TypeMerge                     byte = 0x02
	TypeColumnFamilyDeletion      byte = 0x04
	TypeColumnFamilyValue         byte = 0x05
	TypeColumnFamilyMerge         byte = 0x06
	TypeNoop                      byte = 0x0D
	TypeColumnFamilyRangeDeletion byte = 0x0E
	TypeRangeDeletion             byte = 0x0F
)

var (
	// ErrCorrupted indicates a malformed WriteBatch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")

	// ErrNoSavePoint indicates a rollback with no save point set.
	ErrNoSavePoint = errors.New("batch: no save point")
)

// savePoint remembers the batch length and count at the time it was set.
type savePoint struct {
	size  int
	count uint32
}

// WriteBatch represents a collection of writes to be applied atomically.
type WriteBatch struct {
	data       []byte // The raw batch data including header
	savePoints []savePoint
}

// New creates a new empty WriteBatch.
func New() *WriteBatch {
	return &WriteBatch{
		data: make([]byte, HeaderSize),
	}
}

// Clear resets the batch to empty state and drops all save points.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	binary.LittleEndian.PutUint64(wb.data[0:8], 0)
	binary.LittleEndian.PutUint32(wb.data[8:12], 0)
	wb.savePoints = wb.savePoints[:0]
}

// Clone creates a deep copy of the WriteBatch. Save points are not copied.
func (wb *WriteBatch) Clone() *WriteBatch {
	clone := &WriteBatch{
		data: make([]byte, len(wb.data)),
	}
	copy(clone.data, wb.data)
	return clone
}

// Size returns the size of the batch data in bytes.
func (wb *WriteBatch) Size() int {
	return len(wb.data)
}

// Count returns the number of records in the batch.
func (wb *WriteBatch) Count() uint32 {
	return binary.LittleEndian.Uint32(wb.data[8:12])
}

// SetCount sets the count field.
func (wb *WriteBatch) SetCount(count uint32) {
	binary.LittleEndian.PutUint32(wb.data[8:12], count)
}

// Sequence returns the sequence number the batch was committed at.
func (wb *WriteBatch) Sequence() uint64 {
	return binary.LittleEndian.Uint64(wb.data[0:8])
}

// SetSequence sets the sequence number of the batch.
func (wb *WriteBatch) SetSequence(seq uint64) {
	binary.LittleEndian.PutUint64(wb.data[0:8], seq)
}

// Put adds a Put record to the batch.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.putRecord(TypeValue, 0, key, value)
}

// PutCF adds a Put record with column family to the batch.
func (wb *WriteBatch) PutCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.Put(key, value)
		return
	}
	wb.putRecord(TypeColumnFamilyValue, cfID, key, value)
}

// Delete adds a Delete record to the batch.
func (wb *WriteBatch) Delete(key []byte) {
	wb.deleteRecord(TypeDeletion, 0, key)
}

// DeleteCF adds a Delete record with column family to the batch.
func (wb *WriteBatch) DeleteCF(cfID uint32, key []byte) {
	if cfID == 0 {
		wb.Delete(key)
		return
	}
	wb.deleteRecord(TypeColumnFamilyDeletion, cfID, key)
}

// Merge adds a Merge record to the batch.
func (wb *WriteBatch) Merge(key, value []byte) {
	wb.putRecord(TypeMerge, 0, key, value)
}

// MergeCF adds a Merge record with column family to the batch.
func (wb *WriteBatch) MergeCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.Merge(key, value)
		return
	}
	wb.putRecord(TypeColumnFamilyMerge, cfID, key, value)
}

// DeleteRange adds a DeleteRange record to the batch.
func (wb *WriteBatch) DeleteRange(startKey, endKey []byte) {
	wb.putRecord(TypeRangeDeletion, 0, startKey, endKey)
}

// DeleteRangeCF adds a DeleteRange record with column family to the batch.
func (wb *WriteBatch) DeleteRangeCF(cfID uint32, startKey, endKey []byte) {
	if cfID == 0 {
		wb.DeleteRange(startKey, endKey)
		return
	}
	wb.putRecord(TypeColumnFamilyRangeDeletion, cfID, startKey, endKey)
}

// SetSavePoint records the current end of the batch.
func (wb *WriteBatch) SetSavePoint() {
	wb.savePoints = append(wb.savePoints, savePoint{size: len(wb.data), count: wb.Count()})
}

// RollbackToSavePoint drops every record staged since the most recent save
// point and pops that save point.
func (wb *WriteBatch) RollbackToSavePoint() error {
	n := len(wb.savePoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	sp := wb.savePoints[n-1]
	wb.savePoints = wb.savePoints[:n-1]
	wb.data = wb.data[:sp.size]
	wb.SetCount(sp.count)
	return nil
}

// PopSavePoint discards the most recent save point without rolling back.
func (wb *WriteBatch) PopSavePoint() error {
	n := len(wb.savePoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	wb.savePoints = wb.savePoints[:n-1]
	return nil
}

// putRecord adds a key-value record to the batch.
func (wb *WriteBatch) putRecord(tag byte, cfID uint32, key, value []byte) {
	wb.data = append(wb.data, tag)
	if tag == TypeColumnFamilyValue || tag == TypeColumnFamilyMerge || tag == TypeColumnFamilyRangeDeletion {
		wb.data = encoding.AppendVarint32(wb.data, cfID)
	}
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.SetCount(wb.Count() + 1)
}

// deleteRecord adds a delete record to the batch.
func (wb *WriteBatch) deleteRecord(tag byte, cfID uint32, key []byte) {
	wb.data = append(wb.data, tag)
	if tag == TypeColumnFamilyDeletion {
		wb.data = encoding.AppendVarint32(wb.data, cfID)
	}
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.SetCount(wb.Count() + 1)
}

// Handler is called for each record in the batch during iteration.
// Records staged without a column family report cfID 0.
type Handler interface {
	Put(cfID uint32, key, value []byte) error
	Delete(cfID uint32, key []byte) error
	Merge(cfID uint32, key, value []byte) error
	DeleteRange(cfID uint32, startKey, endKey []byte) error
}

// HandlerFuncs adapts optional functions to Handler. Nil entries ignore
// their records.
type HandlerFuncs struct {
	PutFunc         func(cfID uint32, key, value []byte) error
	DeleteFunc      func(cfID uint32, key []byte) error
	MergeFunc       func(cfID uint32, key, value []byte) error
	DeleteRangeFunc func(cfID uint32, startKey, endKey []byte) error
}

func (h HandlerFuncs) Put(cfID uint32, key, value []byte) error {
	if h.PutFunc == nil {
		return nil
	}
	return h.PutFunc(cfID, key, value)
}

func (h HandlerFuncs) Delete(cfID uint32, key []byte) error {
	if h.DeleteFunc == nil {
		return nil
	}
	return h.DeleteFunc(cfID, key)
}

func (h HandlerFuncs) Merge(cfID uint32, key, value []byte) error {
	if h.MergeFunc == nil {
		return nil
	}
	return h.MergeFunc(cfID, key, value)
}

func (h HandlerFuncs) DeleteRange(cfID uint32, startKey, endKey []byte) error {
	if h.DeleteRangeFunc == nil {
		return nil
	}
	return h.DeleteRangeFunc(cfID, startKey, endKey)
}

// Iterate calls the handler for each record in the batch, in staging order.
func (wb *WriteBatch) Iterate(handler Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}

	data := wb.data[HeaderSize:]
	var seen uint32

	for len(data) > 0 {
		tag := data[0]
		data = data[1:]

		var cfID uint32
		var key, value []byte
		var err error

		switch tag {
		case TypeColumnFamilyValue, TypeColumnFamilyDeletion, TypeColumnFamilyMerge, TypeColumnFamilyRangeDeletion:
			cfID, data, err = decodeVarint32(data)
			if err != nil {
				return err
			}
		}

		switch tag {
		case TypeValue, TypeColumnFamilyValue:
			if key, value, data, err = decodePair(data); err != nil {
				return err
			}
			err = handler.Put(cfID, key, value)

		case TypeDeletion, TypeColumnFamilyDeletion:
			if key, data, err = decodeLengthPrefixed(data); err != nil {
				return err
			}
			err = handler.Delete(cfID, key)

		case TypeMerge, TypeColumnFamilyMerge:
			if key, value, data, err = decodePair(data); err != nil {
				return err
			}
			err = handler.Merge(cfID, key, value)

		case TypeRangeDeletion, TypeColumnFamilyRangeDeletion:
			if key, value, data, err = decodePair(data); err != nil {
				return err
			}
			err = handler.DeleteRange(cfID, key, value)

		case TypeNoop:
			continue

		default:
			return ErrCorrupted
		}

		if err != nil {
			return err
		}
		seen++
	}

	if seen != wb.Count() {
		return ErrCorrupted
	}
	return nil
}

func decodeVarint32(data []byte) (uint32, []byte, error) {
	v, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return 0, nil, ErrCorrupted
	}
	return v, data[n:], nil
}

func decodeLengthPrefixed(data []byte) ([]byte, []byte, error) {
	v, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return nil, nil, ErrCorrupted
	}
	return v, data[n:], nil
}

func decodePair(data []byte) (key, value, rest []byte, err error) {
	if key, rest, err = decodeLengthPrefixed(data); err != nil {
		return nil, nil, nil, err
	}
	if value, rest, err = decodeLengthPrefixed(rest); err != nil {
		return nil, nil, nil, err
	}
	return key, value, rest, nil
}
