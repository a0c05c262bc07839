package rockguard

// merge_operator.go implements merge operators.
//
// A merge operator lets clients express read-modify-write updates such as
// counters and append-only lists as a single write. Only associative
// operators are supported: the engine may combine operands during
// compaction without the base value, so Merge(Merge(a, b), c) must equal
// Merge(a, Merge(b, c)) and a nil existing value must act as the identity.

import "encoding/binary"

// AssociativeMergeOperator is the interface for user-defined merge operations.
type AssociativeMergeOperator interface {
	// Name returns a unique identifier for this merge operator.
	// It is recorded in the catalog and must resolve when the column
	// family is opened again.
	Name() string

	// Merge merges a new value with an existing value.
	// If existingValue is nil, treat it as the identity element for the operation.
	// Returning ok=false fails the read or compaction that triggered it.
	Merge(key []byte, existingValue, value []byte) (result []byte, ok bool)
}

// Names of the built-in merge operators.
const (
	UInt64AddOperatorName    = "UInt64AddOperator"
	StringAppendOperatorName = "StringAppendOperator"
	MaxOperatorName          = "MaxOperator"
)

// UInt64AddOperator treats values as little-endian uint64 and adds them.
type UInt64AddOperator struct{}

// Name returns the name of this merge operator.
func (o *UInt64AddOperator) Name() string {
	return UInt64AddOperatorName
}

// Merge adds value to existingValue. value must be 8 bytes long; an empty
// existing value counts as zero.
func (o *UInt64AddOperator) Merge(key []byte, existingValue, value []byte) ([]byte, bool) {
	if len(value) != 8 {
		return nil, false
	}
	if len(existingValue) == 0 {
		return append([]byte(nil), value...), true
	}
	if len(existingValue) != 8 {
		return nil, false
	}
	return EncodeUint64(DecodeUint64(existingValue) + DecodeUint64(value)), true
}

// StringAppendOperator concatenates values with a delimiter.
type StringAppendOperator struct {
	Delimiter string
}

// Name returns the name of this merge operator.
func (o *StringAppendOperator) Name() string {
	return StringAppendOperatorName
}

// Merge appends value to existingValue, separated by the delimiter.
func (o *StringAppendOperator) Merge(key []byte, existingValue, value []byte) ([]byte, bool) {
	if existingValue == nil {
		return append([]byte{}, value...), true
	}
	result := make([]byte, 0, len(existingValue)+len(o.Delimiter)+len(value))
	result = append(result, existingValue...)
	result = append(result, o.Delimiter...)
	result = append(result, value...)
	return result, true
}

// MaxOperator keeps the bytewise maximum value.
type MaxOperator struct{}

// Name returns the name of this merge operator.
func (o *MaxOperator) Name() string {
	return MaxOperatorName
}

// Merge returns the larger of existingValue and value.
func (o *MaxOperator) Merge(key []byte, existingValue, value []byte) ([]byte, bool) {
	if existingValue != nil && compareBytes(existingValue, value) >= 0 {
		return append([]byte{}, existingValue...), true
	}
	return append([]byte{}, value...), true
}

// EncodeUint64 returns the 8-byte little-endian encoding used by
// UInt64AddOperator.
func EncodeUint64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), v)
}

// DecodeUint64 decodes an 8-byte little-endian value.
func DecodeUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func compareBytes(a, b []byte) int {
	minLen := min(len(b), len(a))
	for i := range minLen {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}
