package rockguard

// comparator.go implements key comparison.
//
// Comparator defines the total ordering over the user keys of one column
// family. The default is bytewise comparison. A column family keeps the
// comparator it was created with for its whole life.

import "bytes"

// Comparator defines a total ordering over keys.
type Comparator interface {
	// Compare returns a value < 0 if a < b, 0 if a == b, > 0 if a > b.
	Compare(a, b []byte) int

	// Name returns the name of the comparator. It is recorded in the
	// catalog and checked every time the column family is opened.
	Name() string

	// FindShortestSeparator finds a key k such that a <= k < b.
	// This is used to shorten keys in index blocks.
	// If no such key exists, a should be returned unchanged.
	FindShortestSeparator(a, b []byte) []byte

	// FindShortSuccessor finds a short key that is >= a.
	// This is used to shorten keys at the end of an index block.
	FindShortSuccessor(a []byte) []byte
}

// Names of the built-in comparators.
const (
	BytewiseComparatorName        = "leveldb.BytewiseComparator"
	ReverseBytewiseComparatorName = "rocksdb.ReverseBytewiseComparator"
)

// BytewiseComparator is the default comparator that compares keys lexicographically.
type BytewiseComparator struct{}

// Compare compares two keys lexicographically.
func (c BytewiseComparator) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Name returns the comparator name.
func (c BytewiseComparator) Name() string {
	return BytewiseComparatorName
}

// FindShortestSeparator finds a key between a and b.
func (c BytewiseComparator) FindShortestSeparator(a, b []byte) []byte {
	minLen := min(len(b), len(a))

	diffIndex := 0
	for diffIndex < minLen && a[diffIndex] == b[diffIndex] {
		diffIndex++
	}

	if diffIndex >= minLen {
		// One is a prefix of another
		return a
	}

	diffByte := a[diffIndex]
	if diffByte < 0xFF && diffByte+1 < b[diffIndex] {
		result := make([]byte, diffIndex+1)
		copy(result, a[:diffIndex+1])
		result[diffIndex]++
		return result
	}

	return a
}

// FindShortSuccessor finds a short key >= a.
func (c BytewiseComparator) FindShortSuccessor(a []byte) []byte {
	for i := range a {
		if a[i] != 0xFF {
			result := make([]byte, i+1)
			copy(result, a[:i+1])
			result[i]++
			return result
		}
	}
	// All bytes are 0xFF
	return a
}

// ReverseBytewiseComparator orders keys in descending bytewise order.
type ReverseBytewiseComparator struct{}

// Compare compares two keys in reverse lexicographic order.
func (c ReverseBytewiseComparator) Compare(a, b []byte) int {
	return bytes.Compare(b, a)
}

// Name returns the comparator name.
func (c ReverseBytewiseComparator) Name() string {
	return ReverseBytewiseComparatorName
}

// FindShortestSeparator returns a unchanged; shortening under the reverse
// order is not worth the complexity.
func (c ReverseBytewiseComparator) FindShortestSeparator(a, b []byte) []byte {
	return a
}

// FindShortSuccessor returns a unchanged.
func (c ReverseBytewiseComparator) FindShortSuccessor(a []byte) []byte {
	return a
}

// DefaultComparator returns the default bytewise comparator.
func DefaultComparator() Comparator {
	return BytewiseComparator{}
}
