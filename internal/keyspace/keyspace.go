// Package keyspace maps column-family keys onto the single engine keyspace.
//
// Stored key layout:
//
//	[BE32 column family id][tag][user key]
//
// User keys carry tag 0x01. Each family also owns two sentinels that are
// never written: prefix+0x00 sorts before every user key of the family and
// prefix+0x02 after, under any user comparator, because the tag byte is
// compared before the user key.
package keyspace

import (
	"errors"

	"github.com/aalhour/rockguard/internal/encoding"
)

const (
	// PrefixLen is the length of the column family id prefix.
	PrefixLen = 4

	// HeaderLen is the length of prefix plus tag.
	HeaderLen = PrefixLen + 1

	tagLower byte = 0x00
	tagUser  byte = 0x01
	tagUpper byte = 0x02
)

// ErrMalformed is returned when a stored key does not carry a user-key header.
var ErrMalformed = errors.New("keyspace: malformed stored key")

// Prefix returns the 4-byte prefix of a column family.
func Prefix(cfID uint32) []byte {
	return encoding.AppendBigEndian32(make([]byte, 0, PrefixLen), cfID)
}

// Encode appends the stored form of userKey in family cfID to dst.
func Encode(dst []byte, cfID uint32, userKey []byte) []byte {
	dst = encoding.AppendBigEndian32(dst, cfID)
	dst = append(dst, tagUser)
	return append(dst, userKey...)
}

// Key returns the stored form of userKey in a fresh slice.
func Key(cfID uint32, userKey []byte) []byte {
	return Encode(make([]byte, 0, HeaderLen+len(userKey)), cfID, userKey)
}

// Decode splits a stored user key into its family id and user key. The
// user key aliases stored.
func Decode(stored []byte) (cfID uint32, userKey []byte, err error) {
	if len(stored) < HeaderLen || stored[PrefixLen] != tagUser {
		return 0, nil, ErrMalformed
	}
	return encoding.DecodeBigEndian32(stored), stored[HeaderLen:], nil
}

// LowerSentinel returns the key sorting before every key of cfID.
func LowerSentinel(cfID uint32) []byte {
	return append(Prefix(cfID), tagLower)
}

// UpperSentinel returns the key sorting after every key of cfID.
func UpperSentinel(cfID uint32) []byte {
	return append(Prefix(cfID), tagUpper)
}

// IsUserKey reports whether stored carries a user key header.
func IsUserKey(stored []byte) bool {
	return len(stored) >= HeaderLen && stored[PrefixLen] == tagUser
}

// Bounds returns engine bounds for a scan of cfID restricted to the
// half-open user range [lower, upper). Nil bounds fall back to the
// family's sentinels.
func Bounds(cfID uint32, lower, upper []byte) (lo, hi []byte) {
	if lower != nil {
		lo = Key(cfID, lower)
	} else {
		lo = LowerSentinel(cfID)
	}
	if upper != nil {
		hi = Key(cfID, upper)
	} else {
		hi = UpperSentinel(cfID)
	}
	return lo, hi
}
