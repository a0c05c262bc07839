package checksum

import (
	"github.com/zeebo/xxh3"
)

// XXH3 returns the 64-bit XXH3 hash of data.
func XXH3(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Verify reports whether sum matches the checksum of the given type over data.
// TypeNoChecksum always verifies.
func Verify(t Type, data []byte, sum uint64) bool {
	switch t {
	case TypeNoChecksum:
		return true
	case TypeCRC32C:
		return uint64(MaskedValue(data)) == sum
	case TypeXXH3:
		return XXH3(data) == sum
	default:
		return false
	}
}
