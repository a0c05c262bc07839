// types.go defines the checksum algorithms used by persisted layer state.
package checksum

// Type represents the type of checksum algorithm.
type Type uint8

const (
	// TypeNoChecksum means no checksum is used.
	TypeNoChecksum Type = 0
	// TypeCRC32C is the masked CRC32C (Castagnoli) checksum used by the
	// column-family catalog.
	TypeCRC32C Type = 1
	// TypeXXH3 is the 64-bit XXH3 hash used by compressed value envelopes.
	TypeXXH3 Type = 4
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNoChecksum:
		return "NoChecksum"
	case TypeCRC32C:
		return "CRC32C"
	case TypeXXH3:
		return "XXH3"
	default:
		return "Unknown"
	}
}
