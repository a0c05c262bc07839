package compression

// envelope.go implements the value envelope stored for every user value.
//
// Raw form:
//
//	[0x00][value]
//
// Compressed form:
//
//	[codec][uvarint raw length][payload][fixed64 xxh3(raw)]

import (
	"errors"
	"fmt"

	"github.com/aalhour/rockguard/internal/checksum"
	"github.com/aalhour/rockguard/internal/encoding"
)

// trailerSize is the size of the checksum trailer on compressed envelopes.
const trailerSize = 8

var (
	// ErrCorrupt indicates an envelope that fails length or checksum checks.
	ErrCorrupt = errors.New("compression: corrupt value envelope")

	// ErrUnsupported indicates an envelope written with a codec this build
	// cannot decode.
	ErrUnsupported = errors.New("compression: unsupported codec")
)

// Encode appends the envelope of value to dst. Values shorter than minSize,
// and values that do not shrink under t, are stored raw.
func Encode(dst []byte, t Type, value []byte, minSize int) ([]byte, error) {
	if t == NoCompression || len(value) < minSize || len(value) == 0 {
		return appendRaw(dst, value), nil
	}
	if !t.IsSupported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
	payload, err := Compress(t, value)
	if err != nil {
		return nil, err
	}
	size := 1 + encoding.VarintLength(uint64(len(value))) + len(payload) + trailerSize
	if size >= 1+len(value) {
		return appendRaw(dst, value), nil
	}
	dst = append(dst, byte(t))
	dst = encoding.AppendVarint64(dst, uint64(len(value)))
	dst = append(dst, payload...)
	return encoding.AppendFixed64(dst, checksum.XXH3(value)), nil
}

func appendRaw(dst, value []byte) []byte {
	dst = append(dst, byte(NoCompression))
	return append(dst, value...)
}

// Codec returns the codec tag of an envelope.
func Codec(envelope []byte) (Type, error) {
	if len(envelope) == 0 {
		return NoCompression, ErrCorrupt
	}
	return Type(envelope[0]), nil
}

// Decode returns the raw value held by an envelope. Raw envelopes return a
// slice aliasing envelope. When verify is set, the checksum of compressed
// envelopes is checked against the decompressed bytes.
func Decode(envelope []byte, verify bool) ([]byte, error) {
	t, err := Codec(envelope)
	if err != nil {
		return nil, err
	}
	if t == NoCompression {
		return envelope[1:], nil
	}
	if !t.IsKnown() {
		return nil, fmt.Errorf("%w: codec tag %d", ErrCorrupt, byte(t))
	}
	if !t.IsSupported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}

	s := encoding.NewSlice(envelope[1:])
	rawLen, ok := s.GetVarint64()
	if !ok || s.Remaining() < trailerSize {
		return nil, ErrCorrupt
	}
	payload, _ := s.GetBytes(s.Remaining() - trailerSize)
	sum, _ := s.GetFixed64()

	raw, err := Decompress(t, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(raw)) != rawLen {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrCorrupt, len(raw), rawLen)
	}
	if verify && !checksum.Verify(checksum.TypeXXH3, raw, sum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return raw, nil
}
