// Package encoding provides the binary primitives shared by the write-batch
// record log, the value envelope and the column-family key prefix.
//
// Fixed-width integers in record payloads are little-endian. Key prefixes are
// big-endian so that they sort numerically under a bytewise comparison.
// Variable-length integers use 7-bit groups with an MSB continuation flag.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint32Length is the maximum number of bytes a varint32 can occupy.
const MaxVarint32Length = 5

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the buffer doesn't have enough space.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds the maximum value.
	ErrVarintOverflow = errors.New("encoding: varint overflow")

	// ErrVarintTermination is returned when varint doesn't terminate properly.
	ErrVarintTermination = errors.New("encoding: varint not terminated")
)

// AppendFixed32 appends a little-endian uint32 to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// DecodeFixed32 decodes a little-endian uint32.
// REQUIRES: src has at least 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// DecodeFixed64 decodes a little-endian uint64.
// REQUIRES: src has at least 8 bytes.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendBigEndian32 appends a big-endian uint32 to dst.
func AppendBigEndian32(dst []byte, value uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, value)
}

// DecodeBigEndian32 decodes a big-endian uint32.
// REQUIRES: src has at least 4 bytes.
func DecodeBigEndian32(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// AppendVarint32 appends value as a varint to dst.
func AppendVarint32(dst []byte, value uint32) []byte {
	return AppendVarint64(dst, uint64(value))
}

// AppendVarint64 appends value as a varint to dst.
func AppendVarint64(dst []byte, value uint64) []byte {
	for value >= 0x80 {
		dst = append(dst, byte(value)|0x80)
		value >>= 7
	}
	return append(dst, byte(value))
}

// DecodeVarint32 decodes a varint32 from src and returns the value and the
// number of bytes consumed.
func DecodeVarint32(src []byte) (value uint32, bytesRead int, err error) {
	for shift := uint(0); shift < 32; shift += 7 {
		if bytesRead >= len(src) {
			return 0, 0, ErrVarintTermination
		}
		b := src[bytesRead]
		bytesRead++
		if b < 0x80 {
			if shift == 28 && b > 0x0f {
				return 0, 0, ErrVarintOverflow
			}
			return value | uint32(b)<<shift, bytesRead, nil
		}
		value |= uint32(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// DecodeVarint64 decodes a varint64 from src and returns the value and the
// number of bytes consumed.
func DecodeVarint64(src []byte) (value uint64, bytesRead int, err error) {
	for shift := uint(0); shift < 64; shift += 7 {
		if bytesRead >= len(src) {
			return 0, 0, ErrVarintTermination
		}
		b := src[bytesRead]
		bytesRead++
		if b < 0x80 {
			return value | uint64(b)<<shift, bytesRead, nil
		}
		value |= uint64(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// VarintLength returns the number of bytes needed to encode v as a varint.
func VarintLength(v uint64) int {
	length := 1
	for v >= 0x80 {
		v >>= 7
		length++
	}
	return length
}

// AppendLengthPrefixedSlice appends [varint32 len][bytes] to dst.
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice decodes a length-prefixed slice from src.
// The returned slice aliases src.
func DecodeLengthPrefixedSlice(src []byte) (value []byte, bytesRead int, err error) {
	length, n, err := DecodeVarint32(src)
	if err != nil {
		return nil, 0, err
	}
	if n+int(length) > len(src) {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n : n+int(length)], n + int(length), nil
}

// Slice reads sequentially from a byte slice.
type Slice struct {
	data []byte
	pos  int
}

// NewSlice creates a new Slice over data.
func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Remaining returns the number of unread bytes.
func (s *Slice) Remaining() int {
	return len(s.data) - s.pos
}

// GetFixed64 reads a little-endian uint64.
func (s *Slice) GetFixed64() (uint64, bool) {
	if s.Remaining() < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data[s.pos:])
	s.pos += 8
	return v, true
}

// GetVarint64 reads a varint64.
func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

// GetBytes reads exactly n bytes.
func (s *Slice) GetBytes(n int) ([]byte, bool) {
	if n < 0 || s.Remaining() < n {
		return nil, false
	}
	v := s.data[s.pos : s.pos+n]
	s.pos += n
	return v, true
}
