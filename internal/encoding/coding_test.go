package encoding

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestVarint32RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		size  int
	}{
		{"zero", 0, 1},
		{"one-byte max", 127, 1},
		{"two-byte min", 128, 2},
		{"two-byte max", 16383, 2},
		{"three-byte", 16384, 3},
		{"max", math.MaxUint32, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := AppendVarint32(nil, tt.value)
			if len(buf) != tt.size {
				t.Fatalf("AppendVarint32(%d) used %d bytes, want %d", tt.value, len(buf), tt.size)
			}
			if VarintLength(uint64(tt.value)) != tt.size {
				t.Errorf("VarintLength(%d) = %d, want %d", tt.value, VarintLength(uint64(tt.value)), tt.size)
			}
			got, n, err := DecodeVarint32(buf)
			if err != nil {
				t.Fatalf("DecodeVarint32: %v", err)
			}
			if got != tt.value || n != tt.size {
				t.Errorf("DecodeVarint32 = (%d, %d), want (%d, %d)", got, n, tt.value, tt.size)
			}
		})
	}
}

func TestVarint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 300, 1 << 35, math.MaxUint64} {
		buf := AppendVarint64(nil, v)
		got, n, err := DecodeVarint64(buf)
		if err != nil {
			t.Fatalf("DecodeVarint64(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("DecodeVarint64 = (%d, %d), want (%d, %d)", got, n, v, len(buf))
		}
	}
}

func TestDecodeVarintErrors(t *testing.T) {
	if _, _, err := DecodeVarint32([]byte{0x80, 0x80}); !errors.Is(err, ErrVarintTermination) {
		t.Errorf("truncated varint32: got %v, want ErrVarintTermination", err)
	}
	if _, _, err := DecodeVarint32([]byte{0xff, 0xff, 0xff, 0xff, 0x7f}); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("oversized varint32: got %v, want ErrVarintOverflow", err)
	}
	if _, _, err := DecodeVarint64(nil); !errors.Is(err, ErrVarintTermination) {
		t.Errorf("empty varint64: got %v, want ErrVarintTermination", err)
	}
}

func TestLengthPrefixedSlice(t *testing.T) {
	buf := AppendLengthPrefixedSlice(nil, []byte("hello"))
	buf = AppendLengthPrefixedSlice(buf, nil)

	v, n, err := DecodeLengthPrefixedSlice(buf)
	if err != nil || !bytes.Equal(v, []byte("hello")) {
		t.Fatalf("first slice = %q, %v", v, err)
	}
	v, m, err := DecodeLengthPrefixedSlice(buf[n:])
	if err != nil || len(v) != 0 {
		t.Fatalf("second slice = %q, %v", v, err)
	}
	if n+m != len(buf) {
		t.Errorf("consumed %d of %d bytes", n+m, len(buf))
	}

	if _, _, err := DecodeLengthPrefixedSlice([]byte{5, 'a'}); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("short slice: got %v, want ErrBufferTooSmall", err)
	}
}

func TestFixedAndBigEndian(t *testing.T) {
	buf := AppendFixed64(nil, 0x0102030405060708)
	if !bytes.Equal(buf, []byte{8, 7, 6, 5, 4, 3, 2, 1}) {
		t.Errorf("AppendFixed64 = %v", buf)
	}
	if DecodeFixed64(buf) != 0x0102030405060708 {
		t.Errorf("DecodeFixed64 mismatch")
	}
	if DecodeFixed32(AppendFixed32(nil, 77)) != 77 {
		t.Errorf("Fixed32 round trip failed")
	}

	be := AppendBigEndian32(nil, 0x01020304)
	if !bytes.Equal(be, []byte{1, 2, 3, 4}) {
		t.Errorf("AppendBigEndian32 = %v", be)
	}
	if DecodeBigEndian32(be) != 0x01020304 {
		t.Errorf("DecodeBigEndian32 mismatch")
	}
}

func TestSliceReader(t *testing.T) {
	buf := AppendVarint64(nil, 1000)
	buf = AppendFixed64(buf, 42)
	buf = append(buf, "xyz"...)

	s := NewSlice(buf)
	if v, ok := s.GetVarint64(); !ok || v != 1000 {
		t.Fatalf("GetVarint64 = %d, %v", v, ok)
	}
	if v, ok := s.GetFixed64(); !ok || v != 42 {
		t.Fatalf("GetFixed64 = %d, %v", v, ok)
	}
	if v, ok := s.GetBytes(3); !ok || string(v) != "xyz" {
		t.Fatalf("GetBytes = %q, %v", v, ok)
	}
	if _, ok := s.GetBytes(1); ok {
		t.Errorf("GetBytes past end should fail")
	}
	if s.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", s.Remaining())
	}
}
