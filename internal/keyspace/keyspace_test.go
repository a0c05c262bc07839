package keyspace

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		cfID uint32
		key  []byte
	}{
		{0, []byte("a")},
		{1, nil},
		{0xFFFFFFFF, []byte{0x00, 0xFF}},
	}
	for _, tt := range tests {
		stored := Key(tt.cfID, tt.key)
		if len(stored) != HeaderLen+len(tt.key) {
			t.Errorf("len = %d, want %d", len(stored), HeaderLen+len(tt.key))
		}
		cfID, key, err := Decode(stored)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if cfID != tt.cfID || !bytes.Equal(key, tt.key) {
			t.Errorf("Decode = (%d, %q), want (%d, %q)", cfID, key, tt.cfID, tt.key)
		}
	}
}

func TestDecodeRejectsSentinels(t *testing.T) {
	for _, k := range [][]byte{LowerSentinel(3), UpperSentinel(3), {0, 0, 0}, nil} {
		if _, _, err := Decode(k); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%x): got %v, want ErrMalformed", k, err)
		}
		if IsUserKey(k) {
			t.Errorf("IsUserKey(%x) = true", k)
		}
	}
}

func TestSentinelsBracketFamily(t *testing.T) {
	lo, hi := LowerSentinel(7), UpperSentinel(7)
	for _, k := range [][]byte{nil, {0x00}, {0xFF, 0xFF, 0xFF}, []byte("middle")} {
		stored := Key(7, k)
		if bytes.Compare(lo, stored) >= 0 || bytes.Compare(stored, hi) >= 0 {
			t.Errorf("key %q escapes [%x, %x)", k, lo, hi)
		}
	}
	if bytes.Compare(UpperSentinel(6), LowerSentinel(7)) >= 0 {
		t.Error("families overlap")
	}
}

func TestBounds(t *testing.T) {
	lo, hi := Bounds(2, nil, nil)
	if !bytes.Equal(lo, LowerSentinel(2)) || !bytes.Equal(hi, UpperSentinel(2)) {
		t.Errorf("nil bounds = %x, %x", lo, hi)
	}
	lo, hi = Bounds(2, []byte("b"), []byte("d"))
	if !bytes.Equal(lo, Key(2, []byte("b"))) || !bytes.Equal(hi, Key(2, []byte("d"))) {
		t.Errorf("bounds = %x, %x", lo, hi)
	}
}
