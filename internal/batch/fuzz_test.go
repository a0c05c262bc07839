// Fuzz tests for the batch package.
//
// Run with: go test -fuzz=Fuzz -fuzztime=30s ./internal/batch/...
package batch

import (
	"bytes"
	"testing"
)

// FuzzBatchParse verifies that malformed record logs never panic.
func FuzzBatchParse(f *testing.F) {
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{0xFF}, 100))
	f.Add(bytes.Repeat([]byte{0x00}, 100))
	f.Add(make([]byte, HeaderSize))
	f.Add(append(make([]byte, HeaderSize), 0xFF))

	wb := New()
	wb.PutCF(7, []byte("key"), []byte("value"))
	wb.DeleteRange([]byte("a"), []byte("z"))
	f.Add(wb.data)

	f.Fuzz(func(t *testing.T, data []byte) {
		wb := &WriteBatch{data: data}
		_ = wb.Iterate(HandlerFuncs{})
	})
}

// FuzzBatchRoundTrip verifies that staged records replay unchanged.
func FuzzBatchRoundTrip(f *testing.F) {
	f.Add(uint32(0), []byte("k"), []byte("v"))
	f.Add(uint32(300), []byte{}, []byte{0x00})

	f.Fuzz(func(t *testing.T, cfID uint32, key, value []byte) {
		wb := New()
		wb.MergeCF(cfID, key, value)

		var got recorded
		if err := wb.Iterate(&got); err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		if len(got.ops) != 1 {
			t.Fatalf("got %d records", len(got.ops))
		}
		op := got.ops[0]
		if op.kind != "merge" || op.cfID != cfID || !bytes.Equal(op.key, key) || !bytes.Equal(op.value, value) {
			t.Fatalf("round trip mismatch: %+v", op)
		}
	})
}
