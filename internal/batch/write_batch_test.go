package batch

import (
	"bytes"
	"errors"
	"testing"
)

// op is one replayed record.
type op struct {
	kind  string
	cfID  uint32
	key   []byte
	value []byte
}

// recorded collects every record replayed through Iterate.
type recorded struct {
	ops []op
}

func (r *recorded) Put(cfID uint32, key, value []byte) error {
	r.ops = append(r.ops, op{"put", cfID, dup(key), dup(value)})
	return nil
}

func (r *recorded) Delete(cfID uint32, key []byte) error {
	r.ops = append(r.ops, op{"delete", cfID, dup(key), nil})
	return nil
}

func (r *recorded) Merge(cfID uint32, key, value []byte) error {
	r.ops = append(r.ops, op{"merge", cfID, dup(key), dup(value)})
	return nil
}

func (r *recorded) DeleteRange(cfID uint32, start, end []byte) error {
	r.ops = append(r.ops, op{"range", cfID, dup(start), dup(end)})
	return nil
}

func dup(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

func replay(t *testing.T, wb *WriteBatch) []op {
	t.Helper()
	var r recorded
	if err := wb.Iterate(&r); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	return r.ops
}

func TestWriteBatchEmpty(t *testing.T) {
	wb := New()

	if wb.Count() != 0 {
		t.Errorf("Count = %d, want 0", wb.Count())
	}
	if wb.Size() != HeaderSize {
		t.Errorf("Size = %d, want %d", wb.Size(), HeaderSize)
	}
	if ops := replay(t, wb); len(ops) != 0 {
		t.Errorf("replayed %d records from an empty batch", len(ops))
	}
}

func TestWriteBatchReplayOrder(t *testing.T) {
	wb := New()
	wb.Put([]byte("a"), []byte("1"))
	wb.PutCF(2, []byte("b"), []byte("2"))
	wb.DeleteCF(2, []byte("a"))
	wb.Delete([]byte("c"))
	wb.MergeCF(9, []byte("m"), []byte("+1"))
	wb.Merge([]byte("n"), []byte("+2"))
	wb.DeleteRangeCF(300, []byte("k1"), []byte("k9"))
	wb.DeleteRange([]byte("x"), []byte("y"))

	want := []op{
		{"put", 0, []byte("a"), []byte("1")},
		{"put", 2, []byte("b"), []byte("2")},
		{"delete", 2, []byte("a"), nil},
		{"delete", 0, []byte("c"), nil},
		{"merge", 9, []byte("m"), []byte("+1")},
		{"merge", 0, []byte("n"), []byte("+2")},
		{"range", 300, []byte("k1"), []byte("k9")},
		{"range", 0, []byte("x"), []byte("y")},
	}

	if wb.Count() != uint32(len(want)) {
		t.Fatalf("Count = %d, want %d", wb.Count(), len(want))
	}
	got := replay(t, wb)
	if len(got) != len(want) {
		t.Fatalf("replayed %d records, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.kind != w.kind || g.cfID != w.cfID || !bytes.Equal(g.key, w.key) || !bytes.Equal(g.value, w.value) {
			t.Errorf("record %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestWriteBatchDefaultFamilyUsesShortTags(t *testing.T) {
	wb := New()
	wb.PutCF(0, []byte("k"), []byte("v"))
	if tag := wb.data[HeaderSize]; tag != TypeValue {
		t.Errorf("tag = %#x, want %#x", tag, TypeValue)
	}

	wb.Clear()
	wb.PutCF(1, []byte("k"), []byte("v"))
	if tag := wb.data[HeaderSize]; tag != TypeColumnFamilyValue {
		t.Errorf("tag = %#x, want %#x", tag, TypeColumnFamilyValue)
	}
}

func TestWriteBatchEmptyKeyAndValue(t *testing.T) {
	wb := New()
	wb.Put(nil, nil)

	ops := replay(t, wb)
	if len(ops) != 1 || len(ops[0].key) != 0 || len(ops[0].value) != 0 {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestWriteBatchSequence(t *testing.T) {
	wb := New()
	wb.Put([]byte("k"), []byte("v"))
	wb.SetSequence(1 << 40)

	if wb.Sequence() != 1<<40 {
		t.Errorf("Sequence = %d", wb.Sequence())
	}
	if wb.Count() != 1 {
		t.Errorf("SetSequence changed count to %d", wb.Count())
	}
}

func TestWriteBatchClear(t *testing.T) {
	wb := New()
	wb.Put([]byte("k"), []byte("v"))
	wb.SetSavePoint()
	wb.Clear()

	if wb.Count() != 0 || wb.Size() != HeaderSize {
		t.Errorf("after Clear: count=%d size=%d", wb.Count(), wb.Size())
	}
	if err := wb.RollbackToSavePoint(); !errors.Is(err, ErrNoSavePoint) {
		t.Errorf("Clear should drop save points, got %v", err)
	}
}

func TestWriteBatchSavePoints(t *testing.T) {
	wb := New()
	wb.Put([]byte("a"), []byte("1"))
	wb.SetSavePoint()
	wb.Put([]byte("b"), []byte("2"))
	wb.SetSavePoint()
	wb.Delete([]byte("a"))

	if err := wb.RollbackToSavePoint(); err != nil {
		t.Fatalf("RollbackToSavePoint: %v", err)
	}
	if wb.Count() != 2 {
		t.Errorf("Count = %d, want 2", wb.Count())
	}

	if err := wb.RollbackToSavePoint(); err != nil {
		t.Fatalf("RollbackToSavePoint: %v", err)
	}
	ops := replay(t, wb)
	if len(ops) != 1 || string(ops[0].key) != "a" {
		t.Fatalf("ops = %+v, want only the first put", ops)
	}

	if err := wb.RollbackToSavePoint(); !errors.Is(err, ErrNoSavePoint) {
		t.Errorf("third rollback: got %v, want ErrNoSavePoint", err)
	}
}

func TestWriteBatchPopSavePoint(t *testing.T) {
	wb := New()
	wb.SetSavePoint()
	wb.Put([]byte("a"), []byte("1"))

	if err := wb.PopSavePoint(); err != nil {
		t.Fatalf("PopSavePoint: %v", err)
	}
	if err := wb.RollbackToSavePoint(); !errors.Is(err, ErrNoSavePoint) {
		t.Errorf("got %v, want ErrNoSavePoint", err)
	}
	if wb.Count() != 1 {
		t.Errorf("PopSavePoint dropped records: count=%d", wb.Count())
	}
	if err := wb.PopSavePoint(); !errors.Is(err, ErrNoSavePoint) {
		t.Errorf("got %v, want ErrNoSavePoint", err)
	}
}

func TestWriteBatchClone(t *testing.T) {
	wb := New()
	wb.PutCF(5, []byte("k"), []byte("v"))
	clone := wb.Clone()
	wb.Clear()

	ops := replay(t, clone)
	if len(ops) != 1 || ops[0].cfID != 5 {
		t.Fatalf("clone ops = %+v", ops)
	}
}

func TestWriteBatchTooSmall(t *testing.T) {
	wb := &WriteBatch{data: []byte{1, 2, 3}}
	if err := wb.Iterate(HandlerFuncs{}); !errors.Is(err, ErrTooSmall) {
		t.Errorf("got %v, want ErrTooSmall", err)
	}
}

func TestWriteBatchCorruption(t *testing.T) {
	valid := New()
	valid.PutCF(1, []byte("key"), []byte("value"))

	tests := []struct {
		name string
		data func() []byte
	}{
		{"truncated value", func() []byte { d := dup(valid.data); return d[:len(d)-2] }},
		{"unknown tag", func() []byte { d := dup(valid.data); d[HeaderSize] = 0x7F; return d }},
		{"bad varint", func() []byte {
			d := New().data
			return append(d, TypeColumnFamilyValue, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		}},
		{"count mismatch", func() []byte {
			d := dup(valid.data)
			d[8] = 2
			return d
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wb := &WriteBatch{data: tt.data()}
			if err := wb.Iterate(HandlerFuncs{}); !errors.Is(err, ErrCorrupted) {
				t.Errorf("got %v, want ErrCorrupted", err)
			}
		})
	}
}

func TestWriteBatchNoop(t *testing.T) {
	wb := &WriteBatch{data: append(New().data, TypeNoop)}
	if err := wb.Iterate(HandlerFuncs{}); err != nil {
		t.Errorf("Iterate with noop: %v", err)
	}
}

func TestWriteBatchIterateStopsOnHandlerError(t *testing.T) {
	wb := New()
	wb.Put([]byte("a"), []byte("1"))
	wb.Put([]byte("b"), []byte("2"))

	boom := errors.New("boom")
	calls := 0
	err := wb.Iterate(HandlerFuncs{
		PutFunc: func(uint32, []byte, []byte) error {
			calls++
			return boom
		},
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func BenchmarkWriteBatchPut(b *testing.B) {
	wb := New()
	key, value := []byte("key"), make([]byte, 100)
	for b.Loop() {
		wb.PutCF(1, key, value)
		if wb.Size() > 1<<20 {
			wb.Clear()
		}
	}
}
