package batch

import (
	"bytes"
	"sync"
	"testing"
)

func TestPoolReturnClears(t *testing.T) {
	wb := GetFromPool()
	wb.PutCF(3, []byte("key"), []byte("value"))
	wb.SetSavePoint()
	wb.SetSequence(42)
	ReturnToPool(wb)

	for range 5 {
		wb = GetFromPool()
		if wb.Count() != 0 || wb.Size() != HeaderSize || wb.Sequence() != 0 {
			t.Fatalf("got dirty batch: count=%d size=%d seq=%d", wb.Count(), wb.Size(), wb.Sequence())
		}
		if err := wb.RollbackToSavePoint(); err != ErrNoSavePoint {
			t.Fatalf("pooled batch kept a save point: %v", err)
		}
		ReturnToPool(wb)
	}
}

func TestPoolDropsOversizedLogs(t *testing.T) {
	wb := GetFromPool()
	wb.Put([]byte("big"), bytes.Repeat([]byte("x"), maxRetained+1))
	ReturnToPool(wb)
	ReturnToPool(nil)

	// A dropped log is never cleared.
	if wb.Count() != 1 {
		t.Fatalf("oversized log was recycled: count=%d", wb.Count())
	}
}

func TestPoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup

	const workers, iterations = 8, 200
	for w := range workers {
		wg.Add(1)
		go func(cfID uint32) {
			defer wg.Done()
			for range iterations {
				wb := GetFromPool()
				wb.PutCF(cfID, []byte("key"), []byte("value"))
				wb.DeleteCF(cfID, []byte("key2"))
				if wb.Count() != 2 {
					t.Errorf("count = %d, want 2", wb.Count())
				}
				ReturnToPool(wb)
			}
		}(uint32(w))
	}
	wg.Wait()
}

func BenchmarkPool(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			wb := GetFromPool()
			wb.PutCF(1, []byte("key"), []byte("value"))
			ReturnToPool(wb)
		}
	})
}
