package registry

import (
	"errors"
	"sync"
	"testing"
)

func TestRegisterAndRetire(t *testing.T) {
	r := New()
	db, err := r.Register(KindDB, "/tmp/db")
	if err != nil {
		t.Fatalf("Register db: %v", err)
	}
	snap, err := r.Register(KindSnapshot, "snap", db)
	if err != nil {
		t.Fatalf("Register snapshot: %v", err)
	}

	err = r.Retire(db, KindHandle, KindSnapshot, KindIterator, KindWriter)
	var inUse *InUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("Retire with live snapshot: got %v, want *InUseError", err)
	}
	if inUse.Counts[KindSnapshot] != 1 || len(inUse.Counts) != 1 {
		t.Errorf("counts = %v, want 1 snapshot", inUse.Counts)
	}
	if !r.Live(db) {
		t.Fatal("refused retire must leave the entry live")
	}

	if !r.Release(snap) {
		t.Fatal("Release(snap) = false")
	}
	if r.Release(snap) {
		t.Error("second Release should report false")
	}

	if err := r.Retire(db, KindHandle, KindSnapshot, KindIterator, KindWriter); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if r.Live(db) {
		t.Error("retired entry still live")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegisterAgainstDeadParent(t *testing.T) {
	r := New()
	db, _ := r.Register(KindDB, "db")
	if err := r.Retire(db); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(KindIterator, "it", db); !errors.Is(err, ErrNotLive) {
		t.Errorf("got %v, want ErrNotLive", err)
	}
}

func TestRegisterBacksOutOnClosingParent(t *testing.T) {
	r := New()
	db, _ := r.Register(KindDB, "db")
	node, _ := r.Register(KindColumnFamily, "cf", db)

	if err := r.BeginRetire(node, KindIterator); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(KindIterator, "it", db, node); !errors.Is(err, ErrNotLive) {
		t.Fatalf("got %v, want ErrNotLive", err)
	}

	e, _ := r.Lookup(db)
	if n := e.Refs(KindIterator); n != 0 {
		t.Errorf("db iterator refs = %d after back-out, want 0", n)
	}
	r.AbortRetire(node)
	if !r.Live(node) {
		t.Error("AbortRetire did not restore live state")
	}
}

func TestConcurrentRetireRefused(t *testing.T) {
	r := New()
	db, _ := r.Register(KindDB, "db")
	if err := r.BeginRetire(db); err != nil {
		t.Fatal(err)
	}
	if err := r.BeginRetire(db); !errors.Is(err, ErrRetiring) {
		t.Errorf("got %v, want ErrRetiring", err)
	}
	r.FinishRetire(db)
	if err := r.BeginRetire(db); !errors.Is(err, ErrNotLive) {
		t.Errorf("got %v, want ErrNotLive", err)
	}
}

func TestInvalidateKeepsChildrenAccounted(t *testing.T) {
	r := New()
	db, _ := r.Register(KindDB, "db")
	node, _ := r.Register(KindColumnFamily, "cf", db)
	h, _ := r.Register(KindHandle, "cf", db, node)

	r.Invalidate(node)
	if r.Live(h, node) {
		t.Error("handle on an invalidated node reports live")
	}
	if err := r.Check(node); !errors.Is(err, ErrNotLive) {
		t.Errorf("Check = %v", err)
	}

	if err := r.BeginRetire(db, KindHandle); err == nil {
		t.Fatal("db retire should see the live handle")
	}
	r.Release(h)
	r.Release(node)
	if err := r.Retire(db, KindHandle); err != nil {
		t.Fatalf("Retire: %v", err)
	}
}

func TestLiveCount(t *testing.T) {
	r := New()
	db, _ := r.Register(KindDB, "db")
	ids := make([]ID, 3)
	for i := range ids {
		ids[i], _ = r.Register(KindIterator, "it", db)
	}
	if n := r.LiveCount(KindIterator); n != 3 {
		t.Errorf("LiveCount = %d, want 3", n)
	}
	r.Release(ids[0])
	if n := r.LiveCount(KindIterator); n != 2 {
		t.Errorf("LiveCount = %d, want 2", n)
	}
}

func TestRegisterRetireRace(t *testing.T) {
	for range 50 {
		r := New()
		db, _ := r.Register(KindDB, "db")

		var wg sync.WaitGroup
		var registered []ID
		var mu sync.Mutex
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if id, err := r.Register(KindIterator, "it", db); err == nil {
					mu.Lock()
					registered = append(registered, id)
					mu.Unlock()
				}
			}()
		}
		retireErr := r.Retire(db, KindIterator)
		wg.Wait()

		// A successful retire must not coexist with a live child.
		if retireErr == nil {
			for _, id := range registered {
				e, ok := r.Lookup(id)
				if ok && e.State() == StateLive {
					t.Fatalf("iterator %d registered after its db retired", id)
				}
			}
		}
	}
}

func TestInUseErrorMessage(t *testing.T) {
	err := &InUseError{Kind: KindDB, Label: "/x", Counts: map[Kind]int64{KindIterator: 2, KindSnapshot: 1}}
	want := `db "/x" in use: 1 snapshot, 2 iterator live`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
