// column_family_test.go implements tests for column family.
package rockguard

import (
	"path/filepath"
	"testing"
)

func TestColumnFamilyBasic(t *testing.T) {
	db := openTestDB(t)

	names, err := db.ListColumnFamilies()
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(names, []string{DefaultColumnFamilyName}) {
		t.Fatalf("ListColumnFamilies = %v, want [default]", names)
	}

	cf1, err := db.CreateColumnFamily(db.Bundle(), "cf1")
	if err != nil {
		t.Fatalf("CreateColumnFamily: %v", err)
	}
	defer cf1.Close()
	if cf1.Name() != "cf1" || cf1.ID() == DefaultColumnFamilyID {
		t.Fatalf("handle = (%q, %d)", cf1.Name(), cf1.ID())
	}

	// Same key, separate keyspaces.
	mustPut(t, db, nil, "key1", "default_value")
	mustPut(t, db, cf1, "key1", "cf1_value")
	mustGet(t, db, nil, nil, "key1", "default_value")
	mustGet(t, db, nil, cf1, "key1", "cf1_value")

	if err := db.DeleteCF(nil, cf1, []byte("key1")); err != nil {
		t.Fatal(err)
	}
	mustGet(t, db, nil, nil, "key1", "default_value")

	_, err = db.CreateColumnFamily(db.Bundle(), "cf1")
	wantCode(t, err, CodeInvalidArgument)

	names, _ = db.ListColumnFamilies()
	if !equalStrings(names, []string{DefaultColumnFamilyName, "cf1"}) {
		t.Fatalf("ListColumnFamilies = %v", names)
	}
}

func TestOpenColumnFamilyMissing(t *testing.T) {
	db := openTestDB(t)

	strict := testBundle(t, func(c *Config) { c.CreateMissingColumnFamilies = false })
	_, err := db.OpenColumnFamily("absent", strict)
	wantCode(t, err, CodeNotFound)

	_, err = db.GetColumnFamily("absent")
	wantCode(t, err, CodeNotFound)

	h, err := db.OpenColumnFamily("absent", db.Bundle())
	if err != nil {
		t.Fatalf("OpenColumnFamily with create: %v", err)
	}
	defer h.Close()

	h2, err := db.GetColumnFamily("absent")
	if err != nil {
		t.Fatalf("GetColumnFamily: %v", err)
	}
	defer h2.Close()
	if h2.ID() != h.ID() {
		t.Fatalf("two handles to one family have ids %d and %d", h.ID(), h2.ID())
	}
}

func TestDropColumnFamily(t *testing.T) {
	db := openTestDB(t)

	h, err := db.CreateColumnFamily(db.Bundle(), "doomed")
	if err != nil {
		t.Fatal(err)
	}
	other, err := db.GetColumnFamily("doomed")
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, h, "k", "v")
	oldID := h.ID()

	if err := db.DropColumnFamily(h); err != nil {
		t.Fatalf("DropColumnFamily: %v", err)
	}
	if other.IsValid() {
		t.Fatal("handle still valid after drop")
	}
	_, err = db.GetCF(nil, other, []byte("k"))
	wantCode(t, err, CodeInvalidHandle)
	err = db.PutCF(nil, other, []byte("k"), []byte("v"))
	wantCode(t, err, CodeInvalidHandle)
	if err := other.Close(); err != nil {
		t.Fatalf("closing a handle to a dropped family: %v", err)
	}

	// A family with the same name is new and empty, with a fresh id.
	again, err := db.CreateColumnFamily(db.Bundle(), "doomed")
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if again.ID() == oldID {
		t.Fatalf("column family id %d was reused", oldID)
	}
	_, err = db.GetCF(nil, again, []byte("k"))
	wantCode(t, err, CodeNotFound)

	wantCode(t, db.DropColumnFamily(db.DefaultColumnFamily()), CodeInvalidArgument)
}

func TestDropColumnFamilyRefusedWhileIterating(t *testing.T) {
	db := openTestDB(t)

	h, err := db.CreateColumnFamily(db.Bundle(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, h, "k", "v")

	it, err := db.NewIteratorCF(nil, h)
	if err != nil {
		t.Fatal(err)
	}
	wantCode(t, db.DropColumnFamily(h), CodeInUse)

	// The refused drop changed nothing.
	if !h.IsValid() {
		t.Fatal("handle invalidated by a refused drop")
	}
	if got := collect(t, it); !equalStrings(got, []string{"k=v"}) {
		t.Fatalf("iteration after refused drop = %v", got)
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}

	if err := db.DropColumnFamily(h); err != nil {
		t.Fatalf("drop after iterator closed: %v", err)
	}
}

func TestColumnFamilyHandleCloseRefusedWhileIterating(t *testing.T) {
	db := openTestDB(t)
	h, err := db.OpenColumnFamily("cf", db.Bundle())
	if err != nil {
		t.Fatal(err)
	}
	it, err := db.NewIteratorCF(nil, h)
	if err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.Close(), CodeInUse)
	_ = it.Close()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.IsValid() {
		t.Fatal("closed handle reports valid")
	}
	_, err = db.GetCF(nil, h, []byte("k"))
	wantCode(t, err, CodeInvalidHandle)
}

func TestReopenWithStoredColumnFamilies(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	a := NewAssembler()
	cfg := testConfig()
	b, err := a.Assemble(DefaultColumnFamilyName, cfg)
	if err != nil {
		t.Fatal(err)
	}
	revCfg := cfg
	revCfg.Comparator = ReverseBytewiseComparatorName
	rev, err := a.Assemble("rev", revCfg)
	if err != nil {
		t.Fatal(err)
	}

	db, handles, err := OpenColumnFamilies(dir, b, []ColumnFamilyDescriptor{
		{Name: "plain"},
		{Name: "rev", Bundle: rev},
	})
	if err != nil {
		t.Fatalf("OpenColumnFamilies: %v", err)
	}
	mustPut(t, db, handles[0], "p", "1")
	for _, k := range []string{"a", "b", "c"} {
		mustPut(t, db, handles[1], k, k)
	}
	for _, h := range handles {
		_ = h.Close()
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	names, err := ListColumnFamilies(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(names, []string{DefaultColumnFamilyName, "plain", "rev"}) {
		t.Fatalf("stored families = %v", names)
	}

	// Families not named at open come back with their stored settings.
	db, err = Open(dir, b)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	plain, err := db.GetColumnFamily("plain")
	if err != nil {
		t.Fatal(err)
	}
	defer plain.Close()
	mustGet(t, db, nil, plain, "p", "1")

	rh, err := db.GetColumnFamily("rev")
	if err != nil {
		t.Fatal(err)
	}
	defer rh.Close()
	if got := rh.Bundle().Comparator().Name(); got != ReverseBytewiseComparatorName {
		t.Fatalf("reopened comparator = %q", got)
	}
	it, err := db.NewIteratorCF(nil, rh)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if got := collect(t, it); !equalStrings(got, []string{"c=c", "b=b", "a=a"}) {
		t.Fatalf("reverse order after reopen = %v", got)
	}
}

func TestReopenComparatorMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	b := testBundle(t)
	db, h, err := OpenColumnFamilies(dir, b, []ColumnFamilyDescriptor{{Name: "cf"}})
	if err != nil {
		t.Fatal(err)
	}
	_ = h[0].Close()
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	rev := testBundle(t, func(c *Config) { c.Comparator = ReverseBytewiseComparatorName })
	_, _, err = OpenColumnFamilies(dir, b, []ColumnFamilyDescriptor{{Name: "cf", Bundle: rev}})
	wantCode(t, err, CodeConfigError)

	// The failed open released the path.
	db, err = Open(dir, b)
	if err != nil {
		t.Fatalf("open after failed open: %v", err)
	}
	defer db.Close()
	_, err = db.OpenColumnFamily("cf", rev)
	wantCode(t, err, CodeConfigError)
}

func TestOpenMissingColumnFamilyWithoutCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	b := testBundle(t, func(c *Config) { c.CreateMissingColumnFamilies = false })
	_, _, err := OpenColumnFamilies(dir, b, []ColumnFamilyDescriptor{{Name: "nope"}})
	wantCode(t, err, CodeNotFound)

	_, _, err = OpenColumnFamilies(dir, b, []ColumnFamilyDescriptor{{Name: "x"}, {Name: "x"}})
	wantCode(t, err, CodeInvalidArgument)
}

func TestSetOptions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	b := testBundle(t)
	db, handles, err := OpenColumnFamilies(dir, b, []ColumnFamilyDescriptor{{Name: "cf"}})
	if err != nil {
		t.Fatal(err)
	}
	h := handles[0]

	mustPut(t, db, h, "before", "snappy-encoded")

	tests := []struct {
		name string
		kv   map[string]string
		code Code
	}{
		{"empty", map[string]string{}, CodeInvalidArgument},
		{"unknown key", map[string]string{"write_buffer_size": "1"}, CodeInvalidArgument},
		{"bad value", map[string]string{"compression": "brotli"}, CodeInvalidArgument},
		{"excluded codec", map[string]string{"compression": "bzip2"}, CodeInvalidArgument},
		{"nul byte", map[string]string{"compression": "zstd\x00"}, CodeInvalidArgument},
		{"one bad entry rejects all", map[string]string{"compression": "zstd", "verify_checksums": "maybe"}, CodeInvalidArgument},
		{"valid", map[string]string{"compression": "zstd", "compression_min_size": "0"}, CodeOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, db.SetOptions(h, tt.kv), tt.code)
		})
	}
	if got := h.Bundle().Compression(); got != ZstdCompression {
		t.Fatalf("compression after SetOptions = %v, want zstd", got)
	}

	mustPut(t, db, h, "after", "zstd-encoded")
	mustGet(t, db, nil, h, "before", "snappy-encoded")
	mustGet(t, db, nil, h, "after", "zstd-encoded")

	_ = h.Close()
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// The change is persisted.
	db, err = Open(dir, b)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	h, err = db.GetColumnFamily("cf")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if got := h.Bundle().Compression(); got != ZstdCompression {
		t.Fatalf("compression after reopen = %v, want zstd", got)
	}
	mustGet(t, db, nil, h, "after", "zstd-encoded")
}

func TestDroppedFamilyKeysDoNotLeakAfterReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	b := testBundle(t)
	rev := testBundle(t, func(c *Config) { c.Comparator = ReverseBytewiseComparatorName })

	db, err := Open(dir, b)
	if err != nil {
		t.Fatal(err)
	}
	h, err := db.CreateColumnFamily(rev, "gone")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"x", "y", "z"} {
		mustPut(t, db, h, k, k)
	}
	if err := db.DropColumnFamily(h); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(dir, b)
	if err != nil {
		t.Fatalf("reopen after drop: %v", err)
	}
	defer db.Close()
	names, _ := db.ListColumnFamilies()
	if !equalStrings(names, []string{DefaultColumnFamilyName}) {
		t.Fatalf("families after reopen = %v", names)
	}
	nh, err := db.CreateColumnFamily(b, "gone")
	if err != nil {
		t.Fatal(err)
	}
	defer nh.Close()
	it, err := db.NewIteratorCF(nil, nh)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if got := collect(t, it); len(got) != 0 {
		t.Fatalf("new family sees dropped data: %v", got)
	}
}
