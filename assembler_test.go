// assembler_test.go implements tests for the options assembler.
package rockguard

import (
	"bytes"
	"testing"
)

// lengthFirstComparator orders keys by length, then bytewise.
type lengthFirstComparator struct{}

func (lengthFirstComparator) Name() string { return "test.LengthFirst" }

func (lengthFirstComparator) Compare(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a, b)
}

func (lengthFirstComparator) FindShortestSeparator(a, _ []byte) []byte { return a }

func (lengthFirstComparator) FindShortSuccessor(a []byte) []byte { return a }

// otherLengthFirst shares lengthFirstComparator's name with a different type.
type otherLengthFirst struct{ BytewiseComparator }

func (otherLengthFirst) Name() string { return "test.LengthFirst" }

func TestDefaultConfigAssembles(t *testing.T) {
	b, err := NewBundle(DefaultConfig())
	if err != nil {
		t.Fatalf("NewBundle(DefaultConfig()): %v", err)
	}
	if b.ColumnFamily() != "default" {
		t.Errorf("ColumnFamily = %q", b.ColumnFamily())
	}
	if b.Compression() != SnappyCompression {
		t.Errorf("Compression = %v", b.Compression())
	}
	if b.CompressionMinSize() != DefaultCompressionMinSize {
		t.Errorf("CompressionMinSize = %d", b.CompressionMinSize())
	}
	if b.BlockCacheSize() != DefaultBlockCacheSize || b.WriteBufferSize() != DefaultWriteBufferSize {
		t.Errorf("sizes = %d, %d", b.BlockCacheSize(), b.WriteBufferSize())
	}
	if b.Comparator().Name() != BytewiseComparatorName {
		t.Errorf("Comparator = %q", b.Comparator().Name())
	}
	if b.MergeOperator() != nil {
		t.Errorf("MergeOperator = %v, want none", b.MergeOperator())
	}
	if !b.VerifyChecksums() || b.CreateIfMissing() {
		t.Errorf("VerifyChecksums = %v, CreateIfMissing = %v", b.VerifyChecksums(), b.CreateIfMissing())
	}
}

func TestAssembleZeroSizesUseDefaults(t *testing.T) {
	b, err := NewBundle(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if b.BlockCacheSize() != DefaultBlockCacheSize || b.WriteBufferSize() != DefaultWriteBufferSize {
		t.Fatalf("sizes = %d, %d", b.BlockCacheSize(), b.WriteBufferSize())
	}
}

func TestAssembleRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bzip2 excluded", func(c *Config) { c.Compression = BZip2Compression }},
		{"unknown codec", func(c *Config) { c.Compression = CompressionType(42) }},
		{"lz4 per level", func(c *Config) {
			c.CompressionPerLevel = []CompressionType{NoCompression, LZ4Compression}
		}},
		{"zlib per level", func(c *Config) { c.CompressionPerLevel = []CompressionType{ZlibCompression} }},
		{"unknown comparator", func(c *Config) { c.Comparator = "no.such.Comparator" }},
		{"unknown merge operator", func(c *Config) { c.MergeOperator = "no-such-operator" }},
		{"negative min size", func(c *Config) { c.CompressionMinSize = -1 }},
		{"negative block cache", func(c *Config) { c.BlockCacheSize = -1 }},
		{"negative max open files", func(c *Config) { c.MaxOpenFiles = -1 }},
		{"negative row cache", func(c *Config) { c.RowCacheSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			b, err := NewBundle(cfg)
			wantCode(t, err, CodeConfigError)
			if b != nil {
				t.Fatal("rejected config produced a bundle")
			}
		})
	}
}

func TestAssembleAcceptsValueCodecs(t *testing.T) {
	for _, c := range []CompressionType{NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Compression = c
			b, err := NewBundle(cfg)
			if err != nil {
				t.Fatalf("Assemble(%s): %v", c, err)
			}
			if b.Compression() != c {
				t.Fatalf("Compression = %v", b.Compression())
			}
		})
	}
}

func TestAssembleComparatorConflict(t *testing.T) {
	a := NewAssembler()
	rev := DefaultConfig()
	rev.Comparator = ReverseBytewiseComparatorName

	if _, err := a.Assemble("events", rev); err != nil {
		t.Fatal(err)
	}
	// The same choice again is fine.
	if _, err := a.Assemble("events", rev); err != nil {
		t.Fatalf("repeat assemble: %v", err)
	}
	_, err := a.Assemble("events", DefaultConfig())
	wantCode(t, err, CodeConfigError)

	// Other families are unaffected.
	if _, err := a.Assemble("other", DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	// An independent assembler has no memory of the first choice.
	if _, err := NewAssembler().Assemble("events", DefaultConfig()); err != nil {
		t.Fatal(err)
	}
}

func TestAssembleBundleIsImmutable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionPerLevel = []CompressionType{NoCompression, SnappyCompression}
	b, err := NewBundle(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.CompressionPerLevel[0] = ZstdCompression
	cfg.Compression = NoCompression

	levels := b.CompressionPerLevel()
	if levels[0] != NoCompression || b.Compression() != SnappyCompression {
		t.Fatalf("bundle changed with its config: %v %v", levels, b.Compression())
	}
	levels[1] = ZstdCompression
	if b.CompressionPerLevel()[1] != SnappyCompression {
		t.Fatal("CompressionPerLevel exposes the bundle's slice")
	}
}

func TestRegisterComparator(t *testing.T) {
	a := NewAssembler()
	if err := a.RegisterComparator(lengthFirstComparator{}); err != nil {
		t.Fatal(err)
	}
	if err := a.RegisterComparator(lengthFirstComparator{}); err != nil {
		t.Fatalf("re-registering the same type: %v", err)
	}
	wantCode(t, a.RegisterComparator(otherLengthFirst{}), CodeConfigError)
	wantCode(t, a.RegisterComparator(nil), CodeConfigError)

	cfg := testConfig()
	cfg.Comparator = lengthFirstComparator{}.Name()
	b, err := a.Assemble("default", cfg)
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open(t.TempDir()+"/db", b)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	fillKeys(t, db, nil, "ccc", "a", "bb", "b")

	it, err := db.NewIterator(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if got := keysOf(t, it); !equalStrings(got, []string{"a", "b", "bb", "ccc"}) {
		t.Fatalf("length-first order = %v", got)
	}
}

// prefixOperator keeps the shorter of two operands.
type prefixOperator struct{}

func (prefixOperator) Name() string { return "test.Shortest" }

func (prefixOperator) Merge(_ []byte, existing, value []byte) ([]byte, bool) {
	if existing == nil || len(value) < len(existing) {
		return value, true
	}
	return existing, true
}

func TestRegisterMergeOperator(t *testing.T) {
	a := NewAssembler()
	if err := a.RegisterMergeOperator(prefixOperator{}); err != nil {
		t.Fatal(err)
	}
	wantCode(t, a.RegisterMergeOperator(&MaxOperator{}), CodeOK)
	wantCode(t, a.RegisterMergeOperator(nil), CodeConfigError)

	cfg := testConfig()
	cfg.MergeOperator = "test.Shortest"
	b, err := a.Assemble("default", cfg)
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open(t.TempDir()+"/db", b)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, v := range []string{"long", "mid", "xl", "huge"} {
		if err := db.Merge(nil, []byte("k"), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	mustGet(t, db, nil, nil, "k", "xl")
}
