package rockguard

// assembler.go turns declarative configuration into immutable Bundles.
//
// An Assembler owns the named comparators and merge operators a database
// may reference, and remembers which comparator each column family name
// was assembled with so conflicting requests are caught before any engine
// call. Assembling has no other side effect.

import (
	"reflect"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockguard/internal/catalog"
	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/options"
)

// Default sizes applied by DefaultConfig and to zero-valued Config fields.
const (
	DefaultBlockCacheSize     int64  = 8 << 20
	DefaultWriteBufferSize    uint64 = 4 << 20
	DefaultCompressionMinSize        = 64
)

// Config is the declarative configuration of a database or column family.
// Database-wide fields (cache and buffer sizes, open behavior, engine
// tuning, logger) are read from the Bundle passed to Open; the value
// fields (compression, comparator, merge operator, checksums) are per
// column family.
type Config struct {
	// Compression is the value codec for new writes.
	Compression CompressionType

	// CompressionPerLevel sets the engine block compression per LSM level.
	// The last entry repeats for deeper levels. Only NoCompression,
	// SnappyCompression and ZstdCompression are accepted.
	CompressionPerLevel []CompressionType

	// CompressionMinSize is the smallest value that is compressed.
	CompressionMinSize int

	// Comparator names a registered comparator. Empty means bytewise.
	Comparator string

	// MergeOperator names a registered merge operator. Empty means none.
	MergeOperator string

	// BlockCacheSize is the engine block cache size in bytes.
	// Zero selects DefaultBlockCacheSize.
	BlockCacheSize int64

	// WriteBufferSize is the memtable size in bytes.
	// Zero selects DefaultWriteBufferSize.
	WriteBufferSize uint64

	CreateIfMissing             bool
	CreateMissingColumnFamilies bool
	ErrorIfExists               bool

	// MaxOpenFiles limits the engine's open table files. Zero keeps the
	// engine default.
	MaxOpenFiles int

	// DisableWAL turns off the write-ahead log for the whole database.
	DisableWAL bool

	// RowCacheSize is the number of entries in the snapshot row cache.
	// Zero disables the cache.
	RowCacheSize int

	// VerifyChecksums verifies the checksum of every compressed value read.
	VerifyChecksums bool

	// Logger receives diagnostics. Nil selects a WARN-level logger on stderr.
	Logger Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Compression:        SnappyCompression,
		CompressionMinSize: DefaultCompressionMinSize,
		BlockCacheSize:     DefaultBlockCacheSize,
		WriteBufferSize:    DefaultWriteBufferSize,
		CreateIfMissing:    false,
		VerifyChecksums:    true,
	}
}

// Bundle is an immutable, validated configuration.
type Bundle struct {
	cfName          string
	compression     CompressionType
	perLevel        []CompressionType
	minSize         int
	comparator      Comparator
	merger          AssociativeMergeOperator
	blockCacheSize  int64
	writeBufferSize uint64
	createIfMissing bool
	createMissingCF bool
	errorIfExists   bool
	maxOpenFiles    int
	disableWAL      bool
	rowCacheSize    int
	verify          bool
	logger          Logger

	// resolver resolves comparator and merge operator names stored in
	// the catalog for column families opened without a Bundle.
	resolver *Assembler
}

// ColumnFamily returns the column family name the bundle was assembled for.
func (b *Bundle) ColumnFamily() string { return b.cfName }

// Compression returns the value codec.
func (b *Bundle) Compression() CompressionType { return b.compression }

// CompressionPerLevel returns a copy of the per-level block compression.
func (b *Bundle) CompressionPerLevel() []CompressionType { return slices.Clone(b.perLevel) }

// CompressionMinSize returns the smallest value that is compressed.
func (b *Bundle) CompressionMinSize() int { return b.minSize }

// Comparator returns the key comparator.
func (b *Bundle) Comparator() Comparator { return b.comparator }

// MergeOperator returns the merge operator, or nil.
func (b *Bundle) MergeOperator() AssociativeMergeOperator { return b.merger }

// BlockCacheSize returns the block cache size in bytes.
func (b *Bundle) BlockCacheSize() int64 { return b.blockCacheSize }

// WriteBufferSize returns the memtable size in bytes.
func (b *Bundle) WriteBufferSize() uint64 { return b.writeBufferSize }

// CreateIfMissing reports whether Open creates a missing database.
func (b *Bundle) CreateIfMissing() bool { return b.createIfMissing }

// CreateMissingColumnFamilies reports whether missing column families are
// created on open.
func (b *Bundle) CreateMissingColumnFamilies() bool { return b.createMissingCF }

// ErrorIfExists reports whether Open fails on an existing database.
func (b *Bundle) ErrorIfExists() bool { return b.errorIfExists }

// MaxOpenFiles returns the open file limit.
func (b *Bundle) MaxOpenFiles() int { return b.maxOpenFiles }

// DisableWAL reports whether the write-ahead log is off.
func (b *Bundle) DisableWAL() bool { return b.disableWAL }

// RowCacheSize returns the number of row cache entries.
func (b *Bundle) RowCacheSize() int { return b.rowCacheSize }

// VerifyChecksums reports whether value checksums are verified on read.
func (b *Bundle) VerifyChecksums() bool { return b.verify }

// Logger returns the configured logger.
func (b *Bundle) Logger() Logger { return b.logger }

func (b *Bundle) mergeOperatorName() string {
	if b.merger == nil {
		return ""
	}
	return b.merger.Name()
}

// family returns the catalog record of a column family created with b.
func (b *Bundle) family(name string) catalog.Family {
	return catalog.Family{
		Name:               name,
		Comparator:         b.comparator.Name(),
		MergeOperator:      b.mergeOperatorName(),
		Compression:        int32(b.compression),
		CompressionMinSize: int64(b.minSize),
		VerifyChecksums:    b.verify,
	}
}

// withMutable returns a copy of b with the parsed options applied.
func (b *Bundle) withMutable(m options.Mutable) (*Bundle, error) {
	out := *b
	if m.Compression != nil {
		c := CompressionType(*m.Compression)
		if err := c.validateValueCodec(); err != nil {
			return nil, errors.Mark(err, ErrInvalidArgument)
		}
		out.compression = c
	}
	if m.CompressionMinSize != nil {
		out.minSize = *m.CompressionMinSize
	}
	if m.VerifyChecksums != nil {
		out.verify = *m.VerifyChecksums
	}
	return &out, nil
}

// Assembler validates configurations and produces Bundles. It is safe for
// concurrent use.
type Assembler struct {
	mu          sync.Mutex
	comparators map[string]Comparator
	mergers     map[string]AssociativeMergeOperator
	chosen      map[string]string
}

// NewAssembler returns an Assembler with the built-in comparators and
// merge operators registered.
func NewAssembler() *Assembler {
	a := &Assembler{
		comparators: make(map[string]Comparator),
		mergers:     make(map[string]AssociativeMergeOperator),
		chosen:      make(map[string]string),
	}
	for _, c := range []Comparator{BytewiseComparator{}, ReverseBytewiseComparator{}} {
		a.comparators[c.Name()] = c
	}
	for _, m := range []AssociativeMergeOperator{
		&UInt64AddOperator{},
		&StringAppendOperator{Delimiter: ","},
		&MaxOperator{},
	} {
		a.mergers[m.Name()] = m
	}
	return a
}

// RegisterComparator makes c available under c.Name(). Registering a
// different implementation under a taken name fails with ConfigError.
func (a *Assembler) RegisterComparator(c Comparator) error {
	if c == nil || c.Name() == "" {
		return errors.Wrap(ErrConfigError, "comparator must have a name")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.comparators[c.Name()]; ok && reflect.TypeOf(old) != reflect.TypeOf(c) {
		return errors.Wrapf(ErrConfigError, "comparator %q already registered", c.Name())
	}
	a.comparators[c.Name()] = c
	return nil
}

// RegisterMergeOperator makes m available under m.Name(). Registering a
// different implementation under a taken name fails with ConfigError.
func (a *Assembler) RegisterMergeOperator(m AssociativeMergeOperator) error {
	if m == nil || m.Name() == "" {
		return errors.Wrap(ErrConfigError, "merge operator must have a name")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.mergers[m.Name()]; ok && reflect.TypeOf(old) != reflect.TypeOf(m) {
		return errors.Wrapf(ErrConfigError, "merge operator %q already registered", m.Name())
	}
	a.mergers[m.Name()] = m
	return nil
}

// Assemble validates cfg for the column family cfName and returns an
// immutable Bundle. It fails with ConfigError for codecs excluded from the
// build, per-level compression the engine cannot apply, unknown comparator
// or merge operator names, negative sizes, and a comparator that differs
// from the one an earlier call chose for the same column family.
func (a *Assembler) Assemble(cfName string, cfg Config) (*Bundle, error) {
	if cfName == "" {
		cfName = catalog.DefaultName
	}
	if err := cfg.Compression.validateValueCodec(); err != nil {
		return nil, err
	}
	for i, c := range cfg.CompressionPerLevel {
		if _, err := c.engineCompression(); err != nil {
			return nil, errors.Wrapf(err, "compression_per_level[%d]", i)
		}
	}
	if cfg.CompressionMinSize < 0 || cfg.BlockCacheSize < 0 ||
		cfg.MaxOpenFiles < 0 || cfg.RowCacheSize < 0 {
		return nil, errors.Wrap(ErrConfigError, "sizes must not be negative")
	}

	cmpName := cfg.Comparator
	if cmpName == "" {
		cmpName = BytewiseComparatorName
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cmp, ok := a.comparators[cmpName]
	if !ok {
		return nil, errors.Wrapf(ErrConfigError, "unknown comparator %q", cmpName)
	}
	var merger AssociativeMergeOperator
	if cfg.MergeOperator != "" {
		if merger, ok = a.mergers[cfg.MergeOperator]; !ok {
			return nil, errors.Wrapf(ErrConfigError, "unknown merge operator %q", cfg.MergeOperator)
		}
	}
	if prev, ok := a.chosen[cfName]; ok && prev != cmpName {
		return nil, errors.Wrapf(ErrConfigError,
			"column family %q: comparator %q conflicts with %q", cfName, cmpName, prev)
	}
	a.chosen[cfName] = cmpName

	b := &Bundle{
		cfName:          cfName,
		compression:     cfg.Compression,
		perLevel:        slices.Clone(cfg.CompressionPerLevel),
		minSize:         cfg.CompressionMinSize,
		comparator:      cmp,
		merger:          merger,
		blockCacheSize:  cfg.BlockCacheSize,
		writeBufferSize: cfg.WriteBufferSize,
		createIfMissing: cfg.CreateIfMissing,
		createMissingCF: cfg.CreateMissingColumnFamilies,
		errorIfExists:   cfg.ErrorIfExists,
		maxOpenFiles:    cfg.MaxOpenFiles,
		disableWAL:      cfg.DisableWAL,
		rowCacheSize:    cfg.RowCacheSize,
		verify:          cfg.VerifyChecksums,
		logger:          cfg.Logger,
		resolver:        a,
	}
	if b.blockCacheSize == 0 {
		b.blockCacheSize = DefaultBlockCacheSize
	}
	if b.writeBufferSize == 0 {
		b.writeBufferSize = DefaultWriteBufferSize
	}
	return b, nil
}

// NewBundle assembles cfg for the default column family with a fresh
// Assembler.
func NewBundle(cfg Config) (*Bundle, error) {
	return NewAssembler().Assemble(catalog.DefaultName, cfg)
}

// bundleFromFamily rebuilds the Bundle of a stored column family, taking
// database-wide fields from base.
func (a *Assembler) bundleFromFamily(base *Bundle, f catalog.Family) (*Bundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmp, ok := a.comparators[f.Comparator]
	if !ok {
		return nil, errors.Wrapf(ErrConfigError,
			"column family %q needs comparator %q, which is not registered", f.Name, f.Comparator)
	}
	var merger AssociativeMergeOperator
	if f.MergeOperator != "" {
		if merger, ok = a.mergers[f.MergeOperator]; !ok {
			return nil, errors.Wrapf(ErrConfigError,
				"column family %q needs merge operator %q, which is not registered", f.Name, f.MergeOperator)
		}
	}
	c := CompressionType(f.Compression)
	if !compression.Type(c).IsKnown() {
		return nil, errors.Wrapf(ErrCorruption, "column family %q has unknown compression %d", f.Name, f.Compression)
	}

	out := *base
	out.cfName = f.Name
	out.comparator = cmp
	out.merger = merger
	out.compression = c
	out.minSize = int(f.CompressionMinSize)
	out.verify = f.VerifyChecksums
	return &out, nil
}
