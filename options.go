package rockguard

// options.go implements per-call options for reads, writes and maintenance.

import (
	"github.com/aalhour/rockguard/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// ReadOptions contains options for read operations.
type ReadOptions struct {
	// VerifyChecksums enables checksum verification of compressed values.
	// It is combined with the column family's own setting: either one
	// turns verification on.
	VerifyChecksums bool

	// FillCache indicates whether snapshot reads populate the row cache.
	FillCache bool

	// Snapshot provides a consistent view of the database.
	// If nil, the most recent state is used.
	Snapshot *Snapshot

	// IterateLowerBound sets an inclusive lower bound for iteration.
	// The iterator will skip any key < this bound.
	IterateLowerBound []byte

	// IterateUpperBound sets an exclusive upper bound for iteration.
	// The iterator will stop before any key >= this bound.
	IterateUpperBound []byte
}

// DefaultReadOptions returns ReadOptions with default values.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		VerifyChecksums: false,
		FillCache:       true,
		Snapshot:        nil,
	}
}

// WriteOptions contains options for write operations.
type WriteOptions struct {
	// Sync causes writes to be flushed to the WAL and fsynced before returning.
	// This provides the strongest durability guarantee but reduces throughput.
	Sync bool
}

// DefaultWriteOptions returns WriteOptions with default values.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{
		Sync: false,
	}
}

// FlushOptions contains options for flush operations.
type FlushOptions struct {
	// Wait indicates whether to wait for the flush to complete.
	Wait bool
}

// DefaultFlushOptions returns FlushOptions with default values.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{
		Wait: true,
	}
}

// CompactRangeOptions contains options for manual compaction.
type CompactRangeOptions struct {
	// Wait indicates whether to wait for the compaction to complete.
	Wait bool

	// Parallelize lets the engine split the range into concurrent
	// compactions.
	Parallelize bool
}

// DefaultCompactRangeOptions returns CompactRangeOptions with default values.
func DefaultCompactRangeOptions() *CompactRangeOptions {
	return &CompactRangeOptions{
		Wait:        true,
		Parallelize: false,
	}
}

func readOptionsOrDefault(ro *ReadOptions) *ReadOptions {
	if ro == nil {
		return DefaultReadOptions()
	}
	return ro
}

func writeOptionsOrDefault(wo *WriteOptions) *WriteOptions {
	if wo == nil {
		return DefaultWriteOptions()
	}
	return wo
}
