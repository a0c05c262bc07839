package rockguard

// property.go implements the rocksdb.* named property getters over the
// engine metrics.

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
)

// Property name constants for GetProperty.
const (
	// Memtable properties
	PropertyNumImmutableMemTable = "rocksdb.num-immutable-mem-table"
	PropertyMemTableFlushPending = "rocksdb.mem-table-flush-pending"
	PropertyCurSizeAllMemTables  = "rocksdb.cur-size-all-mem-tables"

	// Compaction properties
	PropertyCompactionPending              = "rocksdb.compaction-pending"
	PropertyNumRunningFlushes              = "rocksdb.num-running-flushes"
	PropertyNumRunningCompactions          = "rocksdb.num-running-compactions"
	PropertyEstimatePendingCompactionBytes = "rocksdb.estimate-pending-compaction-bytes"

	// Level properties (use PropertyNumFilesAtLevelPrefix + "N")
	PropertyNumFilesAtLevelPrefix = "rocksdb.num-files-at-level"
	PropertyLevelStats            = "rocksdb.levelstats"

	// Snapshot properties
	PropertyNumSnapshots = "rocksdb.num-snapshots"

	// Size properties
	PropertyEstimateLiveDataSize = "rocksdb.estimate-live-data-size"
	PropertyTotalSstFilesSize    = "rocksdb.total-sst-files-size"
	PropertyBlockCacheUsage      = "rocksdb.block-cache-usage"

	// Background errors
	PropertyBackgroundErrors = "rocksdb.background-errors"

	// Database properties
	PropertyNumColumnFamilies = "rocksdb.num-column-families"
	PropertyStats             = "rocksdb.stats"
)

// GetProperty returns the value of a database property.
// Returns the property value and true if the property exists, otherwise ("", false).
func (db *DB) GetProperty(name string) (string, bool) {
	return db.GetPropertyCF(nil, name)
}

// GetPropertyCF returns the value of a property for a column family. Only
// rocksdb.estimate-live-data-size is computed per family; the others
// describe the whole database.
func (db *DB) GetPropertyCF(cf *ColumnFamilyHandle, name string) (string, bool) {
	db.closeMu.RLock()
	defer db.closeMu.RUnlock()

	n, err := db.resolve(cf)
	if err != nil {
		return "", false
	}
	m := db.engine.Metrics()

	switch name {
	case PropertyNumImmutableMemTable:
		return strconv.FormatInt(max(m.MemTable.Count-1, 0), 10), true
	case PropertyMemTableFlushPending:
		return boolProperty(m.MemTable.Count > 1), true
	case PropertyCurSizeAllMemTables:
		return strconv.FormatUint(m.MemTable.Size, 10), true

	case PropertyCompactionPending:
		return boolProperty(m.Compact.EstimatedDebt > 0), true
	case PropertyNumRunningFlushes:
		return strconv.FormatInt(m.Flush.NumInProgress, 10), true
	case PropertyNumRunningCompactions:
		return strconv.FormatInt(m.Compact.NumInProgress, 10), true
	case PropertyEstimatePendingCompactionBytes:
		return strconv.FormatUint(m.Compact.EstimatedDebt, 10), true

	case PropertyLevelStats:
		return levelStats(m), true

	case PropertyNumSnapshots:
		return strconv.Itoa(m.Snapshots.Count), true

	case PropertyEstimateLiveDataSize:
		usage, err := db.engine.EstimateDiskUsage(n.lower, n.upper)
		if err != nil {
			return "", false
		}
		return strconv.FormatUint(usage, 10), true
	case PropertyTotalSstFilesSize:
		total := m.Total()
		return strconv.FormatInt(total.Size, 10), true
	case PropertyBlockCacheUsage:
		return strconv.FormatInt(m.BlockCache.Size, 10), true

	case PropertyBackgroundErrors:
		return strconv.FormatUint(db.stats.GetTickerCount(TickerBackgroundErrors), 10), true

	case PropertyNumColumnFamilies:
		count := 0
		db.cfs.forEach(func(*cfNode) { count++ })
		return strconv.Itoa(count), true

	case PropertyStats:
		return m.String(), true
	}

	if strings.HasPrefix(name, PropertyNumFilesAtLevelPrefix) {
		level, err := strconv.Atoi(name[len(PropertyNumFilesAtLevelPrefix):])
		if err != nil || level < 0 || level >= len(m.Levels) {
			return "", false
		}
		return strconv.FormatInt(m.Levels[level].NumFiles, 10), true
	}
	return "", false
}

// GetIntProperty returns an integer property value.
// Returns the value and true if the property exists and is numeric.
func (db *DB) GetIntProperty(name string) (uint64, bool) {
	strVal, ok := db.GetProperty(name)
	if !ok {
		return 0, false
	}
	val, err := strconv.ParseUint(strVal, 10, 64)
	if err != nil {
		return 0, false
	}
	return val, true
}

func boolProperty(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func levelStats(m *pebble.Metrics) string {
	var sb strings.Builder
	sb.WriteString("Level Files Size(MB)\n")
	sb.WriteString("--------------------\n")
	for i := range m.Levels {
		fmt.Fprintf(&sb, "%5d %5d %8.2f\n", i, m.Levels[i].NumFiles,
			float64(m.Levels[i].Size)/(1024*1024))
	}
	return sb.String()
}
