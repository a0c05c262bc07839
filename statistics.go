package rockguard

// statistics.go implements database statistics collection.
//
// Tickers are monotonically increasing counters; histograms record value
// distributions. Both are registered in a private VictoriaMetrics set per
// database, so they can be exported in Prometheus text format.

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// TickerType represents different types of tickers (counters).
type TickerType int

const (
	// TickerBytesWritten is the number of uncompressed bytes written.
	TickerBytesWritten TickerType = iota
	// TickerBytesRead is the number of uncompressed bytes read.
	TickerBytesRead
	// TickerNumberKeysWritten is the number of records committed.
	TickerNumberKeysWritten
	// TickerNumberKeysRead is the number of point lookups.
	TickerNumberKeysRead
	// TickerNumberKeysFound is the number of point lookups that found a value.
	TickerNumberKeysFound
	// TickerNumberDBSeek is the number of iterator seeks.
	TickerNumberDBSeek
	// TickerNumberDBNext is the number of iterator Next calls.
	TickerNumberDBNext
	// TickerNumberDBPrev is the number of iterator Prev calls.
	TickerNumberDBPrev
	// TickerNumberMultiGetCalls is the number of MultiGet calls.
	TickerNumberMultiGetCalls
	// TickerNumberMultiGetKeysRead is the number of keys read by MultiGet.
	TickerNumberMultiGetKeysRead
	// TickerNumberMultiGetKeysFound is the number of keys MultiGet found.
	TickerNumberMultiGetKeysFound
	// TickerRowCacheHit is the number of row cache hits.
	TickerRowCacheHit
	// TickerRowCacheMiss is the number of row cache misses.
	TickerRowCacheMiss
	// TickerNumberMergeFailures is the count of merge operation failures.
	TickerNumberMergeFailures
	// TickerBatchCommits is the number of committed write batches.
	TickerBatchCommits
	// TickerManualFlushes is the number of flushes run by the maintenance worker.
	TickerManualFlushes
	// TickerManualCompactions is the number of compactions run by the
	// maintenance worker.
	TickerManualCompactions
	// TickerMaintenanceFailures is the number of failed maintenance tasks.
	TickerMaintenanceFailures
	// TickerBackgroundErrors is the number of engine background errors.
	TickerBackgroundErrors
	// TickerStallMicros is the time writers spent stalled.
	TickerStallMicros

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

// String returns the name of the ticker type.
func (t TickerType) String() string {
	names := []string{
		"rocksdb.bytes.written",
		"rocksdb.bytes.read",
		"rocksdb.number.keys.written",
		"rocksdb.number.keys.read",
		"rocksdb.number.keys.found",
		"rocksdb.number.db.seek",
		"rocksdb.number.db.next",
		"rocksdb.number.db.prev",
		"rocksdb.number.multiget.calls",
		"rocksdb.number.multiget.keys.read",
		"rocksdb.number.multiget.keys.found",
		"rocksdb.row.cache.hit",
		"rocksdb.row.cache.miss",
		"rocksdb.number.merge.failures",
		"rocksdb.write.batch.commits",
		"rocksdb.manual.flushes",
		"rocksdb.manual.compactions",
		"rocksdb.maintenance.failures",
		"rocksdb.background.errors",
		"rocksdb.stall.micros",
	}
	if t >= 0 && int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramDBGet is the histogram for point lookup latency in micros.
	HistogramDBGet HistogramType = iota
	// HistogramDBWrite is the histogram for write latency in micros.
	HistogramDBWrite
	// HistogramDBMultiGet is the histogram for MultiGet latency in micros.
	HistogramDBMultiGet
	// HistogramCompactionTime is the histogram for compaction time.
	HistogramCompactionTime
	// HistogramFlushTime is the histogram for flush time.
	HistogramFlushTime
	// HistogramWriteStallDuration is the histogram for write stall duration.
	HistogramWriteStallDuration
	// HistogramBytesPerRead is the histogram for bytes per read.
	HistogramBytesPerRead
	// HistogramBytesPerWrite is the histogram for bytes per write batch.
	HistogramBytesPerWrite

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	names := []string{
		"rocksdb.db.get.micros",
		"rocksdb.db.write.micros",
		"rocksdb.db.multiget.micros",
		"rocksdb.compaction.times.micros",
		"rocksdb.flush.time.micros",
		"rocksdb.write.stall.duration",
		"rocksdb.bytes.per.read",
		"rocksdb.bytes.per.write",
	}
	if h >= 0 && int(h) < len(names) {
		return names[h]
	}
	return "unknown"
}

// metricName converts a dotted statistics name to a Prometheus name.
func metricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// HistogramData contains histogram statistics. Percentiles are estimated
// from the histogram buckets and are exact only to the bucket width.
type HistogramData struct {
	Median  float64
	P95     float64
	P99     float64
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports database metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// WritePrometheus writes all statistics in Prometheus text format.
	WritePrometheus(w io.Writer)

	// String returns a formatted string of all statistics.
	String() string
}

// statisticsImpl is the default implementation of Statistics.
type statisticsImpl struct {
	set        *metrics.Set
	tickers    [TickerEnumMax]*metrics.Counter
	histograms [HistogramEnumMax]*histogramImpl
}

// histogramImpl keeps exact count, sum and extremes next to the bucketed
// VictoriaMetrics histogram.
type histogramImpl struct {
	buckets *metrics.Histogram
	min     atomic.Uint64
	max     atomic.Uint64
	sum     atomic.Uint64
	count   atomic.Uint64
}

func (h *histogramImpl) reset() {
	h.buckets.Reset()
	h.min.Store(math.MaxUint64)
	h.max.Store(0)
	h.sum.Store(0)
	h.count.Store(0)
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	return newStatistics()
}

func newStatistics() *statisticsImpl {
	s := &statisticsImpl{set: metrics.NewSet()}
	for i := range s.tickers {
		s.tickers[i] = s.set.NewCounter(metricName(TickerType(i).String()))
	}
	for i := range s.histograms {
		h := &histogramImpl{buckets: s.set.NewHistogram(metricName(HistogramType(i).String()))}
		h.min.Store(math.MaxUint64)
		s.histograms[i] = h
	}
	return s
}

// GetTickerCount returns the current value of a ticker.
func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Get()
}

// RecordTick increments a ticker by count.
func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax || count == 0 {
		return
	}
	s.tickers[tickerType].Add(int(count))
}

// SetTickerCount sets the ticker to a specific value.
func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Set(count)
}

// GetHistogramData returns histogram statistics.
func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType]
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	data := HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
	data.Median, data.P95, data.P99 = h.percentiles(0.50, 0.95, 0.99)
	return data
}

// percentiles estimates quantiles as the upper edge of the bucket holding
// them, clamped to the observed maximum.
func (h *histogramImpl) percentiles(qs ...float64) (p50, p95, p99 float64) {
	type bucket struct {
		upper float64
		count uint64
	}
	var buckets []bucket
	var total uint64
	h.buckets.VisitNonZeroBuckets(func(vmrange string, count uint64) {
		_, hi, ok := strings.Cut(vmrange, "...")
		if !ok {
			return
		}
		upper, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return
		}
		buckets = append(buckets, bucket{upper: upper, count: count})
		total += count
	})
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].upper < buckets[j].upper })

	maxv := float64(h.max.Load())
	out := make([]float64, len(qs))
	for i, q := range qs {
		target := uint64(math.Ceil(q * float64(total)))
		var seen uint64
		for _, b := range buckets {
			seen += b.count
			if seen >= target {
				out[i] = math.Min(b.upper, maxv)
				break
			}
		}
	}
	return out[0], out[1], out[2]
}

// MeasureTime records a value to a histogram.
func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType]
	h.buckets.Update(float64(value))
	h.count.Add(1)
	h.sum.Add(value)

	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// Reset clears all statistics.
func (s *statisticsImpl) Reset() {
	for _, c := range s.tickers {
		c.Set(0)
	}
	for _, h := range s.histograms {
		h.reset()
	}
}

// WritePrometheus writes all statistics in Prometheus text format.
func (s *statisticsImpl) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// String returns a formatted string of all statistics.
func (s *statisticsImpl) String() string {
	var sb strings.Builder

	sb.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&sb, "  %s : %d\n", i, count)
		}
	}

	sb.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  %s :\n", i)
		fmt.Fprintf(&sb, "    Count: %d\n", data.Count)
		fmt.Fprintf(&sb, "    Avg: %.2f\n", data.Average)
		fmt.Fprintf(&sb, "    Min: %.2f\n", data.Min)
		fmt.Fprintf(&sb, "    Max: %.2f\n", data.Max)
		fmt.Fprintf(&sb, "    P50: %.2f P95: %.2f P99: %.2f\n", data.Median, data.P95, data.P99)
	}

	return sb.String()
}
