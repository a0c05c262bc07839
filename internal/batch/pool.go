package batch

// pool.go recycles record logs used for single-key writes.

import "sync"

// maxRetained caps the capacity of a record log kept for reuse. Logs that
// grew past it are left to the garbage collector.
const maxRetained = 1 << 20

var pool = sync.Pool{
	New: func() any { return New() },
}

// GetFromPool returns an empty batch with sequence zero and no save points.
func GetFromPool() *WriteBatch {
	return pool.Get().(*WriteBatch)
}

// ReturnToPool clears wb and keeps it for a later GetFromPool. wb must not
// be used afterwards.
func ReturnToPool(wb *WriteBatch) {
	if wb == nil || cap(wb.data) > maxRetained {
		return
	}
	wb.Clear()
	pool.Put(wb)
}
