// Package stats collects lightweight, lock-free allocation counters for an
// attached allocator: totals by size band, live-byte tracking, and the high
// watermark of bytes outstanding at any one time. It is adapted from the
// teacher's region-statistics collector, trimmed to the counters
// internal/pralloc can afford to update on every Allocate/Free without
// taking a lock — no per-region history, latency percentiles, or alerting,
// since this allocator core has exactly one region per attach and spec.md
// names no requirement for those.
package stats

import "sync/atomic"

// sizeBand classifies a request the way the collector this is adapted from
// classified allocations by size, trimmed to the two bands this allocator's
// own small/large split already defines (sizeclass.MaxSmall is the
// boundary; callers pass small/large, not a raw byte count, since only
// internal/pralloc knows which path served a given request).
type sizeBand int

const (
	bandSmall sizeBand = iota
	bandLarge
)

// Counters is a process-local, lock-free tally of allocation activity for
// one attached Allocator. The zero value is ready to use.
type Counters struct {
	totalAllocs uint64
	totalFrees  uint64
	smallAllocs uint64
	largeAllocs uint64
	bytesLive   int64
	bytesPeak   int64
}

// RecordAlloc records a successful allocation of n bytes, classified small
// or large by the caller (internal/pralloc knows which path served it;
// re-deriving that here from n alone would duplicate sizeclass.IsLarge's
// boundary instead of reusing it).
func (c *Counters) RecordAlloc(n uintptr, large bool) {
	atomic.AddUint64(&c.totalAllocs, 1)
	if large {
		atomic.AddUint64(&c.largeAllocs, 1)
	} else {
		atomic.AddUint64(&c.smallAllocs, 1)
	}
	live := atomic.AddInt64(&c.bytesLive, int64(n))
	for {
		peak := atomic.LoadInt64(&c.bytesPeak)
		if live <= peak || atomic.CompareAndSwapInt64(&c.bytesPeak, peak, live) {
			break
		}
	}
}

// RecordFree records a block of n bytes being freed.
func (c *Counters) RecordFree(n uintptr) {
	atomic.AddUint64(&c.totalFrees, 1)
	atomic.AddInt64(&c.bytesLive, -int64(n))
}

// Snapshot is a point-in-time copy of Counters, safe to read after the
// fields have stopped changing (or to treat as approximate while they are
// still moving, the same tradeoff the teacher's MetricsCollector makes).
type Snapshot struct {
	TotalAllocs uint64
	TotalFrees  uint64
	SmallAllocs uint64
	LargeAllocs uint64
	BytesLive   int64
	BytesPeak   int64
}

// Snapshot reads every counter. Individual fields may be torn relative to
// each other under concurrent updates (each is loaded independently), which
// is acceptable for a reporting tool and not for a correctness check.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TotalAllocs: atomic.LoadUint64(&c.totalAllocs),
		TotalFrees:  atomic.LoadUint64(&c.totalFrees),
		SmallAllocs: atomic.LoadUint64(&c.smallAllocs),
		LargeAllocs: atomic.LoadUint64(&c.largeAllocs),
		BytesLive:   atomic.LoadInt64(&c.bytesLive),
		BytesPeak:   atomic.LoadInt64(&c.bytesPeak),
	}
}
