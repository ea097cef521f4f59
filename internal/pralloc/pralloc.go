// Package pralloc wires every component from spec.md §2 and SPEC_FULL.md §2
// into the single allocator handle external callers attach to: the region
// manager, durability layer, descriptor pool, root table, per-processor
// heaps, one thread cache per processor, and the large-block path. It is the
// only package that constructs all of them together; every other internal
// package stays a leaf that only knows the narrow interface it consumes from
// its neighbors.
package pralloc

import (
	"runtime"
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/durability"
	"github.com/arcfault/pralloc/internal/heap"
	"github.com/arcfault/pralloc/internal/largeblock"
	"github.com/arcfault/pralloc/internal/perrors"
	"github.com/arcfault/pralloc/internal/recovery"
	"github.com/arcfault/pralloc/internal/region"
	"github.com/arcfault/pralloc/internal/roots"
	"github.com/arcfault/pralloc/internal/sizeclass"
	"github.com/arcfault/pralloc/internal/stats"
	"github.com/arcfault/pralloc/internal/threadcache"
)

// Options configures Attach. ThreadCount is the fixed number of
// per-processor heaps and thread caches built for this attach's lifetime
// (spec.md §6 "Thread count is fixed at attach"); zero defaults to
// runtime.NumCPU(). ThreadCacheConfig is zero-valued by default, which means
// threadcache.DefaultConfig().
type Options struct {
	Path              string
	DescRegionSize    uintptr
	SBRegionSize      uintptr
	UseVolatile       bool
	ThreadCount       int
	ThreadCacheConfig threadcache.Config
}

// Allocator is the allocator core's single explicit handle (spec.md §9:
// "the base-metadata record and the region handle are process-wide by
// necessity ... model them as explicit handles created by attach and passed
// to every operation; global convenience wrappers are a thin veneer").
type Allocator struct {
	region     *region.Manager
	durability *durability.Layer
	pool       *descriptor.Pool
	heaps      *heap.Manager
	large      *largeblock.Allocator
	roots      *roots.Table
	caches     []*threadcache.Cache
	stats      stats.Counters
}

// zeroSentinel is the distinguishable non-null address Allocate(0) returns
// (spec.md §6: "allocate(0) returns either a distinguishable non-null
// sentinel or null; callers must handle both"). It names no block and is
// never headered, backed, or recorded in any descriptor; Free recognizes it
// and treats it as a no-op, the same as free(null).
var zeroSentinel byte

// Attach opens the region named by opts.Path (or resumes/creates a
// volatile, in-process one), builds every component over it, and — if the
// region already existed — runs the mark-sweep recovery pass
// (internal/recovery, spec.md §4.I) before returning. This is
// attach(region_path, thread_count) -> fresh | resumed from spec.md §6: the
// two cases are distinguished internally by region.Exists rather than
// requiring the caller to know which one applies. A region that fails
// recovery is closed and the error returned with no usable Allocator (spec.md
// §7: no partial recovery).
func Attach(opts Options) (*Allocator, error) {
	threadCount := opts.ThreadCount
	if threadCount <= 0 {
		threadCount = runtime.NumCPU()
	}
	regionOpts := region.Options{
		Path:           opts.Path,
		DescRegionSize: opts.DescRegionSize,
		SBRegionSize:   opts.SBRegionSize,
		UseVolatile:    opts.UseVolatile,
	}

	resuming, err := region.Exists(regionOpts)
	if err != nil {
		return nil, err
	}

	var m *region.Manager
	if resuming {
		m, err = region.Attach(regionOpts)
	} else {
		m, err = region.Create(regionOpts)
	}
	if err != nil {
		return nil, err
	}

	a := build(m, threadCount, opts.ThreadCacheConfig)

	if resuming {
		rec := recovery.New(a.region, a.pool, a.heaps, a.roots)
		rec.SetDurabilityHook(a.flushOrPanic)
		if err := rec.Run(); err != nil {
			a.region.Close()
			return nil, err
		}
	}
	return a, nil
}

// build wires the fixed set of components described in spec.md §2 and
// SPEC_FULL.md §2 over an already-open region manager, installing the
// durability hook everywhere a component accepts one.
func build(m *region.Manager, threadCount int, cacheCfg threadcache.Config) *Allocator {
	a := &Allocator{region: m}
	a.durability = durability.New(m)

	a.pool = descriptor.NewPool(m, sizeclass.SBSize)
	a.pool.SetDurabilityHook(func(d *descriptor.Descriptor) { a.flushOrPanic(d.Addr(), descriptor.Size) })

	a.heaps = heap.NewManager(a.pool, m, threadCount)
	a.heaps.SetDurabilityHook(a.flushOrPanic)

	a.large = largeblock.New(m, a.pool)
	a.large.SetDurabilityHook(a.flushOrPanic)

	a.roots = roots.NewTable(m)

	if (cacheCfg == threadcache.Config{}) {
		cacheCfg = threadcache.DefaultConfig()
	}
	a.caches = make([]*threadcache.Cache, threadCount)
	for i := range a.caches {
		a.caches[i] = threadcache.New(a.heaps.Processor(i), a.heaps, cacheCfg)
	}
	return a
}

// flushOrPanic adapts durability.Layer's (addr, count) -> error shape to the
// void callback every lower package's SetDurabilityHook expects. A flush
// failure on the real mmap-backed region means the kernel could not push a
// dirty page to the backing file — spec.md §7 treats this as a fatal
// corruption risk rather than something to retry, and nothing above this
// call stack has a narrower recovery than aborting the operation in
// progress, so it surfaces as a panic instead of a silently dropped error.
// The volatile backend's Sync never errors, so this path is never taken in
// tests.
func (a *Allocator) flushOrPanic(addr unsafe.Pointer, count uintptr) {
	if err := a.durability.FlushFence(addr, count); err != nil {
		panic(perrors.Corruption("durability: flush failed: " + err.Error()))
	}
}

// Detach releases the region's backing resources. It does not run recovery;
// the next Attach to the same path does that.
func (a *Allocator) Detach() error {
	return a.region.Close()
}

// Stats returns a point-in-time snapshot of this Allocator's allocation
// counters (internal/stats).
func (a *Allocator) Stats() stats.Snapshot {
	return a.stats.Snapshot()
}

// RegisterFilter binds filterID to fn for this attach's lifetime (spec.md
// §4.J/§6 register_filter). Registration is process-local and must be
// redone on every attach before running recovery against roots that name
// filterID — callers that need recovery to see a filter must register it
// before relying on any root pointing through it.
func (a *Allocator) RegisterFilter(filterID uint32, fn roots.FilterFunc) {
	a.roots.RegisterFilter(filterID, fn)
}

// SetRoot installs (ptr, filterID) into root slot i (spec.md §4.J set_root).
func (a *Allocator) SetRoot(i int, ptr uintptr, filterID uint32) error {
	return a.roots.Set(i, ptr, filterID)
}

// GetRoot returns the (pointer, filter id) pair at root slot i (spec.md §4.J
// get_root).
func (a *Allocator) GetRoot(i int) (ptr uintptr, filterID uint32, err error) {
	return a.roots.Get(i)
}

// ClearRoot removes the root at slot i.
func (a *Allocator) ClearRoot(i int) error {
	return a.roots.Clear(i)
}

// Thread is one caller's binding to a per-processor heap and thread cache
// (spec.md §4.E/§4.F: "each thread binds to one [per-processor heap] by
// thread id", thread caches are "thread-local, no sharing"). Go has no
// stable OS-thread identity to bind on implicitly, so a Thread is obtained
// explicitly — once per goroutine that will call Allocate/Free repeatedly —
// the same way heap.Manager.Processor already takes an explicit id. A Thread
// must not be shared between goroutines.
type Thread struct {
	a     *Allocator
	cache *threadcache.Cache
}

// Thread returns the Thread bound to processor id (wrapped modulo the fixed
// thread count set at Attach, the same wraparound heap.Manager.Processor
// uses).
func (a *Allocator) Thread(id int) *Thread {
	return &Thread{a: a, cache: a.caches[id%len(a.caches)]}
}

// Allocate returns n bytes, routed through the small-class thread cache when
// n fits a size class and through the direct-mapped large-block path
// otherwise (spec.md §4.G's dispatch). Allocate(0) returns Allocator's
// distinguishable zero sentinel rather than carving any state.
func (t *Thread) Allocate(n uintptr) (unsafe.Pointer, error) {
	if n == 0 {
		return unsafe.Pointer(&zeroSentinel), nil
	}
	// A small block's slot holds its header in front of the payload, so the
	// size class is chosen for n plus the header.
	large := n > sizeclass.MaxSmall-blockheader.Size
	var (
		ptr unsafe.Pointer
		err error
	)
	recorded := n
	if large {
		ptr, err = t.a.large.Allocate(n)
	} else {
		var scIdx int
		scIdx, err = sizeclass.ClassIndex(n + blockheader.Size)
		if err == nil {
			ptr, err = t.cache.Allocate(scIdx)
			recorded = uintptr(sizeclass.Table[scIdx].BlockSize) - blockheader.Size
		}
	}
	if err != nil {
		return nil, err
	}
	t.a.stats.RecordAlloc(recorded, large)
	return ptr, nil
}

// Free returns ptr, a pointer previously returned by Allocate/Reallocate on
// this Allocator, to its owning structures. free(null) and free of the zero
// sentinel are no-ops (spec.md §6).
func (t *Thread) Free(ptr unsafe.Pointer) error {
	if ptr == nil || ptr == unsafe.Pointer(&zeroSentinel) {
		return nil
	}
	size, err := t.blockSize(ptr)
	if err != nil {
		return err
	}
	header := blockheader.HeaderOf(ptr)
	switch blockheader.Kind(header) {
	case blockheader.KindSmall:
		desc := t.a.pool.DescriptorForOffset(blockheader.SuperblockOffset(header))
		if err := t.cache.Free(desc.SCIdx, ptr); err != nil {
			return err
		}
	case blockheader.KindLarge:
		if err := t.a.large.Free(header); err != nil {
			return err
		}
	default:
		return perrors.Corruption("pralloc: free on a pointer with an unrecognised header")
	}
	t.a.stats.RecordFree(size)
	return nil
}

// AllocateZeroed returns nElems*elemSize bytes, zeroed, the way calloc does
// (spec.md §6 allocate_zeroed). Overflow in the multiplication is reported
// as InvalidArgument rather than silently wrapping to a short allocation.
func (t *Thread) AllocateZeroed(nElems, elemSize uintptr) (unsafe.Pointer, error) {
	if elemSize != 0 && nElems > ^uintptr(0)/elemSize {
		return nil, perrors.InvalidArgument("nElems*elemSize", nElems)
	}
	n := nElems * elemSize
	ptr, err := t.Allocate(n)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		clear(unsafe.Slice((*byte)(ptr), n))
	}
	return ptr, nil
}

// AllocateAligned returns n bytes aligned to alignment, a power of two
// (spec.md §6 allocate_aligned). Every aligned request takes the
// direct-mapped path (internal/largeblock.AllocateAligned) regardless of
// size: the size-class ladder only guarantees Granularity-byte alignment,
// which is not enough for an arbitrary caller-chosen alignment.
func (t *Thread) AllocateAligned(alignment, n uintptr) (unsafe.Pointer, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, perrors.InvalidArgument("alignment", alignment)
	}
	if n == 0 {
		return unsafe.Pointer(&zeroSentinel), nil
	}
	ptr, err := t.a.large.AllocateAligned(alignment, n)
	if err != nil {
		return nil, err
	}
	t.a.stats.RecordAlloc(n, true)
	return ptr, nil
}

// AlignedInto stores an aligned allocation's address into *out and returns
// nil, or leaves *out untouched and returns an error (spec.md §6
// aligned_into(&out, alignment, n), generalized to Go's (error) idiom in
// place of the original's success/failure return).
func (t *Thread) AlignedInto(out *unsafe.Pointer, alignment, n uintptr) error {
	ptr, err := t.AllocateAligned(alignment, n)
	if err != nil {
		return err
	}
	*out = ptr
	return nil
}

// Reallocate resizes the block at ptr to n bytes, preserving the lesser of
// its old and new sizes' worth of content (spec.md §6 reallocate). There is
// no in-place growth path for either the size-class or large-block formats
// here (unlike a general-purpose malloc, a superblock's slots are fixed at
// carve time and a large block's span is fixed at allocation time), so this
// always allocates fresh and copies — correct, if not as cheap as an
// in-place realloc would be when the new size still fits the same slot.
func (t *Thread) Reallocate(ptr unsafe.Pointer, n uintptr) (unsafe.Pointer, error) {
	if ptr == nil || ptr == unsafe.Pointer(&zeroSentinel) {
		return t.Allocate(n)
	}
	oldSize, err := t.blockSize(ptr)
	if err != nil {
		return nil, err
	}
	newPtr, err := t.Allocate(n)
	if err != nil {
		return nil, err
	}
	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	if copySize > 0 {
		copy(unsafe.Slice((*byte)(newPtr), copySize), unsafe.Slice((*byte)(ptr), copySize))
	}
	if err := t.Free(ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}

// blockSize returns the payload size of a live block ptr points at, read
// back out of its header/descriptor the same way internal/recovery's
// resolve does for an interior pointer, specialized here to the exact
// pointer Allocate returned.
func (t *Thread) blockSize(ptr unsafe.Pointer) (uintptr, error) {
	header := blockheader.HeaderOf(ptr)
	switch blockheader.Kind(header) {
	case blockheader.KindSmall:
		desc := t.a.pool.DescriptorForOffset(blockheader.SuperblockOffset(header))
		return uintptr(desc.BlockSize) - blockheader.Size, nil
	case blockheader.KindLarge:
		total, err := blockheader.Length(header)
		if err != nil {
			return 0, err
		}
		return uintptr(total) - blockheader.Size, nil
	default:
		return 0, perrors.Corruption("pralloc: pointer with an unrecognised header")
	}
}
