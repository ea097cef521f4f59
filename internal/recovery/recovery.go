// Package recovery implements the mark-sweep pass run once on every attach
// (spec.md §4.I, component I): rebuild every size class's partial queue and
// every descriptor's free list from scratch by tracing what is still
// reachable from the root table, and hand everything else back to the
// descriptor pool's recycle list. It is the only entry point that touches
// persistent state before the first allocation is served.
//
// Grounded on original_source/src/gc.hpp's GarbageCollection pass: reset
// transient state, mark from roots into a set keyed by address, then sweep
// SB_REGION superblock by superblock in lockstep with that set, special-
// casing single-block "large" superblocks. Two adaptations from gc.hpp are
// documented where they happen: the mark set is a Go hash map rather than a
// std::set (O(1) membership checks make the dual sorted-cursor walk gc.hpp
// needs unnecessary — the sweep's own SB_REGION walk already visits
// superblocks in address order), and the worklist gc.hpp's header
// anticipates for recursion is a plain slice-backed FIFO.
package recovery

import (
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/perrors"
	"github.com/arcfault/pralloc/internal/roots"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

// sbRegion is the subset of internal/region's Manager the recovery pass
// needs.
type sbRegion interface {
	CurrentTop() uintptr
	Translate(offset uintptr) unsafe.Pointer
	Offset(addr unsafe.Pointer) uintptr
	InRange(addr unsafe.Pointer) bool
}

// descPool is the subset of internal/descriptor's Pool recovery needs: look
// a descriptor up by its grid slot, and recycle one whose superblock swept
// EMPTY.
type descPool interface {
	DescriptorForOffset(sbOffset uintptr) *descriptor.Descriptor
	Put(d *descriptor.Descriptor)
}

// heapManager is the subset of internal/heap's Manager recovery needs: push
// a descriptor the sweep found PARTIAL onto its size class's shared queue.
// Every other piece of transient state (active words, partial slots, the
// free-descriptor list) is already reset by the fresh internal/heap.Manager
// and internal/descriptor.Pool the caller constructs before running
// recovery — spec.md §4.I step 1's "reset" falls out of attach building new
// volatile structures rather than anything recovery has to do itself.
type heapManager interface {
	RebuildPartial(desc *descriptor.Descriptor)
}

// Recovery runs the mark-sweep pass over one attached region.
type Recovery struct {
	region sbRegion
	pool   descPool
	heaps  heapManager
	roots  *roots.Table
	flush  func(addr unsafe.Pointer, count uintptr)
}

// New returns a Recovery ready to run over region, pool, and heaps, tracing
// reachability from rootsTable.
func New(region sbRegion, pool descPool, heaps heapManager, rootsTable *roots.Table) *Recovery {
	return &Recovery{region: region, pool: pool, heaps: heaps, roots: rootsTable}
}

// SetDurabilityHook installs the flush+fence callback run after every
// durable write recovery makes while rebuilding anchors and queues.
func (r *Recovery) SetDurabilityHook(fn func(addr unsafe.Pointer, count uintptr)) {
	r.flush = fn
}

func (r *Recovery) flushRange(addr unsafe.Pointer, n uintptr) {
	if r.flush != nil {
		r.flush(addr, n)
	}
}

func (r *Recovery) flushDescriptor(d *descriptor.Descriptor) {
	r.flushRange(d.Addr(), descriptor.Size)
}

// Run performs the full mark-sweep pass: spec.md §4.I steps 2 through 4
// (step 1 is satisfied by the caller's fresh volatile state, see
// heapManager's doc comment). It returns perrors.Corruption and leaves no
// partially-rebuilt state published on the first inconsistency it detects —
// per spec.md §7/§8, a corrupt region gets no partial recovery.
func (r *Recovery) Run() error {
	marked, err := r.mark()
	if err != nil {
		return err
	}
	return r.sweep(marked)
}

// markTask is one entry in the mark worklist: a block already known
// reachable, paired with the filter that found it so the same filter
// recurses into whatever pointers that block itself names.
type markTask struct {
	fn  roots.FilterFunc
	ptr uintptr
}

// mark traces reachability from every non-null root (spec.md §4.I step 2)
// using an explicit worklist rather than recursive calls, so a long chain of
// linked blocks cannot overflow the goroutine stack.
func (r *Recovery) mark() (map[uintptr]struct{}, error) {
	marked := make(map[uintptr]struct{})
	var queue []markTask

	enqueue := func(fn roots.FilterFunc, ptr uintptr) error {
		if ptr == 0 {
			return nil
		}
		userPtr, _, err := r.resolve(ptr)
		if err != nil {
			return err
		}
		if _, ok := marked[userPtr]; ok {
			return nil
		}
		marked[userPtr] = struct{}{}
		queue = append(queue, markTask{fn: fn, ptr: userPtr})
		return nil
	}

	err := r.roots.Each(func(slot int, ptr uintptr, filterID uint32) error {
		fn, err := r.roots.Filter(filterID)
		if err != nil {
			return err
		}
		return enqueue(fn, ptr)
	})
	if err != nil {
		return nil, err
	}

	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]

		_, size, err := r.resolve(task.ptr)
		if err != nil {
			return nil, err
		}
		var childErr error
		task.fn(task.ptr, size, func(child uintptr) {
			if childErr == nil {
				childErr = enqueue(task.fn, child)
			}
		})
		if childErr != nil {
			return nil, childErr
		}
	}
	return marked, nil
}

// resolve finds the block governing ptr and returns its canonical user
// pointer (the address a prior Allocate call actually returned) and payload
// size, rounding ptr down to its owning descriptor's recorded superblock or
// block base first (spec.md §9's large-block mark-time rounding: "filters
// always round the scanned pointer down to its descriptor's recorded
// superblock/block base before scanning, so a root pointing into the middle
// of a large block still marks the whole block"). A root or filter is free
// to name any address inside a block, not just the one Allocate returned —
// this is what makes that tolerable.
//
// A small block's descriptor occupies exactly one SBSize-aligned grid slot,
// so one round-down finds it directly. A large block can span many SBSize
// slots; only the first one carries a populated descriptor (spec.md §3's
// 1:1 grid indexing never touches the interior slots), so resolve walks
// backward grid slot by grid slot from ptr's own slot until it finds the
// populated head whose recorded span actually covers ptr. Every byte below
// the region's watermark belongs to exactly one contiguous span (small and
// large allocations are always carved SBSize-aligned, back to back, with no
// gaps), so the walk is guaranteed to terminate at the right head or hit
// corruption.
func (r *Recovery) resolve(ptr uintptr) (userPtr uintptr, size uintptr, err error) {
	if !r.region.InRange(unsafe.Pointer(ptr)) {
		return 0, 0, perrors.Corruption("recovery: marked pointer outside SB_REGION")
	}
	off := r.region.Offset(unsafe.Pointer(ptr))
	if off >= r.region.CurrentTop() {
		return 0, 0, perrors.Corruption("recovery: marked pointer past the SB_REGION watermark")
	}

	slotOff := off &^ (sizeclass.SBSize - 1)
	for {
		desc := r.pool.DescriptorForOffset(slotOff)
		if desc.MaxCount != 0 && desc.Superblock == slotOff {
			large := desc.SCIdx == descriptor.LargeSCIdx && desc.MaxCount == 1
			if !large {
				break // small superblock: owns the whole [slotOff, slotOff+SBSize) slot
			}
			if off < slotOff+uintptr(desc.BlockSize) {
				break // large block's recorded span covers ptr
			}
			return 0, 0, perrors.Corruption("recovery: pointer falls between two superblock spans")
		}
		if slotOff == 0 {
			return 0, 0, perrors.Corruption("recovery: pointer does not resolve to any superblock")
		}
		slotOff -= sizeclass.SBSize
	}

	sbAddr := r.region.Translate(slotOff)
	desc := r.pool.DescriptorForOffset(slotOff)
	if desc.SCIdx == descriptor.LargeSCIdx && desc.MaxCount == 1 {
		return r.largeCanonical(sbAddr)
	}

	blockSize := uintptr(desc.BlockSize)
	if blockSize == 0 {
		return 0, 0, perrors.Corruption("recovery: descriptor has a zero block size")
	}
	slotIdx := (off - slotOff) / blockSize
	header := unsafe.Add(sbAddr, slotIdx*blockSize)
	if blockheader.Kind(header) != blockheader.KindSmall {
		return 0, 0, perrors.Corruption("recovery: unrecognised block header kind")
	}
	if blockSize < blockheader.Size {
		return 0, 0, perrors.Corruption("recovery: SMALL header's descriptor block size is too small")
	}
	return uintptr(header) + blockheader.Size, blockSize - blockheader.Size, nil
}

// largeCanonical reads a large (direct-mapped) block's real header starting
// from its superblock base sbAddr and returns the canonical user pointer and
// payload size, following the KindLargeAligned directory record one level
// if allocate_aligned placed the real header further in (blockheader.go's
// package doc comment). Shared by resolve and sweepLarge so the two can never
// disagree about which address a large block's liveness is keyed on.
func (r *Recovery) largeCanonical(sbAddr unsafe.Pointer) (userPtr uintptr, size uintptr, err error) {
	header := sbAddr
	switch blockheader.Kind(sbAddr) {
	case blockheader.KindLarge:
	case blockheader.KindLargeAligned:
		pad := blockheader.AlignedPad(sbAddr)
		header = unsafe.Add(sbAddr, uintptr(blockheader.Size)+pad)
		if blockheader.Kind(header) != blockheader.KindLarge {
			return 0, 0, perrors.Corruption("recovery: aligned-large directory does not point at a LARGE header")
		}
	default:
		return 0, 0, perrors.Corruption("recovery: unrecognised block header kind")
	}
	total, err := blockheader.Length(header)
	if err != nil {
		return 0, 0, err
	}
	if total < uint64(blockheader.Size) {
		return 0, 0, perrors.Corruption("recovery: LARGE header length smaller than header size")
	}
	return uintptr(header) + blockheader.Size, uintptr(total) - blockheader.Size, nil
}

// sweep walks SB_REGION from offset 0 to the current watermark (spec.md
// §4.I step 3), rebuilding each descriptor's anchor from marked and
// publishing the result to the recycle list or the owning size class's
// partial queue.
func (r *Recovery) sweep(marked map[uintptr]struct{}) error {
	top := r.region.CurrentTop()
	for off := uintptr(0); off < top; {
		desc := r.pool.DescriptorForOffset(off)

		if desc.MaxCount == 0 {
			// A grid slot whose fields were never published: the narrow
			// window between RegionAllocator bumping the watermark and the
			// carving call stamping Superblock/BlockSize/MaxCount/SCIdx. No
			// header could have been written here yet, so nothing was ever
			// handed to a caller; leave it untouched rather than guess.
			off += sizeclass.SBSize
			continue
		}
		if desc.Superblock != off {
			return perrors.Corruption("recovery: descriptor's superblock offset does not match its grid slot")
		}

		sbAddr := r.region.Translate(off)

		if desc.SCIdx == descriptor.LargeSCIdx && desc.MaxCount == 1 {
			if err := r.sweepLarge(desc, sbAddr, marked); err != nil {
				return err
			}
			off += uintptr(desc.BlockSize)
			continue
		}

		if err := r.sweepSmall(desc, sbAddr, marked); err != nil {
			return err
		}
		off += sizeclass.SBSize
	}
	return nil
}

// sweepLarge rebuilds a large (direct-mapped) block's descriptor: FULL and
// kept if its one block is marked, EMPTY and recycled otherwise (spec.md
// §4.I step 3's large-block branch).
func (r *Recovery) sweepLarge(desc *descriptor.Descriptor, sbAddr unsafe.Pointer, marked map[uintptr]struct{}) error {
	if uintptr(desc.BlockSize) < sizeclass.SBSize || uintptr(desc.BlockSize)%sizeclass.SBSize != 0 {
		return perrors.Corruption("recovery: large descriptor's block size is not a whole number of grid slots")
	}
	userPtr, _, err := r.largeCanonical(sbAddr)
	if err != nil {
		return err
	}
	tag := desc.Anchor().Tag

	// heap is a raw pointer into the previous process's heap.Manager,
	// persisted in DESC_REGION alongside the rest of the descriptor (pool.go's
	// unsafe.Slice over DescBase()) and meaningless across a reattach. Zero it
	// here exactly like RebuildPartial does for PARTIAL descriptors, so a
	// later FULL->PARTIAL transition on this block falls back to the shared
	// partialQ instead of dereferencing a stale pointer.
	desc.SetHeap(0)

	if _, ok := marked[userPtr]; ok {
		desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateFull, Tag: tag})
		r.flushDescriptor(desc)
		return nil
	}
	desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateEmpty, Tag: tag})
	r.flushDescriptor(desc)
	r.pool.Put(desc)
	return nil
}

// sweepSmall rebuilds an in-use superblock's intra-superblock free list and
// anchor by walking its maxcount slots in order (spec.md §4.I step 3's
// small-superblock branch).
func (r *Recovery) sweepSmall(desc *descriptor.Descriptor, sbAddr unsafe.Pointer, marked map[uintptr]struct{}) error {
	maxCount := desc.MaxCount
	blockSize := uintptr(desc.BlockSize)
	if blockSize == 0 || maxCount == 0 || uintptr(maxCount)*blockSize > sizeclass.SBSize {
		return perrors.Corruption("recovery: descriptor's block size/maxcount is inconsistent with its superblock")
	}

	var free []uint32
	for i := uint32(0); i < maxCount; i++ {
		slot := unsafe.Add(sbAddr, uintptr(i)*blockSize)
		userPtr := uintptr(slot) + blockheader.Size
		if _, ok := marked[userPtr]; !ok {
			free = append(free, i)
		}
	}

	tag := desc.Anchor().Tag

	// heap is a raw pointer into the previous process's heap.Manager,
	// persisted in DESC_REGION and meaningless across a reattach. A
	// descriptor that sweeps PARTIAL or EMPTY already gets this reset via
	// RebuildPartial/a later GetRecycled carve, but one that sweeps FULL
	// (the len(free) == 0 case below) would otherwise keep its stale pointer
	// until a free() on it drives FULL->PARTIAL and dereferences garbage
	// through putPartial. Zero it unconditionally, before that branch.
	desc.SetHeap(0)

	if len(free) == 0 {
		desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateFull, Tag: tag})
		r.flushDescriptor(desc)
		return nil
	}

	for i := 0; i+1 < len(free); i++ {
		slot := unsafe.Add(sbAddr, uintptr(free[i])*blockSize)
		*(*uint32)(slot) = free[i+1]
		r.flushRange(slot, 4)
	}

	// count follows the heap's convention: the number of free blocks for
	// PARTIAL, and maxcount-1 for EMPTY.
	state := descriptor.StatePartial
	count := uint32(len(free))
	if count == maxCount {
		state = descriptor.StateEmpty
		count = maxCount - 1
	}
	anchor := descriptor.Anchor{Avail: free[0], Count: count, State: state, Tag: tag}
	desc.StoreAnchor(anchor)
	r.flushDescriptor(desc)

	switch state {
	case descriptor.StateEmpty:
		r.pool.Put(desc)
	case descriptor.StatePartial:
		r.heaps.RebuildPartial(desc)
	}
	return nil
}
