package heap

import (
	"sync/atomic"
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/concurrency"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

// sbRegion is the subset of internal/region's Manager the heap package needs
// to carve and address superblocks. Kept as an interface so heap stays a
// leaf package, the same dependency-inversion pattern internal/descriptor
// and internal/roots already use against internal/region.
type sbRegion interface {
	RegionAllocator(alignment, bytes uintptr) (unsafe.Pointer, error)
	Translate(offset uintptr) unsafe.Pointer
	Offset(addr unsafe.Pointer) uintptr
}

// descPool is the subset of internal/descriptor's Pool the heap package
// needs: look a descriptor up by the grid slot its superblock occupies,
// recycle a descriptor whose superblock went EMPTY, or hand one back.
type descPool interface {
	DescriptorForOffset(sbOffset uintptr) *descriptor.Descriptor
	GetRecycled() *descriptor.Descriptor
	Put(d *descriptor.Descriptor)
}

// Heap is one size class's slot within a per-processor heap: an active word
// plus a single-descriptor partial slot (spec.md §4.E).
type Heap struct {
	scIdx   int
	active  uint64
	partial atomic.Pointer[descriptor.Descriptor]
	mgr     *Manager
}

// Processor is one per-processor heap: a fixed table of Heap, one per size
// class. All threads bound to the same processor id share these slots.
type Processor struct {
	heaps [sizeclass.Count]Heap
}

// Heap returns the slot for size class scIdx.
func (p *Processor) Heap(scIdx int) *Heap { return &p.heaps[scIdx] }

// Manager owns the size classes' shared partial queues, the descriptor pool
// they draw from, the region superblocks are carved from, and the fixed
// table of per-processor heaps built at attach.
type Manager struct {
	pool     descPool
	region   sbRegion
	partialQ [sizeclass.Count]*concurrency.LIFO[*descriptor.Descriptor]

	processors []Processor

	// flush, if set, is called with the address and byte count of every
	// durable write this package makes (active words, partial slots,
	// anchors, block headers) so the durability layer can flush+fence it
	// before the write is visible to a concurrent allocation (spec.md §4.H).
	// A nil flush disables durability, appropriate for a volatile region.
	flush func(addr unsafe.Pointer, count uintptr)
}

// NewManager builds a Manager with numProcessors per-processor heaps, fixed
// for the lifetime of the attach (spec.md §4.E: "the number of per-processor
// heaps is fixed at attach, typically equal to the supported thread count").
func NewManager(pool descPool, region sbRegion, numProcessors int) *Manager {
	m := &Manager{pool: pool, region: region}
	for i := range m.partialQ {
		m.partialQ[i] = concurrency.NewLIFO[*descriptor.Descriptor](descriptor.NextPartial)
	}
	m.processors = make([]Processor, numProcessors)
	for p := range m.processors {
		for sc := range m.processors[p].heaps {
			m.processors[p].heaps[sc] = Heap{scIdx: sc, mgr: m}
		}
	}
	return m
}

// SetDurabilityHook installs the flush+fence callback run after every
// durable write the heap package makes.
func (m *Manager) SetDurabilityHook(fn func(addr unsafe.Pointer, count uintptr)) {
	m.flush = fn
}

func (m *Manager) flushRange(addr unsafe.Pointer, n uintptr) {
	if m.flush != nil {
		m.flush(addr, n)
	}
}

func (m *Manager) flushDescriptor(d *descriptor.Descriptor) {
	m.flushRange(d.Addr(), descriptor.Size)
}

func (m *Manager) flushActive(h *Heap) {
	m.flushRange(unsafe.Pointer(&h.active), 8)
}

func (m *Manager) flushPartial(h *Heap) {
	m.flushRange(unsafe.Pointer(&h.partial), unsafe.Sizeof(h.partial))
}

// RebuildPartial pushes desc onto its size class's shared partial queue with
// no heap bound to it yet (spec.md §4.I step 3: "push the descriptor onto
// the size class's partial queue"). Used only by internal/recovery's sweep;
// normal runtime publishes through a specific heap's putPartial instead.
// desc's heap back-pointer is left at 0 — the next getPartial to pop it
// assigns the popping heap, same as a freshly created descriptor does.
func (m *Manager) RebuildPartial(desc *descriptor.Descriptor) {
	desc.SetHeap(0)
	m.partialQ[desc.SCIdx].Push(desc)
}

// Processor returns the per-processor heap bound to id (spec.md §4.E: "each
// thread binds to one by thread id"), wrapping modulo the fixed processor
// count the way a thread id maps onto a fixed-size heap table.
func (m *Manager) Processor(id int) *Processor {
	return &m.processors[id%len(m.processors)]
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (h *Heap) loadActive() Active { return UnpackActive(concurrency.LoadUint64(&h.active)) }

func (h *Heap) casActive(old, new Active) bool {
	return concurrency.CASUint64(&h.active, old.Pack(), new.Pack())
}

// casActiveFromEmpty installs newActive only if the active word is currently
// zero ("no active"), the one-shot strong compare-and-swap
// MallocFromNewSB/UpdateActive use to win the install race.
func (h *Heap) casActiveFromEmpty(newActive Active) bool {
	return concurrency.CASUint64(&h.active, 0, newActive.Pack())
}

// Allocate returns one block from this heap's size class, trying the active
// descriptor first, then the partial slot/queue, then carving a fresh
// superblock — malloc()'s tie-break order (spec.md §4.D "Allocation
// tie-breaks").
func (h *Heap) Allocate() (unsafe.Pointer, error) {
	for {
		addr, err := h.mallocFromActive()
		if err != nil {
			return nil, err
		}
		if addr != nil {
			return addr, nil
		}
		addr, err = h.mallocFromPartial()
		if err != nil {
			return nil, err
		}
		if addr != nil {
			return addr, nil
		}
		addr, err = h.mallocFromNewSB()
		if err != nil {
			return nil, err
		}
		if addr != nil {
			return addr, nil
		}
		// Lost the install race installing a brand new superblock as active;
		// another thread got there first. Loop back to malloc_from_active,
		// which will now find that thread's active word installed.
	}
}

// mallocFromActive attempts the fast path: reserve one of the credits
// already claimed in the active word, then pop a block from the
// descriptor's intra-superblock free list. Returns (nil, nil) on a clean
// miss (no active descriptor installed).
func (h *Heap) mallocFromActive() (unsafe.Pointer, error) {
	var oldActive Active
	for {
		oldActive = h.loadActive()
		if oldActive.Desc == nil {
			return nil, nil
		}
		newActive := oldActive
		if oldActive.Credits == 0 {
			newActive = Active{}
		} else {
			newActive.Credits--
		}
		if h.casActive(oldActive, newActive) {
			break
		}
	}
	h.mgr.flushActive(h)

	desc := oldActive.Desc
	var (
		oldAnchor   descriptor.Anchor
		newAnchor   descriptor.Anchor
		addr        unsafe.Pointer
		morecredits uint32
	)
	for {
		oldAnchor = desc.Anchor()
		newAnchor = oldAnchor
		addr = h.mgr.region.Translate(desc.Superblock + uintptr(oldAnchor.Avail)*uintptr(desc.BlockSize))
		newAnchor.Avail = *(*uint32)(addr)
		newAnchor = newAnchor.Bumped()
		morecredits = 0
		if oldActive.Credits == 0 {
			if oldAnchor.Count == 0 {
				newAnchor.State = descriptor.StateFull
			} else {
				morecredits = minU32(oldAnchor.Count, MaxCredits)
				newAnchor.Count -= morecredits
			}
		}
		if desc.CASAnchor(oldAnchor, newAnchor) {
			break
		}
	}
	h.mgr.flushDescriptor(desc)

	if oldActive.Credits == 0 && oldAnchor.Count > 0 {
		h.updateActive(desc, morecredits)
	}

	return blockheader.WriteSmall(addr, desc.Superblock, h.mgr.flush), nil
}

// mallocFromPartial claims a descriptor from this heap's partial slot or its
// size class's partial queue and reserves a batch of credits from it.
// Returns (nil, nil) on a clean miss (no partial descriptor available).
func (h *Heap) mallocFromPartial() (unsafe.Pointer, error) {
	for {
		desc := h.getPartial()
		if desc == nil {
			return nil, nil
		}
		desc.SetHeap(uintptr(unsafe.Pointer(h)))
		h.mgr.flushDescriptor(desc)

		oldAnchor := desc.Anchor()
		var newAnchor descriptor.Anchor
		var morecredits uint32
		emptied := false
		for {
			newAnchor = oldAnchor
			if oldAnchor.State == descriptor.StateEmpty {
				h.mgr.pool.Put(desc)
				emptied = true
				break
			}
			morecredits = minU32(oldAnchor.Count-1, MaxCredits)
			newAnchor.Count -= morecredits + 1
			if morecredits > 0 {
				newAnchor.State = descriptor.StateActive
			} else {
				newAnchor.State = descriptor.StateFull
			}
			if desc.CASAnchor(oldAnchor, newAnchor) {
				break
			}
			oldAnchor = desc.Anchor()
		}
		if emptied {
			continue
		}
		h.mgr.flushDescriptor(desc)

		var addr unsafe.Pointer
		for {
			oldAnchor = desc.Anchor()
			newAnchor = oldAnchor
			addr = h.mgr.region.Translate(desc.Superblock + uintptr(oldAnchor.Avail)*uintptr(desc.BlockSize))
			newAnchor.Avail = *(*uint32)(addr)
			newAnchor = newAnchor.Bumped()
			if desc.CASAnchor(oldAnchor, newAnchor) {
				break
			}
		}
		h.mgr.flushDescriptor(desc)

		if morecredits > 0 {
			h.updateActive(desc, morecredits)
		}

		return blockheader.WriteSmall(addr, desc.Superblock, h.mgr.flush), nil
	}
}

// mallocFromNewSB carves a fresh superblock and descriptor and tries to
// install it as this heap's active descriptor, handing back its first
// block directly. Returns (nil, nil) if another thread installed an active
// descriptor first, in which case the caller retries from the top.
func (h *Heap) mallocFromNewSB() (unsafe.Pointer, error) {
	cls := sizeclass.Table[h.scIdx]

	// A recycled descriptor is still bound to its original, already-carved
	// grid slot (spec.md §3: DESC_REGION is indexed 1:1 with SB_REGION's
	// SBSIZE slots), so reusing one costs no new SB_REGION space. Only fall
	// back to carving a virgin slot from the bump watermark when the
	// recycle list is empty.
	desc := h.mgr.pool.GetRecycled()
	var sbAddr unsafe.Pointer
	if desc != nil {
		sbAddr = h.mgr.region.Translate(desc.Superblock)
	} else {
		var err error
		sbAddr, err = h.mgr.region.RegionAllocator(uintptr(cls.SBSize), uintptr(cls.SBSize))
		if err != nil {
			return nil, err
		}
		desc = h.mgr.pool.DescriptorForOffset(h.mgr.region.Offset(sbAddr))
	}

	desc.Superblock = h.mgr.region.Offset(sbAddr)
	desc.BlockSize = cls.BlockSize
	desc.MaxCount = cls.MaxObjects
	desc.SCIdx = h.scIdx
	desc.SetHeap(uintptr(unsafe.Pointer(h)))

	organizeList(sbAddr, cls.BlockSize, cls.MaxObjects, h.mgr.flush)

	newActive := Active{Desc: desc}
	newActive.Credits = minU32(cls.MaxObjects-1, MaxCredits)
	if newActive.Credits > 0 {
		newActive.Credits--
	}
	reserved := int64(newActive.Credits) + 1
	remaining := int64(cls.MaxObjects) - 1 - reserved
	if remaining < 0 {
		remaining = 0
	}
	desc.StoreAnchor(descriptor.Anchor{Avail: 1, Count: uint32(remaining), State: descriptor.StateActive})
	h.mgr.flushDescriptor(desc)

	if h.casActiveFromEmpty(newActive) {
		h.mgr.flushActive(h)
		return blockheader.WriteSmall(sbAddr, desc.Superblock, h.mgr.flush), nil
	}

	// Lost the install race. Because a descriptor's grid slot is its
	// superblock (spec.md §3's 1:1 indexing), nothing needs to be abandoned
	// the way a byte-range bump allocator would have to: reset the anchor to
	// EMPTY and hand the exact same slot back to the recycle list for the
	// next mallocFromNewSB to reuse.
	desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateEmpty})
	h.mgr.flushDescriptor(desc)
	h.mgr.pool.Put(desc)
	return nil, nil
}

// organizeList threads the intra-superblock free list of a freshly carved
// superblock: slot i (1 <= i <= count-2) holds i+1 as its next-free index.
// Slot 0 is handed out immediately by the caller installing the new active,
// and the last slot's link is never read, mirroring the original's
// organize_list.
func organizeList(base unsafe.Pointer, blockSize, count uint32, flush func(unsafe.Pointer, uintptr)) {
	for i := uint32(1); i+1 < count; i++ {
		slot := unsafe.Add(base, uintptr(i)*uintptr(blockSize))
		*(*uint32)(slot) = i + 1
		if flush != nil {
			flush(slot, 4)
		}
	}
}

// updateActive tries to install desc as this heap's active descriptor with
// morecredits-1 credits pre-reserved. If another thread already installed a
// different active descriptor, the reservation is rolled back: morecredits
// is returned to the descriptor's anchor and it is marked PARTIAL and
// handed to heap_put_partial.
func (h *Heap) updateActive(desc *descriptor.Descriptor, morecredits uint32) {
	newActive := Active{Desc: desc, Credits: morecredits - 1}
	if h.casActiveFromEmpty(newActive) {
		h.mgr.flushActive(h)
		return
	}

	for {
		oldAnchor := desc.Anchor()
		newAnchor := oldAnchor
		newAnchor.Count += morecredits
		newAnchor.State = descriptor.StatePartial
		if desc.CASAnchor(oldAnchor, newAnchor) {
			break
		}
	}
	h.mgr.flushDescriptor(desc)
	h.putPartial(desc)
}

// getPartial claims this heap's partial slot by swapping it to nil, falling
// back to the size class's shared partial queue if the slot is already
// empty (heap_get_partial, spec.md §4.E).
func (h *Heap) getPartial() *descriptor.Descriptor {
	for {
		prev := h.partial.Load()
		if prev == nil {
			return h.mgr.partialQ[h.scIdx].Pop()
		}
		if h.partial.CompareAndSwap(prev, nil) {
			return prev
		}
	}
}

// putPartial installs desc into this heap's partial slot, pushing whatever
// descriptor it displaces onto the size class's shared partial queue
// (heap_put_partial, spec.md §4.E).
func (h *Heap) putPartial(desc *descriptor.Descriptor) {
	for {
		prev := h.partial.Load()
		if h.partial.CompareAndSwap(prev, desc) {
			h.mgr.flushPartial(h)
			if prev != nil {
				h.mgr.partialQ[h.scIdx].Push(prev)
			}
			return
		}
	}
}

// removeEmptyDesc reclaims desc once free() has driven it to EMPTY: if it
// is still installed in its heap's partial slot, the slot is cleared and the
// descriptor goes straight back to the free pool. If it was already sitting
// in the size class's shared partial queue, it is left there — the next
// mallocFromPartial to pop it observes EMPTY and retires it then. This is a
// deliberate simplification of the original's eager queue-scan cleanup
// (ListRemoveEmptyDesc), which the original itself marks "TODO: is it
// necessary?".
func (h *Heap) removeEmptyDesc(desc *descriptor.Descriptor) {
	if h.partial.CompareAndSwap(desc, nil) {
		h.mgr.flushPartial(h)
		h.mgr.pool.Put(desc)
	}
}

// FreeSmall returns the SMALL block whose header starts at headerAddr to
// its owning descriptor's free list, walking the anchor state machine's
// FULL->PARTIAL and *->EMPTY transitions (free(), spec.md §4.D).
func (m *Manager) FreeSmall(headerAddr unsafe.Pointer) error {
	desc := m.pool.DescriptorForOffset(blockheader.SuperblockOffset(headerAddr))

	var oldAnchor, newAnchor descriptor.Anchor
	for {
		oldAnchor = desc.Anchor()
		newAnchor = oldAnchor

		*(*uint32)(headerAddr) = oldAnchor.Avail
		sbAddr := m.region.Translate(desc.Superblock)
		newAnchor.Avail = uint32((uintptr(headerAddr) - uintptr(sbAddr)) / uintptr(desc.BlockSize))

		if oldAnchor.State == descriptor.StateFull {
			newAnchor.State = descriptor.StatePartial
		}
		if oldAnchor.Count == desc.MaxCount-1 {
			newAnchor.State = descriptor.StateEmpty
		} else {
			newAnchor.Count++
		}

		if desc.CASAnchor(oldAnchor, newAnchor) {
			break
		}
	}
	m.flushDescriptor(desc)

	// desc.Heap() is a raw process-local pointer, valid as long as it has
	// been set since this process attached (at creation or the last
	// getPartial pop). A descriptor recovery rebuilt PARTIAL and pushed
	// straight onto the shared queue (internal/recovery) has no heap bound
	// to it yet, and desc.Heap() reads 0 — fall back to the shared
	// structures directly rather than dereferencing a null *Heap. Such a
	// descriptor that goes EMPTY is still on the shared queue, so it is left
	// there for mallocFromPartial to hand back to the pool when it pops it.
	switch {
	case newAnchor.State == descriptor.StateEmpty:
		if hp := desc.Heap(); hp != 0 {
			(*Heap)(unsafe.Pointer(hp)).removeEmptyDesc(desc)
		}
	case oldAnchor.State == descriptor.StateFull:
		if hp := desc.Heap(); hp != 0 {
			(*Heap)(unsafe.Pointer(hp)).putPartial(desc)
		} else {
			m.partialQ[desc.SCIdx].Push(desc)
		}
	}
	return nil
}
