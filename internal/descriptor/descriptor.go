// Package descriptor implements the per-superblock descriptor record, its
// anchor state machine, and the global descriptor pool the allocator core
// carves fresh descriptors from and recycles them back to (spec.md §4.B,
// §4.D).
package descriptor

import (
	"sync/atomic"
	"unsafe"

	"github.com/arcfault/pralloc/internal/concurrency"
	"github.com/arcfault/pralloc/internal/perrors"
)

// Descriptor describes exactly one superblock. It is carved from
// DESC_REGION and, once assigned a superblock, is never deallocated to the
// OS — on retire it returns to the global free-descriptor LIFO (Pool.Free)
// instead.
type Descriptor struct {
	// Superblock is the offset (relative to SB_REGION) of the backing
	// superblock. Persistent, stable once assigned.
	Superblock uintptr

	// BlockSize and MaxCount are derived from the owning size class.
	BlockSize uint32
	MaxCount  uint32

	// SCIdx is the owning size class's index, or 0 (LargeSCIdx) for a large
	// (direct mapped) block.
	SCIdx int

	// heap is an opaque back-pointer to the owning per-processor heap,
	// stored as a uintptr rather than a typed pointer so this package never
	// has to import internal/heap (which imports this package). The heap
	// package casts it back via SetHeap/Heap.
	heap atomic.Uintptr

	// anchor is the packed Anchor word; the single source of truth for this
	// superblock's free list and lifecycle state (spec.md §4.D). Always
	// mutated by CAS as a whole word, never field by field. A plain uint64
	// (not atomic.Uint64) because concurrency.CASUint64 operates on a raw
	// *uint64, matching the teacher's CAS helper signatures.
	anchor uint64

	// nextFree and nextPartial are transient link fields rebuilt on attach
	// (spec.md §3): nextFree threads the global free-descriptor LIFO,
	// nextPartial threads SCIdx's partial queue. A descriptor is never on
	// both at once (invariant 3, spec.md §3).
	nextFree    atomic.Pointer[Descriptor]
	nextPartial atomic.Pointer[Descriptor]

	// _ pads the record to 64 bytes, so every descriptor in DESC_REGION
	// (which starts on a page boundary of the mapping) is 64-byte aligned and
	// the heap's active word can keep its 6 credit bits below the pointer.
	_ [8]byte
}

// Size is the byte size of one Descriptor record, the stride DESC_REGION is
// indexed at (spec.md §3, §6).
const Size = unsafe.Sizeof(Descriptor{})

// LargeSCIdx is the SCIdx stamped on a large (direct-mapped) block's
// descriptor (spec.md §3: "Index 0 is reserved for large"), shared by
// internal/largeblock and internal/recovery so neither has to redefine it.
const LargeSCIdx = 0

// Addr returns d's own address. Durability hooks that don't need per-field
// granularity flush the whole record at once via Addr()/Size rather than
// tracking each field's address separately.
func (d *Descriptor) Addr() unsafe.Pointer { return unsafe.Pointer(d) }

// NextFree exposes the free-descriptor-list link field, usable as a LIFO's
// nextFn: concurrency.NewLIFO[*Descriptor](NextFree).
func NextFree(d *Descriptor) *atomic.Pointer[Descriptor] { return &d.nextFree }

// NextPartial exposes the partial-queue link field, usable as a LIFO's
// nextFn for a size class's partial queue.
func NextPartial(d *Descriptor) *atomic.Pointer[Descriptor] { return &d.nextPartial }

// Heap returns the opaque heap back-pointer installed by SetHeap.
func (d *Descriptor) Heap() uintptr { return d.heap.Load() }

// SetHeap installs the opaque heap back-pointer.
func (d *Descriptor) SetHeap(h uintptr) { d.heap.Store(h) }

// Anchor returns the current unpacked anchor.
func (d *Descriptor) Anchor() Anchor { return Unpack(concurrency.LoadUint64(&d.anchor)) }

// AnchorWord returns the current packed anchor word, for callers (the
// recovery pass) that need to CAS it directly without going through
// CASAnchor's Anchor-typed interface.
func (d *Descriptor) AnchorWord() uint64 { return concurrency.LoadUint64(&d.anchor) }

// StoreAnchor installs a into the anchor word unconditionally. Used only
// during descriptor initialization and recovery rebuild, before the
// descriptor is published to any other thread — everywhere else, anchor
// updates must go through CASAnchor.
func (d *Descriptor) StoreAnchor(a Anchor) { concurrency.StoreUint64(&d.anchor, a.Pack()) }

// CASAnchor attempts to replace the anchor word from old to new, returning
// whether it succeeded. It installs new's Tag as given: the heap's
// allocation paths pass an anchor derived from old.Bumped(), and FreeSmall
// keeps old's tag unchanged. On success the
// caller must flush the anchor word and fence before any follow-up that
// publishes the outcome to other threads (spec.md §4.H).
func (d *Descriptor) CASAnchor(old, new Anchor) bool {
	return concurrency.CASUint64(&d.anchor, old.Pack(), new.Pack())
}

// Validate checks a descriptor against spec.md §3's static invariants:
// avail+count <= maxcount, and state EMPTY implies count == maxcount-1 (one
// slot is the avail head). Used by recovery when corruption is suspected.
func (d *Descriptor) Validate() error {
	a := d.Anchor()
	if uint32(a.Avail)+a.Count > d.MaxCount {
		return perrors.Corruption("anchor avail+count exceeds maxcount")
	}
	if a.State == StateEmpty && d.MaxCount > 0 && a.Count != d.MaxCount-1 {
		return perrors.Corruption("EMPTY anchor with count != maxcount-1")
	}
	return nil
}
