package descriptor

import (
	"unsafe"

	"github.com/arcfault/pralloc/internal/concurrency"
)

// descRegion is the subset of internal/region's Manager the pool needs: the
// live base address and byte size of DESC_REGION. Kept as an interface
// rather than importing internal/region directly so descriptor stays a leaf
// package the way the teacher's smaller allocator packages do.
type descRegion interface {
	DescBase() unsafe.Pointer
	DescSize() uintptr
}

// Pool is DESC_REGION itself, addressed the way spec.md §3 and §6 fix the
// persistent format: "a contiguous array of sizeof(descriptor)-aligned
// records, indexed 1:1 with superblocks" — desc = DESC_REGION[(sb_addr -
// SB_REGION.base) / SBSIZE]. There is nothing to bump-allocate; every slot
// in the grid already has a Descriptor record the moment the backing region
// is created. What gets pooled is which slots are currently unused: a
// lock-free LIFO of descriptors whose superblock has gone EMPTY and is free
// for a new allocation to reuse at the same address (spec.md §4.B, the
// "recycle" half of "allocate/recycle fixed-size descriptors").
type Pool struct {
	records  []Descriptor
	slotSize uintptr
	free     *concurrency.LIFO[*Descriptor]
}

// NewPool returns a Pool over region's entire DESC_REGION, grid-indexed at
// slotSize-byte strides (sizeclass.SBSize in production use, matching
// SB_REGION's superblock granularity).
func NewPool(region descRegion, slotSize uintptr) *Pool {
	base := region.DescBase()
	count := region.DescSize() / Size
	var records []Descriptor
	if count > 0 {
		records = unsafe.Slice((*Descriptor)(base), count)
	}
	return &Pool{
		records:  records,
		slotSize: slotSize,
		free:     concurrency.NewLIFO[*Descriptor](NextFree),
	}
}

// SetDurabilityHook installs the flush+fence callback run after each
// successful push/pop of the recycle LIFO's head (spec.md §4.H).
func (p *Pool) SetDurabilityHook(fn func(*Descriptor)) {
	p.free.SetDurabilityHook(fn)
}

// DescriptorForOffset returns the descriptor bound to the SBSIZE-aligned
// grid slot starting at sbOffset, an offset relative to SB_REGION's base.
// sbOffset must already be a multiple of the pool's slotSize.
func (p *Pool) DescriptorForOffset(sbOffset uintptr) *Descriptor {
	return &p.records[sbOffset/p.slotSize]
}

// GetRecycled pops a descriptor whose superblock went EMPTY and was handed
// back via Put, or nil if none are available — the caller must then carve a
// fresh grid slot from SB_REGION and look its descriptor up with
// DescriptorForOffset instead.
func (p *Pool) GetRecycled() *Descriptor {
	return p.free.Pop()
}

// Put returns d to the recycle list once its superblock's anchor has been
// reset to EMPTY. d must not be installed as any heap's active or partial
// slot, on any size class's partial queue, or already on the recycle list
// (invariant 3, spec.md §3).
func (p *Pool) Put(d *Descriptor) {
	d.nextFree.Store(nil)
	p.free.Push(d)
}
