// Package largeblock implements the direct-mapped allocation path for
// requests past the largest size class (spec.md §4.G, component G):
// "a direct region allocation of size + HEADER_SIZE, headered with LARGE
// and the exact byte length."
//
// The original frees a large block by munmap-ing it straight back to the
// OS. SB_REGION here is a persistent bump allocator with no general free,
// so that path isn't available: once carved, a large block's backing bytes
// are never returned to the bump watermark. Instead, a large allocation is
// given a Descriptor from the same grid-indexed pool internal/heap uses for
// small superblocks (sc_idx == 0, spec.md §3: "Index 0 is reserved for
// large"), spanning however many SBSIZE-aligned slots its rounded size
// needs. Freeing it resets that descriptor to EMPTY and hands it back to the
// pool's recycle list, the large-block equivalent of a superblock going
// EMPTY. This is also what makes a large block survive a crash at all:
// without a descriptor recorded in DESC_REGION, internal/recovery's sweep
// (grounded on gc.hpp's GarbageCollection pass) would have no way to learn
// the range was ever allocated.
package largeblock

import (
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/perrors"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

// sbRegion is the subset of internal/region's Manager the large-block path
// needs. Kept as an interface for the same reason internal/heap's sbRegion
// is.
type sbRegion interface {
	RegionAllocator(alignment, bytes uintptr) (unsafe.Pointer, error)
	Translate(offset uintptr) unsafe.Pointer
	Offset(addr unsafe.Pointer) uintptr
}

// descPool is the subset of internal/descriptor's Pool the large-block path
// needs, identical to internal/heap's descPool.
type descPool interface {
	DescriptorForOffset(sbOffset uintptr) *descriptor.Descriptor
	GetRecycled() *descriptor.Descriptor
	Put(d *descriptor.Descriptor)
}

// Allocator serves allocations that bypass the size-class ladder entirely.
type Allocator struct {
	region sbRegion
	pool   descPool
	flush  func(addr unsafe.Pointer, count uintptr)
}

// New returns an Allocator carving fresh ranges from region, recording each
// one in pool.
func New(region sbRegion, pool descPool) *Allocator {
	return &Allocator{region: region, pool: pool}
}

// SetDurabilityHook installs the flush+fence callback run after the header
// and descriptor of a large block are written.
func (a *Allocator) SetDurabilityHook(fn func(addr unsafe.Pointer, count uintptr)) {
	a.flush = fn
}

func roundUpSpan(n uintptr) uintptr {
	return (n + sizeclass.SBSize - 1) &^ (sizeclass.SBSize - 1)
}

func (a *Allocator) flushDescriptor(d *descriptor.Descriptor) {
	if a.flush != nil {
		a.flush(d.Addr(), descriptor.Size)
	}
}

// Allocate returns a user pointer to a direct-mapped block of n bytes,
// headered LARGE with n as its exact length (spec.md §4.G). A descriptor
// recycled from the pool is reused only when its span exactly matches the
// request — a single-probe match, not a best-fit search across every
// recycled large descriptor, trading some reuse for a bounded-cost path.
func (a *Allocator) Allocate(n uintptr) (unsafe.Pointer, error) {
	total := n + blockheader.Size
	span := roundUpSpan(total)

	if desc := a.pool.GetRecycled(); desc != nil {
		if uintptr(desc.BlockSize) == span {
			addr := a.region.Translate(desc.Superblock)
			desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateFull})
			a.flushDescriptor(desc)
			return blockheader.WriteLarge(addr, uint64(total), a.flush), nil
		}
		a.pool.Put(desc)
	}

	addr, err := a.region.RegionAllocator(sizeclass.SBSize, span)
	if err != nil {
		return nil, err
	}
	offset := a.region.Offset(addr)
	desc := a.pool.DescriptorForOffset(offset)
	desc.Superblock = offset
	desc.BlockSize = uint32(span)
	desc.MaxCount = 1
	desc.SCIdx = descriptor.LargeSCIdx
	desc.SetHeap(0)
	desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateFull})
	a.flushDescriptor(desc)

	return blockheader.WriteLarge(addr, uint64(total), a.flush), nil
}

// AllocateAligned returns a user pointer of n bytes aligned to alignment (a
// power of two), headered LARGE exactly like Allocate. An alignment of 1 is
// served by Allocate. Otherwise the span is carved on the SBSIZE grid
// internal/descriptor indexes by, with alignment-1 bytes of slack after its
// KindLargeAligned directory record, and the user pointer is placed on the
// first alignment boundary of its live address past that record; alignment
// may be larger than SBSize.
//
// Unlike Allocate, this never reuses a recycled descriptor: a recycled
// descriptor's span was carved for a specific (possibly different)
// alignment, and re-validating it against a new one is not worth the
// complexity for what spec.md treats as a boundary case rather than the
// common path.
func (a *Allocator) AllocateAligned(alignment, n uintptr) (unsafe.Pointer, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, perrors.InvalidArgument("alignment", alignment)
	}
	if alignment == 1 {
		return a.Allocate(n)
	}

	// RegionAllocator aligns offsets within SB_REGION, not live addresses,
	// so the span reserves alignment-1 bytes of slack after the directory
	// record for the pad computed below.
	dirEnd := uintptr(2 * blockheader.Size)
	total := dirEnd + (alignment - 1) + n
	span := roundUpSpan(total)

	addr, err := a.region.RegionAllocator(sizeclass.SBSize, span)
	if err != nil {
		return nil, err
	}
	// pad is the smallest gap after the directory record that leaves the
	// real header's own end (and so the user pointer) on an alignment
	// boundary of the live address.
	userStart := uintptr(addr) + dirEnd
	pad := roundUpSpan2(userStart, alignment) - userStart
	offset := a.region.Offset(addr)
	desc := a.pool.DescriptorForOffset(offset)
	desc.Superblock = offset
	desc.BlockSize = uint32(span)
	desc.MaxCount = 1
	desc.SCIdx = descriptor.LargeSCIdx
	desc.SetHeap(0)
	desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateFull})
	a.flushDescriptor(desc)

	userLen := uint64(blockheader.Size) + uint64(n)
	return blockheader.WriteAlignedLarge(addr, pad, userLen, a.flush), nil
}

// roundUpSpan2 rounds v up to the next multiple of align (a power of two),
// the general form roundUpSpan specializes to sizeclass.SBSize.
func roundUpSpan2(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Free returns the block whose header starts at headerAddr to the
// descriptor pool's recycle list. The caller must have already verified
// blockheader.Kind(headerAddr) == blockheader.KindLarge.
func (a *Allocator) Free(headerAddr unsafe.Pointer) error {
	if _, err := blockheader.Length(headerAddr); err != nil {
		return perrors.Corruption("largeblock: Free on a non-LARGE header")
	}
	desc, err := a.ownerDescriptor(headerAddr)
	if err != nil {
		return err
	}
	desc.StoreAnchor(descriptor.Anchor{State: descriptor.StateEmpty})
	a.flushDescriptor(desc)
	a.pool.Put(desc)
	return nil
}

// ownerDescriptor finds the descriptor governing headerAddr. An ordinary
// (non-aligned) LARGE header sits exactly at its superblock's grid-slot
// base, so dividing straight down finds it in one step. An aligned LARGE
// header (written past a KindLargeAligned directory record, see
// AllocateAligned) can sit past that base by up to one alignment's worth of
// slack, which may span more than one SBSIZE grid slot, so this walks
// backward slot by slot until it finds the populated descriptor that
// actually owns headerAddr — the same technique internal/recovery's resolve
// uses to locate a block from an arbitrary interior pointer.
func (a *Allocator) ownerDescriptor(headerAddr unsafe.Pointer) (*descriptor.Descriptor, error) {
	off := a.region.Offset(headerAddr)
	slotOff := off &^ (sizeclass.SBSize - 1)
	for {
		desc := a.pool.DescriptorForOffset(slotOff)
		if desc.MaxCount != 0 && desc.Superblock == slotOff && off < slotOff+uintptr(desc.BlockSize) {
			return desc, nil
		}
		if slotOff == 0 {
			return nil, perrors.Corruption("largeblock: header does not resolve to any superblock")
		}
		slotOff -= sizeclass.SBSize
	}
}
