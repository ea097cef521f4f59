package recovery

import (
	"testing"
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/heap"
	"github.com/arcfault/pralloc/internal/largeblock"
	"github.com/arcfault/pralloc/internal/perrors"
	"github.com/arcfault/pralloc/internal/region"
	"github.com/arcfault/pralloc/internal/roots"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

const leafFilterID = 1

// leafFilter visits nothing: the roots in these tests point directly at
// blocks with no outgoing pointers of their own.
func leafFilter(ptr uintptr, size uintptr, visit func(uintptr)) {}

type fixture struct {
	region *region.Manager
	pool   *descriptor.Pool
	heaps  *heap.Manager
	large  *largeblock.Allocator
	roots  *roots.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := region.Create(region.Options{
		Path:           t.Name(),
		DescRegionSize: 1 << 20,
		SBRegionSize:   4 << 20,
		UseVolatile:    true,
	})
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	pool := descriptor.NewPool(m, sizeclass.SBSize)
	hm := heap.NewManager(pool, m, 1)
	large := largeblock.New(m, pool)
	rootsTable := roots.NewTable(m)
	rootsTable.RegisterFilter(leafFilterID, leafFilter)

	return &fixture{region: m, pool: pool, heaps: hm, large: large, roots: rootsTable}
}

func (f *fixture) recovery() *Recovery {
	return New(f.region, f.pool, f.heaps, f.roots)
}

// largeDescriptor finds the descriptor governing a large (direct-mapped)
// block's header. Unlike a SMALL header, a LARGE header's own trailing
// field is the block's byte length, not its owning superblock's offset, so
// blockheader.SuperblockOffset cannot be used here (its precondition is
// Kind == KindSmall) — the grid slot is derived directly from the header's
// address instead, masked down to the SBSIZE grid the same way
// largeblock.Allocator's ownerDescriptor does for an aligned header that
// doesn't sit exactly at its slot's base.
func (f *fixture) largeDescriptor(headerAddr unsafe.Pointer) *descriptor.Descriptor {
	off := f.region.Offset(headerAddr) &^ (sizeclass.SBSize - 1)
	return f.pool.DescriptorForOffset(off)
}

func TestRecoveryKeepsRootedSmallBlockAndFreesUnrooted(t *testing.T) {
	f := newFixture(t)
	const scIdx = sizeclass.Count - 1 // largest block size, room for a header
	h := f.heaps.Processor(0).Heap(scIdx)

	kept, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dropped, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := f.roots.Set(0, uintptr(kept), leafFilterID); err != nil {
		t.Fatalf("Set root: %v", err)
	}

	if err := f.recovery().Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	header := blockheader.HeaderOf(kept)
	desc := f.pool.DescriptorForOffset(blockheader.SuperblockOffset(header))
	anchor := desc.Anchor()
	if anchor.State != descriptor.StatePartial {
		t.Fatalf("expected the surviving superblock to rebuild PARTIAL (one slot still marked, the rest free), got %v", anchor.State)
	}

	// The dropped slot itself is not inspected here; the PARTIAL state
	// above is what shows the unrooted slots went back on the free list.
	_ = dropped
}

func TestRecoverySweepsEmptySuperblockWhenNothingSurvives(t *testing.T) {
	f := newFixture(t)
	const scIdx = sizeclass.Count - 1
	h := f.heaps.Processor(0).Heap(scIdx)

	addr, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	header := blockheader.HeaderOf(addr)
	desc := f.pool.DescriptorForOffset(blockheader.SuperblockOffset(header))

	if err := f.recovery().Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := desc.Anchor().State; got != descriptor.StateEmpty {
		t.Fatalf("expected an unrooted superblock to sweep EMPTY, got %v", got)
	}
	if recycled := f.pool.GetRecycled(); recycled != desc {
		t.Fatalf("expected the EMPTY descriptor to be recycled, got %v want %v", recycled, desc)
	}
}

func TestRecoveryKeepsRootedLargeBlockAndFreesUnrooted(t *testing.T) {
	f := newFixture(t)

	kept, err := f.large.Allocate(50000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dropped, err := f.large.Allocate(50000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := f.roots.Set(0, uintptr(kept), leafFilterID); err != nil {
		t.Fatalf("Set root: %v", err)
	}

	if err := f.recovery().Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	keptDesc := f.largeDescriptor(blockheader.HeaderOf(kept))
	if got := keptDesc.Anchor().State; got != descriptor.StateFull {
		t.Fatalf("expected the rooted large block to stay FULL, got %v", got)
	}

	droppedDesc := f.largeDescriptor(blockheader.HeaderOf(dropped))
	if got := droppedDesc.Anchor().State; got != descriptor.StateEmpty {
		t.Fatalf("expected the unrooted large block to sweep EMPTY, got %v", got)
	}
}

func TestRecoveryKeepsRootedAlignedLargeBlockAndFreesUnrooted(t *testing.T) {
	f := newFixture(t)

	kept, err := f.large.AllocateAligned(4096, 50000)
	if err != nil {
		t.Fatalf("AllocateAligned: %v", err)
	}
	dropped, err := f.large.AllocateAligned(4096, 50000)
	if err != nil {
		t.Fatalf("AllocateAligned: %v", err)
	}

	if err := f.roots.Set(0, uintptr(kept), leafFilterID); err != nil {
		t.Fatalf("Set root: %v", err)
	}

	if err := f.recovery().Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	keptDesc := f.largeDescriptor(blockheader.HeaderOf(kept))
	if got := keptDesc.Anchor().State; got != descriptor.StateFull {
		t.Fatalf("expected the rooted aligned large block to stay FULL, got %v", got)
	}

	droppedDesc := f.largeDescriptor(blockheader.HeaderOf(dropped))
	if got := droppedDesc.Anchor().State; got != descriptor.StateEmpty {
		t.Fatalf("expected the unrooted aligned large block to sweep EMPTY, got %v", got)
	}
}

func TestRecoveryFollowsFilterToMarkChildren(t *testing.T) {
	f := newFixture(t)
	const scIdx = sizeclass.Count - 1
	h := f.heaps.Processor(0).Heap(scIdx)

	parent, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate parent: %v", err)
	}
	child, err := f.large.Allocate(40000)
	if err != nil {
		t.Fatalf("Allocate child: %v", err)
	}

	const linkFilterID = 2
	childAddr := uintptr(child)
	f.roots.RegisterFilter(linkFilterID, func(ptr uintptr, size uintptr, visit func(uintptr)) {
		visit(childAddr)
	})
	if err := f.roots.Set(0, uintptr(parent), linkFilterID); err != nil {
		t.Fatalf("Set root: %v", err)
	}

	if err := f.recovery().Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	childDesc := f.largeDescriptor(blockheader.HeaderOf(child))
	if got := childDesc.Anchor().State; got != descriptor.StateFull {
		t.Fatalf("expected the child reached only through the parent's filter to survive FULL, got %v", got)
	}
}

func TestRecoveryRejectsUnregisteredFilter(t *testing.T) {
	f := newFixture(t)
	if err := f.roots.Set(0, 0x1000, 999); err != nil {
		t.Fatalf("Set root: %v", err)
	}
	err := f.recovery().Run()
	if !perrors.Is(err, perrors.KindCorruption) {
		t.Fatalf("expected KindCorruption for an unregistered filter id, got %v", err)
	}
}

func TestRecoveryRejectsRootOutsideSBRegion(t *testing.T) {
	f := newFixture(t)
	if err := f.roots.Set(0, 0xdeadbeef, leafFilterID); err != nil {
		t.Fatalf("Set root: %v", err)
	}
	err := f.recovery().Run()
	if !perrors.Is(err, perrors.KindCorruption) {
		t.Fatalf("expected KindCorruption for a root pointer outside SB_REGION, got %v", err)
	}
}
