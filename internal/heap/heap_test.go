package heap

import (
	"testing"
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/region"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

func TestActivePackUnpackRoundTrip(t *testing.T) {
	fake := unsafe.Pointer(uintptr(0x7f0000001000)) // synthetic, 64-byte aligned
	a := Active{Desc: (*descriptor.Descriptor)(fake), Credits: 17}
	got := UnpackActive(a.Pack())
	if got.Desc != a.Desc || got.Credits != a.Credits {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, a)
	}
}

func TestActiveZeroWordIsNoActive(t *testing.T) {
	got := UnpackActive(0)
	if got.Desc != nil || got.Credits != 0 {
		t.Fatalf("expected zero word to decode to no active, got %+v", got)
	}
}

func newTestHeap(t *testing.T, scIdx int) (*Heap, *Manager, *region.Manager) {
	t.Helper()
	m, err := region.Create(region.Options{
		Path:           t.Name(),
		DescRegionSize: 1 << 20,
		SBRegionSize:   1 << 20,
		UseVolatile:    true,
	})
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	pool := descriptor.NewPool(m, sizeclass.SBSize)
	hm := NewManager(pool, m, 1)
	return hm.Processor(0).Heap(scIdx), hm, m
}

// smallestClass picks the size class with the fewest blocks per superblock,
// so a test can exhaust and cross a superblock boundary cheaply.
const smallestClass = sizeclass.Count - 1

func TestAllocateDrainsSuperblockThenCarvesNew(t *testing.T) {
	h, _, _ := newTestHeap(t, smallestClass)
	cls := sizeclass.Table[smallestClass]

	seen := make(map[unsafe.Pointer]bool)
	var firstHeader unsafe.Pointer
	for i := uint32(0); i < cls.MaxObjects; i++ {
		addr, err := h.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if addr == nil {
			t.Fatalf("Allocate #%d returned nil", i)
		}
		if seen[addr] {
			t.Fatalf("Allocate #%d returned a duplicate address", i)
		}
		seen[addr] = true
		if i == 0 {
			firstHeader = blockheader.HeaderOf(addr)
		}
	}

	addr, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate after exhaustion: %v", err)
	}
	if blockheader.HeaderOf(addr) == firstHeader {
		t.Fatal("expected a fresh superblock once the first was exhausted")
	}
}

func TestFreeReturnsBlockForImmediateReuse(t *testing.T) {
	h, hm, _ := newTestHeap(t, smallestClass)
	cls := sizeclass.Table[smallestClass]

	addrs := make([]unsafe.Pointer, cls.MaxObjects)
	for i := range addrs {
		addr, err := h.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		addrs[i] = addr
	}

	if err := hm.FreeSmall(blockheader.HeaderOf(addrs[0])); err != nil {
		t.Fatalf("FreeSmall: %v", err)
	}

	next, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if next != addrs[0] {
		t.Fatalf("expected the freed block to be reused, got a different address")
	}
}

func TestAllocateHeaderNamesOwningDescriptor(t *testing.T) {
	h, hm, _ := newTestHeap(t, smallestClass)

	addr, err := h.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	header := blockheader.HeaderOf(addr)
	if blockheader.Kind(header) != blockheader.KindSmall {
		t.Fatalf("expected SMALL header, got kind %#x", blockheader.Kind(header))
	}
	desc := hm.pool.DescriptorForOffset(blockheader.SuperblockOffset(header))
	if desc.SCIdx != smallestClass {
		t.Fatalf("header names descriptor for size class %d, want %d", desc.SCIdx, smallestClass)
	}
}
