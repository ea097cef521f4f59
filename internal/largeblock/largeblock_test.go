package largeblock

import (
	"testing"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/region"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	m, err := region.Create(region.Options{
		Path:           t.Name(),
		DescRegionSize: 64 * 1024,
		SBRegionSize:   4 << 20,
		UseVolatile:    true,
	})
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	pool := descriptor.NewPool(m, sizeclass.SBSize)
	return New(m, pool)
}

func TestAllocateStampsLargeHeader(t *testing.T) {
	a := newTestAllocator(t)
	addr, err := a.Allocate(10000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	header := blockheader.HeaderOf(addr)
	if blockheader.Kind(header) != blockheader.KindLarge {
		t.Fatalf("expected LARGE header, got kind %#x", blockheader.Kind(header))
	}
	length, err := blockheader.Length(header)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if length != 10000+blockheader.Size {
		t.Fatalf("got length %d, want %d", length, 10000+blockheader.Size)
	}
}

func TestFreeThenAllocateReusesRange(t *testing.T) {
	a := newTestAllocator(t)
	addr1, err := a.Allocate(20000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	header1 := blockheader.HeaderOf(addr1)
	if err := a.Free(header1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	addr2, err := a.Allocate(20000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if blockheader.HeaderOf(addr2) != header1 {
		t.Fatal("expected the freed range to be reused for a same-size request")
	}
}

// newAlignedTestAllocator mirrors newTestAllocator but with a larger
// SB_REGION, room for the span a 1 MiB alignment carves (the request plus up
// to 1 MiB of alignment slack).
func newAlignedTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	m, err := region.Create(region.Options{
		Path:           t.Name(),
		DescRegionSize: 64 * 1024,
		SBRegionSize:   16 << 20,
		UseVolatile:    true,
	})
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	pool := descriptor.NewPool(m, sizeclass.SBSize)
	return New(m, pool)
}

func TestAllocateAlignedRoundTripsAtBoundaryAlignments(t *testing.T) {
	for _, alignment := range []uintptr{1, 8, 4096, 1 << 20} {
		alignment := alignment
		t.Run("", func(t *testing.T) {
			a := newAlignedTestAllocator(t)
			addr, err := a.AllocateAligned(alignment, 123)
			if err != nil {
				t.Fatalf("AllocateAligned(%d, 123): %v", alignment, err)
			}
			if uintptr(addr)%alignment != 0 {
				t.Fatalf("AllocateAligned(%d, ...) = %p, not aligned", alignment, addr)
			}
			header := blockheader.HeaderOf(addr)
			if blockheader.Kind(header) != blockheader.KindLarge {
				t.Fatalf("expected LARGE header at the user pointer, got kind %#x", blockheader.Kind(header))
			}
			length, err := blockheader.Length(header)
			if err != nil {
				t.Fatalf("Length: %v", err)
			}
			if length != 123+blockheader.Size {
				t.Fatalf("got length %d, want %d", length, 123+blockheader.Size)
			}
			if err := a.Free(header); err != nil {
				t.Fatalf("Free: %v", err)
			}
		})
	}
}

func TestAllocateAlignedRejectsNonPowerOfTwo(t *testing.T) {
	a := newAlignedTestAllocator(t)
	if _, err := a.AllocateAligned(3, 16); err == nil {
		t.Fatal("expected an error for a non-power-of-two alignment")
	}
}

func TestAllocateDistinctSizesGetDistinctRanges(t *testing.T) {
	a := newTestAllocator(t)
	addr1, err := a.Allocate(1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr2, err := a.Allocate(50000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr1 == addr2 {
		t.Fatal("expected distinct addresses for distinct concurrent allocations")
	}
}
