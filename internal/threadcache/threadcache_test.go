package threadcache

import (
	"testing"
	"unsafe"

	"github.com/arcfault/pralloc/internal/descriptor"
	"github.com/arcfault/pralloc/internal/heap"
	"github.com/arcfault/pralloc/internal/region"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	m, err := region.Create(region.Options{
		Path:           t.Name(),
		DescRegionSize: 4 << 20,
		SBRegionSize:   4 << 20,
		UseVolatile:    true,
	})
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	pool := descriptor.NewPool(m, sizeclass.SBSize)
	hm := heap.NewManager(pool, m, 1)
	return New(hm.Processor(0), hm, cfg)
}

func TestDefaultConfigShrinksBatchForLargerClasses(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FillSize[0] < cfg.FillSize[sizeclass.Count-1] {
		t.Fatalf("expected smaller classes to get larger batches: class0=%d classN=%d",
			cfg.FillSize[0], cfg.FillSize[sizeclass.Count-1])
	}
	for i, fs := range cfg.FillSize {
		if fs == 0 {
			t.Fatalf("class %d has a zero fill size", i)
		}
		if cfg.HighWater[i] <= fs {
			t.Fatalf("class %d high-water %d must exceed fill size %d", i, cfg.HighWater[i], fs)
		}
	}
}

func TestAllocateFillsBinAndServesDistinctBlocks(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	// Class 0's 8-byte slots cannot hold a 9-byte block header; class 1 is
	// the smallest class the allocator serves.
	scIdx := 1

	seen := make(map[unsafe.Pointer]bool)
	n := int(cfg.FillSize[scIdx]) * 3
	for i := 0; i < n; i++ {
		addr, err := c.Allocate(scIdx)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("Allocate #%d returned a duplicate block", i)
		}
		seen[addr] = true
	}
}

func TestFreeBelowHighWaterKeepsBlockLocal(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	scIdx := 0

	addr, err := c.Allocate(scIdx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := c.Free(scIdx, addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(c.bins[scIdx]) == 0 {
		t.Fatal("expected the freed block to sit in the local bin below high-water")
	}

	again, err := c.Allocate(scIdx)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if again != addr {
		t.Fatalf("expected the locally-cached block to be served first, got a different address")
	}
}

func TestFreeAboveHighWaterFlushesBatch(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	scIdx := 0

	// Pull a big batch into the bin, then free it all back; once the bin
	// crosses HighWater, a flush must bring it back down.
	n := int(cfg.HighWater[scIdx]) + 1
	addrs := make([]unsafe.Pointer, n)
	for i := range addrs {
		addr, err := c.Allocate(scIdx)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		addrs[i] = addr
	}
	for i, addr := range addrs {
		if err := c.Free(scIdx, addr); err != nil {
			t.Fatalf("Free #%d: %v", i, err)
		}
	}
	if uint32(len(c.bins[scIdx])) > cfg.HighWater[scIdx] {
		t.Fatalf("bin grew past high-water without flushing: len=%d high-water=%d",
			len(c.bins[scIdx]), cfg.HighWater[scIdx])
	}
}
