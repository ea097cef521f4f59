// Package threadcache implements the per-thread front end (spec.md §4.F,
// component F): bins of free blocks keyed by size class, confined to a
// single caller with no internal synchronization (spec.md §5's "Shared-
// resource discipline": "thread caches (thread-local, no sharing)"). A
// Cache is meant to be owned by exactly one goroutine/OS thread for its
// lifetime; callers that want per-thread caches bind one Cache per thread
// id alongside the heap.Processor that id maps to.
package threadcache

import (
	"unsafe"

	"github.com/arcfault/pralloc/internal/blockheader"
	"github.com/arcfault/pralloc/internal/heap"
	"github.com/arcfault/pralloc/internal/sizeclass"
)

// Config holds the per-size-class batch tuning spec.md §4.F calls out as
// "part of the configuration vector": how many blocks a miss pulls from the
// per-processor heap in one go, and how many a bin may hold before a free
// triggers flushing a batch back.
type Config struct {
	FillSize  [sizeclass.Count]uint32
	HighWater [sizeclass.Count]uint32
}

// DefaultConfig returns a Config where larger size classes use smaller
// batches (spec.md §4.F: "Batch size is chosen per class (larger classes →
// smaller batches)"), since a batch of large blocks wastes more superblock
// space sitting idle in a thread-local bin than the same batch of small
// ones.
func DefaultConfig() Config {
	var cfg Config
	for i := range cfg.FillSize {
		fill := uint32(512 / (i + 1))
		if fill < 4 {
			fill = 4
		}
		if fill > 64 {
			fill = 64
		}
		cfg.FillSize[i] = fill
		cfg.HighWater[i] = fill * 2
	}
	return cfg
}

// freer returns a block to its owning descriptor. Implemented by
// heap.Manager.FreeSmall.
type freer interface {
	FreeSmall(headerAddr unsafe.Pointer) error
}

// Cache is one thread's set of per-size-class bins. The zero value is not
// usable; construct with New.
type Cache struct {
	proc *heap.Processor
	mgr  freer
	cfg  Config
	bins [sizeclass.Count][]unsafe.Pointer
}

// New returns an empty Cache drawing from proc's per-size-class heaps and
// returning blocks through mgr.
func New(proc *heap.Processor, mgr *heap.Manager, cfg Config) *Cache {
	return &Cache{proc: proc, mgr: mgr, cfg: cfg}
}

// Allocate returns one block of size class scIdx from the local bin,
// refilling it from the per-processor heap first if it is empty (spec.md
// §4.F: "Fast-path allocate pops one block from the local bin").
func (c *Cache) Allocate(scIdx int) (unsafe.Pointer, error) {
	if len(c.bins[scIdx]) == 0 {
		if err := c.fill(scIdx); err != nil {
			return nil, err
		}
	}
	bin := c.bins[scIdx]
	last := len(bin) - 1
	addr := bin[last]
	c.bins[scIdx] = bin[:last]
	return addr, nil
}

// Free pushes addr (a user pointer of size class scIdx) onto the local bin,
// flushing a batch back to its owning superblocks if the bin has grown past
// its high-water mark (spec.md §4.F: "Fast-path free pushes to the local
// bin... when a bin exceeds a high-water mark, flush a batch back").
func (c *Cache) Free(scIdx int, addr unsafe.Pointer) error {
	c.bins[scIdx] = append(c.bins[scIdx], addr)
	if uint32(len(c.bins[scIdx])) > c.cfg.HighWater[scIdx] {
		return c.flush(scIdx)
	}
	return nil
}

// fill pulls up to cfg.FillSize[scIdx] blocks from the per-processor heap
// into the local bin. A short fill (heap.Allocate erroring after at least
// one block was obtained) is not itself an error — the bin just ends up
// smaller than the target batch.
func (c *Cache) fill(scIdx int) error {
	h := c.proc.Heap(scIdx)
	target := c.cfg.FillSize[scIdx]
	for i := uint32(0); i < target; i++ {
		addr, err := h.Allocate()
		if err != nil {
			if i > 0 {
				return nil
			}
			return err
		}
		c.bins[scIdx] = append(c.bins[scIdx], addr)
	}
	return nil
}

// flush returns up to cfg.FillSize[scIdx] blocks from the local bin to
// their owning superblocks, keeping the flushed batch the same size as a
// fill batch so a cache that oscillates between one allocating and one
// freeing phase doesn't thrash the heap on every operation.
func (c *Cache) flush(scIdx int) error {
	bin := c.bins[scIdx]
	drain := c.cfg.FillSize[scIdx]
	if drain > uint32(len(bin)) {
		drain = uint32(len(bin))
	}
	for i := uint32(0); i < drain; i++ {
		addr := bin[len(bin)-1]
		bin = bin[:len(bin)-1]
		if err := c.mgr.FreeSmall(blockheader.HeaderOf(addr)); err != nil {
			return err
		}
	}
	c.bins[scIdx] = bin
	return nil
}
