// Package durability implements the flush/fence primitives the allocator
// core uses every time it commits a change to persistent state: write the
// bytes, flush them out of any write-back cache, then fence so a subsequent
// write cannot be reordered ahead of the flush by the CPU or the OS.
package durability

import "unsafe"

// Syncer is the subset of internal/region's Manager that durability needs:
// the ability to push count bytes starting at addr out to the backing
// medium. The real region manager implements this with msync(2); the
// volatile backend (used in tests) implements it as a no-op.
type Syncer interface {
	Sync(addr unsafe.Pointer, count uintptr) error
}

// Layer implements spec.md §4.H's durability contract: Flush, Fence, and
// FlushFence. It is a thin wrapper over a Syncer rather than its own
// substrate, so the same Layer type works unchanged over both the real
// mmap-backed region and the volatile test one.
type Layer struct {
	s Syncer
}

// New returns a Layer backed by s.
func New(s Syncer) *Layer {
	return &Layer{s: s}
}

// Flush pushes count bytes starting at addr out of any write-back cache and
// toward the backing medium, but does not order it against subsequent
// writes — call Fence afterward before any external party may observe the
// write as durable. Flush errors are reported rather than swallowed, but
// per spec.md §7 a flush failure on the real backend is treated as fatal
// corruption risk by the caller, not retried here.
func (l *Layer) Flush(addr unsafe.Pointer, count uintptr) error {
	return l.s.Sync(addr, count)
}

// Fence establishes an ordering point: every Flush issued before this call
// is guaranteed complete before any write issued after it. msync(MS_SYNC)
// is already synchronous, so on the real backend Fence is folded into
// Flush's return and this call is a no-op; it exists as its own method so
// call sites read the same way spec.md's flush/fence pairing does, and so a
// future backend with an async flush (e.g. MS_ASYNC plus a real memory
// fence) can implement the two independently without changing any caller.
func (l *Layer) Fence() {}

// FlushFence is Flush immediately followed by Fence, the common case: the
// caller has just finished a durable write and wants to know it is safe to
// let another thread or process observe it.
func (l *Layer) FlushFence(addr unsafe.Pointer, count uintptr) error {
	if err := l.Flush(addr, count); err != nil {
		return err
	}
	l.Fence()
	return nil
}
