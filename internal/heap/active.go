// Package heap implements the per-processor heap (spec.md §4.E): a fixed
// table indexed by size class, each entry holding an active descriptor plus
// reserved credits, one partial slot, and a size class's shared partial
// queue. Allocation tries the active word first, then the partial slot or
// queue, then carves a fresh superblock — the same tie-break order as the
// original MallocFromActive/MallocFromPartial/MallocFromNewSB.
package heap

import (
	"unsafe"

	"github.com/arcfault/pralloc/internal/descriptor"
)

// ptrAlignShift reflects that descriptors are 64-byte aligned
// (descriptor.Size is padded to 64 bytes and DESC_REGION starts on a page
// boundary of the mapping), freeing the low 6 bits of a
// descriptor pointer for the active word's credits field (spec.md §3
// "Active word").
const ptrAlignShift = 6

const (
	creditsBits = ptrAlignShift
	creditsMask = uint64(1)<<creditsBits - 1
	ptrMask     = ^creditsMask
)

// MaxCredits bounds how many blocks a single active-word install reserves at
// once, distinct from the 6-bit field's raw capacity (63): a smaller cap
// keeps one thread from draining an entire superblock's count into an active
// word no other thread can observe until it is exhausted.
const MaxCredits = 32

// Active is the unpacked view of a per-size-class active word: the
// currently serving descriptor (or nil for "no active") and the number of
// blocks pre-reserved and immediately claimable without touching the
// descriptor's anchor.
type Active struct {
	Desc    *descriptor.Descriptor
	Credits uint32
}

// Pack encodes a into its 64-bit on-the-wire form. Descriptor pointers are
// 64-byte aligned, so ORing in credits below bit 6 never clobbers the
// pointer's real low bits (they are already zero).
func (a Active) Pack() uint64 {
	if a.Desc == nil {
		return 0
	}
	word := uint64(uintptr(unsafe.Pointer(a.Desc))) & ptrMask
	return word | (uint64(a.Credits) & creditsMask)
}

// UnpackActive decodes a 64-bit active word into its field view. The zero
// word decodes to Active{} (no active descriptor).
func UnpackActive(word uint64) Active {
	if word == 0 {
		return Active{}
	}
	ptr := uintptr(word & ptrMask)
	return Active{
		Desc:    (*descriptor.Descriptor)(unsafe.Pointer(ptr)),
		Credits: uint32(word & creditsMask),
	}
}
