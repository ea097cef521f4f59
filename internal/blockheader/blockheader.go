// Package blockheader implements the fixed prefix written just before every
// user block (spec.md §3 "Block header"): one byte of kind followed by
// either a superblock offset (SMALL, see below) or a byte length (LARGE).
// free() reads this prefix to decide whether to walk a descriptor's anchor or
// hand a large block's descriptor back to the pool, without ever looking up a
// separate table.
//
// spec.md §5 assumes SB_REGION is mapped at the same virtual address on
// every attach, which lets the SMALL field hold a raw, directly-dereferenced
// descriptor pointer. Nothing in this module's backing mmap call requests a
// fixed address (golang.org/x/sys/unix's Mmap wrapper has no MAP_FIXED
// parameter, and no pack example reaches for the raw syscall to add one), so
// a pointer written on one attach is not guaranteed valid on the next. The
// SMALL field instead stores the owning superblock's SB_REGION-relative
// offset, the same value already carried in descriptor.Descriptor.Superblock
// — attach-independent, and resolved back to a *descriptor.Descriptor
// through the grid-indexed pool (internal/descriptor.Pool) exactly the way
// every other superblock lookup in this allocator works.
//
// A third kind, KindLargeAligned, only ever appears at a large block's
// superblock base, never at a HeaderOf(userPtr) result: it is the directory
// record allocate_aligned (spec.md §6) writes when satisfying the caller's
// alignment needs more slack than an ordinary header leaves in front of the
// user pointer.
package blockheader

import (
	"encoding/binary"
	"unsafe"

	"github.com/arcfault/pralloc/internal/perrors"
)

// Kind values, fixed at format (spec.md §5 "Persistent format").
const (
	KindSmall byte = 0x01
	KindLarge byte = 0x80

	// KindLargeAligned marks a directory record written at a large block's
	// superblock base when allocate_aligned (spec.md §6) needed more than
	// Size bytes of slack to align the returned user pointer. It carries the
	// byte offset from the end of this directory record to the real LARGE
	// header, instead of a descriptor pointer or length. Never returned by
	// Kind(HeaderOf(userPtr)) — only seen by internal/recovery walking a
	// large block's span from its superblock base.
	KindLargeAligned byte = 0x81
)

const (
	// TypeSize is the width of the kind byte.
	TypeSize = 1
	// PtrSize is the width of the descriptor-pointer / length field.
	PtrSize = 8
	// Size is the total header width every block is prefixed with.
	Size = TypeSize + PtrSize
)

// WriteSmall stamps a SMALL header at headerAddr (the address HEADER_SIZE
// bytes before the user pointer this call will return) naming sbOffset (the
// owning superblock's SB_REGION-relative offset, i.e. its descriptor's
// Superblock field) as the owning superblock, and returns the user-visible
// payload pointer. flush, if non-nil, is called once over the whole header
// before the pointer is handed back, mirroring the original's "flush both
// cache lines of the header before returning the user pointer" (spec.md
// §4.H) — a single call over the header's Size bytes rather than the
// original's two separate FLUSH macro calls; that one call covers every
// cache line the header touches, including when it straddles two.
func WriteSmall(headerAddr unsafe.Pointer, sbOffset uintptr, flush func(unsafe.Pointer, uintptr)) unsafe.Pointer {
	kindByte := (*byte)(headerAddr)
	*kindByte = KindSmall
	descAddr := unsafe.Add(headerAddr, TypeSize)
	binary.LittleEndian.PutUint64((*[PtrSize]byte)(descAddr)[:], uint64(sbOffset))
	if flush != nil {
		flush(headerAddr, Size)
	}
	return unsafe.Add(headerAddr, Size)
}

// WriteLarge stamps a LARGE header naming the exact byte length of the
// direct-mapped region (header included), and returns the user payload
// pointer.
func WriteLarge(headerAddr unsafe.Pointer, length uint64, flush func(unsafe.Pointer, uintptr)) unsafe.Pointer {
	kindByte := (*byte)(headerAddr)
	*kindByte = KindLarge
	lenAddr := unsafe.Add(headerAddr, TypeSize)
	binary.LittleEndian.PutUint64((*[PtrSize]byte)(lenAddr)[:], length)
	if flush != nil {
		flush(headerAddr, Size)
	}
	return unsafe.Add(headerAddr, Size)
}

// HeaderOf returns the header address for a user payload pointer previously
// returned by WriteSmall/WriteLarge.
func HeaderOf(userPtr unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(userPtr, -Size)
}

// Kind reads the kind byte out of a header previously written by
// WriteSmall/WriteLarge.
func Kind(headerAddr unsafe.Pointer) byte {
	return *(*byte)(headerAddr)
}

// SuperblockOffset reads the owning superblock's SB_REGION-relative offset
// out of a SMALL header. The caller must have already checked
// Kind(headerAddr) == KindSmall.
func SuperblockOffset(headerAddr unsafe.Pointer) uintptr {
	descAddr := unsafe.Add(headerAddr, TypeSize)
	return uintptr(binary.LittleEndian.Uint64((*[PtrSize]byte)(descAddr)[:]))
}

// WriteAlignedLarge stamps a KindLargeAligned directory record at sbAddr
// naming pad (the byte gap between the end of this directory and the real
// LARGE header), writes that real LARGE header at
// sbAddr+Size+pad, and returns the resulting user pointer. Used by
// internal/largeblock when the caller's requested alignment needs more
// slack than Size bytes to land the user pointer on an aligned boundary.
func WriteAlignedLarge(sbAddr unsafe.Pointer, pad uintptr, length uint64, flush func(unsafe.Pointer, uintptr)) unsafe.Pointer {
	kindByte := (*byte)(sbAddr)
	*kindByte = KindLargeAligned
	padAddr := unsafe.Add(sbAddr, TypeSize)
	binary.LittleEndian.PutUint64((*[PtrSize]byte)(padAddr)[:], uint64(pad))
	if flush != nil {
		flush(sbAddr, Size)
	}
	return WriteLarge(unsafe.Add(sbAddr, Size+pad), length, flush)
}

// AlignedPad reads the pad gap out of a KindLargeAligned directory record.
// The caller must have already checked Kind(sbAddr) == KindLargeAligned.
func AlignedPad(sbAddr unsafe.Pointer) uintptr {
	padAddr := unsafe.Add(sbAddr, TypeSize)
	return uintptr(binary.LittleEndian.Uint64((*[PtrSize]byte)(padAddr)[:]))
}

// Length reads the byte length out of a LARGE header. The caller must have
// already checked Kind(headerAddr) == KindLarge.
func Length(headerAddr unsafe.Pointer) (uint64, error) {
	if Kind(headerAddr) != KindLarge {
		return 0, perrors.Corruption("blockheader: Length called on non-LARGE header")
	}
	lenAddr := unsafe.Add(headerAddr, TypeSize)
	return binary.LittleEndian.Uint64((*[PtrSize]byte)(lenAddr)[:]), nil
}
