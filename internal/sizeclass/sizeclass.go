// Package sizeclass implements the small-object size-class table: the
// linear, granularity-8 ladder from 8 bytes up to 2048 bytes that every
// request below the large-block threshold gets rounded up into.
package sizeclass

import "github.com/arcfault/pralloc/internal/perrors"

const (
	// Granularity is the step between adjacent size classes.
	Granularity = 8

	// MaxSmall is the largest block size a size class provides; a request
	// whose size plus the 9-byte block header exceeds it takes the
	// large-block path (spec.md §4.G).
	MaxSmall = 2048

	// SBSize is the superblock size every size class's superblocks are
	// carved at.
	SBSize = 16 * 1024

	// Count is the number of size classes, Granularity apart from 8 to
	// MaxSmall inclusive.
	Count = MaxSmall / Granularity
)

// Class describes one size class: the block size every superblock of this
// class is sliced into, and the superblock size those superblocks are
// carved from SB_REGION at.
type Class struct {
	BlockSize  uint32
	SBSize     uint32
	MaxObjects uint32 // SBSize / BlockSize, the descriptor's maxcount
}

// Table is the static, immutable list of size classes, indexed by
// ClassIndex's return value. Table[i].BlockSize == (i+1)*Granularity.
var Table = buildTable()

func buildTable() [Count]Class {
	var t [Count]Class
	for i := range t {
		blockSize := uint32((i + 1) * Granularity)
		t[i] = Class{
			BlockSize:  blockSize,
			SBSize:     SBSize,
			MaxObjects: SBSize / blockSize,
		}
	}
	return t
}

// ClassIndex returns the size-class index serving a request of n bytes, or
// an error if n is 0 or larger than MaxSmall (the caller should route those
// to the large-block path instead of calling this).
func ClassIndex(n uintptr) (int, error) {
	if n == 0 || n > MaxSmall {
		return 0, perrors.InvalidArgument("size", n)
	}
	return int((n+Granularity-1)/Granularity) - 1, nil
}

// IsLarge reports whether n must take the large-block path rather than a
// size class.
func IsLarge(n uintptr) bool { return n > MaxSmall }
