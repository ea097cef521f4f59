package concurrency

import "sync/atomic"

// CASUint64 performs an atomic compare-and-swap on a uint64 variable. The
// superblock anchor and the per-heap active word are both packed uint64s
// mutated this way: the whole word is always read, transformed, and CAS'd
// back as one unit, never field by field.
func CASUint64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

// CASUint32 performs an atomic compare-and-swap on a uint32 variable.
func CASUint32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

// LoadUint64 and StoreUint64 are the plain load/store counterparts to
// CASUint64, used on the read-only or single-writer paths where a full CAS
// would be pointless (e.g. reading an anchor to decide whether a retry is
// even worth attempting).
func LoadUint64(addr *uint64) uint64     { return atomic.LoadUint64(addr) }
func StoreUint64(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }
