// Package pralloc is the module's only non-internal package: a thin
// re-export of internal/pralloc's Attach/Options/Allocator/Thread surface
// (spec.md §6's external interface), so that every actual component stays
// free to evolve behind the internal/ boundary while callers outside this
// module get one stable import path.
package pralloc

import (
	"unsafe"

	"github.com/arcfault/pralloc/internal/pralloc"
	"github.com/arcfault/pralloc/internal/roots"
	"github.com/arcfault/pralloc/internal/threadcache"
)

// Options configures Attach; see internal/pralloc.Options.
type Options = pralloc.Options

// ThreadCacheConfig tunes per-size-class batching; see threadcache.Config.
type ThreadCacheConfig = threadcache.Config

// FilterFunc is the signature a root's registered filter must implement;
// see roots.FilterFunc.
type FilterFunc = roots.FilterFunc

// DefaultThreadCacheConfig returns threadcache.DefaultConfig().
func DefaultThreadCacheConfig() ThreadCacheConfig {
	return threadcache.DefaultConfig()
}

// Allocator is the attached allocator handle; see internal/pralloc.Allocator.
type Allocator = pralloc.Allocator

// Thread is a goroutine's binding to one processor's heap and thread cache;
// see internal/pralloc.Thread.
type Thread = pralloc.Thread

// New is an alias for Attach, for callers that find attach(region_path,
// thread_count) -> fresh | resumed more naturally spelled as "open a new or
// existing allocator" (spec.md §6).
func New(opts Options) (*Allocator, error) { return pralloc.Attach(opts) }

// Attach opens or creates the region named by opts.Path and returns the
// attached Allocator handle (spec.md §6 attach).
func Attach(opts Options) (*Allocator, error) { return pralloc.Attach(opts) }

// UserPtr is the unsafe.Pointer type every Allocator/Thread method returns
// and accepts, re-exported so callers don't need to import "unsafe"
// themselves just to hold one.
type UserPtr = unsafe.Pointer
