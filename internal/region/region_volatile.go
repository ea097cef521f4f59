package region

import (
	"sync"
	"unsafe"

	"github.com/arcfault/pralloc/internal/perrors"
)

// volatileBackend is an in-process, non-durable substrate: a plain []byte
// arena standing in for the mmap'd file. Sync is a no-op, matching
// spec.md §6's requirement that the durability primitives be implementable
// on a no-op substrate for tests.
//
// Arenas are kept in a package-level registry keyed by Options.Path so that
// a test can Create a region, Close it (simulating a crash that doesn't
// lose the backing storage), and Attach again by the same path within the
// same process — the scenario spec.md §8 calls for without requiring an
// actual file on disk.
type volatileBackend struct {
	key string
	buf []byte
}

var (
	volatileRegistryMu sync.Mutex
	volatileRegistry   = map[string][]byte{}
)

func newVolatileBackend(opts Options, totalSize uintptr, create bool) (backend, error) {
	volatileRegistryMu.Lock()
	defer volatileRegistryMu.Unlock()

	key := opts.Path
	if create {
		buf := make([]byte, totalSize)
		volatileRegistry[key] = buf
		return &volatileBackend{key: key, buf: buf}, nil
	}
	buf, ok := volatileRegistry[key]
	if !ok {
		return nil, perrors.InvalidArgument("volatile region path", key)
	}
	return &volatileBackend{key: key, buf: buf}, nil
}

func (b *volatileBackend) Base() unsafe.Pointer {
	if len(b.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.buf[0])
}

func (b *volatileBackend) Len() uintptr { return uintptr(len(b.buf)) }

func (b *volatileBackend) Sync(offset, count uintptr) error { return nil }

func (b *volatileBackend) Close() error { return nil }

// volatileExists reports whether path has a registered arena, backing
// Exists for the UseVolatile case.
func volatileExists(path string) bool {
	volatileRegistryMu.Lock()
	defer volatileRegistryMu.Unlock()
	_, ok := volatileRegistry[path]
	return ok
}

// ForgetVolatile drops path from the registry, simulating permanent data
// loss (as opposed to Close, which merely ends this process's mapping of
// it). Tests use this to assert that attach fails once storage is truly
// gone.
func ForgetVolatile(path string) {
	volatileRegistryMu.Lock()
	defer volatileRegistryMu.Unlock()
	delete(volatileRegistry, path)
}
