//go:build unix

package region

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/arcfault/pralloc/internal/perrors"
)

// unixBackend is the real, crash-durable substrate: a regular file mapped
// with mmap(2) and flushed with msync(2) (MS_SYNC), the closest portable
// equivalent to the PMDK flush+fence primitives spec.md assumes without
// tying this repo to actual persistent-memory hardware or cgo.
type unixBackend struct {
	f    *os.File
	data []byte
}

func newUnixBackend(opts Options, totalSize uintptr, create bool) (backend, error) {
	if opts.Path == "" {
		return nil, perrors.InvalidArgument("Path", opts.Path)
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(opts.Path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	if create {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		totalSize = uintptr(fi.Size())
	}

	// Advisory exclusive lock: a second attach to the same file blocks here
	// rather than racing the first process's writes (spec.md §5's allowance
	// for the region manager to serialize attach).
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &unixBackend{f: f, data: data}, nil
}

func (b *unixBackend) Base() unsafe.Pointer {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.data[0])
}

func (b *unixBackend) Len() uintptr { return uintptr(len(b.data)) }

func (b *unixBackend) Sync(offset, count uintptr) error {
	pageSize := uintptr(os.Getpagesize())
	alignedOff := offset &^ (pageSize - 1)
	alignedEnd := alignUp(offset+count, pageSize)
	if alignedEnd > uintptr(len(b.data)) {
		alignedEnd = uintptr(len(b.data))
	}
	return unix.Msync(b.data[alignedOff:alignedEnd], unix.MS_SYNC)
}

func (b *unixBackend) Close() error {
	if err := unix.Munmap(b.data); err != nil {
		b.f.Close()
		return err
	}
	if err := unix.Flock(int(b.f.Fd()), unix.LOCK_UN); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}
