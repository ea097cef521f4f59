//go:build !unix

package region

import "errors"

// newUnixBackend is unavailable on non-unix platforms; callers must set
// Options.UseVolatile there.
func newUnixBackend(opts Options, totalSize uintptr, create bool) (backend, error) {
	return nil, errors.New("region: real mmap backend requires a unix build target; set Options.UseVolatile")
}
