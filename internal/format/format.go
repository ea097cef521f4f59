// Package format stamps and validates the on-disk persistent format version
// carried in the region superheader.
package format

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"

	"github.com/arcfault/pralloc/internal/perrors"
)

// Current is the format version this build writes into a freshly formatted
// region. Minor/patch bumps (new filter ids, extra root slots) stay loadable
// by older code within the same major; a major bump means the on-disk layout
// changed incompatibly.
const Current = "1.0.0"

// FieldWidth is the fixed, null-padded width the version string occupies in
// the superheader, so the header layout never depends on string length.
const FieldWidth = 16

// Encode returns the fixed-width, null-padded on-disk representation of v.
func Encode(v string) ([FieldWidth]byte, error) {
	var out [FieldWidth]byte
	if len(v) >= FieldWidth {
		return out, perrors.InvalidArgument("format version length", len(v))
	}
	copy(out[:], v)
	return out, nil
}

// Decode recovers the version string from its fixed-width on-disk form.
func Decode(raw [FieldWidth]byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// Compatible reports whether onDisk can be loaded by code that writes the
// supported format version: same major version, any minor/patch.
func Compatible(onDisk, supported string) (bool, error) {
	dv, err := semver.NewVersion(onDisk)
	if err != nil {
		return false, fmt.Errorf("on-disk format version %q: %w", onDisk, err)
	}
	sv, err := semver.NewVersion(supported)
	if err != nil {
		return false, fmt.Errorf("supported format version %q: %w", supported, err)
	}
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d", sv.Major()))
	if err != nil {
		return false, err
	}
	return constraint.Check(dv), nil
}
