// Package region implements the persistent backing store the allocator core
// is carved from: a single memory-mapped file holding a superheader, a
// descriptor region, and a superblock region. It exposes exactly the
// contract the allocator core consumes — region_allocator, translate,
// in_range, and current_top — behind two interchangeable backends, a real
// mmap-backed one and an in-process volatile one for tests.
package region

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/arcfault/pralloc/internal/format"
	"github.com/arcfault/pralloc/internal/perrors"
)

const (
	// SuperheaderSize is the fixed, page-aligned size reserved at offset 0
	// for the superheader. 4 KiB covers the fixed fields below with room for
	// MAX_ROOTS root slots and leaves the rest as padding to the next page.
	SuperheaderSize = 4096

	// MaxRoots bounds the root table the superheader carries (spec.md §4.J).
	MaxRoots = 64

	magicValue = uint64(0x706D616C6C6F6332) // "pmalloc2"
)

// superheaderLayout documents the on-disk byte layout of the first
// SuperheaderSize bytes of the backing file. Offsets are fixed so a recovery
// tool opening an unfamiliar file can read them without the rest of this
// package.
const (
	offMagic        = 0
	offFormat       = 8 // format.FieldWidth bytes
	offDescOffset   = offFormat + format.FieldWidth
	offDescSize     = offDescOffset + 8
	offSBOffset     = offDescSize + 8
	offSBSize       = offSBOffset + 8
	offCurrentTop   = offSBSize + 8
	offRootCount    = offCurrentTop + 8
	offRoots        = offRootCount + 8
	rootSlotSize    = 16 // 8 bytes pointer + 8 bytes filter id (spec.md §3's (pointer, filter_id) root slot)
	offRootsEnd     = offRoots + MaxRoots*rootSlotSize
)

func init() {
	if offRootsEnd > SuperheaderSize {
		panic("region: superheader layout overflows SuperheaderSize")
	}
}

// Options configures a Manager. Exactly one of the two backends is selected
// by UseVolatile, mirroring the teacher's boolean-policy style (RegionPolicy,
// SecurityPolicy) rather than an interface the caller has to implement.
type Options struct {
	// Path is the backing file path. When UseVolatile is set it is the key
	// the in-process volatile arena is registered under instead.
	Path string

	// DescRegionSize and SBRegionSize size the two carved regions following
	// the superheader. Required on Create, ignored on Open/Attach (read from
	// the existing superheader instead).
	DescRegionSize uintptr
	SBRegionSize   uintptr

	// UseVolatile selects the in-process []byte-backed substrate used by
	// tests and by platforms without the unix mmap path, instead of the real
	// file+mmap backend.
	UseVolatile bool
}

// backend is the minimum a storage substrate must provide: a contiguous
// addressable byte range and the means to make writes durable. Both
// region_unix.go and region_volatile.go implement it.
type backend interface {
	// Base returns the address of byte 0 of the mapped range.
	Base() unsafe.Pointer
	// Len returns the mapped range's total size in bytes.
	Len() uintptr
	// Sync flushes count bytes starting at offset to the backing medium.
	// A no-op on the volatile backend.
	Sync(offset uintptr, count uintptr) error
	// Close releases the backend's resources.
	Close() error
}

// Manager owns one memory-mapped (or volatile) backing region and serves the
// region_allocator/translate/in_range contract spec.md §6 requires from the
// allocator core's environment.
type Manager struct {
	b backend

	descOffset uintptr
	descSize   uintptr
	sbOffset   uintptr
	sbSize     uintptr

	// currentTop is the bump-allocation watermark into SB_REGION, relative
	// to sbOffset. It is also mirrored into the superheader by
	// SyncSuperheader, which every successful RegionAllocator carve calls,
	// so a later Attach still sees a correct bound for the sweep.
	currentTop atomic.Uintptr

	// headerMu serializes SyncSuperheader, so a watermark written to the
	// superheader is never older than one written before it.
	headerMu sync.Mutex

	// cachedVersion holds the on-disk format version string decoded by
	// readSuperheader, so onDiskVersion doesn't re-decode on every call.
	cachedVersion string
}

// newBackend dispatches to the volatile or real backend constructor
// depending on opts.UseVolatile. create indicates whether the file (if any)
// should be created/truncated to totalSize or opened at its existing size.
func newBackend(opts Options, totalSize uintptr, create bool) (backend, error) {
	if opts.UseVolatile {
		return newVolatileBackend(opts, totalSize, create)
	}
	return newUnixBackend(opts, totalSize, create)
}

// Create initializes a brand-new backing region: it lays down the
// superheader, stamps the current format version, and zeroes the watermark.
// DescRegionSize and SBRegionSize in opts must be set.
func Create(opts Options) (*Manager, error) {
	if opts.DescRegionSize == 0 || opts.SBRegionSize == 0 {
		return nil, perrors.InvalidArgument("DescRegionSize/SBRegionSize", 0)
	}
	total := uintptr(SuperheaderSize) + opts.DescRegionSize + opts.SBRegionSize

	b, err := newBackend(opts, total, true)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		b:          b,
		descOffset: SuperheaderSize,
		descSize:   opts.DescRegionSize,
		sbOffset:   SuperheaderSize + opts.DescRegionSize,
		sbSize:     opts.SBRegionSize,
	}
	m.writeSuperheader()
	if err := m.SyncSuperheader(); err != nil {
		b.Close()
		return nil, err
	}
	return m, nil
}

// Exists reports whether a region already exists at opts.Path (for a real
// backend) or under that key in the volatile registry (for a volatile one),
// without opening or mutating anything. The pralloc orchestrator uses this
// to decide between Create and Attach for the single attach(region_path)
// lifecycle call spec.md §6 describes.
func Exists(opts Options) (bool, error) {
	if opts.UseVolatile {
		return volatileExists(opts.Path), nil
	}
	_, err := os.Stat(opts.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Attach opens an existing backing region, validates its magic and format
// compatibility against the supported version, and restores the region
// layout and watermark from its superheader.
func Attach(opts Options) (*Manager, error) {
	b, err := newBackend(opts, 0, false)
	if err != nil {
		return nil, err
	}
	m := &Manager{b: b}
	if err := m.readSuperheader(); err != nil {
		b.Close()
		return nil, err
	}
	compatible, err := format.Compatible(m.onDiskVersion(), format.Current)
	if err != nil {
		b.Close()
		return nil, perrors.Corruption("unparseable format version: " + err.Error())
	}
	if !compatible {
		b.Close()
		return nil, perrors.Corruption("incompatible on-disk format version " + m.onDiskVersion())
	}
	return m, nil
}

func (m *Manager) header() unsafe.Pointer { return m.b.Base() }

func (m *Manager) writeSuperheader() {
	base := (*[SuperheaderSize]byte)(m.header())
	binary.LittleEndian.PutUint64(base[offMagic:], magicValue)
	enc, _ := format.Encode(format.Current)
	copy(base[offFormat:offFormat+format.FieldWidth], enc[:])
	binary.LittleEndian.PutUint64(base[offDescOffset:], uint64(m.descOffset))
	binary.LittleEndian.PutUint64(base[offDescSize:], uint64(m.descSize))
	binary.LittleEndian.PutUint64(base[offSBOffset:], uint64(m.sbOffset))
	binary.LittleEndian.PutUint64(base[offSBSize:], uint64(m.sbSize))
	binary.LittleEndian.PutUint64(base[offCurrentTop:], 0)
	binary.LittleEndian.PutUint64(base[offRootCount:], MaxRoots)
}

func (m *Manager) readSuperheader() error {
	base := (*[SuperheaderSize]byte)(m.header())
	if binary.LittleEndian.Uint64(base[offMagic:]) != magicValue {
		return perrors.Corruption("bad superheader magic")
	}
	var enc [format.FieldWidth]byte
	copy(enc[:], base[offFormat:offFormat+format.FieldWidth])
	m.descOffset = uintptr(binary.LittleEndian.Uint64(base[offDescOffset:]))
	m.descSize = uintptr(binary.LittleEndian.Uint64(base[offDescSize:]))
	m.sbOffset = uintptr(binary.LittleEndian.Uint64(base[offSBOffset:]))
	m.sbSize = uintptr(binary.LittleEndian.Uint64(base[offSBSize:]))
	m.currentTop.Store(uintptr(binary.LittleEndian.Uint64(base[offCurrentTop:])))
	m.cachedVersion = format.Decode(enc)
	return nil
}

func (m *Manager) onDiskVersion() string { return m.cachedVersion }

// SyncSuperheader flushes the superheader page, including the current
// watermark, to the backing medium. A no-op on the volatile backend.
func (m *Manager) SyncSuperheader() error {
	m.headerMu.Lock()
	defer m.headerMu.Unlock()
	base := (*[SuperheaderSize]byte)(m.header())
	binary.LittleEndian.PutUint64(base[offCurrentTop:], uint64(m.currentTop.Load()))
	return m.b.Sync(0, SuperheaderSize)
}

// RegionAllocator implements spec.md §6's region_allocator(&out, alignment,
// bytes): it bump-allocates bytes (rounded up to alignment) from SB_REGION
// and returns the resulting address, or perrors.OutOfRegion if the region is
// exhausted. Each successful carve writes the new watermark into the
// superheader and flushes it before returning. It is safe for concurrent use.
func (m *Manager) RegionAllocator(alignment, bytes uintptr) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	for {
		cur := m.currentTop.Load()
		aligned := alignUp(cur, alignment)
		next := aligned + bytes
		if next > m.sbSize {
			return nil, perrors.OutOfRegion(bytes, m.sbSize-cur)
		}
		if m.currentTop.CompareAndSwap(cur, next) {
			if err := m.SyncSuperheader(); err != nil {
				return nil, err
			}
			return m.Translate(aligned), nil
		}
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Translate converts an offset relative to the start of SB_REGION into a
// live process address. Offset 0 is the first byte of SB_REGION, not the
// start of the file.
func (m *Manager) Translate(offset uintptr) unsafe.Pointer {
	base := uintptr(m.b.Base()) + m.sbOffset
	return unsafe.Pointer(base + offset)
}

// Offset converts a live process address inside SB_REGION back into an
// offset relative to its start — the inverse of Translate. Used to derive
// the offset a descriptor's Superblock field stores from the address
// RegionAllocator just handed back.
func (m *Manager) Offset(addr unsafe.Pointer) uintptr {
	base := uintptr(m.b.Base()) + m.sbOffset
	return uintptr(addr) - base
}

// InRange reports whether addr falls inside SB_REGION. Used by the recovery
// pass's mark phase (spec.md §4.I) to decide whether a scanned field is a
// live pointer worth following.
func (m *Manager) InRange(addr unsafe.Pointer) bool {
	base := uintptr(m.b.Base()) + m.sbOffset
	p := uintptr(addr)
	return p >= base && p < base+m.currentTop.Load()
}

// CurrentTop returns the current SB_REGION watermark, the bound the
// recovery sweep walks up to (spec.md §4.I, §6).
func (m *Manager) CurrentTop() uintptr { return m.currentTop.Load() }

// DescBase returns the live address of the first byte of DESC_REGION.
func (m *Manager) DescBase() unsafe.Pointer {
	return unsafe.Pointer(uintptr(m.b.Base()) + m.descOffset)
}

// DescSize returns the configured size of DESC_REGION.
func (m *Manager) DescSize() uintptr { return m.descSize }

// SBBase returns the live address of the first byte of SB_REGION (offset 0
// in Translate's terms).
func (m *Manager) SBBase() unsafe.Pointer {
	return unsafe.Pointer(uintptr(m.b.Base()) + m.sbOffset)
}

// SBSize returns the configured size of SB_REGION.
func (m *Manager) SBSize() uintptr { return m.sbSize }

// Root returns the (pointer, filter id) pair stored in root slot i
// (0 <= i < MaxRoots). A zero pointer means the slot is unset.
func (m *Manager) Root(i int) (ptr uintptr, filterID uint32, err error) {
	if i < 0 || i >= MaxRoots {
		return 0, 0, perrors.InvalidArgument("root index", i)
	}
	base := (*[SuperheaderSize]byte)(m.header())
	off := offRoots + i*rootSlotSize
	ptr = uintptr(binary.LittleEndian.Uint64(base[off:]))
	filterID = binary.LittleEndian.Uint32(base[off+8:])
	return ptr, filterID, nil
}

// SetRoot stores the (pointer, filter id) pair in root slot i and flushes
// the slot so it survives a crash immediately after this call returns.
func (m *Manager) SetRoot(i int, ptr uintptr, filterID uint32) error {
	if i < 0 || i >= MaxRoots {
		return perrors.InvalidArgument("root index", i)
	}
	base := (*[SuperheaderSize]byte)(m.header())
	off := offRoots + i*rootSlotSize
	binary.LittleEndian.PutUint64(base[off:], uint64(ptr))
	binary.LittleEndian.PutUint32(base[off+8:], filterID)
	return m.b.Sync(uintptr(off), rootSlotSize)
}

// Sync flushes count bytes of SB_REGION or DESC_REGION starting at the given
// live address, used by internal/durability's real backend. An address
// outside the mapped range (a heap's active word or partial slot, which live
// in process memory) is not backed by the region and is skipped.
func (m *Manager) Sync(addr unsafe.Pointer, count uintptr) error {
	offset := uintptr(addr) - uintptr(m.b.Base())
	if uintptr(addr) < uintptr(m.b.Base()) || offset >= m.b.Len() {
		return nil
	}
	return m.b.Sync(offset, count)
}

// Close releases the backend's resources (unmaps the file or drops the
// volatile arena).
func (m *Manager) Close() error { return m.b.Close() }
