package arena

import (
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/joshuapare/arenakit/internal/vmem"
)

// cacheLineSize is the destructive-interference distance of the host CPU.
// The granularity never drops below it so that concurrently served pieces do
// not share a cache line.
const cacheLineSize = uintptr(unsafe.Sizeof(cpu.CacheLinePad{}))

const (
	// DefaultBlockSize is the target pool block size before page rounding.
	DefaultBlockSize = 1 << 16

	// DefaultGarbageSearchDepth bounds the garbage nodes inspected per
	// allocation.
	DefaultGarbageSearchDepth = 64

	// DefaultSpinLimit is the number of busy-wait iterations on a hazard
	// slot before the thread yields.
	DefaultSpinLimit = 1024
)

// Policy configures a memory resource instance. The zero value of any field
// selects its default.
type Policy struct {
	// BlockSize is the desired pool block size in bytes. The effective size
	// is rounded up to the system page size.
	BlockSize int

	// Granularity is the allocation quantum. It is rounded up to the cache
	// line size; the lock-free variant additionally requires a power of
	// two.
	Granularity int

	// GarbageSearchDepth is the maximum number of garbage nodes inspected
	// per allocation before falling through to the pool.
	GarbageSearchDepth int

	// SpinLimit is the number of spins on a busy hazard slot before the
	// thread yields. Only the lock-free variant consults it.
	SpinLimit int
}

// DefaultPolicy returns the default configuration: 64 KiB blocks,
// cache-line granularity, search depth 64, spin limit 1024.
func DefaultPolicy() Policy {
	return Policy{
		BlockSize:          DefaultBlockSize,
		Granularity:        int(cacheLineSize),
		GarbageSearchDepth: DefaultGarbageSearchDepth,
		SpinLimit:          DefaultSpinLimit,
	}
}

// Layout holds the effective geometry of a resource instance after the
// policy has been reconciled with the host system.
type Layout struct {
	// PageSize is the virtual memory allocation granularity of the OS.
	PageSize int

	// Granularity is the effective allocation quantum.
	Granularity int

	// PoolBlockSize is the effective pool block size (BlockSize rounded up
	// to PageSize).
	PoolBlockSize int

	// PoolBlockCapacity is the largest piece-block that can live on the
	// pool; anything bigger takes the large-block path.
	PoolBlockCapacity int

	// GarbageSearchDepth and SpinLimit are carried over from the policy.
	GarbageSearchDepth int
	SpinLimit          int
}

// geometry is the resolved, address-arithmetic-ready form of a policy.
type geometry struct {
	pageSize      uintptr
	granularity   uintptr
	poolBlockSize uintptr
	headerSize    uintptr // pool block header, granularity-ceiled
	capacity      uintptr // poolBlockSize - headerSize
	searchDepth   int
	spinLimit     int
	pow2Align     bool // lock-free variant: alignments must be powers of two
}

// resolve validates p and derives the instance geometry. lockFree selects
// the stricter power-of-two arithmetic.
func (p Policy) resolve(lockFree bool) (geometry, error) {
	if p.BlockSize == 0 {
		p.BlockSize = DefaultBlockSize
	}
	if p.Granularity == 0 {
		p.Granularity = int(cacheLineSize)
	}
	if p.GarbageSearchDepth == 0 {
		p.GarbageSearchDepth = DefaultGarbageSearchDepth
	}
	if p.SpinLimit == 0 {
		p.SpinLimit = DefaultSpinLimit
	}
	if p.BlockSize < 0 {
		return geometry{}, fmt.Errorf("%w: negative block size %d", ErrBadPolicy, p.BlockSize)
	}
	if p.Granularity < 0 {
		return geometry{}, fmt.Errorf("%w: negative granularity %d", ErrBadPolicy, p.Granularity)
	}
	if p.GarbageSearchDepth < 0 || p.SpinLimit < 0 {
		return geometry{}, fmt.Errorf("%w: negative search depth or spin limit", ErrBadPolicy)
	}

	gran := ceilMod(uintptr(p.Granularity), cacheLineSize)
	if lockFree && !isPow2(gran) {
		return geometry{}, fmt.Errorf(
			"%w: lock-free granularity %d is not a power of two", ErrBadPolicy, gran)
	}

	page := uintptr(vmem.PageSize())
	blockSize := ceilMod(uintptr(p.BlockSize), page)
	headerSize := ceilMod(poolBlockHeaderSize, gran)
	if blockSize <= headerSize {
		return geometry{}, fmt.Errorf(
			"%w: block size %d leaves no capacity", ErrBadPolicy, blockSize)
	}

	return geometry{
		pageSize:      page,
		granularity:   gran,
		poolBlockSize: blockSize,
		headerSize:    headerSize,
		capacity:      blockSize - headerSize,
		searchDepth:   p.GarbageSearchDepth,
		spinLimit:     p.SpinLimit,
		pow2Align:     lockFree,
	}, nil
}

// layout converts the geometry back to its exported form.
func (g geometry) layout() Layout {
	return Layout{
		PageSize:           int(g.pageSize),
		Granularity:        int(g.granularity),
		PoolBlockSize:      int(g.poolBlockSize),
		PoolBlockCapacity:  int(g.capacity),
		GarbageSearchDepth: g.searchDepth,
		SpinLimit:          g.spinLimit,
	}
}

// maxSize is the largest value representable in the platform signed size
// type; block-size arithmetic exceeding it reports out of memory.
const maxSize = uint64(math.MaxInt)

// checkArgs applies the invalid-argument rules shared by both variants.
// Raised before any state is touched.
func (g geometry) checkArgs(size, align int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	if align <= 0 || uintptr(align) > g.pageSize {
		return fmt.Errorf("%w: %d", ErrInvalidAlignment, align)
	}
	if g.pow2Align && !isPow2(uintptr(align)) {
		return fmt.Errorf("%w: %d is not a power of two", ErrInvalidAlignment, align)
	}
	return nil
}

// requiredBlockSize computes the worst-case pool block size able to fit a
// (size, align) request, in overflow-checked arithmetic. ok is false when
// the result overflows the platform size type.
func (g geometry) requiredBlockSize(size, align int) (uintptr, bool) {
	v := ceilU64(uint64(g.headerSize)+uint64(pieceFieldsSize), uint64(align))
	v += uint64(size)
	if v < uint64(size) { // wrapped
		return 0, false
	}
	v = ceilU64(v, uint64(g.granularity))
	if v > maxSize {
		return 0, false
	}
	return uintptr(v), true
}

// largeBlockSize computes the page-rounded span of a dedicated OS block for
// an oversize (size, align) request.
func (g geometry) largeBlockSize(size, align int) (uintptr, bool) {
	v := ceilU64(uint64(pieceFieldsSize), uint64(align))
	v += uint64(size)
	if v < uint64(size) {
		return 0, false
	}
	v = ceilU64(v, uint64(g.pageSize))
	if v > maxSize {
		return 0, false
	}
	return uintptr(v), true
}
