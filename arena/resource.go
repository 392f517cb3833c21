package arena

import "sync/atomic"

// Resource is the polymorphic memory resource contract shared by both
// variants.
//
// Implementations:
//   - Serial: one instance mutex around pool and garbage structures
//   - LockFree: CAS bump pointers and hazard-bit garbage traversal
//
// A region returned by Allocate must be returned to the same instance;
// handing it to any other resource is undefined behavior. Two distinct
// instances are never equal and have no means of exchanging memory.
type Resource interface {
	// Allocate returns a region of exactly size bytes whose first byte is
	// aligned to align. It reports ErrInvalidSize, ErrInvalidAlignment, or
	// ErrOutOfMemory; on success the region is valid until the matching
	// Deallocate or until Close.
	Allocate(size, align int) ([]byte, error)

	// Deallocate returns a region previously obtained from Allocate on
	// this same instance. A nil region is a no-op. size and align are
	// ignored; the piece's own header is authoritative.
	Deallocate(p []byte, size, align int)

	// IsEqual reports whether other is this very instance.
	IsEqual(other Resource) bool
}

// Stats is a snapshot of per-instance counters, for instrumentation and
// tests. All counters are cumulative since construction.
type Stats struct {
	Allocs      uint64 // successful Allocate calls
	Frees       uint64 // non-nil Deallocate calls
	PoolBlocks  uint64 // pool blocks reserved (including the first)
	PoolBytes   uint64 // bytes reserved for pool blocks
	GarbageHits uint64 // allocations served from the garbage list
	Splits      uint64 // garbage nodes split on allocation
	LargeAllocs uint64 // allocations served by dedicated OS blocks
	LargeBytes  uint64 // bytes reserved for dedicated OS blocks
}

// counters is the mutable, concurrency-safe backing of Stats. Both variants
// update it outside their locks, so every field is atomic.
type counters struct {
	allocs      atomic.Uint64
	frees       atomic.Uint64
	poolBlocks  atomic.Uint64
	poolBytes   atomic.Uint64
	garbageHits atomic.Uint64
	splits      atomic.Uint64
	largeAllocs atomic.Uint64
	largeBytes  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Allocs:      c.allocs.Load(),
		Frees:       c.frees.Load(),
		PoolBlocks:  c.poolBlocks.Load(),
		PoolBytes:   c.poolBytes.Load(),
		GarbageHits: c.garbageHits.Load(),
		Splits:      c.splits.Load(),
		LargeAllocs: c.largeAllocs.Load(),
		LargeBytes:  c.largeBytes.Load(),
	}
}
