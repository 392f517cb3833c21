// Package arena provides monotonic memory resources backed by reserved
// virtual memory.
//
// # Overview
//
// A memory resource hands out untyped regions of (size, alignment) and takes
// them back later. Small allocations are carved monotonically out of large
// pool blocks reserved from the OS; freed regions go onto a per-instance
// garbage list that is searched first-fit (bounded depth) on later
// allocations. Regions too large for a pool block bypass both structures and
// are served directly by the OS.
//
// Two implementations share the same data layout and algorithmic skeleton:
//
//   - Serial: a single instance mutex guards the pool and the garbage list.
//   - LockFree: atomic bump pointers, CAS, and a pointer-tagged hazard bit
//     make both structures safe under contention without a global lock.
//
// # Resource Interface
//
// Both implementations satisfy Resource:
//
//   - Allocate(size, align): Returns a region meeting (align | size)
//   - Deallocate(p, size, align): Returns a region; the arguments beyond p
//     are ignored, the piece's own header is authoritative
//   - IsEqual(other): True only for the very same instance
//
// # Usage Example
//
//	r, err := arena.New(arena.DefaultPolicy())
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	buf, err := r.Allocate(256, 16)
//	if err != nil {
//	    return err
//	}
//
//	// Use buf...
//
//	r.Deallocate(buf, 256, 16)
//
// # Piece Layout
//
// Every served allocation carries two hidden pointer-width fields in front of
// the returned region: the total span of its piece-block (a multiple of the
// granularity, stored at the block's low address) and, immediately below the
// returned pointer, a pointer back to that low address. Deallocate recovers
// both from the pointer alone. Freed piece-blocks are reinterpreted in place
// as garbage-list nodes.
//
// # Monotonic Behavior
//
// Pool blocks grow on demand and are released to the OS only by Close. The
// garbage list is never coalesced or compacted. Long-running workloads with
// mixed sizes will fragment; the design trades that for allocation paths with
// no bookkeeping beyond the two hidden fields.
//
// # Thread Safety
//
// Both implementations accept concurrent callers. Serial serializes them on
// one mutex; LockFree admits parallel progress and only parks a thread while
// another one grows the pool, or yields after spinning on a busy hazard slot.
//
// # Related Packages
//
//   - github.com/joshuapare/arenakit/internal/vmem: page-granular virtual
//     memory reservation and release
package arena
