package arena

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/arenakit/internal/vmem"
)

// LockFree is the lock-free memory resource. Pool frontiers advance by CAS,
// the garbage list is traversed hand-over-hand under a pointer-tagged hazard
// bit, and pool growth is single-writer: the thread that finds the pool head
// unhazarded grows, everyone else parks on a condition variable until the new
// head is published.
//
// At most one thread holds the hazard bit of any given slot at any moment,
// and a traversing thread holds at most two slots, so the protocol cannot
// deadlock.
type LockFree struct {
	geo   geometry
	stats counters

	pool    uintptr // atomic; head of the pool stack, low bit = grow hazard
	garbage uintptr // atomic; head of the garbage list, low bit = edit hazard

	growMu   sync.Mutex
	growCond sync.Cond
}

// NewLockFree creates a lock-free resource and reserves its first pool
// block. The policy granularity must be a power of two.
func NewLockFree(p Policy) (*LockFree, error) {
	geo, err := p.resolve(true)
	if err != nil {
		return nil, err
	}
	l := &LockFree{geo: geo}
	l.growCond.L = &l.growMu
	if err := l.growPool(); err != nil {
		return nil, err
	}
	return l, nil
}

// Layout reports the effective geometry of this instance.
func (l *LockFree) Layout() Layout { return l.geo.layout() }

// Stats reports a snapshot of the instance counters.
func (l *LockFree) Stats() Stats { return l.stats.snapshot() }

// IsEqual reports whether other is this very instance.
func (l *LockFree) IsEqual(other Resource) bool {
	o, ok := other.(*LockFree)
	return ok && o == l
}

// Allocate returns a region of size bytes aligned to align. align must be a
// power of two not exceeding the page size.
func (l *LockFree) Allocate(size, align int) ([]byte, error) {
	if err := l.geo.checkArgs(size, align); err != nil {
		return nil, err
	}
	required, ok := l.geo.requiredBlockSize(size, align)
	if !ok {
		return nil, fmt.Errorf("%w: block size overflow for %d bytes", ErrOutOfMemory, size)
	}

	if required > l.geo.poolBlockSize {
		return l.allocateLargeBlock(size, align)
	}

	p := l.allocateOnGarbage(size, align)
	if p == 0 {
		var err error
		p, err = l.allocateOnPool(size, align)
		if err != nil {
			return nil, err
		}
	}
	l.stats.allocs.Add(1)
	return sliceAt(p, size), nil
}

// Deallocate returns a region to the resource. size and align are ignored;
// the header below p is authoritative. p must have come from this instance.
func (l *LockFree) Deallocate(p []byte, _, _ int) {
	addr := sliceBase(p)
	if addr == 0 {
		return
	}
	head := *blockHeadSlot(addr)
	blockSize := loadWord(head)

	if blockSize > l.geo.capacity {
		vmem.Release(head, int(blockSize))
	} else {
		// CAS-prepend. The expected value is always an unhazarded head:
		// stealing a slot some traverser is editing would break the
		// at-most-one-holder invariant.
		next := (*uintptr)(ptrAt(head + wordSize))
		for {
			garbage := l.waitUnhazarded(&l.garbage)
			atomic.StoreUintptr(next, garbage)
			if atomic.CompareAndSwapUintptr(&l.garbage, garbage, head) {
				break
			}
		}
	}
	l.stats.frees.Add(1)
}

// Close releases every pool block to the OS. Outstanding pieces, pool-served
// or large, become invalid. Close is idempotent but must not race any other
// operation on the instance.
func (l *LockFree) Close() error {
	pool := atomic.LoadUintptr(&l.pool) &^ hazardBit
	atomic.StoreUintptr(&l.pool, 0)
	atomic.StoreUintptr(&l.garbage, 0)
	for pool != 0 {
		next := (*poolBlockHeader)(ptrAt(pool)).next
		vmem.Release(pool, int(l.geo.poolBlockSize))
		pool = next
	}
	return nil
}

// spinThenYield runs probe up to the spin limit, yields the processor, and
// repeats until probe reports an unhazarded value.
func (l *LockFree) spinThenYield(probe func() uintptr) uintptr {
	for {
		for spin := 0; spin < l.geo.spinLimit; spin++ {
			if v := probe(); v&hazardBit == 0 {
				return v
			}
		}
		runtime.Gosched()
	}
}

// fetchOr sets mask on the word at addr and returns the previous value.
// sync/atomic has no fetch-or for raw uintptr words, so it is built from a
// CAS loop; when mask is already set the CAS stores the value unchanged and
// the caller sees the hazarded old value, exactly like a native fetch-or.
func fetchOr(addr *uintptr, mask uintptr) uintptr {
	for {
		old := atomic.LoadUintptr(addr)
		if atomic.CompareAndSwapUintptr(addr, old, old|mask) {
			return old
		}
	}
}

// acquireSlot grabs the hazard bit of slot and returns its unhazarded
// payload. The caller owns the slot until it stores an unhazarded value
// back.
func (l *LockFree) acquireSlot(slot *uintptr) uintptr {
	return l.spinThenYield(func() uintptr {
		return fetchOr(slot, hazardBit)
	})
}

// waitUnhazarded waits until slot holds an unhazarded value and returns it.
// It does not take ownership.
func (l *LockFree) waitUnhazarded(slot *uintptr) uintptr {
	return l.spinThenYield(func() uintptr {
		return atomic.LoadUintptr(slot)
	})
}

// growPool reserves one pool block and publishes it as the new head.
// Exactly one thread grows: whoever fetch-ORs the hazard bit onto a clear
// pool head. Losers park on the condition variable and re-check the bit
// under the mutex, so a publish cannot slip between their check and their
// wait.
func (l *LockFree) growPool() error {
	old := fetchOr(&l.pool, hazardBit)
	if old&hazardBit != 0 {
		l.growMu.Lock()
		for atomic.LoadUintptr(&l.pool)&hazardBit != 0 {
			l.growCond.Wait()
		}
		l.growMu.Unlock()
		return nil
	}

	base, err := vmem.Reserve(int(l.geo.poolBlockSize))
	if err != nil {
		// Roll the hazard bit back and wake the waiters; they will retry
		// and report their own failures.
		l.growMu.Lock()
		atomic.StoreUintptr(&l.pool, old)
		l.growCond.Broadcast()
		l.growMu.Unlock()
		return fmt.Errorf("%w: pool block reservation: %v", ErrOutOfMemory, err)
	}

	hdr := (*poolBlockHeader)(ptrAt(base))
	hdr.next = old
	hdr.unallocated = ceilPow2(base+poolBlockHeaderSize, l.geo.granularity)

	l.growMu.Lock()
	atomic.StoreUintptr(&l.pool, base)
	l.growCond.Broadcast()
	l.growMu.Unlock()

	l.stats.poolBlocks.Add(1)
	l.stats.poolBytes.Add(uint64(l.geo.poolBlockSize))
	return nil
}

// allocateOnPool claims a span by CAS on some block's frontier, newest block
// first. When no block fits it grows the pool, or restarts right away if a
// concurrent grow already changed the head.
func (l *LockFree) allocateOnPool(size, align int) (uintptr, error) {
	currentPool := atomic.LoadUintptr(&l.pool) &^ hazardBit
	for {
		for block := currentPool; block != 0; {
			hdr := (*poolBlockHeader)(ptrAt(block))
			for {
				unallocated := atomic.LoadUintptr(&hdr.unallocated)

				aligned := ceilPow2(unallocated+pieceFieldsSize, uintptr(align))
				tile := ceilPow2(aligned+uintptr(size), l.geo.granularity)
				if tile > block+l.geo.poolBlockSize {
					break
				}
				if atomic.CompareAndSwapUintptr(&hdr.unallocated, unallocated, tile) {
					storeWord(unallocated, tile-unallocated)
					setBlockHead(aligned, unallocated)
					return aligned, nil
				}
				// Lost the race; the block may still have room.
			}
			block = hdr.next
		}

		latest := atomic.LoadUintptr(&l.pool) &^ hazardBit
		if latest != currentPool {
			// Someone else already grew the pool; restart from the new
			// head without growing.
			currentPool = latest
			continue
		}
		if err := l.growPool(); err != nil {
			return 0, err
		}
		currentPool = atomic.LoadUintptr(&l.pool) &^ hazardBit
	}
}

// allocateOnGarbage walks the garbage list hand-over-hand: the hazard bit of
// the slot pointing at the current node is held while the next slot is
// acquired, so no other thread can unlink or rewrite a node under
// inspection. Returns 0 when nothing fits within the search depth.
func (l *LockFree) allocateOnGarbage(size, align int) uintptr {
	slot := &l.garbage
	current := l.acquireSlot(slot)
	depth := 0

	for {
		if current == 0 {
			// Nothing left to search; release the anchor unchanged.
			atomic.StoreUintptr(slot, current)
			return 0
		}

		nextSlot := (*uintptr)(ptrAt(current + wordSize))
		currentTile := current + atomic.LoadUintptr((*uintptr)(ptrAt(current)))

		aligned := ceilPow2(current+pieceFieldsSize, uintptr(align))
		tile := ceilPow2(aligned+uintptr(size), l.geo.granularity)

		// remainder = current size - required size; negative means the
		// node is too small.
		remainder := int64(currentTile) - int64(tile)
		if remainder < 0 {
			depth++
			if depth >= l.geo.searchDepth {
				atomic.StoreUintptr(slot, current)
				return 0
			}
			// Hand-over-hand advance: lock the next slot before letting
			// go of the current one. The next slot may still be held by a
			// thread ahead of us, so wait it out first; once current is
			// ours nobody else can newly acquire it.
			next := l.waitUnhazarded(nextSlot)
			atomic.StoreUintptr(nextSlot, next|hazardBit)
			atomic.StoreUintptr(slot, current)
			slot = nextSlot
			current = next
			continue
		}

		if remainder > 0 {
			// Shrink the node to the allocated span, then install the
			// remainder in its place.
			atomic.StoreUintptr((*uintptr)(ptrAt(current)), tile-current)
			next := l.waitUnhazarded(nextSlot)
			storeWord(tile, uintptr(remainder))
			atomic.StoreUintptr((*uintptr)(ptrAt(tile+wordSize)), next)
			atomic.StoreUintptr(slot, tile)
			l.stats.splits.Add(1)
		} else {
			// Exact fit: splice the node out.
			next := l.waitUnhazarded(nextSlot)
			atomic.StoreUintptr(slot, next)
		}

		setBlockHead(aligned, current)
		l.stats.garbageHits.Add(1)
		return aligned
	}
}

// allocateLargeBlock serves a request whose worst-case footprint exceeds a
// pool block with a dedicated OS reservation.
func (l *LockFree) allocateLargeBlock(size, align int) ([]byte, error) {
	span, ok := l.geo.largeBlockSize(size, align)
	if !ok {
		return nil, fmt.Errorf("%w: large block overflow for %d bytes", ErrOutOfMemory, size)
	}
	base, err := vmem.Reserve(int(span))
	if err != nil {
		return nil, fmt.Errorf("%w: large block reservation: %v", ErrOutOfMemory, err)
	}

	storeWord(base, span)
	aligned := ceilPow2(base+pieceFieldsSize, uintptr(align))
	setBlockHead(aligned, base)

	l.stats.allocs.Add(1)
	l.stats.largeAllocs.Add(1)
	l.stats.largeBytes.Add(uint64(span))
	return sliceAt(aligned, size), nil
}
