package arena

import (
	"fmt"
	"sync"

	"github.com/joshuapare/arenakit/internal/vmem"
)

// Serial is the serialized memory resource: a single instance mutex guards
// both the pool and the garbage list. Any number of goroutines may call
// concurrently; only one makes progress at a time. Large-block traffic never
// takes the lock.
type Serial struct {
	geo   geometry
	stats counters

	mu      sync.Mutex
	pool    uintptr // head of the pool block stack, newest first
	garbage uintptr // head of the garbage list
}

// New creates a serialized resource and reserves its first pool block.
func New(p Policy) (*Serial, error) {
	geo, err := p.resolve(false)
	if err != nil {
		return nil, err
	}
	s := &Serial{geo: geo}
	if err := s.growPool(); err != nil {
		return nil, err
	}
	return s, nil
}

// Layout reports the effective geometry of this instance.
func (s *Serial) Layout() Layout { return s.geo.layout() }

// Stats reports a snapshot of the instance counters.
func (s *Serial) Stats() Stats { return s.stats.snapshot() }

// IsEqual reports whether other is this very instance.
func (s *Serial) IsEqual(other Resource) bool {
	o, ok := other.(*Serial)
	return ok && o == s
}

// Allocate returns a region of size bytes aligned to align.
func (s *Serial) Allocate(size, align int) ([]byte, error) {
	if err := s.geo.checkArgs(size, align); err != nil {
		return nil, err
	}
	required, ok := s.geo.requiredBlockSize(size, align)
	if !ok {
		return nil, fmt.Errorf("%w: block size overflow for %d bytes", ErrOutOfMemory, size)
	}

	if required > s.geo.poolBlockSize {
		return s.allocateLargeBlock(size, align)
	}

	s.mu.Lock()
	p := s.allocateOnGarbage(size, align)
	if p == 0 {
		var err error
		p, err = s.allocateOnPool(size, align)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	s.stats.allocs.Add(1)
	return sliceAt(p, size), nil
}

// Deallocate returns a region to the resource. size and align are ignored;
// the header below p is authoritative. p must have come from this instance.
func (s *Serial) Deallocate(p []byte, _, _ int) {
	addr := sliceBase(p)
	if addr == 0 {
		return
	}
	head := *blockHeadSlot(addr)
	blockSize := loadWord(head)

	if blockSize > s.geo.capacity {
		vmem.Release(head, int(blockSize))
	} else {
		s.mu.Lock()
		// Prepend to garbage; the block-size field keeps its meaning and
		// the block-head pointer field becomes the next link.
		storeWord(head+wordSize, s.garbage)
		s.garbage = head
		s.mu.Unlock()
	}
	s.stats.frees.Add(1)
}

// Close releases every pool block to the OS. Outstanding pieces, pool-served
// or large, become invalid. Close is idempotent.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pool != 0 {
		next := (*poolBlockHeader)(ptrAt(s.pool)).next
		vmem.Release(s.pool, int(s.geo.poolBlockSize))
		s.pool = next
	}
	s.garbage = 0
	return nil
}

// growPool reserves one pool block and pushes it onto the pool stack.
// Caller holds the mutex, except during construction.
func (s *Serial) growPool() error {
	base, err := vmem.Reserve(int(s.geo.poolBlockSize))
	if err != nil {
		return fmt.Errorf("%w: pool block reservation: %v", ErrOutOfMemory, err)
	}
	hdr := (*poolBlockHeader)(ptrAt(base))
	hdr.unallocated = ceilMod(base+poolBlockHeaderSize, s.geo.granularity)
	hdr.next = s.pool
	s.pool = base

	s.stats.poolBlocks.Add(1)
	s.stats.poolBytes.Add(uint64(s.geo.poolBlockSize))
	return nil
}

// allocateOnPool bumps the frontier of the first pool block with room,
// growing the pool when none has any. Caller holds the mutex.
func (s *Serial) allocateOnPool(size, align int) (uintptr, error) {
	for {
		for block := s.pool; block != 0; {
			hdr := (*poolBlockHeader)(ptrAt(block))
			unallocated := hdr.unallocated

			aligned := ceilMod(unallocated+pieceFieldsSize, uintptr(align))
			tile := ceilMod(aligned+uintptr(size), s.geo.granularity)
			if tile <= block+s.geo.poolBlockSize {
				storeWord(unallocated, tile-unallocated)
				setBlockHead(aligned, unallocated)
				hdr.unallocated = tile
				return aligned, nil
			}
			block = hdr.next
		}
		if err := s.growPool(); err != nil {
			return 0, err
		}
	}
}

// allocateOnGarbage walks the garbage list first-fit up to the search depth,
// splitting the winning node when it is larger than needed. Returns 0 when
// nothing fits; the caller falls through to the pool. Caller holds the
// mutex.
func (s *Serial) allocateOnGarbage(size, align int) uintptr {
	slot := &s.garbage
	depth := 0
	for {
		current := *slot
		if current == 0 {
			return 0
		}
		currentTile := current + loadWord(current)

		aligned := ceilMod(current+pieceFieldsSize, uintptr(align))
		tile := ceilMod(aligned+uintptr(size), s.geo.granularity)

		// remainder = current size - required size; negative means the
		// node is too small.
		remainder := int64(currentTile) - int64(tile)
		if remainder < 0 {
			depth++
			if depth >= s.geo.searchDepth {
				return 0
			}
			slot = (*uintptr)(ptrAt(current + wordSize))
			continue
		}

		if remainder > 0 {
			// Shrink the node to the allocated span and install the
			// remainder as its replacement in the list.
			storeWord(current, tile-current)
			storeWord(tile, uintptr(remainder))
			storeWord(tile+wordSize, loadWord(current+wordSize))
			*slot = tile
			s.stats.splits.Add(1)
		} else {
			*slot = loadWord(current + wordSize)
		}

		setBlockHead(aligned, current)
		s.stats.garbageHits.Add(1)
		return aligned
	}
}

// allocateLargeBlock serves a request whose worst-case footprint exceeds a
// pool block with a dedicated OS reservation. Never takes the lock.
func (s *Serial) allocateLargeBlock(size, align int) ([]byte, error) {
	span, ok := s.geo.largeBlockSize(size, align)
	if !ok {
		return nil, fmt.Errorf("%w: large block overflow for %d bytes", ErrOutOfMemory, size)
	}
	base, err := vmem.Reserve(int(span))
	if err != nil {
		return nil, fmt.Errorf("%w: large block reservation: %v", ErrOutOfMemory, err)
	}

	storeWord(base, span)
	aligned := ceilMod(base+pieceFieldsSize, uintptr(align))
	setBlockHead(aligned, base)

	s.stats.allocs.Add(1)
	s.stats.largeAllocs.Add(1)
	s.stats.largeBytes.Add(uint64(span))
	return sliceAt(aligned, size), nil
}
