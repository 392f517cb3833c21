package arena

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLockFreeRejectsNonPow2Alignment verifies the stricter alignment rule
// of the lock-free variant.
func TestLockFreeRejectsNonPow2Alignment(t *testing.T) {
	r := newResource(t, variants[1].make, Policy{})

	for _, align := range []int{3, 6, 12, 100} {
		_, err := r.Allocate(10, align)
		require.ErrorIs(t, err, ErrInvalidAlignment, "align %d", align)
	}
}

// TestLockFreeRejectsNonPow2Granularity verifies policy validation.
func TestLockFreeRejectsNonPow2Granularity(t *testing.T) {
	// Three cache lines survives the cache-line rounding untouched and is
	// not a power of two.
	_, err := NewLockFree(Policy{Granularity: 3 * int(cacheLineSize)})
	require.ErrorIs(t, err, ErrBadPolicy)
}

// TestLockFreeHazardBitsClearAfterOps verifies that no hazard bit survives a
// quiescent point: every slot in the garbage list and the pool head must be
// clean once all calls have returned.
func TestLockFreeHazardBitsClearAfterOps(t *testing.T) {
	l, err := NewLockFree(Policy{})
	require.NoError(t, err)
	defer l.Close()

	var pieces [][]byte
	for i := 0; i < 64; i++ {
		p, err := l.Allocate(1+i*7, 8)
		require.NoError(t, err)
		pieces = append(pieces, p)
	}
	for _, p := range pieces {
		l.Deallocate(p, 0, 0)
	}
	for i := 0; i < 32; i++ {
		p, err := l.Allocate(16, 16)
		require.NoError(t, err)
		l.Deallocate(p, 0, 0)
	}

	assert.Zero(t, atomic.LoadUintptr(&l.pool)&hazardBit, "pool head hazard clear")
	assert.Zero(t, atomic.LoadUintptr(&l.garbage)&hazardBit, "anchor hazard clear")
	for n := l.garbageHead(); n != 0; {
		next := loadWord(n + wordSize)
		require.Zero(t, next&hazardBit, "node hazard clear")
		n = next
	}
}

// TestLockFreeConcurrentGrow drives many goroutines into simultaneous pool
// exhaustion so the single-writer grow protocol and the waiter path both
// run. Every allocation must land in some pool block and no block may be
// lost.
func TestLockFreeConcurrentGrow(t *testing.T) {
	l, err := NewLockFree(Policy{})
	require.NoError(t, err)
	defer l.Close()

	chunk := l.Layout().PoolBlockSize / 4
	const workers = 8
	const perWorker = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p, err := l.Allocate(chunk, 1)
				if err != nil {
					errs <- err
					return
				}
				p[0] = 1
				p[len(p)-1] = 1
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	blocks := poolChain(l)
	require.NotEmpty(t, blocks)
	assert.EqualValues(t, len(blocks), l.Stats().PoolBlocks, "every grown block is linked")

	// Invariant 2: every frontier is granule-aligned and inside its block.
	lay := l.Layout()
	for _, b := range blocks {
		frontier := atomic.LoadUintptr((*uintptr)(ptrAt(b)))
		require.Zero(t, frontier%uintptr(lay.Granularity))
		require.GreaterOrEqual(t, frontier, b+poolBlockHeaderSize)
		require.LessOrEqual(t, frontier, b+uintptr(lay.PoolBlockSize))
	}
}

// TestLockFreeConcurrentGarbage hammers the hazard-bit traversal: goroutines
// continually free and re-allocate pieces of a few shapes so splices, splits
// and prepends interleave.
func TestLockFreeConcurrentGarbage(t *testing.T) {
	l, err := NewLockFree(Policy{})
	require.NoError(t, err)
	defer l.Close()

	const workers = 8
	const rounds = 400

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sizes := []int{1, 40, 90, 200, 500}
			var held [][]byte
			for i := 0; i < rounds; i++ {
				p, err := l.Allocate(sizes[(i+id)%len(sizes)], 8)
				if err != nil {
					errs <- err
					return
				}
				for j := range p {
					p[j] = byte(id)
				}
				held = append(held, p)
				if len(held) > 4 {
					victim := held[0]
					held = held[1:]
					for _, b := range victim {
						if b != byte(id) {
							errs <- assert.AnError
							return
						}
					}
					l.Deallocate(victim, 0, 0)
				}
			}
			for _, p := range held {
				l.Deallocate(p, 0, 0)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	gran := uintptr(l.Layout().Granularity)
	for _, n := range garbageChain(l) {
		require.Positive(t, n.size)
		require.Zero(t, n.size%gran, "garbage stays granular under contention")
	}
}

// TestLockFreeSpinLimitConfigurable just pins that a tiny spin limit still
// makes progress through an uncontended allocate/free/allocate round trip.
func TestLockFreeSpinLimitConfigurable(t *testing.T) {
	l, err := NewLockFree(Policy{SpinLimit: 1})
	require.NoError(t, err)
	defer l.Close()

	p, err := l.Allocate(100, 8)
	require.NoError(t, err)
	l.Deallocate(p, 0, 0)
	q, err := l.Allocate(100, 8)
	require.NoError(t, err)
	assert.Equal(t, sliceBase(p), sliceBase(q))
}
