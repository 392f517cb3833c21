package arena

import (
	"sync/atomic"
	"testing"
)

// inspectable widens Resource with the white-box accessors the tests need.
type inspectable interface {
	Resource
	Layout() Layout
	Stats() Stats
	Close() error
	poolHead() uintptr
	garbageHead() uintptr
}

func (s *Serial) poolHead() uintptr { return s.pool }

func (s *Serial) garbageHead() uintptr { return s.garbage }

func (l *LockFree) poolHead() uintptr {
	return atomic.LoadUintptr(&l.pool) &^ hazardBit
}

func (l *LockFree) garbageHead() uintptr {
	return atomic.LoadUintptr(&l.garbage) &^ hazardBit
}

// variants enumerates both implementations for shared scenario tests.
var variants = []struct {
	name string
	make func(Policy) (inspectable, error)
}{
	{"serial", func(p Policy) (inspectable, error) { return New(p) }},
	{"lockfree", func(p Policy) (inspectable, error) { return NewLockFree(p) }},
}

// newResource builds a variant and closes it with the test.
func newResource(t *testing.T, mk func(Policy) (inspectable, error), p Policy) inspectable {
	t.Helper()
	r, err := mk(p)
	if err != nil {
		t.Fatalf("constructing resource: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// gnode is one garbage-list entry as seen by the tests.
type gnode struct {
	addr uintptr
	size uintptr
}

// garbageChain walks the garbage list of a quiescent resource.
func garbageChain(r inspectable) []gnode {
	var nodes []gnode
	for n := r.garbageHead(); n != 0; n = loadWord(n+wordSize) &^ hazardBit {
		nodes = append(nodes, gnode{addr: n, size: loadWord(n)})
	}
	return nodes
}

// poolChain walks the pool block stack, newest first.
func poolChain(r inspectable) []uintptr {
	var blocks []uintptr
	for b := r.poolHead(); b != 0; b = loadWord(b + wordSize) {
		blocks = append(blocks, b)
	}
	return blocks
}

// frontierOf reads the unallocated frontier of the newest pool block.
func frontierOf(r inspectable) uintptr {
	return loadWord(r.poolHead())
}

// pieceBytes picks an allocation size that produces a piece-block of exactly
// blocks*granularity bytes at alignment 1.
func pieceBytes(r inspectable, blocks int) int {
	return blocks*r.Layout().Granularity - int(pieceFieldsSize)
}

// pieceHead reads the block-head pointer hidden below an allocated region.
func pieceHead(p []byte) uintptr {
	return *blockHeadSlot(sliceBase(p))
}
