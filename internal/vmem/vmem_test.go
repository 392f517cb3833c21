package vmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageSize(t *testing.T) {
	ps := PageSize()
	require.Positive(t, ps)
	assert.Zero(t, ps&(ps-1), "page size should be a power of two")
	assert.Equal(t, ps, PageSize(), "page size should be stable")
}

func TestReserveRelease(t *testing.T) {
	size := PageSize()
	base, err := Reserve(size)
	require.NoError(t, err)
	require.NotZero(t, base)

	// The region must be zeroed, readable, and writable end to end.
	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	assert.Zero(t, region[0])
	assert.Zero(t, region[size-1])
	region[0] = 0xAA
	region[size-1] = 0x55
	assert.EqualValues(t, 0xAA, region[0])
	assert.EqualValues(t, 0x55, region[size-1])

	require.NoError(t, Release(base, size))
}

func TestReserveRejectsBadSize(t *testing.T) {
	_, err := Reserve(0)
	require.Error(t, err)
	_, err = Reserve(PageSize() + 1)
	require.Error(t, err)
	_, err = Reserve(-PageSize())
	require.Error(t, err)
}

func TestReserveAtHint(t *testing.T) {
	size := 4 * PageSize()
	base, err := Reserve(size)
	require.NoError(t, err)
	require.NoError(t, Release(base, size))

	// A just-released range should be reservable again at its former base.
	again, err := ReserveAt(base, size)
	require.NoError(t, err)
	require.NotZero(t, again)
	assert.Equal(t, base, again, "range comes back at its former base")
	require.NoError(t, Release(again, size))
}

func TestReleaseRejectsBadRegion(t *testing.T) {
	require.Error(t, Release(0, PageSize()))
}
