package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/arenakit/internal/vmem"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, DefaultBlockSize, p.BlockSize)
	assert.Equal(t, int(cacheLineSize), p.Granularity)
	assert.Equal(t, DefaultGarbageSearchDepth, p.GarbageSearchDepth)
	assert.Equal(t, DefaultSpinLimit, p.SpinLimit)
}

func TestZeroPolicyGetsDefaults(t *testing.T) {
	geo, err := Policy{}.resolve(false)
	require.NoError(t, err)
	assert.Equal(t, cacheLineSize, geo.granularity)
	assert.Equal(t, DefaultGarbageSearchDepth, geo.searchDepth)
	assert.Equal(t, DefaultSpinLimit, geo.spinLimit)
	assert.Zero(t, int(geo.poolBlockSize)%vmem.PageSize(), "block size is page-rounded")
}

func TestPolicyValidation(t *testing.T) {
	_, err := Policy{BlockSize: -1}.resolve(false)
	require.ErrorIs(t, err, ErrBadPolicy)

	_, err = Policy{Granularity: -8}.resolve(false)
	require.ErrorIs(t, err, ErrBadPolicy)

	_, err = Policy{GarbageSearchDepth: -1}.resolve(false)
	require.ErrorIs(t, err, ErrBadPolicy)

	_, err = Policy{SpinLimit: -1}.resolve(true)
	require.ErrorIs(t, err, ErrBadPolicy)
}

func TestGranularityFloorsAtCacheLine(t *testing.T) {
	geo, err := Policy{Granularity: 1}.resolve(true)
	require.NoError(t, err)
	assert.Equal(t, cacheLineSize, geo.granularity)

	geo, err = Policy{Granularity: int(cacheLineSize) * 2}.resolve(true)
	require.NoError(t, err)
	assert.Equal(t, cacheLineSize*2, geo.granularity)
}

func TestLayoutDerivation(t *testing.T) {
	geo, err := DefaultPolicy().resolve(false)
	require.NoError(t, err)
	lay := geo.layout()

	assert.Equal(t, vmem.PageSize(), lay.PageSize)
	assert.Equal(t, lay.PoolBlockSize-int(geo.headerSize), lay.PoolBlockCapacity)
	assert.Equal(t, int(ceilMod(poolBlockHeaderSize, geo.granularity)), int(geo.headerSize))
}

func TestRequiredBlockSizeOverflow(t *testing.T) {
	geo, err := DefaultPolicy().resolve(false)
	require.NoError(t, err)

	_, ok := geo.requiredBlockSize(int(maxSize), 1)
	assert.False(t, ok)

	_, ok = geo.largeBlockSize(int(maxSize), 1)
	assert.False(t, ok)

	v, ok := geo.requiredBlockSize(1, 1)
	require.True(t, ok)
	assert.Zero(t, v%geo.granularity)
}
