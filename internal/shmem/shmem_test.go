package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeMapper struct {
	nextHandle uint32
}

func (f *fakeMapper) MapRegions(ssMask uint32, master uint32, sizeBytes uint32, flags AllocFlag) (uint32, uint64, bool, error) {
	f.nextHandle++
	return f.nextHandle, uint64(sizeBytes) * 0x1000, true, nil
}

func (f *fakeMapper) UnmapRegions(ssMask uint32, master uint32, spfHandle uint32) error {
	return nil
}

func TestAllocFreeRoundTrip(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	res, err := m.Alloc(128, 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NoError(t, m.Free(res))
}

func TestSmallAllocGoesToPreAllocBin(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	res, err := m.AllocExt(64, 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, BinPreAllocScratch, res.handle.page.binIdx)
}

func TestPreAllocBinOverflowGoesToScratchBin(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	// Fill the bin-0 page with allocations below DedicatedFloor; a single
	// PreAllocSize request would be routed to bin 2 instead.
	for _, size := range []uint32{DedicatedFloor - FrameSize, DedicatedFloor - FrameSize, 2 * FrameSize} {
		_, err := m.AllocExt(size, 1, 0, 1)
		require.NoError(t, err)
	}

	res, err := m.AllocExt(64, 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, BinScratch, res.handle.page.binIdx)
}

func TestBinPreAllocScratchSurvivesFree(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	res, err := m.AllocExt(64, 1, 0, 1)
	require.NoError(t, err)
	require.NoError(t, m.Free(res))
	assert.Len(t, m.pages[BinPreAllocScratch], 1)
}

func TestDedicatedFlagGoesToDedicatedBin(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	res, err := m.AllocExt(64, 1, FlagDedicatedPage, 1)
	require.NoError(t, err)
	assert.Equal(t, BinDedicated, res.handle.page.binIdx)
}

func TestLargeAllocGoesToDedicatedBin(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	res, err := m.AllocExt(DedicatedFloor, 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, BinDedicated, res.handle.page.binIdx)
}

func TestZeroSizeIsBadParam(t *testing.T) {
	m := NewManager(&fakeMapper{}, 1)
	_, err := m.Alloc(0, 1)
	assert.Error(t, err)
}

// TestPageInvariantHolds checks that for every page, used-block bytes plus
// free-block bytes always equals the page size.
func TestPageInvariantHolds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(&fakeMapper{}, 1)
		var live []*AllocResult

		n := rapid.IntRange(1, 20).Draw(t, "ops")
		for i := 0; i < n; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "free") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				require.NoError(t, m.Free(live[idx]))
				live = append(live[:idx], live[idx+1:]...)
				continue
			}
			size := uint32(rapid.IntRange(1, 2000).Draw(t, "size"))
			res, err := m.AllocExt(size, 1, 0, 1)
			require.NoError(t, err)
			live = append(live, res)
		}

		for _, bin := range m.pages {
			for _, p := range bin {
				var sum uint32
				for i := range p.blocks {
					if p.blocks[i].live {
						sum += p.blocks[i].size()
					}
				}
				assert.Equal(t, p.sizeBytes, sum)
			}
		}
	})
}
