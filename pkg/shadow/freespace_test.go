package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocDeterministicLayout(t *testing.T) {
	// The init path depends on the first two allocations landing exactly at
	// page 0 (header) and page 1 (index region).
	a := NewPageAllocator(4096)

	hdr, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), hdr)

	idx, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), idx)
}

func TestAllocRoundsUpToPages(t *testing.T) {
	a := NewPageAllocator(4096)

	off, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	off, err = a.Alloc(4097)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), off)
	assert.Equal(t, uint64(3*4096), a.EOA())
}

func TestAllocRejectsZero(t *testing.T) {
	a := NewPageAllocator(4096)
	_, err := a.Alloc(0)
	assert.Error(t, err)
}

func TestFreeAndReuse(t *testing.T) {
	a := NewPageAllocator(4096)

	first, err := a.Alloc(4096)
	require.NoError(t, err)
	_, err = a.Alloc(4096)
	require.NoError(t, err)

	require.NoError(t, a.Free(first, 4096))

	reused, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, first, reused)
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	a := NewPageAllocator(4096)

	var offs []uint64
	for i := 0; i < 3; i++ {
		off, err := a.Alloc(4096)
		require.NoError(t, err)
		offs = append(offs, off)
	}

	require.NoError(t, a.Free(offs[0], 4096))
	require.NoError(t, a.Free(offs[2], 4096))
	assert.Equal(t, 2, a.FreeRanges())

	require.NoError(t, a.Free(offs[1], 4096))
	assert.Equal(t, 1, a.FreeRanges())

	// The coalesced range satisfies a multi-page request.
	off, err := a.Alloc(3 * 4096)
	require.NoError(t, err)
	assert.Equal(t, offs[0], off)
}

func TestFreeRejectsBadRanges(t *testing.T) {
	a := NewPageAllocator(4096)
	off, err := a.Alloc(4096)
	require.NoError(t, err)

	assert.Error(t, a.Free(off+1, 4096), "unaligned offset")
	assert.Error(t, a.Free(4096, 4096), "past end of allocations")

	require.NoError(t, a.Free(off, 4096))
	assert.Error(t, a.Free(off, 4096), "double free")
}

func TestClosedAllocatorFails(t *testing.T) {
	a := NewPageAllocator(4096)
	require.NoError(t, a.Close())

	_, err := a.Alloc(4096)
	assert.ErrorIs(t, err, ErrAllocatorClosed)
	assert.ErrorIs(t, a.Free(0, 4096), ErrAllocatorClosed)

	// Closing twice is fine.
	assert.NoError(t, a.Close())
}
