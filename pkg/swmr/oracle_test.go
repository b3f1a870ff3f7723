package swmr

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayWriteBrandNewPage(t *testing.T) {
	cfg := testSWMRConfig(t, true)
	pb := &fakePageBuffer{}
	f := openTestWriter(t, cfg, pb)

	// Absent from the index: the write is treated as having appeared this
	// tick and must age out the full max_lag.
	until, err := f.DelayWrite(12)
	require.NoError(t, err)
	assert.Equal(t, f.Tick()+cfg.MaxLag, until)
}

func TestDelayWriteHonorsExistingDeadline(t *testing.T) {
	cfg := testSWMRConfig(t, true)
	pb := &fakePageBuffer{}
	f := openTestWriter(t, cfg, pb)
	ctx := context.Background()

	// Publish page 7 at tick 1; its entry carries a delayed-flush deadline
	// of tick 1 + max_lag.
	pb.dirty(7, bytes.Repeat([]byte{7}, 4096))
	require.NoError(t, f.WriterEndOfTick(ctx))
	require.Equal(t, uint64(2), f.Tick())

	until, err := f.DelayWrite(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+cfg.MaxLag), until)

	// The deadline holds until the page has aged out, then clears.
	for f.Tick() <= 1+cfg.MaxLag {
		require.NoError(t, f.WriterEndOfTick(ctx))
	}

	until, err = f.DelayWrite(7)
	require.NoError(t, err)
	assert.Zero(t, until)
}

func TestDelayWriteAgesOutBeforeRewrite(t *testing.T) {
	// A newly written page yields a nonzero delay at least once before a
	// rewrite is permitted.
	cfg := testSWMRConfig(t, true)
	pb := &fakePageBuffer{}
	f := openTestWriter(t, cfg, pb)
	ctx := context.Background()

	pb.dirty(3, bytes.Repeat([]byte{3}, 4096))
	require.NoError(t, f.WriterEndOfTick(ctx))

	sawDelay := false
	for !sawDelay {
		until, err := f.DelayWrite(3)
		require.NoError(t, err)
		if until >= f.Tick() {
			assert.GreaterOrEqual(t, until, uint64(1)+cfg.MaxLag)
			sawDelay = true
		} else {
			require.NoError(t, f.WriterEndOfTick(ctx))
		}
	}
}

func TestDelayWriteDetectsCorruptDeadline(t *testing.T) {
	cfg := testSWMRConfig(t, true)
	pb := &fakePageBuffer{}
	f := openTestWriter(t, cfg, pb)
	ctx := context.Background()

	pb.dirty(5, bytes.Repeat([]byte{5}, 4096))
	require.NoError(t, f.WriterEndOfTick(ctx))

	// A deadline past tick + max_lag cannot arise from any valid history.
	f.Index().Lookup(5).DelayedFlush = f.Tick() + cfg.MaxLag + 10

	_, err := f.DelayWrite(5)
	assert.ErrorIs(t, err, ErrInconsistentState)
}

func TestDelayWriteRequiresWriter(t *testing.T) {
	f := &File{role: RoleReader}
	_, err := f.DelayWrite(1)
	assert.ErrorIs(t, err, ErrNotWriter)
}
