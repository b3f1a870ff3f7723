package swmr

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumafs/shadowtick/pkg/config"
	"github.com/lumafs/shadowtick/pkg/shadow"
)

// manualPublisher drives a shadow file directly, bypassing the writer
// engine, so tests can stage arbitrary publication states.
type manualPublisher struct {
	sf  *shadow.File
	cfg config.SWMRConfig
}

func newManualPublisher(t *testing.T, cfg config.SWMRConfig) *manualPublisher {
	t.Helper()
	sf, err := shadow.Create(cfg.MDFilePath, uint64(cfg.PageSize), false)
	require.NoError(t, err)
	require.NoError(t, sf.Truncate(uint64(cfg.MDPagesReserved)*uint64(cfg.PageSize)))
	t.Cleanup(func() { sf.Close() })
	return &manualPublisher{sf: sf, cfg: cfg}
}

func (p *manualPublisher) writeIndex(t *testing.T, tick uint64, entries []shadow.IndexEntry) {
	t.Helper()
	require.NoError(t, p.sf.WriteIndex(uint64(p.cfg.PageSize), tick, entries))
}

func (p *manualPublisher) writeHeader(t *testing.T, tick uint64, numEntries uint32) {
	t.Helper()
	require.NoError(t, p.sf.WriteHeader(shadow.Header{
		PageSize:    uint32(p.cfg.PageSize),
		Tick:        tick,
		IndexOffset: uint64(p.cfg.PageSize),
		IndexLength: shadow.IndexSize(numEntries),
	}))
}

func (p *manualPublisher) publish(t *testing.T, tick uint64, entries []shadow.IndexEntry) {
	t.Helper()
	p.writeIndex(t, tick, entries)
	p.writeHeader(t, tick, uint32(len(entries)))
}

func openTestReader(t *testing.T, cfg config.SWMRConfig, pb *fakePageBuffer, opts ...func(*Options)) *File {
	t.Helper()
	readerCfg := cfg
	readerCfg.Writer = false
	o := Options{
		Config:     readerCfg,
		PageBuffer: pb,
		Scheduler:  NewScheduler(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	f, err := OpenReader(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !f.closed {
			f.Close(context.Background())
		}
	})
	return f
}

// ============================================================================
// Reader Open Tests
// ============================================================================

func TestOpenReaderSeedsFromPublication(t *testing.T) {
	cfg := testSWMRConfig(t, false)
	p := newManualPublisher(t, cfg)
	p.publish(t, 8, []shadow.IndexEntry{
		{PageOffset: 3, ShadowPageOffset: 7, Length: 4096},
		{PageOffset: 4, ShadowPageOffset: 8, Length: 4096},
	})

	f := openTestReader(t, cfg, &fakePageBuffer{})
	assert.Equal(t, RoleReader, f.Role())
	assert.Equal(t, uint64(8), f.Tick())
	assert.Equal(t, uint32(2), f.Index().Used())
}

func TestOpenReaderMissingFileFails(t *testing.T) {
	cfg := testSWMRConfig(t, false)
	cfg.MDFilePath = filepath.Join(t.TempDir(), "absent.shadow")

	_, err := OpenReader(Options{Config: cfg, PageBuffer: &fakePageBuffer{}, Scheduler: NewScheduler()})
	assert.Error(t, err)
}

// ============================================================================
// Reader EOT Tests
// ============================================================================

func TestReaderCatchesUp(t *testing.T) {
	// Reader at tick 8 holds {3→7, 4→8}; the writer publishes tick 10 with
	// {3→9, 5→11}. The reader must evict pages 3 (moved) and 4 (removed)
	// from the page buffer, then from the metadata cache, leave page 5
	// (added) alone, and adopt tick 10.
	cfg := testSWMRConfig(t, false)
	p := newManualPublisher(t, cfg)
	p.publish(t, 8, []shadow.IndexEntry{
		{PageOffset: 3, ShadowPageOffset: 7, Length: 4096},
		{PageOffset: 4, ShadowPageOffset: 8, Length: 4096},
	})

	log := &eventLog{}
	pb := &fakePageBuffer{log: log}
	mdc := &fakeMetadataCache{log: log}
	f := openTestReader(t, cfg, pb, func(o *Options) { o.MetadataCache = mdc })

	p.publish(t, 10, []shadow.IndexEntry{
		{PageOffset: 3, ShadowPageOffset: 9, Length: 4096},
		{PageOffset: 5, ShadowPageOffset: 11, Length: 4096},
	})

	require.NoError(t, f.ReaderEndOfTick(context.Background()))

	assert.Equal(t, uint64(10), f.Tick())
	assert.Equal(t, []uint64{3 * 4096, 4 * 4096}, pb.removed)
	assert.Equal(t, []uint64{3, 4}, mdc.evictions)

	// Page-buffer removals all precede metadata-cache evictions.
	events := log.all()
	lastRemove, firstEvict := -1, len(events)
	for i, ev := range events {
		if strings.HasPrefix(ev, "pb:remove") && i > lastRemove {
			lastRemove = i
		}
		if strings.HasPrefix(ev, "mdc:evict") && i < firstEvict {
			firstEvict = i
		}
	}
	assert.Less(t, lastRemove, firstEvict)
}

func TestReaderNoChangeIsANoop(t *testing.T) {
	cfg := testSWMRConfig(t, false)
	p := newManualPublisher(t, cfg)
	p.publish(t, 5, nil)

	pb := &fakePageBuffer{}
	f := openTestReader(t, cfg, pb)

	require.NoError(t, f.ReaderEndOfTick(context.Background()))
	assert.Equal(t, uint64(5), f.Tick())
	assert.Empty(t, pb.removed)
}

func TestReaderTornRead(t *testing.T) {
	// The writer is observed mid-publication: the header advertises tick 9
	// while the index still holds tick 8. The reader reports no change and
	// picks the tick up once publication completes.
	cfg := testSWMRConfig(t, false)
	p := newManualPublisher(t, cfg)
	p.publish(t, 8, nil)

	pb := &fakePageBuffer{}
	met := newFakeEOTMetrics()
	f := openTestReader(t, cfg, pb, func(o *Options) { o.Metrics = met })

	p.writeHeader(t, 9, 0)

	require.NoError(t, f.ReaderEndOfTick(context.Background()))
	assert.Equal(t, uint64(8), f.Tick())
	assert.Equal(t, 1, met.tornReads)
	assert.Empty(t, pb.removed)

	p.writeIndex(t, 9, nil)

	require.NoError(t, f.ReaderEndOfTick(context.Background()))
	assert.Equal(t, uint64(9), f.Tick())
}

func TestReaderTornReadKeepsWorkingIndex(t *testing.T) {
	cfg := testSWMRConfig(t, false)
	p := newManualPublisher(t, cfg)
	p.publish(t, 4, []shadow.IndexEntry{{PageOffset: 2, ShadowPageOffset: 5, Length: 4096}})

	pb := &fakePageBuffer{}
	f := openTestReader(t, cfg, pb)

	// Mid-publication of tick 5: the abandoned attempt must leave the
	// adopted tick-4 index intact.
	p.writeHeader(t, 5, 1)
	require.NoError(t, f.ReaderEndOfTick(context.Background()))

	assert.Equal(t, uint64(4), f.Tick())
	require.Equal(t, uint32(1), f.Index().Used())
	assert.Equal(t, uint64(2), f.Index().Entries()[0].PageOffset)
}

func TestReaderEndToEndWithWriter(t *testing.T) {
	// Full stack: a real writer publishes through the shadow file and a
	// real reader adopts each tick.
	cfg := testSWMRConfig(t, true)
	wpb := &fakePageBuffer{}
	w := openTestWriter(t, cfg, wpb, func(o *Options) { o.FileCreate = false })
	ctx := context.Background()

	rpb := &fakePageBuffer{}
	r := openTestReader(t, cfg, rpb)
	require.Equal(t, uint64(1), r.Tick())

	// Writer publishes pages 3 and 5. The entries land in the tick-1
	// publication, which a reader already at tick 1 will not re-read; the
	// following idle tick makes them visible at tick 2.
	wpb.dirty(3, bytes.Repeat([]byte{3}, 4096))
	wpb.dirty(5, bytes.Repeat([]byte{5}, 4096))
	require.NoError(t, w.WriterEndOfTick(ctx))
	require.NoError(t, w.WriterEndOfTick(ctx))

	require.NoError(t, r.ReaderEndOfTick(ctx))
	assert.Equal(t, uint64(2), r.Tick())

	// Both pages were new: no evictions.
	assert.Empty(t, rpb.removed)
	assert.Equal(t, uint32(2), r.Index().Used())

	// Writer rewrites page 3; the reader evicts it on adoption.
	wpb.dirty(3, bytes.Repeat([]byte{33}, 4096))
	require.NoError(t, w.WriterEndOfTick(ctx))

	require.NoError(t, r.ReaderEndOfTick(ctx))
	assert.Equal(t, uint64(3), r.Tick())
	assert.Equal(t, []uint64{3 * 4096}, rpb.removed)
}

func TestReaderClose(t *testing.T) {
	cfg := testSWMRConfig(t, false)
	p := newManualPublisher(t, cfg)
	p.publish(t, 1, nil)

	sched := NewScheduler()
	f := openTestReader(t, cfg, &fakePageBuffer{}, func(o *Options) { o.Scheduler = sched })
	require.Equal(t, 1, sched.Len())

	require.NoError(t, f.Close(context.Background()))
	assert.Zero(t, sched.Len())
	assert.ErrorIs(t, f.ReaderEndOfTick(context.Background()), ErrClosed)
}

// ============================================================================
// Diff Tests
// ============================================================================

func TestStalePages(t *testing.T) {
	mkIndex := func(entries ...shadow.IndexEntry) *shadow.Index {
		idx := shadow.NewIndex(uint32(len(entries)) + 4)
		for _, e := range entries {
			_, err := idx.Insert(e)
			require.NoError(t, err)
		}
		return idx
	}

	t.Run("MovedAndRemovedAndAdded", func(t *testing.T) {
		old := mkIndex(
			shadow.IndexEntry{PageOffset: 3, ShadowPageOffset: 7},
			shadow.IndexEntry{PageOffset: 4, ShadowPageOffset: 8},
		)
		fresh := mkIndex(
			shadow.IndexEntry{PageOffset: 3, ShadowPageOffset: 9},
			shadow.IndexEntry{PageOffset: 5, ShadowPageOffset: 11},
		)

		stale, added, err := stalePages(old, fresh)
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4}, stale)
		assert.Equal(t, 1, added)
	})

	t.Run("UnchangedLocationIsNotStale", func(t *testing.T) {
		old := mkIndex(shadow.IndexEntry{PageOffset: 2, ShadowPageOffset: 6})
		fresh := mkIndex(shadow.IndexEntry{PageOffset: 2, ShadowPageOffset: 6})

		stale, added, err := stalePages(old, fresh)
		require.NoError(t, err)
		assert.Empty(t, stale)
		assert.Zero(t, added)
	})

	t.Run("NilOldIndexIsAllAdds", func(t *testing.T) {
		fresh := mkIndex(
			shadow.IndexEntry{PageOffset: 1, ShadowPageOffset: 2},
			shadow.IndexEntry{PageOffset: 9, ShadowPageOffset: 4},
		)

		stale, added, err := stalePages(nil, fresh)
		require.NoError(t, err)
		assert.Empty(t, stale)
		assert.Equal(t, 2, added)
	})

	t.Run("TrailingOldEntriesAreStale", func(t *testing.T) {
		old := mkIndex(
			shadow.IndexEntry{PageOffset: 1, ShadowPageOffset: 2},
			shadow.IndexEntry{PageOffset: 8, ShadowPageOffset: 3},
			shadow.IndexEntry{PageOffset: 9, ShadowPageOffset: 4},
		)
		fresh := mkIndex(shadow.IndexEntry{PageOffset: 1, ShadowPageOffset: 2})

		stale, added, err := stalePages(old, fresh)
		require.NoError(t, err)
		assert.Equal(t, []uint64{8, 9}, stale)
		assert.Zero(t, added)
	})
}
