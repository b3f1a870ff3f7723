package swmr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumafs/shadowtick/internal/logger"
	"github.com/lumafs/shadowtick/internal/telemetry"
	"github.com/lumafs/shadowtick/pkg/shadow"
)

// WriterEndOfTick publishes the current tick: it reconciles the page
// buffer's tick list into the shadow index, writes the updated images,
// index, and header to the shadow file, reclaims expired shadow storage,
// and advances the tick.
//
// The nine steps below are strictly ordered; reordering any of them breaks
// the guarantee that a reader can locate the metadata for every page it can
// observe.
func (f *File) WriterEndOfTick(ctx context.Context) error {
	if f.role != RoleWriter {
		return ErrNotWriter
	}
	if f.closed {
		return ErrClosed
	}

	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "writer_eot")
	span.SetAttributes(telemetry.Role("writer"), telemetry.Tick(f.tick), telemetry.MDFile(f.cfg.MDFilePath))
	defer span.End()

	// 1) Flush raw-data caches and release file-space aggregators.
	if f.cfg.FlushRawData && f.raw != nil {
		if err := f.raw.FlushRawData(); err != nil {
			telemetry.RecordError(ctx, err)
			return fmt.Errorf("flush raw data: %w", err)
		}
	}

	// 2) If a metadata cache exists, flush it into the page buffer.
	if f.mdc != nil {
		if err := f.mdc.Flush(); err != nil {
			telemetry.RecordError(ctx, err)
			return fmt.Errorf("flush metadata cache: %w", err)
		}
	}

	// 3) Bring the file driver's extent in line with the logical size.
	if f.primary != nil {
		if err := f.primary.Truncate(false); err != nil {
			telemetry.RecordError(ctx, err)
			return fmt.Errorf("truncate primary file: %w", err)
		}
	}

	// 4) On the first tick, create the in-memory index.
	if f.tick == 1 && f.idx == nil {
		f.idx = shadow.NewIndex(shadow.InitialIndexCapacity(f.pageSize, f.cfg.MDPagesReserved))
	}

	// 5) Reconcile the page buffer's tick list against the index.
	added, modified, err := f.reconcileTickList()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	// 6) Update the shadow file. Must happen before the tick list is
	// released: the entry images still live in the page buffer.
	if err := f.updateShadowFile(); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	if f.idx.Used() > f.idx.Len() {
		return fmt.Errorf("index used %d exceeds capacity %d: %w",
			f.idx.Used(), f.idx.Len(), ErrInconsistentState)
	}

	// 7) Release the page buffer tick list.
	f.pb.ReleaseTickList()

	// 8) Release any delayed writes whose delay has expired.
	f.pb.ReleaseDelayedWrites(f.tick)

	// 9) Increment the tick, recompute the deadline, requeue.
	f.updateEndOfTick(true)
	f.sched.Reinsert(f)

	f.observeEOT(started)
	logger.DebugCtx(ctx, "writer eot complete",
		logger.KeyTick, f.tick,
		logger.KeyEntries, f.idx.Used(),
		"added", added,
		"modified", modified)
	return nil
}

// reconcileTickList merges the pages dirtied this tick into the index.
//
// A page already present keeps its entry, picking up the new image now and a
// new shadow location at flush time; a page not yet present gets a
// fresh entry whose delayed-flush deadline ages the page out over max_lag
// ticks before any rewrite may land.
func (f *File) reconcileTickList() (added, modified uint32, err error) {
	for _, tl := range f.pb.TickList() {
		if e := f.idx.Lookup(tl.Page); e != nil {
			e.Length = tl.Length
			e.Image = tl.Image
			modified++
			continue
		}

		entry := shadow.IndexEntry{
			PageOffset:   tl.Page,
			Length:       tl.Length,
			Image:        tl.Image,
			DelayedFlush: f.tick + f.cfg.MaxLag,
		}

		if _, err := f.idx.Insert(entry); err != nil {
			if !errors.Is(err, shadow.ErrIndexFull) {
				return added, modified, fmt.Errorf("%w: %w", ErrInconsistentState, err)
			}
			if err := f.enlargeIndex(); err != nil {
				return added, modified, err
			}
			if _, err := f.idx.Insert(entry); err != nil {
				return added, modified, fmt.Errorf("insert after enlargement: %w", err)
			}
		}
		added++
	}
	return added, modified, nil
}

// updateShadowFile is the publication sub-protocol: flush every pending
// image to freshly allocated shadow storage, then write the index block,
// then the header, in that order, and finally reap expired reclamations.
func (f *File) updateShadowFile() error {
	// (a) Restore sort order and assert the ordering invariant.
	f.idx.Sort()
	if err := f.idx.VerifySorted(); err != nil {
		return fmt.Errorf("%w: %w", ErrInconsistentState, err)
	}

	entries := f.idx.Entries()
	for i := range entries {
		e := &entries[i]
		if e.Image == nil {
			continue
		}

		// (b) Defer reclamation of the superseded image, if any.
		if e.ShadowPageOffset != 0 {
			f.defrees.PushHead(e.ShadowPageOffset*f.pageSize, e.Length, f.tick)
			if f.met != nil {
				f.met.ObserveDeferredBytes(uint64(e.Length))
			}
		}

		// (c) Allocate a fresh shadow range for the new image.
		addr, err := f.alloc.Alloc(uint64(e.Length))
		if err != nil {
			return fmt.Errorf("allocate %d shadow bytes for page %d: %w", e.Length, e.PageOffset, err)
		}
		if addr%f.pageSize != 0 {
			return fmt.Errorf("allocator returned unaligned address %d: %w", addr, ErrInconsistentState)
		}

		// (d) Checksum, update the entry, write the image, drop the borrow.
		e.ShadowPageOffset = addr / f.pageSize
		e.Checksum = shadow.Checksum(e.Image)
		if err := f.mdFile.WriteImage(addr, e.Image); err != nil {
			return err
		}
		e.Image = nil
	}

	// Every borrowed image must be flushed and released by now.
	for i := range entries {
		if entries[i].Image != nil {
			return fmt.Errorf("page %d image not flushed at end of tick: %w",
				entries[i].PageOffset, ErrInconsistentState)
		}
	}

	// (e) Publish: index block first, then the header.
	if err := f.mdFile.WriteIndex(f.writerIndexOffset, f.tick, entries); err != nil {
		return err
	}
	if err := f.mdFile.WriteHeader(shadow.Header{
		PageSize:    uint32(f.pageSize),
		Tick:        f.tick,
		IndexOffset: f.writerIndexOffset,
		IndexLength: shadow.IndexSize(f.idx.Used()),
	}); err != nil {
		return err
	}

	// (f) Reap reclamations whose delay has expired.
	_, bytes, err := f.defrees.Reap(f.tick, f.cfg.MaxLag, func(offset uint64, length uint32) error {
		return f.alloc.Free(offset, uint64(length))
	})
	if err != nil {
		return fmt.Errorf("reclaim shadow storage: %w", err)
	}
	if f.met != nil && bytes > 0 {
		f.met.ObserveReclaimedBytes(bytes)
	}

	return nil
}

// enlargeIndex doubles the index, moving it to a freshly allocated shadow
// region. The old region is deferred for max_lag ticks: a reader may still
// be resolving the previous publication through it.
func (f *File) enlargeIndex() error {
	oldLen := f.idx.Len()
	newLen := shadow.GrownCapacity(oldLen)
	if newLen == oldLen {
		return ErrIndexSaturated
	}

	newOffset, err := f.alloc.Alloc(shadow.IndexSize(newLen))
	if err != nil {
		return fmt.Errorf("allocate enlarged index region: %w", err)
	}

	if err := f.idx.Grow(newLen); err != nil {
		return err
	}

	oldOffset := f.writerIndexOffset
	oldSize := shadow.IndexSize(oldLen)
	f.writerIndexOffset = newOffset
	f.defrees.PushHead(oldOffset, uint32(oldSize), f.tick)

	logger.Info("shadow index enlarged",
		logger.KeyCapacity, newLen,
		logger.KeyOffset, newOffset,
		logger.KeyTick, f.tick)
	return nil
}

// publishEmpty writes an empty index and matching header at the current
// tick. Used at writer init on an existing primary file and at flush/close.
func (f *File) publishEmpty() error {
	if err := f.mdFile.WriteIndex(f.writerIndexOffset, f.tick, nil); err != nil {
		return err
	}
	return f.mdFile.WriteHeader(shadow.Header{
		PageSize:    uint32(f.pageSize),
		Tick:        f.tick,
		IndexOffset: f.writerIndexOffset,
		IndexLength: shadow.IndexSize(0),
	})
}

// waitATick sleeps for one tick length and then runs a writer end of tick.
// Used only while draining delayed writes ahead of a flush or close.
func (f *File) waitATick(ctx context.Context) error {
	time.Sleep(f.cfg.TickDuration())
	return f.WriterEndOfTick(ctx)
}

// PrepForFlushOrClose drives the page buffer to drain: one end of tick to
// clear the tick list, then one tick of waiting per remaining delayed write
// batch until none are pending.
func (f *File) PrepForFlushOrClose(ctx context.Context) error {
	if f.role != RoleWriter {
		return ErrNotWriter
	}

	if err := f.WriterEndOfTick(ctx); err != nil {
		return err
	}

	for f.pb.DelayedWriteCount() > 0 {
		if err := f.waitATick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CloseOrFlush publishes an empty index and header, then either tears the
// writer down (closing) or starts a fresh tick (flush).
//
// On close the shadow file is unlinked: a reader attaching afterwards finds
// no file rather than a stale tick. Deferred reclamations are dropped with
// the file.
func (f *File) CloseOrFlush(ctx context.Context, closing bool) error {
	if f.role != RoleWriter {
		return ErrNotWriter
	}
	if f.closed {
		return ErrClosed
	}

	if err := f.publishEmpty(); err != nil {
		return err
	}

	if closing {
		f.tick++

		if err := f.mdFile.CloseAndUnlink(); err != nil {
			return err
		}
		if err := f.alloc.Close(); err != nil {
			return err
		}

		if n := f.defrees.Drain(); n > 0 {
			logger.Debug("dropped deferred shadow frees at close", "records", n)
		}

		f.sched.RemoveEntry(f)
		f.closed = true
		logger.InfoCtx(ctx, "writer closed", logger.KeyMDFile, f.cfg.MDFilePath, logger.KeyTick, f.tick)
		return nil
	}

	f.updateEndOfTick(true)
	f.sched.Reinsert(f)
	return nil
}

// Flush drains pending writes and republishes an empty index without
// closing the file.
func (f *File) Flush(ctx context.Context) error {
	if err := f.PrepForFlushOrClose(ctx); err != nil {
		return err
	}
	return f.CloseOrFlush(ctx, false)
}

// Close drains pending writes, publishes a final empty index, and removes
// the shadow file.
func (f *File) Close(ctx context.Context) error {
	if f.role != RoleWriter {
		return f.closeReader()
	}

	if err := f.PrepForFlushOrClose(ctx); err != nil {
		return err
	}
	return f.CloseOrFlush(ctx, true)
}
