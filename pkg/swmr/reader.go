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

// ReaderEndOfTick polls the shadow file for a new publication and, when one
// has landed, adopts it: the old and new indices are diffed, every page
// whose image moved or disappeared is evicted first from the page buffer and
// then from the metadata cache, and the local tick advances.
//
// A torn read (the writer was mid-publication) is not an error: the tick is
// simply not adopted and the next poll retries.
func (f *File) ReaderEndOfTick(ctx context.Context) error {
	if f.role != RoleReader {
		return ErrNotReader
	}
	if f.closed {
		return ErrClosed
	}

	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "reader_eot")
	span.SetAttributes(telemetry.Role("reader"), telemetry.Tick(f.tick), telemetry.MDFile(f.cfg.MDFilePath))
	defer span.End()

	// 1) Poll the header for the current tick.
	newTick, _, err := f.mdFile.GetTickAndIndex(true, nil)
	if err != nil {
		if errors.Is(err, shadow.ErrTornRead) {
			f.noteTornRead(ctx)
			f.requeue()
			return nil
		}
		telemetry.RecordError(ctx, err)
		return err
	}

	if newTick != f.tick {
		if err := f.adoptTick(ctx); err != nil {
			telemetry.RecordError(ctx, err)
			return err
		}
	}

	f.requeue()
	f.observeEOT(started)
	return nil
}

// adoptTick loads the newly published index and reconciles local caches
// against it.
func (f *File) adoptTick(ctx context.Context) error {
	// 2) Swap the current index into the old slot; reuse the spare index
	// buffer, allocating one on first use.
	f.idx, f.oldIdx = f.oldIdx, f.idx
	if f.idx == nil {
		f.idx = shadow.NewIndex(shadow.InitialIndexCapacity(f.pageSize, f.cfg.MDPagesReserved))
	}

	// 4) Load and validate the new index. A torn read abandons this tick:
	// swap back and let the next poll retry.
	newTick, used, err := f.mdFile.GetTickAndIndex(false, f.idx)
	if err != nil {
		f.idx, f.oldIdx = f.oldIdx, f.idx
		if errors.Is(err, shadow.ErrTornRead) {
			f.noteTornRead(ctx)
			return nil
		}
		return err
	}

	// 5) Diff old against new to find every page whose current image a
	// local cache may still hold stale.
	stale, added, err := stalePages(f.oldIdx, f.idx)
	if err != nil {
		return err
	}

	// 6) Evict in two passes: page buffer first, then metadata cache. The
	// metadata cache may re-read from the page buffer while refreshing, so
	// the buffer must already be clean.
	for _, page := range stale {
		if err := f.pb.RemoveEntry(page * f.pageSize); err != nil {
			return fmt.Errorf("evict page %d from page buffer: %w", page, err)
		}
	}
	if f.mdc != nil {
		for _, page := range stale {
			if err := f.mdc.EvictOrRefreshAllEntriesInPage(page, newTick); err != nil {
				return fmt.Errorf("evict or refresh page %d: %w", page, err)
			}
		}
	}

	// 7) Adopt the published tick.
	f.tick = newTick

	logger.DebugCtx(ctx, "reader adopted tick",
		logger.KeyTick, newTick,
		logger.KeyEntries, used,
		"stale", len(stale),
		"added", added)
	return nil
}

// requeue recomputes the tick deadline and reinserts into the scheduler.
func (f *File) requeue() {
	f.endOfTick = time.Now().Add(f.cfg.TickDuration())
	f.sched.Reinsert(f)
}

// noteTornRead records a torn header/index observation.
func (f *File) noteTornRead(ctx context.Context) {
	if f.met != nil {
		f.met.ObserveTornRead()
	}
	logger.DebugCtx(ctx, "torn shadow-file read, will retry", logger.KeyTick, f.tick)
}

// stalePages diffs two indices sorted by logical page and returns the pages
// whose cached images can no longer be trusted: those whose shadow location
// changed and those no longer present at all. Pages only in the new index
// need no cache action. Also returns the count of added pages.
func stalePages(old, fresh *shadow.Index) ([]uint64, int, error) {
	if err := fresh.VerifySorted(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInconsistentState, err)
	}

	var oldEntries []shadow.IndexEntry
	if old != nil {
		if err := old.VerifySorted(); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrInconsistentState, err)
		}
		oldEntries = old.Entries()
	}
	newEntries := fresh.Entries()

	stale := make([]uint64, 0, len(oldEntries)+len(newEntries))
	added := 0

	i, j := 0, 0
	for i < len(oldEntries) && j < len(newEntries) {
		switch {
		case oldEntries[i].PageOffset == newEntries[j].PageOffset:
			if oldEntries[i].ShadowPageOffset != newEntries[j].ShadowPageOffset {
				stale = append(stale, newEntries[j].PageOffset)
			}
			i++
			j++
		case oldEntries[i].PageOffset < newEntries[j].PageOffset:
			// Removed from the index; the primary file now holds the
			// authoritative bytes.
			stale = append(stale, oldEntries[i].PageOffset)
			i++
		default:
			added++
			j++
		}
	}

	for ; i < len(oldEntries); i++ {
		stale = append(stale, oldEntries[i].PageOffset)
	}
	added += len(newEntries) - j

	return stale, added, nil
}

// closeReader tears down a reader handle.
func (f *File) closeReader() error {
	if f.closed {
		return ErrClosed
	}
	f.sched.RemoveEntry(f)
	f.closed = true
	return f.mdFile.Close()
}
