package swmr

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lumafs/shadowtick/pkg/config"
	"github.com/lumafs/shadowtick/pkg/metrics"
	"github.com/lumafs/shadowtick/pkg/shadow"
)

// File is one open SWMR-coordinated file: the writer's or a reader's view of
// the shadow-file publication channel plus the local tick state.
//
// A File is driven by the EOT scheduler; its methods are not safe for
// concurrent use. Cross-process coordination happens exclusively through the
// shadow file.
type File struct {
	cfg  config.SWMRConfig
	role Role

	tick      uint64
	endOfTick time.Time

	pageSize uint64

	mdFile *shadow.File
	idx    *shadow.Index
	oldIdx *shadow.Index // reader: the previously adopted index

	// writerIndexOffset is the byte offset of the index block in the
	// shadow file. Reassigned when the index is enlarged.
	writerIndexOffset uint64

	alloc   shadow.Allocator
	defrees shadow.ReclaimQueue

	pb      PageBuffer
	mdc     MetadataCache
	raw     RawDataFlusher
	primary PrimaryFile

	met   metrics.EOTMetrics
	sched *Scheduler

	closed bool
}

// Role returns whether this handle is the writer or a reader.
func (f *File) Role() Role {
	return f.role
}

// Tick returns the current tick number.
func (f *File) Tick() uint64 {
	return f.tick
}

// EndOfTick returns the deadline of the current tick.
func (f *File) EndOfTick() time.Time {
	return f.endOfTick
}

// MDFilePath returns the shadow-file path.
func (f *File) MDFilePath() string {
	return f.cfg.MDFilePath
}

// Index returns the current in-memory index. Nil on a writer before its
// first end of tick.
func (f *File) Index() *shadow.Index {
	return f.idx
}

// DeferredFrees returns the number of pending deferred-reclamation records.
func (f *File) DeferredFrees() int {
	return f.defrees.Len()
}

// EndOfTickDue reports whether the tick deadline has passed at now.
func (f *File) EndOfTickDue(now time.Time) bool {
	return !now.Before(f.endOfTick)
}

// RunEndOfTick runs the end-of-tick engine for this file's role.
func (f *File) RunEndOfTick(ctx context.Context) error {
	if f.closed {
		return ErrClosed
	}
	if f.role == RoleWriter {
		return f.WriterEndOfTick(ctx)
	}
	return f.ReaderEndOfTick(ctx)
}

// updateEndOfTick recomputes the tick deadline from the monotonic clock and
// optionally advances the tick first.
func (f *File) updateEndOfTick(incrTick bool) {
	if incrTick {
		f.tick++
		f.pb.SetTick(f.tick)
	}
	f.endOfTick = time.Now().Add(f.cfg.TickDuration())
}

// observeEOT records a completed end of tick.
func (f *File) observeEOT(started time.Time) {
	if f.met == nil {
		return
	}
	f.met.ObserveEOT(f.role.String(), time.Since(started))
	if f.idx != nil {
		f.met.SetIndexEntries(f.idx.Used())
	}
}

// DumpIndex writes a human-readable summary of the in-memory index.
func (f *File) DumpIndex(w io.Writer) error {
	if f.idx == nil {
		_, err := fmt.Fprintf(w, "no index (tick %d)\n", f.tick)
		return err
	}

	fmt.Fprintf(w, "tick %d, index used/len = %d/%d, deferred frees = %d\n",
		f.tick, f.idx.Used(), f.idx.Len(), f.defrees.Len())

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Page", "Shadow Page", "Length", "Checksum", "Delayed Flush"})
	for _, e := range f.idx.Entries() {
		table.Append([]string{
			fmt.Sprintf("%d", e.PageOffset),
			fmt.Sprintf("%d", e.ShadowPageOffset),
			fmt.Sprintf("%d", e.Length),
			fmt.Sprintf("%08x", e.Checksum),
			fmt.Sprintf("%d", e.DelayedFlush),
		})
	}
	table.Render()
	return nil
}
