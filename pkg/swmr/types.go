// Package swmr implements the end-of-tick coordination protocol for a
// single-writer/multiple-reader paged data file.
//
// One writer process publishes a page index through a shadow file at a
// bounded rate; reader processes poll the shadow file and reconcile their
// caches against each newly published index. No cross-process locks are
// involved: the index-then-header publication order and the twin-tick check
// are the whole of the coordination.
package swmr

import (
	"errors"
)

var (
	// ErrInconsistentState reports a violated internal invariant: a
	// duplicate or unsorted index, an out-of-range write delay, or an
	// entry image left unflushed at the end of a tick.
	ErrInconsistentState = errors.New("swmr internal state inconsistent")

	// ErrNotWriter is returned when a writer-only operation is invoked on
	// a reader handle.
	ErrNotWriter = errors.New("operation requires the writer role")

	// ErrNotReader is returned when a reader-only operation is invoked on
	// a writer handle.
	ErrNotReader = errors.New("operation requires the reader role")

	// ErrClosed is returned for operations on a closed file.
	ErrClosed = errors.New("swmr file closed")

	// ErrIndexSaturated is returned when the shadow index cannot grow
	// beyond the largest entry count the wire format carries.
	ErrIndexSaturated = errors.New("shadow index saturated")
)

// TickListEntry is one page dirtied during the current tick, as reported by
// the page buffer. Image points at the page buffer's copy of the yet
// unwritten image; the writer engine borrows it for the duration of the
// shadow-file update and never retains it past the end of tick.
type TickListEntry struct {
	// Page is the logical page number in the primary file.
	Page uint64

	// Length is the image length in bytes. A multi-page metadata entry may
	// exceed the page size.
	Length uint32

	// Image is the page image to publish.
	Image []byte
}

// PageBuffer is the surface the engines consume from the page buffer.
//
// The page buffer decides when pages become dirty and tracks delayed
// writes; the engines only drive it at tick boundaries.
type PageBuffer interface {
	// SetTick informs the page buffer of the current tick.
	SetTick(tick uint64)

	// TickList returns the pages dirtied during the current tick.
	TickList() []TickListEntry

	// ReleaseTickList discards the current tick list after the shadow file
	// has been updated.
	ReleaseTickList()

	// ReleaseDelayedWrites releases pending writes whose delay has expired
	// at the given tick.
	ReleaseDelayedWrites(tick uint64)

	// RemoveEntry evicts the page at the given byte address, if cached.
	RemoveEntry(addr uint64) error

	// DelayedWriteCount returns the number of pending delayed writes.
	DelayedWriteCount() int
}

// MetadataCache is the surface the engines consume from the metadata-object
// cache.
type MetadataCache interface {
	// Flush writes all dirty cache entries into the page buffer.
	Flush() error

	// EvictOrRefreshAllEntriesInPage evicts or refreshes every cached
	// entry residing in the given logical page. The reader engine calls
	// this only after the page buffer no longer holds the stale page, so a
	// refresh re-reads current bytes.
	EvictOrRefreshAllEntriesInPage(page uint64, tick uint64) error
}

// RawDataFlusher flushes raw-data caches and releases file-space
// aggregators ahead of a writer end of tick.
type RawDataFlusher interface {
	FlushRawData() error
}

// PrimaryFile is the underlying file driver surface the writer engine uses.
type PrimaryFile interface {
	// Truncate brings the driver's extent in line with the logical size.
	Truncate(closing bool) error
}

// Role distinguishes the writer from readers in the EOT scheduler.
type Role int

const (
	// RoleWriter is the single process that publishes the shadow index.
	RoleWriter Role = iota

	// RoleReader is a process consuming published indices.
	RoleReader
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleWriter:
		return "writer"
	case RoleReader:
		return "reader"
	default:
		return "unknown"
	}
}
