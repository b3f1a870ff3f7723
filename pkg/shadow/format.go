// Package shadow implements the on-disk format and in-memory stores for the
// shadow (metadata) file through which a single writer publishes a paged
// index to any number of reader processes.
//
// The shadow file is a flat sequence of fixed-size pages. Page 0 holds the
// header; the index block lives at the offset the header advertises. The
// writer publishes by writing the index block first and the header second;
// readers detect a mid-publication read by comparing the tick recorded in
// both blocks.
//
// The shadow file is assumed to live on a filesystem whose reads and writes
// of aligned page-size blocks are sector-atomic. On a network filesystem
// without that property a reader may observe a mixed page image; the
// checksums reduce but do not eliminate that window.
package shadow

import (
	"github.com/spaolacci/murmur3"
)

// Magic tags identifying the two block types in the shadow file.
const (
	HeaderMagic = "SHDR"
	IndexMagic  = "SIDX"

	magicSize = 4
)

// Header layout: magic (4B), page_size (u32), tick (u64), index_offset (u64),
// index_length (u64), checksum (u32). All fields little-endian; the checksum
// covers all preceding bytes.
const (
	HeaderSize = magicSize + 4 + 8 + 8 + 8 + 4
)

// Index block layout: magic (4B), tick (u64), num_entries (u32), entries
// (four u32 fields each), checksum (u32).
const (
	indexPrefixSize = magicSize + 8 + 4
	checksumSize    = 4

	// IndexEntrySize is the encoded size of one index entry.
	IndexEntrySize = 4 * 4

	// MaxIndexEntries is the largest entry count the wire format carries.
	MaxIndexEntries = 1<<32 - 1
)

// IndexSize returns the encoded size of an index block with n entries.
func IndexSize(n uint32) uint64 {
	return uint64(indexPrefixSize) + uint64(n)*IndexEntrySize + checksumSize
}

// Header is the decoded form of the shadow-file header.
type Header struct {
	// PageSize is the page size shared by the primary and shadow files.
	PageSize uint32

	// Tick is the tick number of the most recent publication.
	Tick uint64

	// IndexOffset is the byte offset of the current index block.
	IndexOffset uint64

	// IndexLength is the encoded length of the current index block.
	IndexLength uint64
}

// IndexEntry maps a logical page of the primary file to the shadow-file
// location of its most recent image.
//
// Entries are keyed and ordered by PageOffset. Only the first four fields
// are persisted; DelayedFlush and Image are writer-side state.
type IndexEntry struct {
	// PageOffset is the logical page number in the primary file.
	PageOffset uint64

	// ShadowPageOffset is the page number in the shadow file holding the
	// current image, or 0 if no image has been written yet.
	ShadowPageOffset uint64

	// Length is the image length in bytes. A multi-page metadata entry may
	// exceed the page size.
	Length uint32

	// Checksum is the checksum of the on-shadow image.
	Checksum uint32

	// DelayedFlush is the earliest tick at which a subsequent write to this
	// page may proceed; 0 means not delayed. Writer-side only.
	DelayedFlush uint64

	// Image points at the not-yet-flushed page image in the page buffer.
	// Non-nil only between tick-list reconciliation and the shadow-file
	// update within a single end of tick.
	Image []byte
}

// Checksum computes the CRC-class checksum used for all shadow-file blocks
// and page images.
func Checksum(data []byte) uint32 {
	return murmur3.Sum32(data)
}
