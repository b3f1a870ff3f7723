package shadow

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrIndexFull is returned when an insert would exceed the index
	// capacity. The caller should enlarge the index and retry.
	ErrIndexFull = errors.New("shadow index full")

	// ErrDuplicatePage is returned when an insert would create a second
	// entry for the same logical page.
	ErrDuplicatePage = errors.New("duplicate logical page in shadow index")

	// ErrIndexUnsorted reports a violated ordering invariant.
	ErrIndexUnsorted = errors.New("shadow index not strictly ascending")
)

// Index is the in-memory shadow index: a growable array of entries kept
// sorted strictly ascending by logical page number.
//
// The writer mutates its index in place during end of tick; readers replace
// theirs wholesale from the shadow file. Neither is safe for concurrent use.
type Index struct {
	entries []IndexEntry
	used    uint32
}

// InitialIndexCapacity returns the entry capacity of the index region that
// fits in the reserved shadow-file pages after the header page.
func InitialIndexCapacity(pageSize uint64, mdPagesReserved uint32) uint32 {
	bytesAvailable := pageSize * uint64(mdPagesReserved-1)
	n := (bytesAvailable - IndexSize(0)) / IndexEntrySize
	if n > MaxIndexEntries {
		n = MaxIndexEntries
	}
	return uint32(n)
}

// NewIndex creates an empty index with the given entry capacity.
func NewIndex(capacity uint32) *Index {
	return &Index{entries: make([]IndexEntry, capacity)}
}

// Len returns the index capacity in entries.
func (idx *Index) Len() uint32 {
	return uint32(len(idx.entries))
}

// Used returns the number of entries in use.
func (idx *Index) Used() uint32 {
	return idx.used
}

// SetUsed adjusts the in-use count after entries were stored directly into
// the backing slice (the reader load path).
func (idx *Index) SetUsed(n uint32) {
	idx.used = n
}

// Entries returns the in-use portion of the index.
func (idx *Index) Entries() []IndexEntry {
	return idx.entries[:idx.used]
}

// Slots returns the full backing slice, including slots past the in-use
// count. The reader load path decodes into it; the enlargement path copies
// all of it.
func (idx *Index) Slots() []IndexEntry {
	return idx.entries
}

// Lookup returns the entry for the given logical page, or nil.
func (idx *Index) Lookup(page uint64) *IndexEntry {
	i, ok := idx.search(page)
	if !ok {
		return nil
	}
	return &idx.entries[i]
}

// search returns the position of page, or the position it would occupy.
func (idx *Index) search(page uint64) (int, bool) {
	i := sort.Search(int(idx.used), func(i int) bool {
		return idx.entries[i].PageOffset >= page
	})
	return i, i < int(idx.used) && idx.entries[i].PageOffset == page
}

// Insert adds an entry for a page not yet present, preserving sort order.
// Returns the stored entry.
func (idx *Index) Insert(e IndexEntry) (*IndexEntry, error) {
	i, ok := idx.search(e.PageOffset)
	if ok {
		return nil, fmt.Errorf("page %d: %w", e.PageOffset, ErrDuplicatePage)
	}
	if idx.used == idx.Len() {
		return nil, ErrIndexFull
	}

	copy(idx.entries[i+1:idx.used+1], idx.entries[i:idx.used])
	idx.entries[i] = e
	idx.used++
	return &idx.entries[i], nil
}

// Remove deletes the entry for the given page if present.
func (idx *Index) Remove(page uint64) bool {
	i, ok := idx.search(page)
	if !ok {
		return false
	}
	copy(idx.entries[i:idx.used-1], idx.entries[i+1:idx.used])
	idx.entries[idx.used-1] = IndexEntry{}
	idx.used--
	return true
}

// Sort restores strict ascending order by logical page number.
// Page numbers are unique so stability is irrelevant.
func (idx *Index) Sort() {
	sort.Slice(idx.entries[:idx.used], func(i, j int) bool {
		return idx.entries[i].PageOffset < idx.entries[j].PageOffset
	})
}

// VerifySorted checks the ordering invariant: strictly ascending, no
// duplicate pages.
func (idx *Index) VerifySorted() error {
	for i := uint32(1); i < idx.used; i++ {
		if idx.entries[i-1].PageOffset >= idx.entries[i].PageOffset {
			return fmt.Errorf("entries %d and %d (pages %d, %d): %w",
				i-1, i, idx.entries[i-1].PageOffset, idx.entries[i].PageOffset, ErrIndexUnsorted)
		}
	}
	return nil
}

// GrownCapacity returns the doubled capacity, saturating at the largest
// entry count the wire format can carry.
func GrownCapacity(capacity uint32) uint32 {
	if MaxIndexEntries-capacity >= capacity {
		return capacity * 2
	}
	return MaxIndexEntries
}

// Grow replaces the backing array with one of the given capacity, copying
// the old array in its entirety. Slots past the in-use count are copied too,
// because a caller mid-update may have stored entries there without yet
// raising the count.
func (idx *Index) Grow(capacity uint32) error {
	if capacity < idx.Len() {
		return fmt.Errorf("cannot shrink index from %d to %d entries", idx.Len(), capacity)
	}
	grown := make([]IndexEntry, capacity)
	copy(grown, idx.entries)
	idx.entries = grown
	return nil
}

// Reset clears all entries.
func (idx *Index) Reset() {
	for i := range idx.entries[:idx.used] {
		idx.entries[i] = IndexEntry{}
	}
	idx.used = 0
}
