package shadow

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrAllocatorClosed is returned for operations on a closed allocator.
	ErrAllocatorClosed = errors.New("shadow allocator closed")
)

// Allocator manages shadow-file free space. Alloc returns page-aligned byte
// offsets; Free returns a previously allocated range for reuse.
type Allocator interface {
	Alloc(size uint64) (uint64, error)
	Free(offset, size uint64) error
	Close() error
}

// span is a free range in the shadow file.
type span struct {
	offset uint64
	length uint64
}

// PageAllocator is a first-fit free-list allocator over the shadow file.
//
// All requests are rounded up to whole pages, so every address it returns is
// page-aligned. Freed ranges are coalesced with their neighbors and reused
// before the end of allocations is extended.
type PageAllocator struct {
	pageSize uint64
	eoa      uint64 // end of allocations, in bytes
	free     []span // sorted by offset
	closed   bool
}

// NewPageAllocator creates an allocator for a shadow file with the given
// page size. The first allocation returns offset 0.
func NewPageAllocator(pageSize uint64) *PageAllocator {
	return &PageAllocator{pageSize: pageSize}
}

// EOA returns the current end of allocations in bytes: the extent of the
// shadow file when every allocated range is in place.
func (a *PageAllocator) EOA() uint64 {
	return a.eoa
}

// roundUp rounds size up to a whole number of pages.
func (a *PageAllocator) roundUp(size uint64) uint64 {
	pages := (size + a.pageSize - 1) / a.pageSize
	return pages * a.pageSize
}

// Alloc returns a page-aligned offset for a range of at least size bytes.
func (a *PageAllocator) Alloc(size uint64) (uint64, error) {
	if a.closed {
		return 0, ErrAllocatorClosed
	}
	if size == 0 {
		return 0, errors.New("zero-length shadow allocation")
	}

	need := a.roundUp(size)

	// First fit from the free list.
	for i := range a.free {
		if a.free[i].length < need {
			continue
		}
		offset := a.free[i].offset
		if a.free[i].length == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i].offset += need
			a.free[i].length -= need
		}
		return offset, nil
	}

	offset := a.eoa
	a.eoa += need
	return offset, nil
}

// Free returns a range to the allocator, coalescing with adjacent free
// ranges. The range must be page-aligned and must not overlap a free range.
func (a *PageAllocator) Free(offset, size uint64) error {
	if a.closed {
		return ErrAllocatorClosed
	}
	if offset%a.pageSize != 0 {
		return fmt.Errorf("freeing unaligned shadow offset %d", offset)
	}

	length := a.roundUp(size)
	if offset+length > a.eoa {
		return fmt.Errorf("freeing shadow range [%d,%d) past end of allocations %d",
			offset, offset+length, a.eoa)
	}

	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].offset >= offset
	})

	if i > 0 && a.free[i-1].offset+a.free[i-1].length > offset {
		return fmt.Errorf("double free of shadow range at offset %d", offset)
	}
	if i < len(a.free) && offset+length > a.free[i].offset {
		return fmt.Errorf("double free of shadow range at offset %d", offset)
	}

	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{offset: offset, length: length}

	// Coalesce with the successor, then the predecessor.
	if i+1 < len(a.free) && a.free[i].offset+a.free[i].length == a.free[i+1].offset {
		a.free[i].length += a.free[i+1].length
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].offset+a.free[i-1].length == a.free[i].offset {
		a.free[i-1].length += a.free[i].length
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	return nil
}

// FreeRanges returns the number of disjoint free ranges. Useful for tests.
func (a *PageAllocator) FreeRanges() int {
	return len(a.free)
}

// Close tears down the allocator. Further operations fail.
func (a *PageAllocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.free = nil
	return nil
}
