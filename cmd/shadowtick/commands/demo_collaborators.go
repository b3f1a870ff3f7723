package commands

import (
	"github.com/lumafs/shadowtick/pkg/swmr"
)

// demoPageBuffer is a synthetic page buffer for the demo command. Each tick
// it dirties a rotating pair of pages. It never queues delayed writes, so
// its delayed-write count is always zero.
type demoPageBuffer struct {
	pages    uint64
	pageSize uint64

	tick      uint64
	tickList  []swmr.TickListEntry
	delayed   []uint64
	evictions int
}

func newDemoPageBuffer(pages, pageSize uint64) *demoPageBuffer {
	return &demoPageBuffer{pages: pages, pageSize: pageSize}
}

// dirtySomePages queues two page images derived from the tick number.
func (pb *demoPageBuffer) dirtySomePages(tick uint64) {
	if pb.pages == 0 {
		return
	}
	for _, page := range []uint64{tick % pb.pages, (tick * 7) % pb.pages} {
		image := make([]byte, pb.pageSize)
		for i := range image {
			image[i] = byte(tick + page)
		}
		pb.tickList = append(pb.tickList, swmr.TickListEntry{
			Page:   page,
			Length: uint32(len(image)),
			Image:  image,
		})
	}
}

func (pb *demoPageBuffer) SetTick(tick uint64) {
	pb.tick = tick
}

func (pb *demoPageBuffer) TickList() []swmr.TickListEntry {
	return pb.tickList
}

func (pb *demoPageBuffer) ReleaseTickList() {
	pb.tickList = nil
}

func (pb *demoPageBuffer) ReleaseDelayedWrites(tick uint64) {
	kept := pb.delayed[:0]
	for _, deadline := range pb.delayed {
		if deadline > tick {
			kept = append(kept, deadline)
		}
	}
	pb.delayed = kept
}

func (pb *demoPageBuffer) RemoveEntry(addr uint64) error {
	pb.evictions++
	return nil
}

func (pb *demoPageBuffer) DelayedWriteCount() int {
	return len(pb.delayed)
}

// demoMetadataCache accepts every flush and evict without holding anything.
type demoMetadataCache struct{}

func (c *demoMetadataCache) Flush() error {
	return nil
}

func (c *demoMetadataCache) EvictOrRefreshAllEntriesInPage(page uint64, tick uint64) error {
	return nil
}
