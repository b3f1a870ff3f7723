package swmr

import (
	"fmt"
	"sync"
	"time"
)

// eventLog records cross-collaborator call ordering so tests can assert the
// page-buffer-before-metadata-cache eviction discipline.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.events...)
}

// fakePageBuffer implements PageBuffer for tests.
type fakePageBuffer struct {
	log *eventLog

	tick     uint64
	tickList []TickListEntry

	// delayedDeadlines holds the deadline tick of each pending delayed
	// write; ReleaseDelayedWrites drops the expired ones.
	delayedDeadlines []uint64

	removed          []uint64
	tickListReleases int
	releaseCalls     int
}

func (pb *fakePageBuffer) SetTick(tick uint64) {
	pb.tick = tick
}

func (pb *fakePageBuffer) TickList() []TickListEntry {
	return pb.tickList
}

func (pb *fakePageBuffer) ReleaseTickList() {
	pb.tickList = nil
	pb.tickListReleases++
}

func (pb *fakePageBuffer) ReleaseDelayedWrites(tick uint64) {
	pb.releaseCalls++
	kept := pb.delayedDeadlines[:0]
	for _, deadline := range pb.delayedDeadlines {
		if deadline > tick {
			kept = append(kept, deadline)
		}
	}
	pb.delayedDeadlines = kept
}

func (pb *fakePageBuffer) RemoveEntry(addr uint64) error {
	pb.removed = append(pb.removed, addr)
	if pb.log != nil {
		pb.log.add("pb:remove:%d", addr)
	}
	return nil
}

func (pb *fakePageBuffer) DelayedWriteCount() int {
	return len(pb.delayedDeadlines)
}

// dirty queues a page image for the next tick list.
func (pb *fakePageBuffer) dirty(page uint64, image []byte) {
	pb.tickList = append(pb.tickList, TickListEntry{
		Page:   page,
		Length: uint32(len(image)),
		Image:  image,
	})
}

// fakeMetadataCache implements MetadataCache for tests.
type fakeMetadataCache struct {
	log *eventLog

	flushes   int
	evictions []uint64
}

func (mdc *fakeMetadataCache) Flush() error {
	mdc.flushes++
	if mdc.log != nil {
		mdc.log.add("mdc:flush")
	}
	return nil
}

func (mdc *fakeMetadataCache) EvictOrRefreshAllEntriesInPage(page uint64, tick uint64) error {
	mdc.evictions = append(mdc.evictions, page)
	if mdc.log != nil {
		mdc.log.add("mdc:evict:%d", page)
	}
	return nil
}

// fakePrimary implements PrimaryFile for tests.
type fakePrimary struct {
	truncates int
}

func (p *fakePrimary) Truncate(closing bool) error {
	p.truncates++
	return nil
}

// fakeRaw implements RawDataFlusher for tests.
type fakeRaw struct {
	flushes int
}

func (r *fakeRaw) FlushRawData() error {
	r.flushes++
	return nil
}

// fakeEOTMetrics implements metrics.EOTMetrics for tests.
type fakeEOTMetrics struct {
	eots           map[string]int
	tornReads      int
	deferredBytes  uint64
	reclaimedBytes uint64
	indexEntries   uint32
	shadowSize     uint64
}

func newFakeEOTMetrics() *fakeEOTMetrics {
	return &fakeEOTMetrics{eots: make(map[string]int)}
}

func (m *fakeEOTMetrics) ObserveEOT(role string, duration time.Duration) { m.eots[role]++ }
func (m *fakeEOTMetrics) ObserveTornRead()                              { m.tornReads++ }
func (m *fakeEOTMetrics) ObserveDeferredBytes(n uint64)                 { m.deferredBytes += n }
func (m *fakeEOTMetrics) ObserveReclaimedBytes(n uint64)                { m.reclaimedBytes += n }
func (m *fakeEOTMetrics) SetIndexEntries(n uint32)                      { m.indexEntries = n }
func (m *fakeEOTMetrics) SetShadowFileSize(n uint64)                    { m.shadowSize = n }
